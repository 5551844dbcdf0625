package httpapi

import (
	"compress/flate"
	"compress/gzip"
	"io"

	"mapedit.dev/apiserver/internal/apierr"
)

// decodeBody wraps r according to the Content-Encoding header, per spec.md
// §6's "Supported content encodings: identity, gzip, deflate; other
// encodings yield UnsupportedMediaType."
func decodeBody(r io.Reader, contentEncoding string) (io.Reader, error) {
	switch contentEncoding {
	case "", "identity":
		return r, nil
	case "gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, apierr.BadRequest("invalid gzip body: %v", err)
		}
		return zr, nil
	case "deflate":
		return flate.NewReader(r), nil
	default:
		return nil, apierr.UnsupportedMediaType("unsupported Content-Encoding %q", contentEncoding)
	}
}
