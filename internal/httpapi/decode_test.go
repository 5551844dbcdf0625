package httpapi

import (
	"bytes"
	"compress/gzip"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapedit.dev/apiserver/internal/apierr"
)

func TestDecodeBody_Identity(t *testing.T) {
	r, err := decodeBody(bytes.NewBufferString("hello"), "")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestDecodeBody_Gzip(t *testing.T) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte("compressed payload"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	r, err := decodeBody(&buf, "gzip")
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "compressed payload", string(data))
}

func TestDecodeBody_UnsupportedEncoding(t *testing.T) {
	_, err := decodeBody(bytes.NewBufferString("x"), "br")
	require.Error(t, err)
	var pe *apierr.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apierr.KindUnsupportedMedia, pe.Kind)
}
