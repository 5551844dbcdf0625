package httpapi

import (
	"encoding/xml"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/osm"
)

// changesetDoc is the minimal wire shape of a changeset create/update
// request body: <osm><changeset><tag k="..." v="..."/>...</changeset></osm>.
type changesetDoc struct {
	XMLName   xml.Name `xml:"osm"`
	Changeset struct {
		Tags []struct {
			K string `xml:"k,attr"`
			V string `xml:"v,attr"`
		} `xml:"tag"`
	} `xml:"changeset"`
}

// parseChangesetTags extracts the tag set from a changeset create/update
// request body, rejecting duplicate or empty keys the way element tags are
// rejected in internal/osmxml.
func parseChangesetTags(data []byte) (osm.Tags, error) {
	var doc changesetDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, apierr.BadRequest("malformed changeset document: %v", err)
	}
	tags := make(osm.Tags, len(doc.Changeset.Tags))
	for _, t := range doc.Changeset.Tags {
		if t.K == "" {
			return nil, apierr.BadRequest("changeset tag key must not be empty")
		}
		if _, exists := tags[t.K]; exists {
			return nil, apierr.BadRequest("duplicate changeset tag key %q", t.K)
		}
		tags[t.K] = t.V
	}
	return tags, nil
}
