package diffresult

import (
	"encoding/xml"
	"io"
	"strconv"
)

// WriteXML serializes entries, already in input order, as an OSM 0.6
// diffResult document: one child element per input operation, tag name
// taken from its kind, attributes per spec.md §4.7.
func WriteXML(w io.Writer, generator string, entries []Entry) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	start := xml.StartElement{
		Name: xml.Name{Local: "diffResult"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "generator"}, Value: generator},
			{Name: xml.Name{Local: "version"}, Value: "0.6"},
		},
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, e := range entries {
		if err := encodeEntry(enc, e); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func encodeEntry(enc *xml.Encoder, e Entry) error {
	el := xml.StartElement{Name: xml.Name{Local: e.Kind.String()}}
	el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "old_id"}, Value: strconv.FormatInt(e.OldID, 10)})
	if e.HasNewID {
		el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "new_id"}, Value: strconv.FormatInt(e.NewID, 10)})
	}
	if e.HasNewVersion {
		el.Attr = append(el.Attr, xml.Attr{Name: xml.Name{Local: "new_version"}, Value: strconv.FormatInt(int64(e.NewVersion), 10)})
	}
	if err := enc.EncodeToken(el); err != nil {
		return err
	}
	return enc.EncodeToken(el.End())
}
