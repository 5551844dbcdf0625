// Package osmxml decodes an OsmChange-style upload document into the typed
// operation sequence the pipeline consumes, enforcing the structural limits
// named in the upload document itself before any database access happens.
package osmxml

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"unicode/utf8"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/osm"
)

// Limits bounds the structural checks the parser enforces on its own,
// independent of anything the store knows about.
type Limits struct {
	ElementMaxTags     int // 0 means unlimited
	WayMaxNodes        int // 0 means unlimited
	RelationMaxMembers int // 0 means unlimited
}

type xmlTag struct {
	Key   string `xml:"k,attr"`
	Value string `xml:"v,attr"`
}

type xmlNode struct {
	ID       int64    `xml:"id,attr"`
	Version  int32    `xml:"version,attr"`
	Lat      float64  `xml:"lat,attr"`
	Lon      float64  `xml:"lon,attr"`
	IfUnused *string  `xml:"if-unused,attr"`
	Tags     []xmlTag `xml:"tag"`
}

type xmlWayNd struct {
	Ref int64 `xml:"ref,attr"`
}

type xmlWay struct {
	ID       int64      `xml:"id,attr"`
	Version  int32      `xml:"version,attr"`
	IfUnused *string    `xml:"if-unused,attr"`
	Nds      []xmlWayNd `xml:"nd"`
	Tags     []xmlTag   `xml:"tag"`
}

type xmlRelationMember struct {
	Type string `xml:"type,attr"`
	Ref  int64  `xml:"ref,attr"`
	Role string `xml:"role,attr"`
}

type xmlRelation struct {
	ID       int64               `xml:"id,attr"`
	Version  int32               `xml:"version,attr"`
	IfUnused *string             `xml:"if-unused,attr"`
	Members  []xmlRelationMember `xml:"member"`
	Tags     []xmlTag            `xml:"tag"`
}

// xmlActionBlock is the shape shared by <create> and <modify> blocks.
type xmlActionBlock struct {
	Nodes     []xmlNode     `xml:"node"`
	Ways      []xmlWay      `xml:"way"`
	Relations []xmlRelation `xml:"relation"`
}

type actionBlock struct {
	action   osm.Action
	ifUnused bool
	block    xmlActionBlock
}

// Parse decodes a full upload document into an ordered operation sequence.
// The create/modify/delete blocks are emitted in document order, including
// when a block of one action appears more than once. Within one block, all
// nodes come first, then all ways, then all relations, each kind in
// document order; the relative order of different kinds inside a single
// block is not preserved.
func Parse(data []byte, limits Limits) ([]osm.Operation, error) {
	blocks, err := decodeInDocumentOrder(data)
	if err != nil {
		return nil, err
	}

	index := 0
	var result []osm.Operation
	for _, b := range blocks {
		converted, err := convertBlock(b, &index, limits)
		if err != nil {
			return nil, err
		}
		result = append(result, converted...)
	}
	return result, nil
}

// decodeInDocumentOrder walks the token stream so that repeated <create>,
// <modify>, and <delete> blocks are returned in the order they actually
// appear; a plain xml.Unmarshal onto three slice fields cannot preserve
// that interleaving across repeated sibling elements of different names.
func decodeInDocumentOrder(data []byte) ([]actionBlock, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	var blocks []actionBlock
	sawRoot := false

	for {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, apierr.BadRequest("malformed upload document: %v", err)
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		if !sawRoot {
			if se.Name.Local != "osmChange" {
				return nil, apierr.BadRequest("unknown top-level element, expecting osmChange")
			}
			sawRoot = true
			continue
		}

		switch se.Name.Local {
		case "create":
			b, err := decodeActionBlock(dec, se)
			if err != nil {
				return nil, apierr.BadRequest("malformed create block: %v", err)
			}
			blocks = append(blocks, actionBlock{action: osm.ActionCreate, block: b})
		case "modify":
			b, err := decodeActionBlock(dec, se)
			if err != nil {
				return nil, apierr.BadRequest("malformed modify block: %v", err)
			}
			blocks = append(blocks, actionBlock{action: osm.ActionModify, block: b})
		case "delete":
			b, err := decodeActionBlock(dec, se)
			if err != nil {
				return nil, apierr.BadRequest("malformed delete block: %v", err)
			}
			blocks = append(blocks, actionBlock{
				action:   osm.ActionDelete,
				ifUnused: attrBoolSet(findAttr(se, "if-unused")),
				block:    b,
			})
		default:
			return nil, apierr.BadRequest("unknown action block %q, expecting create, modify, or delete", se.Name.Local)
		}
	}

	if !sawRoot {
		return nil, apierr.BadRequest("upload document does not contain an osmChange element")
	}
	return blocks, nil
}

// decodeActionBlock reads the children of a <create>/<modify>/<delete>
// element token by token. encoding/xml's struct-tag decoding silently drops
// any child it can't map to a field, which would let a stray <tag> or
// <member> sitting directly inside the action block (not nested in a
// <node>/<way>/<relation>) pass through unnoticed; walking the tokens lets
// every unrecognized child be rejected instead.
func decodeActionBlock(dec *xml.Decoder, start xml.StartElement) (xmlActionBlock, error) {
	var b xmlActionBlock
	for {
		tok, err := dec.Token()
		if err != nil {
			return xmlActionBlock{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "node":
				var n xmlNode
				if err := dec.DecodeElement(&n, &t); err != nil {
					return xmlActionBlock{}, err
				}
				b.Nodes = append(b.Nodes, n)
			case "way":
				var w xmlWay
				if err := dec.DecodeElement(&w, &t); err != nil {
					return xmlActionBlock{}, err
				}
				b.Ways = append(b.Ways, w)
			case "relation":
				var r xmlRelation
				if err := dec.DecodeElement(&r, &t); err != nil {
					return xmlActionBlock{}, err
				}
				b.Relations = append(b.Relations, r)
			default:
				return xmlActionBlock{}, errors.New("unexpected element <" + t.Name.Local + ">, expecting node, way, or relation")
			}
		case xml.EndElement:
			if t.Name == start.Name {
				return b, nil
			}
		}
	}
}

// findAttr returns the value of attribute name on se, or nil if absent.
func findAttr(se xml.StartElement, name string) *string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			v := a.Value
			return &v
		}
	}
	return nil
}

func convertBlock(b actionBlock, index *int, limits Limits) ([]osm.Operation, error) {
	var out []osm.Operation

	for _, n := range b.block.Nodes {
		op, err := convertNode(b.action, n, b.ifUnused, *index, limits)
		if err != nil {
			return nil, err
		}
		*index++
		out = append(out, op)
	}
	for _, w := range b.block.Ways {
		op, err := convertWay(b.action, w, b.ifUnused, *index, limits)
		if err != nil {
			return nil, err
		}
		*index++
		out = append(out, op)
	}
	for _, rel := range b.block.Relations {
		op, err := convertRelation(b.action, rel, b.ifUnused, *index, limits)
		if err != nil {
			return nil, err
		}
		*index++
		out = append(out, op)
	}
	return out, nil
}

func convertTags(raw []xmlTag, limits Limits) (osm.Tags, error) {
	tags := make(osm.Tags, len(raw))
	for _, t := range raw {
		if t.Key == "" {
			return nil, apierr.BadRequest("tag key may not be empty")
		}
		if utf8.RuneCountInString(t.Key) > 255 {
			return nil, apierr.BadRequest("tag key %q has more than 255 unicode characters", t.Key)
		}
		if utf8.RuneCountInString(t.Value) > 255 {
			return nil, apierr.BadRequest("tag value for key %q has more than 255 unicode characters", t.Key)
		}
		if _, exists := tags[t.Key]; exists {
			return nil, apierr.BadRequest("duplicate tag key %q", t.Key)
		}
		tags[t.Key] = t.Value
	}
	if limits.ElementMaxTags > 0 && len(tags) > limits.ElementMaxTags {
		return nil, apierr.BadRequest("element has more than %d tags", limits.ElementMaxTags)
	}
	return tags, nil
}

func convertNode(action osm.Action, n xmlNode, blockIfUnused bool, index int, limits Limits) (osm.Operation, error) {
	tags, err := convertTags(n.Tags, limits)
	if err != nil {
		return osm.Operation{}, err
	}

	op := osm.Operation{Index: index, Action: action, Kind: osm.KindNode}
	switch action {
	case osm.ActionCreate:
		op.PlaceholderID = n.ID
		op.Node = &osm.NodePayload{Lat: n.Lat, Lon: n.Lon, Tags: tags}
	case osm.ActionModify:
		op.ID = n.ID
		op.Version = n.Version
		op.Node = &osm.NodePayload{Lat: n.Lat, Lon: n.Lon, Tags: tags}
	case osm.ActionDelete:
		op.ID = n.ID
		op.Version = n.Version
		op.IfUnused = blockIfUnused || attrBoolSet(n.IfUnused)
	}
	return op, nil
}

func convertWay(action osm.Action, w xmlWay, blockIfUnused bool, index int, limits Limits) (osm.Operation, error) {
	tags, err := convertTags(w.Tags, limits)
	if err != nil {
		return osm.Operation{}, err
	}

	op := osm.Operation{Index: index, Action: action, Kind: osm.KindWay}
	switch action {
	case osm.ActionCreate, osm.ActionModify:
		if len(w.Nds) == 0 {
			return osm.Operation{}, apierr.BadRequest("way must have at least one node")
		}
		if limits.WayMaxNodes > 0 && len(w.Nds) > limits.WayMaxNodes {
			return osm.Operation{}, apierr.BadRequest("way has more than %d nodes", limits.WayMaxNodes)
		}
		nodes := make([]int64, len(w.Nds))
		for i, nd := range w.Nds {
			nodes[i] = nd.Ref
		}
		payload := &osm.WayPayload{Nodes: nodes, Tags: tags}
		if action == osm.ActionCreate {
			op.PlaceholderID = w.ID
		} else {
			op.ID = w.ID
			op.Version = w.Version
		}
		op.Way = payload
	case osm.ActionDelete:
		op.ID = w.ID
		op.Version = w.Version
		op.IfUnused = blockIfUnused || attrBoolSet(w.IfUnused)
	}
	return op, nil
}

func convertRelation(action osm.Action, r xmlRelation, blockIfUnused bool, index int, limits Limits) (osm.Operation, error) {
	tags, err := convertTags(r.Tags, limits)
	if err != nil {
		return osm.Operation{}, err
	}

	op := osm.Operation{Index: index, Action: action, Kind: osm.KindRelation}
	switch action {
	case osm.ActionCreate, osm.ActionModify:
		if limits.RelationMaxMembers > 0 && len(r.Members) > limits.RelationMaxMembers {
			return osm.Operation{}, apierr.BadRequest("relation has more than %d members", limits.RelationMaxMembers)
		}
		members := make([]osm.RelationMemberRef, len(r.Members))
		for i, m := range r.Members {
			kind, err := memberKind(m.Type)
			if err != nil {
				return osm.Operation{}, err
			}
			members[i] = osm.RelationMemberRef{Kind: kind, Ref: m.Ref, Role: m.Role}
		}
		payload := &osm.RelationPayload{Members: members, Tags: tags}
		if action == osm.ActionCreate {
			op.PlaceholderID = r.ID
		} else {
			op.ID = r.ID
			op.Version = r.Version
		}
		op.Relation = payload
	case osm.ActionDelete:
		op.ID = r.ID
		op.Version = r.Version
		op.IfUnused = blockIfUnused || attrBoolSet(r.IfUnused)
	}
	return op, nil
}

func memberKind(t string) (osm.MemberKind, error) {
	switch t {
	case "node":
		return osm.MemberNode, nil
	case "way":
		return osm.MemberWay, nil
	case "relation":
		return osm.MemberRelation, nil
	default:
		return 0, apierr.BadRequest("unknown relation member type %q", t)
	}
}

func attrBoolSet(v *string) bool {
	if v == nil {
		return false
	}
	return *v == "true" || *v == "1"
}
