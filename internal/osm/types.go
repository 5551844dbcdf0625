// Package osm defines the element model shared by the payload parser,
// placeholder resolver, and element updaters: nodes, ways, relations,
// changesets, and the tagged-sum operation type that drives the upload
// pipeline.
package osm

import "time"

// Kind identifies one of the three element kinds an operation can target.
type Kind int

const (
	KindNode Kind = iota
	KindWay
	KindRelation
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindWay:
		return "way"
	case KindRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Tags is an ordered-insensitive set of key/value pairs; keys are unique
// within one element.
type Tags map[string]string

// MemberKind is the type of element a relation member refers to.
type MemberKind int

const (
	MemberNode MemberKind = iota
	MemberWay
	MemberRelation
)

func (k MemberKind) String() string {
	switch k {
	case MemberNode:
		return "node"
	case MemberWay:
		return "way"
	case MemberRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// Member is one entry of a relation's ordered member sequence.
type Member struct {
	Kind       MemberKind
	Ref        int64 // resolved osm id at write time; may start life as a placeholder id
	Role       string
	SequenceID int // 1-based, unique within the relation version
}

// Node is one revision of a node, current or historic.
type Node struct {
	ID         int64
	Version    int32
	Lat        int64 // scaled integer degrees (degrees * scale)
	Lon        int64
	Tile       int64
	Changeset  int64
	Visible    bool
	Timestamp  time.Time
	Redaction  *int64
	Tags       Tags
}

// VisibleTo reports whether this historic revision may be returned to the
// given caller. A redacted revision is hidden from everyone but moderators.
func (n Node) VisibleTo(isModerator bool) bool {
	return n.Redaction == nil || isModerator
}

// Way is one revision of a way, current or historic.
type Way struct {
	ID        int64
	Version   int32
	Changeset int64
	Visible   bool
	Timestamp time.Time
	Redaction *int64
	Nodes     []int64 // ordered node refs; sequence_id is the slice index + 1
	Tags      Tags
}

// VisibleTo reports whether this historic revision may be returned to the
// given caller. A redacted revision is hidden from everyone but moderators.
func (w Way) VisibleTo(isModerator bool) bool {
	return w.Redaction == nil || isModerator
}

// Relation is one revision of a relation, current or historic.
type Relation struct {
	ID        int64
	Version   int32
	Changeset int64
	Visible   bool
	Timestamp time.Time
	Redaction *int64
	Members   []Member
	Tags      Tags
}

// VisibleTo reports whether this historic revision may be returned to the
// given caller. A redacted revision is hidden from everyone but moderators.
func (r Relation) VisibleTo(isModerator bool) bool {
	return r.Redaction == nil || isModerator
}

// BBox is an axis-aligned bounding box over scaled integer coordinates.
// A zero-value BBox (Defined == false) contributes nothing to a union.
type BBox struct {
	Defined            bool
	MinLat, MinLon     int64
	MaxLat, MaxLon     int64
}

// ExpandWith returns the union of b with a single point.
func (b BBox) ExpandWith(lat, lon int64) BBox {
	if !b.Defined {
		return BBox{Defined: true, MinLat: lat, MaxLat: lat, MinLon: lon, MaxLon: lon}
	}
	out := b
	if lat < out.MinLat {
		out.MinLat = lat
	}
	if lat > out.MaxLat {
		out.MaxLat = lat
	}
	if lon < out.MinLon {
		out.MinLon = lon
	}
	if lon > out.MaxLon {
		out.MaxLon = lon
	}
	return out
}

// Union returns the union of two bounding boxes.
func (b BBox) Union(other BBox) BBox {
	if !other.Defined {
		return b
	}
	out := b.ExpandWith(other.MinLat, other.MinLon)
	return out.ExpandWith(other.MaxLat, other.MaxLon)
}

// Changeset is the container entities are edited within.
type Changeset struct {
	ID         int64
	UserID     int64
	CreatedAt  time.Time
	ClosedAt   time.Time
	BBox       BBox
	NumChanges int32
	Tags       Tags
}

// Comment is one entry of a changeset's discussion thread, supplemented
// from the upstream implementation's changeset_comments table.
type Comment struct {
	ID          int64
	ChangesetID int64
	AuthorID    int64
	Body        string
	CreatedAt   time.Time
	Visible     bool
}

// Subscriber is one user subscribed to a changeset's discussion, created
// automatically for the changeset's own author on creation.
type Subscriber struct {
	ChangesetID int64
	UserID      int64
}
