package osm

// Action identifies which of the three upload actions an Operation performs.
type Action int

const (
	ActionCreate Action = iota
	ActionModify
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionModify:
		return "modify"
	case ActionDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// NodePayload carries the attributes of a node create/modify operation.
type NodePayload struct {
	Lat, Lon float64
	Tags     Tags
}

// WayPayload carries the attributes of a way create/modify operation. Node
// references may be either server ids (positive) or placeholder ids
// (negative), resolved by the placeholder resolver before the way is
// written.
type WayPayload struct {
	Nodes []int64
	Tags  Tags
}

// RelationMemberRef is one member reference as it appears in the upload
// document, before placeholder resolution.
type RelationMemberRef struct {
	Kind MemberKind
	Ref  int64
	Role string
}

// RelationPayload carries the attributes of a relation create/modify
// operation.
type RelationPayload struct {
	Members []RelationMemberRef
	Tags    Tags
}

// Operation is the tagged sum the payload parser emits: exactly one of
// Create, Modify, or Delete semantics per Action, dispatched on Kind.
type Operation struct {
	Index         int // position in the original upload stream
	Action        Action
	Kind          Kind
	PlaceholderID int64 // Create only; negative
	ID            int64 // Modify/Delete only; positive, or a placeholder id awaiting resolution
	Version       int32 // Modify/Delete only
	IfUnused      bool  // Delete only

	Node     *NodePayload     // Kind == KindNode && Action != Delete
	Way      *WayPayload      // Kind == KindWay && Action != Delete
	Relation *RelationPayload // Kind == KindRelation && Action != Delete
}
