package osm

import "testing"

func TestNode_VisibleTo(t *testing.T) {
	redactionID := int64(5)
	redacted := Node{Redaction: &redactionID}
	if redacted.VisibleTo(false) {
		t.Fatal("a redacted node must be hidden from non-moderators")
	}
	if !redacted.VisibleTo(true) {
		t.Fatal("a redacted node must be visible to moderators")
	}

	unredacted := Node{}
	if !unredacted.VisibleTo(false) {
		t.Fatal("an unredacted node must be visible to everyone")
	}
}

func TestWayAndRelation_VisibleTo(t *testing.T) {
	redactionID := int64(9)

	way := Way{Redaction: &redactionID}
	if way.VisibleTo(false) || !way.VisibleTo(true) {
		t.Fatalf("redacted way visibility mismatch: %+v", way)
	}

	rel := Relation{Redaction: &redactionID}
	if rel.VisibleTo(false) || !rel.VisibleTo(true) {
		t.Fatalf("redacted relation visibility mismatch: %+v", rel)
	}
}
