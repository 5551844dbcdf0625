// Package diffresult implements the diff-result emitter of spec.md §4.7: it
// collects the outcome of every create/modify/delete operation the element
// updaters process and, once the pipeline has run to completion, orders
// them back into the original upload document's operation sequence.
package diffresult

import "mapedit.dev/apiserver/internal/osm"

// Entry is one line of the diff-result document, corresponding to exactly
// one input operation. HasNewID/HasNewVersion distinguish an effective
// delete (neither set) from every other outcome.
type Entry struct {
	OpIndex       int
	Kind          osm.Kind
	Action        osm.Action
	OldID         int64
	NewID         int64
	NewVersion    int32
	HasNewID      bool
	HasNewVersion bool
	Skipped       bool // delete converted to a no-op by if-unused
}

// Emitter accumulates entries in whatever order the element updaters
// produce them; Result sorts them back into document order.
type Emitter struct {
	entries []Entry
}

// New creates an empty emitter.
func New() *Emitter {
	return &Emitter{}
}

// AddCreate records a successful create: old_id is the client placeholder,
// new_id the server-assigned id, and the version is always 1.
func (e *Emitter) AddCreate(opIndex int, kind osm.Kind, placeholderID, newID int64) {
	e.entries = append(e.entries, Entry{
		OpIndex: opIndex, Kind: kind, Action: osm.ActionCreate,
		OldID: placeholderID, NewID: newID, HasNewID: true,
		NewVersion: 1, HasNewVersion: true,
	})
}

// AddModify records a successful modify: old_id and new_id are the same
// element id, and new_version is the claimed version plus one.
func (e *Emitter) AddModify(opIndex int, kind osm.Kind, id int64, newVersion int32) {
	e.entries = append(e.entries, Entry{
		OpIndex: opIndex, Kind: kind, Action: osm.ActionModify,
		OldID: id, NewID: id, HasNewID: true,
		NewVersion: newVersion, HasNewVersion: true,
	})
}

// AddDelete records an effective delete: no new_id or new_version.
func (e *Emitter) AddDelete(opIndex int, kind osm.Kind, id int64) {
	e.entries = append(e.entries, Entry{
		OpIndex: opIndex, Kind: kind, Action: osm.ActionDelete, OldID: id,
	})
}

// AddSkippedDelete records a delete that if-unused converted into a no-op:
// the outcome carries the element's current, unchanged (id, version).
func (e *Emitter) AddSkippedDelete(opIndex int, kind osm.Kind, id int64, currentVersion int32) {
	e.entries = append(e.entries, Entry{
		OpIndex: opIndex, Kind: kind, Action: osm.ActionDelete,
		OldID: id, NewID: id, HasNewID: true,
		NewVersion: currentVersion, HasNewVersion: true,
		Skipped: true,
	})
}

// Result returns the accumulated entries ordered by OpIndex, matching the
// original upload document's operation sequence.
func (e *Emitter) Result() []Entry {
	out := make([]Entry, len(e.entries))
	copy(out, e.entries)
	insertionSortByOpIndex(out)
	return out
}

// insertionSortByOpIndex sorts the small, already-mostly-ordered entry list
// by OpIndex. The emitter never sees more than one upload's worth of
// entries, so a simple stable sort is all this needs.
func insertionSortByOpIndex(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].OpIndex < entries[j-1].OpIndex; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
