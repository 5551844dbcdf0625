// Package placeholder resolves the client-assigned negative ids an upload
// document uses to refer to elements it creates in the same request, onto
// the server-assigned positive ids those elements receive once committed.
package placeholder

import (
	"fmt"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/osm"
)

// Resolver holds one map per element kind from placeholder id to assigned
// osm id. It lives for the duration of a single upload and is discarded
// once the pipeline completes.
type Resolver struct {
	ids [3]map[int64]int64
}

// New creates an empty resolver.
func New() *Resolver {
	return &Resolver{
		ids: [3]map[int64]int64{
			osm.KindNode:     make(map[int64]int64),
			osm.KindWay:      make(map[int64]int64),
			osm.KindRelation: make(map[int64]int64),
		},
	}
}

// Register records the server id assigned to a create operation's
// placeholder id. Registering the same placeholder id twice for the same
// kind is a client error.
func (r *Resolver) Register(kind osm.Kind, placeholderID, assignedID int64) error {
	m := r.ids[kind]
	if _, exists := m[placeholderID]; exists {
		return apierr.BadRequest("Placeholder IDs must be unique for created elements")
	}
	m[placeholderID] = assignedID
	return nil
}

// Resolve maps a reference to the given kind onto its server id. Positive
// ids pass through unchanged; negative ids are looked up in the registry
// for that kind.
func (r *Resolver) Resolve(kind osm.Kind, ref int64) (int64, error) {
	if ref >= 0 {
		return ref, nil
	}
	assigned, ok := r.ids[kind][ref]
	if !ok {
		return 0, apierr.BadRequest("Placeholder not found for %s reference %d", kind, ref)
	}
	return assigned, nil
}

// ResolveAll resolves a slice of references of the same kind, preserving
// order, and fails on the first unresolved placeholder.
func (r *Resolver) ResolveAll(kind osm.Kind, refs []int64) ([]int64, error) {
	out := make([]int64, len(refs))
	for i, ref := range refs {
		resolved, err := r.Resolve(kind, ref)
		if err != nil {
			return nil, fmt.Errorf("resolving %s reference at index %d: %w", kind, i, err)
		}
		out[i] = resolved
	}
	return out, nil
}
