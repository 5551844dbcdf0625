// Package upload is the changeset upload pipeline driver of spec.md §2: it
// takes the operation sequence the payload parser produced, seeds the
// placeholder resolver, runs the changeset/node/way/relation updaters in
// the fixed phase order the data model demands, and hands the accumulated
// outcomes to the diff-result emitter. The whole call runs inside the one
// transaction its caller opened; any returned error means that transaction
// must be rolled back and nothing here has taken effect.
package upload

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/diffresult"
	"mapedit.dev/apiserver/internal/osm"
	"mapedit.dev/apiserver/internal/placeholder"
	"mapedit.dev/apiserver/internal/store"
)

// changesetUpdater is the subset of store.ChangesetStore the pipeline
// drives. Defined as an interface so tests can substitute a fake without
// a real database connection.
type changesetUpdater interface {
	LockForEdit(ctx context.Context, tx pgx.Tx, id, userID int64, checkLimit bool, now time.Time) (*osm.Changeset, error)
	UpdateBBoxAndCount(ctx context.Context, tx pgx.Tx, cs *osm.Changeset, newOps int32, delta osm.BBox, now time.Time) error
}

type nodeUpdater interface {
	ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []store.NodeCreate, resolver *placeholder.Resolver, now time.Time) ([]store.NodeOutcome, osm.BBox, error)
	ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []store.NodeModify, resolver *placeholder.Resolver, now time.Time) ([]store.NodeOutcome, osm.BBox, error)
	ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []store.NodeDelete, resolver *placeholder.Resolver, now time.Time) ([]store.NodeOutcome, osm.BBox, error)
}

type wayUpdater interface {
	ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []store.WayCreate, resolver *placeholder.Resolver, now time.Time) ([]store.WayOutcome, osm.BBox, error)
	ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []store.WayModify, resolver *placeholder.Resolver, now time.Time) ([]store.WayOutcome, osm.BBox, error)
	ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []store.WayDelete, resolver *placeholder.Resolver, now time.Time) ([]store.WayOutcome, error)
}

type relationUpdater interface {
	ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []store.RelationCreate, resolver *placeholder.Resolver, now time.Time) ([]store.RelationOutcome, error)
	ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []store.RelationModify, resolver *placeholder.Resolver, now time.Time) ([]store.RelationOutcome, error)
	ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []store.RelationDelete, resolver *placeholder.Resolver, now time.Time) ([]store.RelationOutcome, error)
}

// Pipeline wires the four updaters together. The zero value is not usable;
// construct with New.
type Pipeline struct {
	Changeset changesetUpdater
	Node      nodeUpdater
	Way       wayUpdater
	Relation  relationUpdater

	// BboxCheck, if set, is consulted with the changeset's bbox unioned
	// with this upload's delta, before it is persisted. Returning an error
	// aborts the pipeline with that error instead of committing. This is
	// the hook spec.md §5's optional bbox-size admission check hangs off.
	BboxCheck func(union osm.BBox) error
}

// New builds a Pipeline backed by the concrete Postgres-backed stores.
func New(cs *store.ChangesetStore, node *store.NodeStore, way *store.WayStore, rel *store.RelationStore) *Pipeline {
	return &Pipeline{Changeset: cs, Node: node, Way: way, Relation: rel}
}

// Request is one upload's input: the changeset it targets, the user
// performing it, the parsed operation sequence, and the wall-clock time to
// stamp every write with.
type Request struct {
	ChangesetID int64
	UserID      int64
	Ops         []osm.Operation
	Now         time.Time
}

// Run executes the full upload pipeline against tx and returns the
// diff-result entries in input order. Any returned error means the caller
// must roll tx back; nothing committed here survives that rollback.
func (p *Pipeline) Run(ctx context.Context, tx pgx.Tx, req Request) ([]diffresult.Entry, error) {
	cs, err := p.Changeset.LockForEdit(ctx, tx, req.ChangesetID, req.UserID, true, req.Now)
	if err != nil {
		return nil, err
	}

	g := groupByKindAndAction(req.Ops)
	resolver := placeholder.New()
	emitter := diffresult.New()
	var bbox osm.BBox

	// Creates: node -> way -> relation, per spec.md §4.6, so each kind's
	// placeholders are resolvable by the next.
	nodeCreated, nodeCreateBBox, err := p.Node.ProcessNew(ctx, tx, req.ChangesetID, g.NodeCreates, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	bbox = bbox.Union(nodeCreateBBox)
	for _, o := range nodeCreated {
		emitter.AddCreate(o.OpIndex, osm.KindNode, o.PlaceholderID, o.ID)
	}

	wayCreated, wayCreateBBox, err := p.Way.ProcessNew(ctx, tx, req.ChangesetID, g.WayCreates, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	bbox = bbox.Union(wayCreateBBox)
	for _, o := range wayCreated {
		emitter.AddCreate(o.OpIndex, osm.KindWay, o.PlaceholderID, o.ID)
	}

	relCreated, err := p.Relation.ProcessNew(ctx, tx, req.ChangesetID, g.RelationCreates, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	for _, o := range relCreated {
		emitter.AddCreate(o.OpIndex, osm.KindRelation, o.PlaceholderID, o.ID)
	}

	// Modifies: same node -> way -> relation order, so a modify that
	// addresses an element created earlier in this same upload (via the
	// resolver, per spec.md §9's pinned open question) resolves correctly.
	nodeModified, nodeModifyBBox, err := p.Node.ProcessModify(ctx, tx, req.ChangesetID, g.NodeModifies, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	bbox = bbox.Union(nodeModifyBBox)
	for _, o := range nodeModified {
		emitter.AddModify(o.OpIndex, osm.KindNode, o.ID, o.Version)
	}

	wayModified, wayModifyBBox, err := p.Way.ProcessModify(ctx, tx, req.ChangesetID, g.WayModifies, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	bbox = bbox.Union(wayModifyBBox)
	for _, o := range wayModified {
		emitter.AddModify(o.OpIndex, osm.KindWay, o.ID, o.Version)
	}

	relModified, err := p.Relation.ProcessModify(ctx, tx, req.ChangesetID, g.RelationModifies, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	for _, o := range relModified {
		emitter.AddModify(o.OpIndex, osm.KindRelation, o.ID, o.Version)
	}

	// Deletes run relation -> way -> node, the reverse of create order:
	// a relation or way deleted earlier in the same upload frees the
	// member/node it referenced before that member's own delete is
	// checked for referential integrity.
	relDeleted, err := p.Relation.ProcessDelete(ctx, tx, req.ChangesetID, g.RelationDeletes, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	for _, o := range relDeleted {
		if o.Skipped {
			emitter.AddSkippedDelete(o.OpIndex, osm.KindRelation, o.ID, o.Version)
		} else {
			emitter.AddDelete(o.OpIndex, osm.KindRelation, o.ID)
		}
	}

	wayDeleted, err := p.Way.ProcessDelete(ctx, tx, req.ChangesetID, g.WayDeletes, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	for _, o := range wayDeleted {
		if o.Skipped {
			emitter.AddSkippedDelete(o.OpIndex, osm.KindWay, o.ID, o.Version)
		} else {
			emitter.AddDelete(o.OpIndex, osm.KindWay, o.ID)
		}
	}

	nodeDeleted, nodeDeleteBBox, err := p.Node.ProcessDelete(ctx, tx, req.ChangesetID, g.NodeDeletes, resolver, req.Now)
	if err != nil {
		return nil, err
	}
	bbox = bbox.Union(nodeDeleteBBox)
	for _, o := range nodeDeleted {
		if o.Skipped {
			emitter.AddSkippedDelete(o.OpIndex, osm.KindNode, o.ID, o.Version)
		} else {
			emitter.AddDelete(o.OpIndex, osm.KindNode, o.ID)
		}
	}

	if p.BboxCheck != nil {
		if err := p.BboxCheck(cs.BBox.Union(bbox)); err != nil {
			return nil, err
		}
	}

	if err := p.Changeset.UpdateBBoxAndCount(ctx, tx, cs, int32(len(req.Ops)), bbox, req.Now); err != nil {
		return nil, err
	}

	result := emitter.Result()
	if len(result) != len(req.Ops) {
		return nil, apierr.ServerError("diff-result has %d entries, expected %d", len(result), len(req.Ops))
	}
	return result, nil
}
