package upload

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/osm"
	"mapedit.dev/apiserver/internal/placeholder"
	"mapedit.dev/apiserver/internal/store"
)

// fakeChangeset is a test double for the changeset updater; it never
// touches a real transaction, so tests can pass a nil pgx.Tx.
type fakeChangeset struct {
	cs        *osm.Changeset
	lockErr   error
	updateErr error

	gotNewOps int32
	gotDelta  osm.BBox
}

func (f *fakeChangeset) LockForEdit(ctx context.Context, tx pgx.Tx, id, userID int64, checkLimit bool, now time.Time) (*osm.Changeset, error) {
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return f.cs, nil
}

func (f *fakeChangeset) UpdateBBoxAndCount(ctx context.Context, tx pgx.Tx, cs *osm.Changeset, newOps int32, delta osm.BBox, now time.Time) error {
	f.gotNewOps = newOps
	f.gotDelta = delta
	return f.updateErr
}

// fakeNode is a test double for the node updater: it assigns sequential
// ids to creates and registers them with the resolver, exactly as the real
// NodeStore does, so pipeline-level resolution behavior can be exercised
// without a database.
type fakeNode struct {
	nextID int64
}

func (f *fakeNode) ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []store.NodeCreate, resolver *placeholder.Resolver, now time.Time) ([]store.NodeOutcome, osm.BBox, error) {
	var outcomes []store.NodeOutcome
	var bbox osm.BBox
	for _, c := range creates {
		f.nextID++
		id := f.nextID
		if err := resolver.Register(osm.KindNode, c.PlaceholderID, id); err != nil {
			return nil, osm.BBox{}, err
		}
		bbox = bbox.ExpandWith(int64(c.Lat*1e7), int64(c.Lon*1e7))
		outcomes = append(outcomes, store.NodeOutcome{OpIndex: c.OpIndex, PlaceholderID: c.PlaceholderID, ID: id, Version: 1})
	}
	return outcomes, bbox, nil
}

func (f *fakeNode) ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []store.NodeModify, resolver *placeholder.Resolver, now time.Time) ([]store.NodeOutcome, osm.BBox, error) {
	var outcomes []store.NodeOutcome
	for _, m := range modifies {
		resolved, err := resolver.Resolve(osm.KindNode, m.ID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		outcomes = append(outcomes, store.NodeOutcome{OpIndex: m.OpIndex, ID: resolved, Version: m.Version + 1})
	}
	return outcomes, osm.BBox{}, nil
}

func (f *fakeNode) ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []store.NodeDelete, resolver *placeholder.Resolver, now time.Time) ([]store.NodeOutcome, osm.BBox, error) {
	var outcomes []store.NodeOutcome
	for _, d := range deletes {
		resolved, err := resolver.Resolve(osm.KindNode, d.ID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		outcomes = append(outcomes, store.NodeOutcome{OpIndex: d.OpIndex, ID: resolved, Version: d.Version + 1})
	}
	return outcomes, osm.BBox{}, nil
}

type fakeWay struct {
	nextID int64
}

func (f *fakeWay) ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []store.WayCreate, resolver *placeholder.Resolver, now time.Time) ([]store.WayOutcome, osm.BBox, error) {
	var outcomes []store.WayOutcome
	for _, c := range creates {
		if _, err := resolver.ResolveAll(osm.KindNode, c.Nodes); err != nil {
			return nil, osm.BBox{}, err
		}
		f.nextID++
		id := f.nextID
		if err := resolver.Register(osm.KindWay, c.PlaceholderID, id); err != nil {
			return nil, osm.BBox{}, err
		}
		outcomes = append(outcomes, store.WayOutcome{OpIndex: c.OpIndex, PlaceholderID: c.PlaceholderID, ID: id, Version: 1})
	}
	return outcomes, osm.BBox{}, nil
}

func (f *fakeWay) ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []store.WayModify, resolver *placeholder.Resolver, now time.Time) ([]store.WayOutcome, osm.BBox, error) {
	var outcomes []store.WayOutcome
	for _, m := range modifies {
		resolved, err := resolver.Resolve(osm.KindWay, m.ID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		outcomes = append(outcomes, store.WayOutcome{OpIndex: m.OpIndex, ID: resolved, Version: m.Version + 1})
	}
	return outcomes, osm.BBox{}, nil
}

func (f *fakeWay) ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []store.WayDelete, resolver *placeholder.Resolver, now time.Time) ([]store.WayOutcome, error) {
	var outcomes []store.WayOutcome
	for _, d := range deletes {
		resolved, err := resolver.Resolve(osm.KindWay, d.ID)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, store.WayOutcome{OpIndex: d.OpIndex, ID: resolved, Version: d.Version + 1})
	}
	return outcomes, nil
}

type fakeRelation struct {
	nextID int64
}

func (f *fakeRelation) ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []store.RelationCreate, resolver *placeholder.Resolver, now time.Time) ([]store.RelationOutcome, error) {
	var outcomes []store.RelationOutcome
	for _, c := range creates {
		f.nextID++
		id := f.nextID
		if err := resolver.Register(osm.KindRelation, c.PlaceholderID, id); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, store.RelationOutcome{OpIndex: c.OpIndex, PlaceholderID: c.PlaceholderID, ID: id, Version: 1})
	}
	return outcomes, nil
}

func (f *fakeRelation) ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []store.RelationModify, resolver *placeholder.Resolver, now time.Time) ([]store.RelationOutcome, error) {
	var outcomes []store.RelationOutcome
	for _, m := range modifies {
		resolved, err := resolver.Resolve(osm.KindRelation, m.ID)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, store.RelationOutcome{OpIndex: m.OpIndex, ID: resolved, Version: m.Version + 1})
	}
	return outcomes, nil
}

func (f *fakeRelation) ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []store.RelationDelete, resolver *placeholder.Resolver, now time.Time) ([]store.RelationOutcome, error) {
	var outcomes []store.RelationOutcome
	for _, d := range deletes {
		resolved, err := resolver.Resolve(osm.KindRelation, d.ID)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, store.RelationOutcome{OpIndex: d.OpIndex, ID: resolved, Version: d.Version + 1})
	}
	return outcomes, nil
}

func newTestPipeline() (*Pipeline, *fakeChangeset) {
	cs := &fakeChangeset{cs: &osm.Changeset{ID: 5, UserID: 1}}
	return &Pipeline{
		Changeset: cs,
		Node:      &fakeNode{},
		Way:       &fakeWay{},
		Relation:  &fakeRelation{},
	}, cs
}

func TestPipeline_OrdersDiffResultByOriginalOperationIndex(t *testing.T) {
	p, _ := newTestPipeline()

	ops := []osm.Operation{
		{Index: 0, Action: osm.ActionCreate, Kind: osm.KindNode, PlaceholderID: -1, Node: &osm.NodePayload{Lat: 1, Lon: 2}},
		{Index: 1, Action: osm.ActionDelete, Kind: osm.KindNode, ID: 42, Version: 3},
		{Index: 2, Action: osm.ActionCreate, Kind: osm.KindWay, PlaceholderID: -2, Way: &osm.WayPayload{Nodes: []int64{-1}}},
	}

	result, err := p.Run(context.Background(), nil, Request{ChangesetID: 5, UserID: 1, Ops: ops, Now: time.Now()})
	require.NoError(t, err)
	require.Len(t, result, 3)

	assert.Equal(t, 0, result[0].OpIndex)
	assert.Equal(t, osm.KindNode, result[0].Kind)
	assert.Equal(t, osm.ActionCreate, result[0].Action)

	assert.Equal(t, 1, result[1].OpIndex)
	assert.Equal(t, osm.KindNode, result[1].Kind)
	assert.Equal(t, osm.ActionDelete, result[1].Action)

	assert.Equal(t, 2, result[2].OpIndex)
	assert.Equal(t, osm.KindWay, result[2].Kind)
}

// TestPipeline_CreateThenModifySamePlaceholder pins the behavior spec.md §9
// leaves implicit: a modify that addresses a placeholder-assigned element
// created earlier in the same upload resolves to the just-assigned id and
// sees post-create version 1, so its own result reports version 2.
func TestPipeline_CreateThenModifySamePlaceholder(t *testing.T) {
	p, _ := newTestPipeline()

	ops := []osm.Operation{
		{Index: 0, Action: osm.ActionCreate, Kind: osm.KindNode, PlaceholderID: -1, Node: &osm.NodePayload{Lat: 1, Lon: 2}},
		{Index: 1, Action: osm.ActionModify, Kind: osm.KindNode, ID: -1, Version: 1, Node: &osm.NodePayload{Lat: 3, Lon: 4}},
	}

	result, err := p.Run(context.Background(), nil, Request{ChangesetID: 5, UserID: 1, Ops: ops, Now: time.Now()})
	require.NoError(t, err)
	require.Len(t, result, 2)

	create := result[0]
	modify := result[1]

	assert.True(t, create.HasNewID)
	assert.Equal(t, create.NewID, modify.NewID, "modify must resolve to the id the create was just assigned")
	assert.Equal(t, int32(2), modify.NewVersion)
}

func TestPipeline_PropagatesChangesetLockFailure(t *testing.T) {
	p, cs := newTestPipeline()
	cs.lockErr = apierr.Conflict("The user doesn't own that changeset")

	_, err := p.Run(context.Background(), nil, Request{ChangesetID: 5, UserID: 1, Ops: nil, Now: time.Now()})
	require.Error(t, err)
	var pe *apierr.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apierr.KindConflict, pe.Kind)
}

func TestPipeline_UnresolvedWayNodePlaceholderFails(t *testing.T) {
	p, _ := newTestPipeline()

	ops := []osm.Operation{
		{Index: 0, Action: osm.ActionCreate, Kind: osm.KindWay, PlaceholderID: -1, Way: &osm.WayPayload{Nodes: []int64{-99}}},
	}

	_, err := p.Run(context.Background(), nil, Request{ChangesetID: 5, UserID: 1, Ops: ops, Now: time.Now()})
	require.Error(t, err)
	var pe *apierr.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apierr.KindBadRequest, pe.Kind)
}

func TestPipeline_UnionsBBoxAcrossCreatesAndPassesOpCountToChangeset(t *testing.T) {
	p, cs := newTestPipeline()

	ops := []osm.Operation{
		{Index: 0, Action: osm.ActionCreate, Kind: osm.KindNode, PlaceholderID: -1, Node: &osm.NodePayload{Lat: 1.0, Lon: 2.0}},
		{Index: 1, Action: osm.ActionCreate, Kind: osm.KindNode, PlaceholderID: -2, Node: &osm.NodePayload{Lat: -1.0, Lon: -2.0}},
	}

	_, err := p.Run(context.Background(), nil, Request{ChangesetID: 5, UserID: 1, Ops: ops, Now: time.Now()})
	require.NoError(t, err)

	assert.Equal(t, int32(2), cs.gotNewOps)
	assert.True(t, cs.gotDelta.Defined)
	assert.Equal(t, int64(-10000000), cs.gotDelta.MinLat)
	assert.Equal(t, int64(10000000), cs.gotDelta.MaxLat)
}

func TestPipeline_DeleteSkippedByIfUnusedReportsCurrentVersionUnchanged(t *testing.T) {
	p, _ := newTestPipeline()
	p.Node = &fakeNodeSkipDelete{}

	ops := []osm.Operation{
		{Index: 0, Action: osm.ActionDelete, Kind: osm.KindNode, ID: 7, Version: 1, IfUnused: true},
	}

	result, err := p.Run(context.Background(), nil, Request{ChangesetID: 5, UserID: 1, Ops: ops, Now: time.Now()})
	require.NoError(t, err)
	require.Len(t, result, 1)

	assert.True(t, result[0].Skipped)
	assert.Equal(t, int64(7), result[0].NewID)
	assert.Equal(t, int32(1), result[0].NewVersion)
}

func TestPipeline_BboxCheckRejectsOversizedUnionBeforeCommit(t *testing.T) {
	p, cs := newTestPipeline()
	p.BboxCheck = func(union osm.BBox) error {
		return apierr.PayloadTooLarge("changeset bbox too large")
	}

	ops := []osm.Operation{
		{Index: 0, Action: osm.ActionCreate, Kind: osm.KindNode, PlaceholderID: -1, Node: &osm.NodePayload{Lat: 1, Lon: 2}},
	}

	_, err := p.Run(context.Background(), nil, Request{ChangesetID: 5, UserID: 1, Ops: ops, Now: time.Now()})
	require.Error(t, err)
	var pe *apierr.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, apierr.KindPayloadTooLarge, pe.Kind)
	assert.Zero(t, cs.gotNewOps, "UpdateBBoxAndCount must not run once BboxCheck rejects")
}

// fakeNodeSkipDelete simulates a delete that if-unused converted to a skip.
type fakeNodeSkipDelete struct{ fakeNode }

func (f *fakeNodeSkipDelete) ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []store.NodeDelete, resolver *placeholder.Resolver, now time.Time) ([]store.NodeOutcome, osm.BBox, error) {
	var outcomes []store.NodeOutcome
	for _, d := range deletes {
		outcomes = append(outcomes, store.NodeOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: d.Version, Skipped: true})
	}
	return outcomes, osm.BBox{}, nil
}
