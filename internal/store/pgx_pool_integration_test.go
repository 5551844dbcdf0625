//go:build integration

package store

import (
	"context"
	_ "embed"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"mapedit.dev/apiserver/internal/osm"
	"mapedit.dev/apiserver/internal/placeholder"
)

//go:embed schema.sql
var schemaSQL string

// setupPostgres starts a PostgreSQL container, applies schema.sql, and
// returns a connected pool plus its teardown.
func setupPostgres(t *testing.T) (*pgxpool.Pool, func()) {
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, schemaSQL)
	require.NoError(t, err, "applying schema")

	cleanup := func() {
		pool.Close()
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	}

	return pool, cleanup
}

func TestChangesetStore_CreateAndLockForEdit(t *testing.T) {
	pool, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	store := &ChangesetStore{OpenMax: 24 * time.Hour, IdleExtend: time.Hour, MaxElements: 10_000}

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	now := time.Now().UTC().Truncate(time.Microsecond)
	id, err := store.Create(ctx, tx, 7, osm.Tags{"comment": "initial edit"}, now)
	require.NoError(t, err)
	assert.NotZero(t, id)

	cs, err := store.LockForEdit(ctx, tx, id, 7, true, now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cs.UserID)
	assert.Equal(t, int32(0), cs.NumChanges)
	assert.False(t, cs.BBox.Defined)

	_, err = store.LockForEdit(ctx, tx, id, 99, true, now)
	assert.Error(t, err, "a different user must not be able to lock the changeset")

	require.NoError(t, tx.Commit(ctx))
}

func TestNodeStore_ProcessNewThenModifyThenDelete(t *testing.T) {
	pool, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	changesets := &ChangesetStore{OpenMax: 24 * time.Hour, IdleExtend: time.Hour, MaxElements: 10_000}
	nodes := &NodeStore{Scale: 10_000_000}
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	changesetID, err := changesets.Create(ctx, tx, 1, nil, now)
	require.NoError(t, err)

	resolver := placeholder.New()
	createOutcomes, bbox, err := nodes.ProcessNew(ctx, tx, changesetID, []NodeCreate{
		{OpIndex: 0, PlaceholderID: -1, Lat: 51.5, Lon: -0.1, Tags: osm.Tags{"amenity": "cafe"}},
	}, resolver, now)
	require.NoError(t, err)
	require.Len(t, createOutcomes, 1)
	assert.True(t, bbox.Defined)
	nodeID := createOutcomes[0].ID

	modifyOutcomes, _, err := nodes.ProcessModify(ctx, tx, changesetID, []NodeModify{
		{OpIndex: 1, ID: nodeID, Version: 1, Lat: 51.6, Lon: -0.2, Tags: osm.Tags{"amenity": "bar"}},
	}, resolver, now)
	require.NoError(t, err)
	require.Len(t, modifyOutcomes, 1)
	assert.Equal(t, int32(2), modifyOutcomes[0].Version)

	deleteOutcomes, _, err := nodes.ProcessDelete(ctx, tx, changesetID, []NodeDelete{
		{OpIndex: 2, ID: nodeID, Version: 2},
	}, resolver, now)
	require.NoError(t, err)
	require.Len(t, deleteOutcomes, 1)
	assert.Equal(t, int32(3), deleteOutcomes[0].Version)
	assert.False(t, deleteOutcomes[0].Skipped)

	require.NoError(t, tx.Commit(ctx))
}

func TestWayStore_ProcessNewRejectsMissingNode(t *testing.T) {
	pool, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	changesets := &ChangesetStore{OpenMax: 24 * time.Hour, IdleExtend: time.Hour, MaxElements: 10_000}
	ways := &WayStore{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	changesetID, err := changesets.Create(ctx, tx, 1, nil, now)
	require.NoError(t, err)

	resolver := placeholder.New()
	require.NoError(t, resolver.Register(osm.KindNode, -1, 999_999))

	_, _, err = ways.ProcessNew(ctx, tx, changesetID, []WayCreate{
		{OpIndex: 0, PlaceholderID: -1, Nodes: []int64{-1}, Tags: osm.Tags{"highway": "residential"}},
	}, resolver, now)
	require.Error(t, err, "a way referencing a nonexistent node must be rejected")
}

func TestWayAndRelationStore_ReferentialIntegrityAcrossKinds(t *testing.T) {
	pool, cleanup := setupPostgres(t)
	defer cleanup()

	ctx := context.Background()
	changesets := &ChangesetStore{OpenMax: 24 * time.Hour, IdleExtend: time.Hour, MaxElements: 10_000}
	nodes := &NodeStore{Scale: 10_000_000}
	ways := &WayStore{}
	relations := &RelationStore{}
	now := time.Now().UTC().Truncate(time.Microsecond)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	changesetID, err := changesets.Create(ctx, tx, 1, nil, now)
	require.NoError(t, err)

	resolver := placeholder.New()
	nodeOutcomes, _, err := nodes.ProcessNew(ctx, tx, changesetID, []NodeCreate{
		{OpIndex: 0, PlaceholderID: -1, Lat: 1, Lon: 1},
		{OpIndex: 1, PlaceholderID: -2, Lat: 2, Lon: 2},
	}, resolver, now)
	require.NoError(t, err)
	require.Len(t, nodeOutcomes, 2)

	wayOutcomes, _, err := ways.ProcessNew(ctx, tx, changesetID, []WayCreate{
		{OpIndex: 2, PlaceholderID: -1, Nodes: []int64{-1, -2}},
	}, resolver, now)
	require.NoError(t, err)
	require.Len(t, wayOutcomes, 1)

	relOutcomes, err := relations.ProcessNew(ctx, tx, changesetID, []RelationCreate{
		{OpIndex: 3, PlaceholderID: -1, Members: []osm.RelationMemberRef{{Kind: osm.MemberWay, Ref: -1, Role: "outer"}}},
	}, resolver, now)
	require.NoError(t, err)
	require.Len(t, relOutcomes, 1)

	// The way is still referenced by the relation: an unconditional delete
	// must fail, and an if-unused delete must be reported as skipped.
	_, err = ways.ProcessDelete(ctx, tx, changesetID, []WayDelete{
		{OpIndex: 4, ID: wayOutcomes[0].ID, Version: 1},
	}, placeholder.New(), now)
	assert.Error(t, err, "deleting a way still referenced by a relation must fail without if-unused")

	skipOutcomes, err := ways.ProcessDelete(ctx, tx, changesetID, []WayDelete{
		{OpIndex: 4, ID: wayOutcomes[0].ID, Version: 1, IfUnused: true},
	}, placeholder.New(), now)
	require.NoError(t, err)
	require.Len(t, skipOutcomes, 1)
	assert.True(t, skipOutcomes[0].Skipped)

	require.NoError(t, tx.Commit(ctx))
}
