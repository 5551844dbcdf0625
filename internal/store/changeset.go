package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/osm"
)

// ChangesetStore implements the changeset updater operations of spec.md §4.3
// against one transaction.
type ChangesetStore struct {
	OpenMax     time.Duration
	IdleExtend  time.Duration
	MaxElements int32
}

// LockForEdit verifies ownership, takes an exclusive non-blocking lock, and
// loads the changeset's current bbox and change count into memory.
func (s *ChangesetStore) LockForEdit(ctx context.Context, tx pgx.Tx, id, userID int64, checkLimit bool, now time.Time) (*osm.Changeset, error) {
	var cs osm.Changeset
	var closedAt time.Time
	var minLat, minLon, maxLat, maxLon *int64

	err := tx.QueryRow(ctx, `
		SELECT user_id, created_at, closed_at, num_changes, min_lat, min_lon, max_lat, max_lon
		FROM changesets WHERE id = $1
	`, id).Scan(&cs.UserID, &cs.CreatedAt, &closedAt, &cs.NumChanges, &minLat, &minLon, &maxLat, &maxLon)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apierr.NotFound("Changeset %d not found", id)
		}
		return nil, apierr.ServerError("loading changeset %d: %v", id, err)
	}

	if cs.UserID != userID {
		return nil, apierr.Conflict("The user doesn't own that changeset")
	}

	if _, err := tx.Exec(ctx, `SELECT id FROM changesets WHERE id = $1 FOR UPDATE NOWAIT`, id); err != nil {
		return nil, apierr.Conflict("Changeset %d is currently locked by another process", id)
	}

	if closedAt.Before(now) {
		return nil, apierr.Conflict("The changeset %d was closed at %s", id, closedAt.Format(time.RFC3339))
	}

	if checkLimit && cs.NumChanges >= s.MaxElements {
		return nil, apierr.Conflict("Changeset %d has reached the maximum of %d elements at %s", id, s.MaxElements, now.Format(time.RFC3339))
	}

	cs.ID = id
	cs.ClosedAt = closedAt
	if minLat != nil && minLon != nil && maxLat != nil && maxLon != nil {
		cs.BBox = osm.BBox{Defined: true, MinLat: *minLat, MinLon: *minLon, MaxLat: *maxLat, MaxLon: *maxLon}
	}
	return &cs, nil
}

// UpdateBBoxAndCount enforces the element-count limit, expands the
// in-memory bbox, and persists both it and the recomputed closed_at.
func (s *ChangesetStore) UpdateBBoxAndCount(ctx context.Context, tx pgx.Tx, cs *osm.Changeset, newOps int32, delta osm.BBox, now time.Time) error {
	if cs.NumChanges+newOps > s.MaxElements {
		return apierr.Conflict("Changeset %d would exceed the maximum of %d elements", cs.ID, s.MaxElements)
	}

	cs.NumChanges += newOps
	cs.BBox = cs.BBox.Union(delta)

	closedAt := now.Add(s.IdleExtend)
	lifespanCap := cs.CreatedAt.Add(s.OpenMax)
	if closedAt.After(lifespanCap) {
		closedAt = lifespanCap
	}
	cs.ClosedAt = closedAt

	_, err := tx.Exec(ctx, `
		UPDATE changesets
		SET num_changes = $2,
		    min_lat = $3, min_lon = $4, max_lat = $5, max_lon = $6,
		    closed_at = $7
		WHERE id = $1
	`, cs.ID, cs.NumChanges, nullableBBox(cs.BBox)[0], nullableBBox(cs.BBox)[1], nullableBBox(cs.BBox)[2], nullableBBox(cs.BBox)[3], cs.ClosedAt)
	if err != nil {
		return apierr.ServerError("updating changeset %d: %v", cs.ID, err)
	}
	return nil
}

func nullableBBox(b osm.BBox) [4]interface{} {
	if !b.Defined {
		return [4]interface{}{nil, nil, nil, nil}
	}
	return [4]interface{}{b.MinLat, b.MinLon, b.MaxLat, b.MaxLon}
}

// Create inserts a new changeset owned by userID, replacing its tags and
// creating a subscriber record for the owner.
func (s *ChangesetStore) Create(ctx context.Context, tx pgx.Tx, userID int64, tags osm.Tags, now time.Time) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO changesets (user_id, created_at, closed_at, num_changes)
		VALUES ($1, $2, $3, 0)
		RETURNING id
	`, userID, now, now.Add(s.IdleExtend)).Scan(&id)
	if err != nil {
		return 0, apierr.ServerError("creating changeset: %v", err)
	}

	if err := replaceChangesetTags(ctx, tx, id, tags); err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO changeset_subscribers (changeset_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, id, userID)
	if err != nil {
		return 0, apierr.ServerError("subscribing changeset owner: %v", err)
	}

	return id, nil
}

// UpdateTags authoritatively replaces the changeset's tag set.
func (s *ChangesetStore) UpdateTags(ctx context.Context, tx pgx.Tx, id int64, tags osm.Tags) error {
	return replaceChangesetTags(ctx, tx, id, tags)
}

// Close sets closed_at to now unconditionally.
func (s *ChangesetStore) Close(ctx context.Context, tx pgx.Tx, id int64, now time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE changesets SET closed_at = $2 WHERE id = $1`, id, now)
	if err != nil {
		return apierr.ServerError("closing changeset %d: %v", id, err)
	}
	return nil
}

func replaceChangesetTags(ctx context.Context, tx pgx.Tx, id int64, tags osm.Tags) error {
	if _, err := tx.Exec(ctx, `DELETE FROM changeset_tags WHERE changeset_id = $1`, id); err != nil {
		return apierr.ServerError("clearing changeset tags: %v", err)
	}
	batch := &pgx.Batch{}
	for k, v := range tags {
		batch.Queue(`INSERT INTO changeset_tags (changeset_id, k, v) VALUES ($1, $2, $3)`, id, k, v)
	}
	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return apierr.ServerError("inserting changeset tags: %v", err)
		}
	}
	return nil
}
