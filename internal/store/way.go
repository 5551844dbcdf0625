package store

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/osm"
	"mapedit.dev/apiserver/internal/placeholder"
)

// WayStore implements the way updater of spec.md §4.5.
type WayStore struct{}

type WayOutcome struct {
	OpIndex       int
	PlaceholderID int64
	ID            int64
	Version       int32
	Skipped       bool
}

type WayCreate struct {
	OpIndex       int
	PlaceholderID int64
	Nodes         []int64
	Tags          osm.Tags
}

type WayModify struct {
	OpIndex int
	ID      int64
	Version int32
	Nodes   []int64
	Tags    osm.Tags
}

type WayDelete struct {
	OpIndex  int
	ID       int64
	Version  int32
	IfUnused bool
}

// ProcessNew creates ways, validating that every referenced node exists and
// is visible, then writes the current/history rows and node sequence. The
// returned bbox is the union of the envelopes of every node the new ways
// reference, per spec.md §4.5's "bbox only tracks node coordinates" rule.
func (s *WayStore) ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []WayCreate, resolver *placeholder.Resolver, now time.Time) ([]WayOutcome, osm.BBox, error) {
	outcomes := make([]WayOutcome, 0, len(creates))
	var bbox osm.BBox

	for _, c := range creates {
		nodeIDs, err := resolver.ResolveAll(osm.KindNode, c.Nodes)
		if err != nil {
			return nil, osm.BBox{}, err
		}

		coords, err := lockAndCheckNodesVisible(ctx, tx, nodeIDs, c.PlaceholderID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		for _, id := range nodeIDs {
			bbox = bbox.ExpandWith(coords[id].Lat, coords[id].Lon)
		}

		var wayID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO current_ways (changeset_id, visible, timestamp, version)
			VALUES ($1, true, $2, 1) RETURNING id
		`, changesetID, now).Scan(&wayID); err != nil {
			return nil, osm.BBox{}, apierr.ServerError("inserting way: %v", err)
		}

		if err := insertWayNodes(ctx, tx, wayID, nodeIDs); err != nil {
			return nil, osm.BBox{}, err
		}
		if err := replaceCurrentWayTags(ctx, tx, wayID, c.Tags); err != nil {
			return nil, osm.BBox{}, err
		}
		if err := writeWayHistory(ctx, tx, wayID, 1, changesetID, true, now, nodeIDs, c.Tags); err != nil {
			return nil, osm.BBox{}, err
		}

		if err := resolver.Register(osm.KindWay, c.PlaceholderID, wayID); err != nil {
			return nil, osm.BBox{}, err
		}

		outcomes = append(outcomes, WayOutcome{OpIndex: c.OpIndex, PlaceholderID: c.PlaceholderID, ID: wayID, Version: 1})
	}

	return outcomes, bbox, nil
}

// ProcessModify replaces a way's node list and tags package by package, in
// the same ordered-package discipline as the node updater. The returned
// bbox unions the envelopes of every node referenced by the new node lists.
func (s *WayStore) ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []WayModify, resolver *placeholder.Resolver, now time.Time) ([]WayOutcome, osm.BBox, error) {
	for i := range modifies {
		resolved, err := resolver.Resolve(osm.KindWay, modifies[i].ID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		modifies[i].ID = resolved
	}

	packages := partitionIntoPackages(modifies, func(m WayModify) int64 { return m.ID })
	outcomes := make([]WayOutcome, 0, len(modifies))
	var bbox osm.BBox

	for _, pkg := range packages {
		ids := make([]int64, len(pkg))
		byID := make(map[int64]WayModify, len(pkg))
		for i, m := range pkg {
			ids[i] = m.ID
			byID[m.ID] = m
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		current, err := lockCurrentWays(ctx, tx, ids)
		if err != nil {
			return nil, osm.BBox{}, err
		}

		for _, id := range ids {
			m := byID[id]
			row, ok := current[id]
			if !ok {
				return nil, osm.BBox{}, apierr.NotFound("Way %d not found", id)
			}
			if row.Version != m.Version {
				return nil, osm.BBox{}, apierr.Conflict("Version mismatch: provided %d, server had %d of Way %d", m.Version, row.Version, id)
			}

			nodeIDs, err := resolver.ResolveAll(osm.KindNode, m.Nodes)
			if err != nil {
				return nil, osm.BBox{}, err
			}
			coords, err := lockAndCheckNodesVisible(ctx, tx, nodeIDs, id)
			if err != nil {
				return nil, osm.BBox{}, err
			}
			for _, nid := range nodeIDs {
				bbox = bbox.ExpandWith(coords[nid].Lat, coords[nid].Lon)
			}

			newVersion := row.Version + 1
			if _, err := tx.Exec(ctx, `
				UPDATE current_ways SET changeset_id = $2, timestamp = $3, visible = true, version = $4
				WHERE id = $1
			`, id, changesetID, now, newVersion); err != nil {
				return nil, osm.BBox{}, apierr.ServerError("updating way %d: %v", id, err)
			}

			if _, err := tx.Exec(ctx, `DELETE FROM current_way_nodes WHERE way_id = $1`, id); err != nil {
				return nil, osm.BBox{}, apierr.ServerError("clearing way %d nodes: %v", id, err)
			}
			if err := insertWayNodes(ctx, tx, id, nodeIDs); err != nil {
				return nil, osm.BBox{}, err
			}
			if err := replaceCurrentWayTags(ctx, tx, id, m.Tags); err != nil {
				return nil, osm.BBox{}, err
			}
			if err := writeWayHistory(ctx, tx, id, newVersion, changesetID, true, now, nodeIDs, m.Tags); err != nil {
				return nil, osm.BBox{}, err
			}

			outcomes = append(outcomes, WayOutcome{OpIndex: m.OpIndex, ID: id, Version: newVersion})
		}
	}

	return outcomes, bbox, nil
}

// ProcessDelete applies the if_unused-aware delete policy, checking
// referencing relations.
func (s *WayStore) ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []WayDelete, resolver *placeholder.Resolver, now time.Time) ([]WayOutcome, error) {
	for i := range deletes {
		resolved, err := resolver.Resolve(osm.KindWay, deletes[i].ID)
		if err != nil {
			return nil, err
		}
		deletes[i].ID = resolved
	}

	ids := make([]int64, len(deletes))
	for i, d := range deletes {
		ids[i] = d.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	current, err := lockCurrentWays(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	outcomes := make([]WayOutcome, 0, len(deletes))
	for _, d := range deletes {
		row, ok := current[d.ID]
		if !ok {
			return nil, apierr.NotFound("Way %d not found", d.ID)
		}

		if !row.Visible {
			if !d.IfUnused {
				return nil, apierr.Gone("The way with the id %d has already been deleted", d.ID)
			}
			outcomes = append(outcomes, WayOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: row.Version, Skipped: true})
			continue
		}

		if row.Version != d.Version {
			return nil, apierr.Conflict("Version mismatch: provided %d, server had %d of Way %d", d.Version, row.Version, d.ID)
		}

		relsUsing, err := relationsReferencingWay(ctx, tx, d.ID)
		if err != nil {
			return nil, err
		}
		if len(relsUsing) > 0 {
			if !d.IfUnused {
				return nil, apierr.PreconditionFailed("Way %d is still used by relations %s.", d.ID, joinIDs(relsUsing))
			}
			outcomes = append(outcomes, WayOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: row.Version, Skipped: true})
			continue
		}

		newVersion := row.Version + 1
		if _, err := tx.Exec(ctx, `
			UPDATE current_ways SET visible = false, changeset_id = $2, timestamp = $3, version = $4
			WHERE id = $1
		`, d.ID, changesetID, now, newVersion); err != nil {
			return nil, apierr.ServerError("deleting way %d: %v", d.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM current_way_tags WHERE way_id = $1`, d.ID); err != nil {
			return nil, apierr.ServerError("clearing way %d tags: %v", d.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM current_way_nodes WHERE way_id = $1`, d.ID); err != nil {
			return nil, apierr.ServerError("clearing way %d nodes: %v", d.ID, err)
		}
		if err := writeWayHistory(ctx, tx, d.ID, newVersion, changesetID, false, now, nil, nil); err != nil {
			return nil, err
		}

		outcomes = append(outcomes, WayOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: newVersion})
	}

	return outcomes, nil
}

type currentWayRow struct {
	Version int32
	Visible bool
}

func lockCurrentWays(ctx context.Context, tx pgx.Tx, ids []int64) (map[int64]currentWayRow, error) {
	if len(ids) == 0 {
		return map[int64]currentWayRow{}, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT id, version, visible FROM current_ways WHERE id = ANY($1) ORDER BY id FOR UPDATE
	`, ids)
	if err != nil {
		return nil, apierr.ServerError("locking ways: %v", err)
	}
	defer rows.Close()

	out := make(map[int64]currentWayRow, len(ids))
	for rows.Next() {
		var id int64
		var row currentWayRow
		if err := rows.Scan(&id, &row.Version, &row.Visible); err != nil {
			return nil, apierr.ServerError("scanning locked way: %v", err)
		}
		out[id] = row
	}
	return out, rows.Err()
}

// lockAndCheckNodesVisible takes non-blocking shared locks (ascending id
// order) on the nodes a way/relation is about to reference, failing if any
// is missing or not visible, and returns each one's current coordinates so
// the caller can expand the changeset bbox by the referenced envelope.
func lockAndCheckNodesVisible(ctx context.Context, tx pgx.Tx, nodeIDs []int64, wayOrOwnerID int64) (map[int64]nodeCoord, error) {
	if len(nodeIDs) == 0 {
		return map[int64]nodeCoord{}, nil
	}
	ids := append([]int64(nil), nodeIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.Query(ctx, `
		SELECT id, lat, lon, visible FROM current_nodes WHERE id = ANY($1) ORDER BY id FOR SHARE NOWAIT
	`, ids)
	if err != nil {
		return nil, apierr.PreconditionFailed("Way %d requires the nodes with id in %s, which either do not exist, or are not visible", wayOrOwnerID, joinIDs(ids))
	}
	defer rows.Close()

	found := make(map[int64]nodeCoord, len(ids))
	for rows.Next() {
		var id int64
		var c nodeCoord
		var v bool
		if err := rows.Scan(&id, &c.Lat, &c.Lon, &v); err != nil {
			return nil, apierr.ServerError("scanning referenced node: %v", err)
		}
		if v {
			found[id] = c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apierr.ServerError("reading referenced nodes: %v", err)
	}

	var missing []int64
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, apierr.PreconditionFailed("Way %d requires the nodes with id in %s, which either do not exist, or are not visible", wayOrOwnerID, joinIDs(missing))
	}
	return found, nil
}

// nodeCoord is the scaled lat/lon of a node referenced by a way or relation
// member, used to expand the changeset bbox at write time.
type nodeCoord struct {
	Lat, Lon int64
}

func relationsReferencingWay(ctx context.Context, tx pgx.Tx, wayID int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT relation_id FROM current_relation_members
		WHERE member_type = 'way' AND member_id = $1
	`, wayID)
	if err != nil {
		return nil, apierr.ServerError("checking relation references for way %d: %v", wayID, err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, apierr.ServerError("scanning relation reference: %v", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func insertWayNodes(ctx context.Context, tx pgx.Tx, wayID int64, nodeIDs []int64) error {
	batch := &pgx.Batch{}
	for i, nodeID := range nodeIDs {
		batch.Queue(`
			INSERT INTO current_way_nodes (way_id, node_id, sequence_id) VALUES ($1, $2, $3)
		`, wayID, nodeID, i+1)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return apierr.ServerError("writing way %d nodes: %v", wayID, err)
	}
	return nil
}

func replaceCurrentWayTags(ctx context.Context, tx pgx.Tx, wayID int64, tags osm.Tags) error {
	if _, err := tx.Exec(ctx, `DELETE FROM current_way_tags WHERE way_id = $1`, wayID); err != nil {
		return apierr.ServerError("clearing way %d tags: %v", wayID, err)
	}
	batch := &pgx.Batch{}
	for k, v := range tags {
		batch.Queue(`INSERT INTO current_way_tags (way_id, k, v) VALUES ($1, $2, $3)`, wayID, k, v)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return apierr.ServerError("writing way %d tags: %v", wayID, err)
	}
	return nil
}

func writeWayHistory(ctx context.Context, tx pgx.Tx, wayID int64, version int32, changesetID int64, visible bool, now time.Time, nodeIDs []int64, tags osm.Tags) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO ways (way_id, version, changeset_id, visible, timestamp, redaction)
		VALUES ($1, $2, $3, $4, $5, NULL)
	`, wayID, version, changesetID, visible, now); err != nil {
		return apierr.ServerError("writing way %d history: %v", wayID, err)
	}

	batch := &pgx.Batch{}
	for i, nodeID := range nodeIDs {
		batch.Queue(`
			INSERT INTO way_nodes (way_id, version, sequence_id, node_id) VALUES ($1, $2, $3, $4)
		`, wayID, version, i+1, nodeID)
	}
	for k, v := range tags {
		batch.Queue(`INSERT INTO way_tags (way_id, version, k, v) VALUES ($1, $2, $3, $4)`, wayID, version, k, v)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return apierr.ServerError("writing way %d history detail: %v", wayID, err)
	}
	return nil
}
