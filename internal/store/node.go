package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"mapedit.dev/apiserver/internal/apierr"
	"mapedit.dev/apiserver/internal/osm"
	"mapedit.dev/apiserver/internal/placeholder"
)

// NodeStore implements the node updater phases of spec.md §4.4.
type NodeStore struct {
	Scale int64
}

// NodeOutcome is what one node operation produced, consumed by the
// diff-result emitter.
type NodeOutcome struct {
	OpIndex    int
	PlaceholderID int64
	ID         int64
	Version    int32
	Skipped    bool
}

// NodeCreate is one pending create, carried between ProcessNew's caller and
// its batched insert.
type NodeCreate struct {
	OpIndex       int
	PlaceholderID int64
	Lat, Lon      float64
	Tags          osm.Tags
}

// NodeModify is one pending modify.
type NodeModify struct {
	OpIndex  int
	ID       int64
	Version  int32
	Lat, Lon float64
	Tags     osm.Tags
}

// NodeDelete is one pending delete.
type NodeDelete struct {
	OpIndex  int
	ID       int64
	Version  int32
	IfUnused bool
}

// ProcessNew inserts every creation in one batch, seeds the resolver, and
// returns the bbox delta and per-operation outcomes.
func (s *NodeStore) ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []NodeCreate, resolver *placeholder.Resolver, now time.Time) ([]NodeOutcome, osm.BBox, error) {
	if len(creates) == 0 {
		return nil, osm.BBox{}, nil
	}

	seen := make(map[int64]bool, len(creates))
	for _, c := range creates {
		if seen[c.PlaceholderID] {
			return nil, osm.BBox{}, apierr.BadRequest("Placeholder IDs must be unique for created elements")
		}
		seen[c.PlaceholderID] = true
	}

	outcomes := make([]NodeOutcome, len(creates))
	var bbox osm.BBox

	batch := &pgx.Batch{}
	for _, c := range creates {
		lat := int64(roundScale(c.Lat, s.Scale))
		lon := int64(roundScale(c.Lon, s.Scale))
		tile := osm.Tile(lat, lon, s.Scale)
		batch.Queue(`
			INSERT INTO current_nodes (lat, lon, tile, changeset_id, visible, timestamp, version)
			VALUES ($1, $2, $3, $4, true, $5, 1)
			RETURNING id
		`, lat, lon, tile, changesetID, now)
	}

	br := tx.SendBatch(ctx, batch)
	ids := make([]int64, len(creates))
	for i := range creates {
		var id int64
		if err := br.QueryRow().Scan(&id); err != nil {
			br.Close()
			return nil, osm.BBox{}, apierr.ServerError("inserting node: %v", err)
		}
		ids[i] = id
	}
	if err := br.Close(); err != nil {
		return nil, osm.BBox{}, apierr.ServerError("closing node insert batch: %v", err)
	}

	historyBatch := &pgx.Batch{}
	tagBatch := &pgx.Batch{}
	for i, c := range creates {
		lat := int64(roundScale(c.Lat, s.Scale))
		lon := int64(roundScale(c.Lon, s.Scale))
		tile := osm.Tile(lat, lon, s.Scale)
		historyBatch.Queue(`
			INSERT INTO nodes (node_id, version, lat, lon, tile, changeset_id, visible, timestamp, redaction)
			VALUES ($1, 1, $2, $3, $4, $5, true, $6, NULL)
		`, ids[i], lat, lon, tile, changesetID, now)

		for k, v := range c.Tags {
			tagBatch.Queue(`INSERT INTO current_node_tags (node_id, k, v) VALUES ($1, $2, $3)`, ids[i], k, v)
			tagBatch.Queue(`INSERT INTO node_tags (node_id, version, k, v) VALUES ($1, 1, $2, $3)`, ids[i], k, v)
		}

		if err := resolver.Register(osm.KindNode, c.PlaceholderID, ids[i]); err != nil {
			return nil, osm.BBox{}, err
		}

		bbox = bbox.ExpandWith(lat, lon)
		outcomes[i] = NodeOutcome{OpIndex: c.OpIndex, PlaceholderID: c.PlaceholderID, ID: ids[i], Version: 1}
	}

	if err := execBatch(ctx, tx, historyBatch); err != nil {
		return nil, osm.BBox{}, apierr.ServerError("writing node history: %v", err)
	}
	if err := execBatch(ctx, tx, tagBatch); err != nil {
		return nil, osm.BBox{}, apierr.ServerError("writing node tags: %v", err)
	}

	return outcomes, bbox, nil
}

// ProcessModify partitions the modify set into version-ordered packages and
// applies each one in order, per spec.md §4.4.
func (s *NodeStore) ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []NodeModify, resolver *placeholder.Resolver, now time.Time) ([]NodeOutcome, osm.BBox, error) {
	for i := range modifies {
		resolved, err := resolver.Resolve(osm.KindNode, modifies[i].ID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		modifies[i].ID = resolved
	}

	packages := partitionIntoPackages(modifies, func(m NodeModify) int64 { return m.ID })

	var bbox osm.BBox
	outcomes := make([]NodeOutcome, 0, len(modifies))

	for _, pkg := range packages {
		ids := make([]int64, len(pkg))
		byID := make(map[int64]NodeModify, len(pkg))
		for i, m := range pkg {
			ids[i] = m.ID
			byID[m.ID] = m
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		current, err := lockCurrentNodes(ctx, tx, ids)
		if err != nil {
			return nil, osm.BBox{}, err
		}

		for _, id := range ids {
			m := byID[id]
			row, ok := current[id]
			if !ok {
				return nil, osm.BBox{}, apierr.NotFound("Node %d not found", id)
			}
			if row.Version != m.Version {
				return nil, osm.BBox{}, apierr.Conflict("Version mismatch: provided %d, server had %d of Node %d", m.Version, row.Version, id)
			}

			bbox = bbox.ExpandWith(row.Lat, row.Lon)

			lat := int64(roundScale(m.Lat, s.Scale))
			lon := int64(roundScale(m.Lon, s.Scale))
			tile := osm.Tile(lat, lon, s.Scale)
			newVersion := row.Version + 1

			if _, err := tx.Exec(ctx, `
				UPDATE current_nodes
				SET lat = $2, lon = $3, tile = $4, changeset_id = $5, timestamp = $6, visible = true, version = $7
				WHERE id = $1
			`, id, lat, lon, tile, changesetID, now, newVersion); err != nil {
				return nil, osm.BBox{}, apierr.ServerError("updating node %d: %v", id, err)
			}

			if err := replaceCurrentNodeTags(ctx, tx, id, m.Tags); err != nil {
				return nil, osm.BBox{}, err
			}

			if _, err := tx.Exec(ctx, `
				INSERT INTO nodes (node_id, version, lat, lon, tile, changeset_id, visible, timestamp, redaction)
				VALUES ($1, $2, $3, $4, $5, $6, true, $7, NULL)
			`, id, newVersion, lat, lon, tile, changesetID, now); err != nil {
				return nil, osm.BBox{}, apierr.ServerError("writing node %d history: %v", id, err)
			}
			if err := insertNodeTagHistory(ctx, tx, id, newVersion, m.Tags); err != nil {
				return nil, osm.BBox{}, err
			}

			bbox = bbox.ExpandWith(lat, lon)
			outcomes = append(outcomes, NodeOutcome{OpIndex: m.OpIndex, ID: id, Version: newVersion})
		}
	}

	return outcomes, bbox, nil
}

// ProcessDelete applies the if_unused-aware delete policy of spec.md §4.4.
func (s *NodeStore) ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []NodeDelete, resolver *placeholder.Resolver, now time.Time) ([]NodeOutcome, osm.BBox, error) {
	for i := range deletes {
		resolved, err := resolver.Resolve(osm.KindNode, deletes[i].ID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		deletes[i].ID = resolved
	}

	ids := make([]int64, len(deletes))
	for i, d := range deletes {
		ids[i] = d.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	current, err := lockCurrentNodes(ctx, tx, ids)
	if err != nil {
		return nil, osm.BBox{}, err
	}

	var bbox osm.BBox
	outcomes := make([]NodeOutcome, 0, len(deletes))

	for _, d := range deletes {
		row, ok := current[d.ID]
		if !ok {
			return nil, osm.BBox{}, apierr.NotFound("Node %d not found", d.ID)
		}

		if !row.Visible {
			if !d.IfUnused {
				return nil, osm.BBox{}, apierr.Gone("The node with the id %d has already been deleted", d.ID)
			}
			outcomes = append(outcomes, NodeOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: row.Version, Skipped: true})
			continue
		}

		if row.Version != d.Version {
			return nil, osm.BBox{}, apierr.Conflict("Version mismatch: provided %d, server had %d of Node %d", d.Version, row.Version, d.ID)
		}

		waysUsing, relsUsing, err := referencingIDs(ctx, tx, d.ID)
		if err != nil {
			return nil, osm.BBox{}, err
		}
		if len(waysUsing) > 0 || len(relsUsing) > 0 {
			if !d.IfUnused {
				return nil, osm.BBox{}, apierr.PreconditionFailed("Node %d is still used by %s", d.ID, describeUsage(waysUsing, relsUsing))
			}
			outcomes = append(outcomes, NodeOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: row.Version, Skipped: true})
			continue
		}

		bbox = bbox.ExpandWith(row.Lat, row.Lon)
		newVersion := row.Version + 1

		if _, err := tx.Exec(ctx, `
			UPDATE current_nodes SET visible = false, changeset_id = $2, timestamp = $3, version = $4
			WHERE id = $1
		`, d.ID, changesetID, now, newVersion); err != nil {
			return nil, osm.BBox{}, apierr.ServerError("deleting node %d: %v", d.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM current_node_tags WHERE node_id = $1`, d.ID); err != nil {
			return nil, osm.BBox{}, apierr.ServerError("clearing node %d tags: %v", d.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO nodes (node_id, version, lat, lon, tile, changeset_id, visible, timestamp, redaction)
			VALUES ($1, $2, $3, $4, $5, $6, false, $7, NULL)
		`, d.ID, newVersion, row.Lat, row.Lon, row.Tile, changesetID, now); err != nil {
			return nil, osm.BBox{}, apierr.ServerError("appending node %d tombstone: %v", d.ID, err)
		}

		outcomes = append(outcomes, NodeOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: newVersion})
	}

	return outcomes, bbox, nil
}

type currentNodeRow struct {
	Lat, Lon int64
	Tile     int64
	Version  int32
	Visible  bool
}

// lockCurrentNodes takes exclusive, blocking row locks on the given node ids
// in ascending order, per the fixed lock-acquisition order of spec.md §5.
func lockCurrentNodes(ctx context.Context, tx pgx.Tx, ids []int64) (map[int64]currentNodeRow, error) {
	if len(ids) == 0 {
		return map[int64]currentNodeRow{}, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT id, lat, lon, tile, version, visible FROM current_nodes
		WHERE id = ANY($1) ORDER BY id FOR UPDATE
	`, ids)
	if err != nil {
		return nil, apierr.ServerError("locking nodes: %v", err)
	}
	defer rows.Close()

	out := make(map[int64]currentNodeRow, len(ids))
	for rows.Next() {
		var id int64
		var row currentNodeRow
		if err := rows.Scan(&id, &row.Lat, &row.Lon, &row.Tile, &row.Version, &row.Visible); err != nil {
			return nil, apierr.ServerError("scanning locked node: %v", err)
		}
		out[id] = row
	}
	return out, rows.Err()
}

// referencingIDs returns the ways and relations currently referencing node
// id, used by the delete referential-integrity check.
func referencingIDs(ctx context.Context, tx pgx.Tx, nodeID int64) ([]int64, []int64, error) {
	wayRows, err := tx.Query(ctx, `
		SELECT DISTINCT way_id FROM current_way_nodes WHERE node_id = $1
	`, nodeID)
	if err != nil {
		return nil, nil, apierr.ServerError("checking way references for node %d: %v", nodeID, err)
	}
	var ways []int64
	for wayRows.Next() {
		var id int64
		if err := wayRows.Scan(&id); err != nil {
			wayRows.Close()
			return nil, nil, apierr.ServerError("scanning way reference: %v", err)
		}
		ways = append(ways, id)
	}
	wayRows.Close()
	if err := wayRows.Err(); err != nil {
		return nil, nil, apierr.ServerError("reading way references: %v", err)
	}

	relRows, err := tx.Query(ctx, `
		SELECT DISTINCT relation_id FROM current_relation_members
		WHERE member_type = 'node' AND member_id = $1
	`, nodeID)
	if err != nil {
		return nil, nil, apierr.ServerError("checking relation references for node %d: %v", nodeID, err)
	}
	var rels []int64
	for relRows.Next() {
		var id int64
		if err := relRows.Scan(&id); err != nil {
			relRows.Close()
			return nil, nil, apierr.ServerError("scanning relation reference: %v", err)
		}
		rels = append(rels, id)
	}
	relRows.Close()
	if err := relRows.Err(); err != nil {
		return nil, nil, apierr.ServerError("reading relation references: %v", err)
	}

	return ways, rels, nil
}

func describeUsage(ways, rels []int64) string {
	msg := ""
	if len(ways) > 0 {
		msg += fmt.Sprintf("ways %s", joinIDs(ways))
	}
	if len(rels) > 0 {
		if msg != "" {
			msg += ", "
		}
		msg += fmt.Sprintf("relations %s", joinIDs(rels))
	}
	return msg + "."
}

func joinIDs(ids []int64) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%d", id)
	}
	return out
}

func replaceCurrentNodeTags(ctx context.Context, tx pgx.Tx, nodeID int64, tags osm.Tags) error {
	if _, err := tx.Exec(ctx, `DELETE FROM current_node_tags WHERE node_id = $1`, nodeID); err != nil {
		return apierr.ServerError("clearing node %d tags: %v", nodeID, err)
	}
	batch := &pgx.Batch{}
	for k, v := range tags {
		batch.Queue(`INSERT INTO current_node_tags (node_id, k, v) VALUES ($1, $2, $3)`, nodeID, k, v)
	}
	return execBatch(ctx, tx, batch)
}

func insertNodeTagHistory(ctx context.Context, tx pgx.Tx, nodeID int64, version int32, tags osm.Tags) error {
	batch := &pgx.Batch{}
	for k, v := range tags {
		batch.Queue(`INSERT INTO node_tags (node_id, version, k, v) VALUES ($1, $2, $3, $4)`, nodeID, version, k, v)
	}
	return execBatch(ctx, tx, batch)
}

func execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}
	br := tx.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

func roundScale(v float64, scale int64) float64 {
	x := v * float64(scale)
	if x >= 0 {
		return float64(int64(x + 0.5))
	}
	return float64(int64(x - 0.5))
}

// partitionIntoPackages splits a modify/delete list into ordered packages
// where the k-th occurrence of each id goes into package k, per spec.md
// §4.4's sequential-modification rule.
func partitionIntoPackages[T any](items []T, idOf func(T) int64) [][]T {
	seen := make(map[int64]int)
	var packages [][]T
	for _, item := range items {
		idx := seen[idOf(item)]
		seen[idOf(item)] = idx + 1
		for len(packages) <= idx {
			packages = append(packages, nil)
		}
		packages[idx] = append(packages[idx], item)
	}
	return packages
}
