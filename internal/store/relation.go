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

// RelationStore implements the relation updater of spec.md §4.6.
type RelationStore struct{}

type RelationOutcome struct {
	OpIndex       int
	PlaceholderID int64
	ID            int64
	Version       int32
	Skipped       bool
}

type RelationCreate struct {
	OpIndex       int
	PlaceholderID int64
	Members       []osm.RelationMemberRef
	Tags          osm.Tags
}

type RelationModify struct {
	OpIndex int
	ID      int64
	Version int32
	Members []osm.RelationMemberRef
	Tags    osm.Tags
}

type RelationDelete struct {
	OpIndex  int
	ID       int64
	Version  int32
	IfUnused bool
}

// ProcessNew creates relations. Members may reference nodes, ways, or other
// relations, including cyclically; referential checks are non-blocking
// shared locks taken in ascending id order per kind, tolerant of a
// relation referencing another relation modified earlier in this upload.
func (s *RelationStore) ProcessNew(ctx context.Context, tx pgx.Tx, changesetID int64, creates []RelationCreate, resolver *placeholder.Resolver, now time.Time) ([]RelationOutcome, error) {
	outcomes := make([]RelationOutcome, 0, len(creates))

	for _, c := range creates {
		resolvedMembers, err := resolveMembers(resolver, c.Members)
		if err != nil {
			return nil, err
		}
		if err := checkMembersVisible(ctx, tx, c.PlaceholderID, resolvedMembers); err != nil {
			return nil, err
		}

		var relID int64
		if err := tx.QueryRow(ctx, `
			INSERT INTO current_relations (changeset_id, visible, timestamp, version)
			VALUES ($1, true, $2, 1) RETURNING id
		`, changesetID, now).Scan(&relID); err != nil {
			return nil, apierr.ServerError("inserting relation: %v", err)
		}

		if err := insertRelationMembers(ctx, tx, relID, resolvedMembers); err != nil {
			return nil, err
		}
		if err := replaceCurrentRelationTags(ctx, tx, relID, c.Tags); err != nil {
			return nil, err
		}
		if err := writeRelationHistory(ctx, tx, relID, 1, changesetID, true, now, resolvedMembers, c.Tags); err != nil {
			return nil, err
		}

		if err := resolver.Register(osm.KindRelation, c.PlaceholderID, relID); err != nil {
			return nil, err
		}

		outcomes = append(outcomes, RelationOutcome{OpIndex: c.OpIndex, PlaceholderID: c.PlaceholderID, ID: relID, Version: 1})
	}

	return outcomes, nil
}

// ProcessModify replaces a relation's member list and tags package by
// package.
func (s *RelationStore) ProcessModify(ctx context.Context, tx pgx.Tx, changesetID int64, modifies []RelationModify, resolver *placeholder.Resolver, now time.Time) ([]RelationOutcome, error) {
	for i := range modifies {
		resolved, err := resolver.Resolve(osm.KindRelation, modifies[i].ID)
		if err != nil {
			return nil, err
		}
		modifies[i].ID = resolved
	}

	packages := partitionIntoPackages(modifies, func(m RelationModify) int64 { return m.ID })
	outcomes := make([]RelationOutcome, 0, len(modifies))

	for _, pkg := range packages {
		ids := make([]int64, len(pkg))
		byID := make(map[int64]RelationModify, len(pkg))
		for i, m := range pkg {
			ids[i] = m.ID
			byID[m.ID] = m
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		current, err := lockCurrentRelations(ctx, tx, ids)
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			m := byID[id]
			row, ok := current[id]
			if !ok {
				return nil, apierr.NotFound("Relation %d not found", id)
			}
			if row.Version != m.Version {
				return nil, apierr.Conflict("Version mismatch: provided %d, server had %d of Relation %d", m.Version, row.Version, id)
			}

			resolvedMembers, err := resolveMembers(resolver, m.Members)
			if err != nil {
				return nil, err
			}
			if err := checkMembersVisible(ctx, tx, id, resolvedMembers); err != nil {
				return nil, err
			}

			newVersion := row.Version + 1
			if _, err := tx.Exec(ctx, `
				UPDATE current_relations SET changeset_id = $2, timestamp = $3, visible = true, version = $4
				WHERE id = $1
			`, id, changesetID, now, newVersion); err != nil {
				return nil, apierr.ServerError("updating relation %d: %v", id, err)
			}

			if _, err := tx.Exec(ctx, `DELETE FROM current_relation_members WHERE relation_id = $1`, id); err != nil {
				return nil, apierr.ServerError("clearing relation %d members: %v", id, err)
			}
			if err := insertRelationMembers(ctx, tx, id, resolvedMembers); err != nil {
				return nil, err
			}
			if err := replaceCurrentRelationTags(ctx, tx, id, m.Tags); err != nil {
				return nil, err
			}
			if err := writeRelationHistory(ctx, tx, id, newVersion, changesetID, true, now, resolvedMembers, m.Tags); err != nil {
				return nil, err
			}

			outcomes = append(outcomes, RelationOutcome{OpIndex: m.OpIndex, ID: id, Version: newVersion})
		}
	}

	return outcomes, nil
}

// ProcessDelete examines only the current-relation-members table for
// referencing relations, per spec.md §4.6.
func (s *RelationStore) ProcessDelete(ctx context.Context, tx pgx.Tx, changesetID int64, deletes []RelationDelete, resolver *placeholder.Resolver, now time.Time) ([]RelationOutcome, error) {
	for i := range deletes {
		resolved, err := resolver.Resolve(osm.KindRelation, deletes[i].ID)
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

	current, err := lockCurrentRelations(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	outcomes := make([]RelationOutcome, 0, len(deletes))
	for _, d := range deletes {
		row, ok := current[d.ID]
		if !ok {
			return nil, apierr.NotFound("Relation %d not found", d.ID)
		}

		if !row.Visible {
			if !d.IfUnused {
				return nil, apierr.Gone("The relation with the id %d has already been deleted", d.ID)
			}
			outcomes = append(outcomes, RelationOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: row.Version, Skipped: true})
			continue
		}

		if row.Version != d.Version {
			return nil, apierr.Conflict("Version mismatch: provided %d, server had %d of Relation %d", d.Version, row.Version, d.ID)
		}

		parentsUsing, err := relationsReferencingRelation(ctx, tx, d.ID)
		if err != nil {
			return nil, err
		}
		if len(parentsUsing) > 0 {
			if !d.IfUnused {
				return nil, apierr.PreconditionFailed("Relation %d is still used by relations %s.", d.ID, joinIDs(parentsUsing))
			}
			outcomes = append(outcomes, RelationOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: row.Version, Skipped: true})
			continue
		}

		newVersion := row.Version + 1
		if _, err := tx.Exec(ctx, `
			UPDATE current_relations SET visible = false, changeset_id = $2, timestamp = $3, version = $4
			WHERE id = $1
		`, d.ID, changesetID, now, newVersion); err != nil {
			return nil, apierr.ServerError("deleting relation %d: %v", d.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM current_relation_tags WHERE relation_id = $1`, d.ID); err != nil {
			return nil, apierr.ServerError("clearing relation %d tags: %v", d.ID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM current_relation_members WHERE relation_id = $1`, d.ID); err != nil {
			return nil, apierr.ServerError("clearing relation %d members: %v", d.ID, err)
		}
		if err := writeRelationHistory(ctx, tx, d.ID, newVersion, changesetID, false, now, nil, nil); err != nil {
			return nil, err
		}

		outcomes = append(outcomes, RelationOutcome{OpIndex: d.OpIndex, ID: d.ID, Version: newVersion})
	}

	return outcomes, nil
}

type currentRelationRow struct {
	Version int32
	Visible bool
}

func lockCurrentRelations(ctx context.Context, tx pgx.Tx, ids []int64) (map[int64]currentRelationRow, error) {
	if len(ids) == 0 {
		return map[int64]currentRelationRow{}, nil
	}
	rows, err := tx.Query(ctx, `
		SELECT id, version, visible FROM current_relations WHERE id = ANY($1) ORDER BY id FOR UPDATE
	`, ids)
	if err != nil {
		return nil, apierr.ServerError("locking relations: %v", err)
	}
	defer rows.Close()

	out := make(map[int64]currentRelationRow, len(ids))
	for rows.Next() {
		var id int64
		var row currentRelationRow
		if err := rows.Scan(&id, &row.Version, &row.Visible); err != nil {
			return nil, apierr.ServerError("scanning locked relation: %v", err)
		}
		out[id] = row
	}
	return out, rows.Err()
}

func resolveMembers(resolver *placeholder.Resolver, members []osm.RelationMemberRef) ([]osm.Member, error) {
	out := make([]osm.Member, len(members))
	for i, m := range members {
		kind := memberKindToOSMKind(m.Kind)
		resolved, err := resolver.Resolve(kind, m.Ref)
		if err != nil {
			return nil, err
		}
		out[i] = osm.Member{Kind: m.Kind, Ref: resolved, Role: m.Role, SequenceID: i + 1}
	}
	return out, nil
}

func memberKindToOSMKind(k osm.MemberKind) osm.Kind {
	switch k {
	case osm.MemberNode:
		return osm.KindNode
	case osm.MemberWay:
		return osm.KindWay
	default:
		return osm.KindRelation
	}
}

// checkMembersVisible takes non-blocking shared locks on every referenced
// element, grouped by kind and ordered {node, way, relation} ascending by
// id within each kind, per spec.md §5's fixed lock-acquisition order.
func checkMembersVisible(ctx context.Context, tx pgx.Tx, relationID int64, members []osm.Member) error {
	var nodeIDs, wayIDs, relIDs []int64
	for _, m := range members {
		switch m.Kind {
		case osm.MemberNode:
			nodeIDs = append(nodeIDs, m.Ref)
		case osm.MemberWay:
			wayIDs = append(wayIDs, m.Ref)
		case osm.MemberRelation:
			if m.Ref != relationID {
				relIDs = append(relIDs, m.Ref)
			}
		}
	}

	if len(nodeIDs) > 0 {
		if _, err := lockAndCheckNodesVisible(ctx, tx, nodeIDs, relationID); err != nil {
			return err
		}
	}
	if len(wayIDs) > 0 {
		if err := checkWaysVisible(ctx, tx, relationID, wayIDs); err != nil {
			return err
		}
	}
	if len(relIDs) > 0 {
		if err := checkRelationsVisible(ctx, tx, relationID, relIDs); err != nil {
			return err
		}
	}
	return nil
}

func checkWaysVisible(ctx context.Context, tx pgx.Tx, relationID int64, wayIDs []int64) error {
	ids := append([]int64(nil), wayIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.Query(ctx, `
		SELECT id, visible FROM current_ways WHERE id = ANY($1) ORDER BY id FOR SHARE NOWAIT
	`, ids)
	if err != nil {
		return apierr.PreconditionFailed("Relation %d requires the ways with id in %s, which either do not exist, or are not visible", relationID, joinIDs(ids))
	}
	defer rows.Close()

	visible := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		var v bool
		if err := rows.Scan(&id, &v); err != nil {
			return apierr.ServerError("scanning referenced way: %v", err)
		}
		visible[id] = v
	}
	var missing []int64
	for _, id := range ids {
		if v, ok := visible[id]; !ok || !v {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return apierr.PreconditionFailed("Relation %d requires the ways with id in %s, which either do not exist, or are not visible", relationID, joinIDs(missing))
	}
	return nil
}

// checkRelationsVisible tolerates a relation that is itself being modified
// earlier in the same package sequence: visibility is read with a
// non-blocking shared lock, which succeeds against rows this same
// transaction already holds an exclusive lock on.
func checkRelationsVisible(ctx context.Context, tx pgx.Tx, relationID int64, relIDs []int64) error {
	ids := append([]int64(nil), relIDs...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	rows, err := tx.Query(ctx, `
		SELECT id, visible FROM current_relations WHERE id = ANY($1) ORDER BY id FOR SHARE NOWAIT
	`, ids)
	if err != nil {
		return apierr.PreconditionFailed("Relation %d requires the relations with id in %s, which either do not exist, or are not visible", relationID, joinIDs(ids))
	}
	defer rows.Close()

	visible := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		var v bool
		if err := rows.Scan(&id, &v); err != nil {
			return apierr.ServerError("scanning referenced relation: %v", err)
		}
		visible[id] = v
	}
	var missing []int64
	for _, id := range ids {
		if v, ok := visible[id]; !ok || !v {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return apierr.PreconditionFailed("Relation %d requires the relations with id in %s, which either do not exist, or are not visible", relationID, joinIDs(missing))
	}
	return nil
}

func relationsReferencingRelation(ctx context.Context, tx pgx.Tx, relationID int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT relation_id FROM current_relation_members
		WHERE member_type = 'relation' AND member_id = $1
	`, relationID)
	if err != nil {
		return nil, apierr.ServerError("checking relation references for relation %d: %v", relationID, err)
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

func insertRelationMembers(ctx context.Context, tx pgx.Tx, relationID int64, members []osm.Member) error {
	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`
			INSERT INTO current_relation_members (relation_id, member_type, member_id, member_role, sequence_id)
			VALUES ($1, $2, $3, $4, $5)
		`, relationID, m.Kind.String(), m.Ref, m.Role, m.SequenceID)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return apierr.ServerError("writing relation %d members: %v", relationID, err)
	}
	return nil
}

func replaceCurrentRelationTags(ctx context.Context, tx pgx.Tx, relationID int64, tags osm.Tags) error {
	if _, err := tx.Exec(ctx, `DELETE FROM current_relation_tags WHERE relation_id = $1`, relationID); err != nil {
		return apierr.ServerError("clearing relation %d tags: %v", relationID, err)
	}
	batch := &pgx.Batch{}
	for k, v := range tags {
		batch.Queue(`INSERT INTO current_relation_tags (relation_id, k, v) VALUES ($1, $2, $3)`, relationID, k, v)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return apierr.ServerError("writing relation %d tags: %v", relationID, err)
	}
	return nil
}

func writeRelationHistory(ctx context.Context, tx pgx.Tx, relationID int64, version int32, changesetID int64, visible bool, now time.Time, members []osm.Member, tags osm.Tags) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO relations (relation_id, version, changeset_id, visible, timestamp, redaction)
		VALUES ($1, $2, $3, $4, $5, NULL)
	`, relationID, version, changesetID, visible, now); err != nil {
		return apierr.ServerError("writing relation %d history: %v", relationID, err)
	}

	batch := &pgx.Batch{}
	for _, m := range members {
		batch.Queue(`
			INSERT INTO relation_members (relation_id, version, sequence_id, member_type, member_id, member_role)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, relationID, version, m.SequenceID, m.Kind.String(), m.Ref, m.Role)
	}
	for k, v := range tags {
		batch.Queue(`INSERT INTO relation_tags (relation_id, version, k, v) VALUES ($1, $2, $3, $4)`, relationID, version, k, v)
	}
	if err := execBatch(ctx, tx, batch); err != nil {
		return apierr.ServerError("writing relation %d history detail: %v", relationID, err)
	}
	return nil
}
