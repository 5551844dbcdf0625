package upload

import (
	"mapedit.dev/apiserver/internal/osm"
	"mapedit.dev/apiserver/internal/store"
)

// grouped is the operation sequence partitioned by kind and action, each
// slice preserving the relative document order the operations arrived in.
type grouped struct {
	NodeCreates  []store.NodeCreate
	NodeModifies []store.NodeModify
	NodeDeletes  []store.NodeDelete

	WayCreates  []store.WayCreate
	WayModifies []store.WayModify
	WayDeletes  []store.WayDelete

	RelationCreates  []store.RelationCreate
	RelationModifies []store.RelationModify
	RelationDeletes  []store.RelationDelete
}

// groupByKindAndAction fans the parsed operation sequence out into the
// per-kind, per-action slices each element updater's phase methods expect.
func groupByKindAndAction(ops []osm.Operation) grouped {
	var g grouped
	for _, op := range ops {
		switch op.Kind {
		case osm.KindNode:
			groupNode(&g, op)
		case osm.KindWay:
			groupWay(&g, op)
		case osm.KindRelation:
			groupRelation(&g, op)
		}
	}
	return g
}

func groupNode(g *grouped, op osm.Operation) {
	switch op.Action {
	case osm.ActionCreate:
		g.NodeCreates = append(g.NodeCreates, store.NodeCreate{
			OpIndex: op.Index, PlaceholderID: op.PlaceholderID,
			Lat: op.Node.Lat, Lon: op.Node.Lon, Tags: op.Node.Tags,
		})
	case osm.ActionModify:
		g.NodeModifies = append(g.NodeModifies, store.NodeModify{
			OpIndex: op.Index, ID: op.ID, Version: op.Version,
			Lat: op.Node.Lat, Lon: op.Node.Lon, Tags: op.Node.Tags,
		})
	case osm.ActionDelete:
		g.NodeDeletes = append(g.NodeDeletes, store.NodeDelete{
			OpIndex: op.Index, ID: op.ID, Version: op.Version, IfUnused: op.IfUnused,
		})
	}
}

func groupWay(g *grouped, op osm.Operation) {
	switch op.Action {
	case osm.ActionCreate:
		g.WayCreates = append(g.WayCreates, store.WayCreate{
			OpIndex: op.Index, PlaceholderID: op.PlaceholderID,
			Nodes: op.Way.Nodes, Tags: op.Way.Tags,
		})
	case osm.ActionModify:
		g.WayModifies = append(g.WayModifies, store.WayModify{
			OpIndex: op.Index, ID: op.ID, Version: op.Version,
			Nodes: op.Way.Nodes, Tags: op.Way.Tags,
		})
	case osm.ActionDelete:
		g.WayDeletes = append(g.WayDeletes, store.WayDelete{
			OpIndex: op.Index, ID: op.ID, Version: op.Version, IfUnused: op.IfUnused,
		})
	}
}

func groupRelation(g *grouped, op osm.Operation) {
	switch op.Action {
	case osm.ActionCreate:
		g.RelationCreates = append(g.RelationCreates, store.RelationCreate{
			OpIndex: op.Index, PlaceholderID: op.PlaceholderID,
			Members: op.Relation.Members, Tags: op.Relation.Tags,
		})
	case osm.ActionModify:
		g.RelationModifies = append(g.RelationModifies, store.RelationModify{
			OpIndex: op.Index, ID: op.ID, Version: op.Version,
			Members: op.Relation.Members, Tags: op.Relation.Tags,
		})
	case osm.ActionDelete:
		g.RelationDeletes = append(g.RelationDeletes, store.RelationDelete{
			OpIndex: op.Index, ID: op.ID, Version: op.Version, IfUnused: op.IfUnused,
		})
	}
}
