package osm

import "testing"

func TestTile_IsPureFunctionOfCoordinates(t *testing.T) {
	const scale = 10_000_000
	a := Tile(10_000_000, 20_000_000, scale)
	b := Tile(10_000_000, 20_000_000, scale)
	if a != b {
		t.Fatalf("tile must be a pure function of (lat, lon): got %d and %d", a, b)
	}
}

func TestTile_DiffersForDifferentCoordinates(t *testing.T) {
	const scale = 10_000_000
	a := Tile(10_000_000, 20_000_000, scale)
	b := Tile(-10_000_000, 20_000_000, scale)
	if a == b {
		t.Fatalf("expected different tiles for different latitudes")
	}
}

func TestBBox_ExpandAndUnion(t *testing.T) {
	var b BBox
	b = b.ExpandWith(10_000_000, 20_000_000)
	b = b.ExpandWith(30_000_000, 40_000_000)

	if b.MinLat != 10_000_000 || b.MaxLat != 30_000_000 {
		t.Fatalf("unexpected lat bounds: %+v", b)
	}
	if b.MinLon != 20_000_000 || b.MaxLon != 40_000_000 {
		t.Fatalf("unexpected lon bounds: %+v", b)
	}

	other := BBox{Defined: true, MinLat: 0, MaxLat: 5, MinLon: 0, MaxLon: 5}
	u := b.Union(other)
	if u.MinLat != 0 || u.MaxLat != 30_000_000 {
		t.Fatalf("unexpected union lat bounds: %+v", u)
	}
}

func TestBBox_UnionWithUndefinedIsNoop(t *testing.T) {
	b := BBox{Defined: true, MinLat: 1, MaxLat: 2, MinLon: 1, MaxLon: 2}
	u := b.Union(BBox{})
	if u != b {
		t.Fatalf("union with an undefined bbox must be a no-op: got %+v", u)
	}
}
