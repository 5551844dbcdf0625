package osm

// Tile computes the Morton-interleaved spatial index for a node at the
// given scaled integer coordinates, matching the quad-tile scheme used by
// the reference implementation: longitude and latitude are each projected
// onto a 16-bit grid, then their bits are interleaved into one 32-bit tile
// index. Implementations of this function must be bit-for-bit identical
// across readers and writers sharing one store.
func Tile(lat, lon int64, scale int64) int64 {
	x := lon2x(float64(lon) / float64(scale))
	y := lat2y(float64(lat) / float64(scale))
	return xy2tile(x, y)
}

func lon2x(lon float64) uint32 {
	return uint32(int64((lon + 180.0) * 65535.0 / 360.0))
}

func lat2y(lat float64) uint32 {
	return uint32(int64((lat + 90.0) * 65535.0 / 180.0))
}

// xy2tile interleaves the low 16 bits of x and y into a single 32-bit
// Morton code, y occupying the low bit of each pair.
func xy2tile(x, y uint32) int64 {
	var tile int64
	for i := 31; i >= 0; i-- {
		tile = (tile << 1) | int64((x>>uint(i))&1)
		tile = (tile << 1) | int64((y>>uint(i))&1)
	}
	return tile
}
