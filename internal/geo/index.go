package geo

import (
	"github.com/golang/geo/s2"
)

// Index buckets points by S2 cell so that radius queries only look at the
// cell containing the query point and its neighbours.
type Index struct {
	level int
	cells map[s2.CellID][]int
}

// NewIndex creates an index whose cells are at least radiusM wide, so any
// point within radiusM of a query lies in the query cell or one of its neighbours.
func NewIndex(radiusM float64) *Index {
	level := s2.MinWidthMetric.MaxLevel(radiusM / earthRadiusMeters)
	return &Index{
		level: level,
		cells: make(map[s2.CellID][]int),
	}
}

// Level returns the S2 level used for bucketing
func (ix *Index) Level() int {
	return ix.level
}

// Insert adds an item reference (usually a slice position) at p
func (ix *Index) Insert(p Point, item int) {
	cell := ix.cellFor(p)
	ix.cells[cell] = append(ix.cells[cell], item)
}

// Near returns the items bucketed in p's cell and its neighbouring cells.
// The result is a superset of the items within the index radius; callers
// filter by exact distance.
func (ix *Index) Near(p Point) []int {
	cell := ix.cellFor(p)
	seen := map[s2.CellID]bool{cell: true}
	var items []int
	items = append(items, ix.cells[cell]...)
	for _, n := range cell.AllNeighbors(ix.level) {
		if seen[n] {
			continue
		}
		seen[n] = true
		items = append(items, ix.cells[n]...)
	}
	return items
}

func (ix *Index) cellFor(p Point) s2.CellID {
	return s2.CellIDFromLatLng(s2.LatLngFromDegrees(p.Lat, p.Lon)).Parent(ix.level)
}
