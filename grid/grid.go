// Package grid implements the static occupancy grid map the localization
// engine runs against, including the precomputed likelihood field (per-cell
// Euclidean distance to the nearest occupied cell) and the free-cell index
// used for uniform pose sampling.
package grid

import (
	"fmt"
	"math"
)

// Occupancy state of a single cell.
const (
	Free     int8 = -1
	Unknown  int8 = 0
	Occupied int8 = 1
)

// Cell is one occupancy grid cell.
type Cell struct {
	// Occ is the occupancy state: Free, Unknown or Occupied
	Occ int8
	// Dist is the distance in meters to the nearest occupied cell,
	// clamped to the likelihood field maximum
	Dist float64
}

// Map is a read-only occupancy grid. OriginX/OriginY are the world
// coordinates of the grid center.
type Map struct {
	width      int
	height     int
	resolution float64
	originX    float64
	originY    float64
	cells      []Cell
	maxDist    float64
	free       [][2]int
}

// FromOccupancy builds a Map from a row-major occupancy byte array using the
// usual grid-map conventions: 0 is free, 100 is occupied, anything else is
// unknown. originX/originY are the world coordinates of the grid corner
// cell (0, 0); the map stores the grid-center origin internally.
// It returns an error when the data length does not match the dimensions.
func FromOccupancy(width, height int, resolution, originX, originY float64, data []byte) (*Map, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid map dimensions: %d x %d", width, height)
	}

	if len(data) != width*height {
		return nil, fmt.Errorf("invalid occupancy data length: %d for %d x %d map", len(data), width, height)
	}

	occ := make([]int8, len(data))
	for i, b := range data {
		switch b {
		case 0:
			occ[i] = Free
		case 100:
			occ[i] = Occupied
		default:
			occ[i] = Unknown
		}
	}

	return fromStates(width, height, resolution, originX, originY, occ)
}

func fromStates(width, height int, resolution, originX, originY float64, occ []int8) (*Map, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("invalid map resolution: %f", resolution)
	}

	m := &Map{
		width:      width,
		height:     height,
		resolution: resolution,
		originX:    originX + float64(width/2)*resolution,
		originY:    originY + float64(height/2)*resolution,
		cells:      make([]Cell, width*height),
	}

	for i, s := range occ {
		m.cells[i].Occ = s
		if s == Free {
			m.free = append(m.free, [2]int{i % width, i / width})
		}
	}

	return m, nil
}

// Width returns the map width in cells.
func (m *Map) Width() int { return m.width }

// Height returns the map height in cells.
func (m *Map) Height() int { return m.height }

// Resolution returns the metric size of one cell.
func (m *Map) Resolution() float64 { return m.resolution }

// MaxDist returns the clamp applied to the likelihood field, or 0 when the
// field has not been computed.
func (m *Map) MaxDist() float64 { return m.maxDist }

// IsValid reports whether (i, j) lies inside the grid.
func (m *Map) IsValid(i, j int) bool {
	return i >= 0 && i < m.width && j >= 0 && j < m.height
}

// At returns the cell at (i, j). The caller must ensure IsValid(i, j).
func (m *Map) At(i, j int) Cell {
	return m.cells[j*m.width+i]
}

// WorldToCell converts world coordinates to cell indices. The result may
// lie outside the grid; check with IsValid.
func (m *Map) WorldToCell(x, y float64) (int, int) {
	i := int(math.Floor((x-m.originX)/m.resolution+0.5)) + m.width/2
	j := int(math.Floor((y-m.originY)/m.resolution+0.5)) + m.height/2

	return i, j
}

// CellToWorld converts cell indices to the world coordinates of the cell
// center.
func (m *Map) CellToWorld(i, j int) (float64, float64) {
	x := m.originX + float64(i-m.width/2)*m.resolution
	y := m.originY + float64(j-m.height/2)*m.resolution

	return x, y
}

// DistAt returns the likelihood field value at world coordinates, or
// MaxDist for off-map queries.
func (m *Map) DistAt(x, y float64) float64 {
	i, j := m.WorldToCell(x, y)
	if !m.IsValid(i, j) {
		return m.maxDist
	}

	return m.At(i, j).Dist
}

// FreeCellCount returns the number of free cells in the map.
func (m *Map) FreeCellCount() int { return len(m.free) }

// FreeCell returns the (i, j) indices of the k-th free cell.
func (m *Map) FreeCell(k int) (int, int) {
	c := m.free[k]
	return c[0], c[1]
}

// ComputeLikelihoodField fills every cell's Dist with the Euclidean
// distance in meters to the nearest occupied cell, clamped to maxDist.
// The transform is a two-pass chamfer sweep that propagates the nearest
// obstacle coordinates: a cell only adopts the nearest obstacle of a
// neighbor visited before it, so a cell whose true nearest obstacle is
// not found that way gets a slightly larger distance.
func (m *Map) ComputeLikelihoodField(maxDist float64) {
	m.maxDist = maxDist

	// nearest obstacle per cell; -1 marks "none known yet"
	type src struct{ i, j int }
	nearest := make([]src, len(m.cells))
	for i := range nearest {
		nearest[i] = src{-1, -1}
	}

	for idx, c := range m.cells {
		if c.Occ == Occupied {
			nearest[idx] = src{idx % m.width, idx / m.width}
		}
	}

	dist2 := func(i, j int, s src) float64 {
		if s.i < 0 {
			return math.Inf(1)
		}
		di, dj := float64(i-s.i), float64(j-s.j)
		return di*di + dj*dj
	}

	relax := func(i, j, ni, nj int) {
		if ni < 0 || ni >= m.width || nj < 0 || nj >= m.height {
			return
		}
		idx, nidx := j*m.width+i, nj*m.width+ni
		if dist2(i, j, nearest[nidx]) < dist2(i, j, nearest[idx]) {
			nearest[idx] = nearest[nidx]
		}
	}

	// forward pass: top-left to bottom-right
	for j := 0; j < m.height; j++ {
		for i := 0; i < m.width; i++ {
			relax(i, j, i-1, j)
			relax(i, j, i, j-1)
			relax(i, j, i-1, j-1)
			relax(i, j, i+1, j-1)
		}
	}

	// backward pass: bottom-right to top-left
	for j := m.height - 1; j >= 0; j-- {
		for i := m.width - 1; i >= 0; i-- {
			relax(i, j, i+1, j)
			relax(i, j, i, j+1)
			relax(i, j, i+1, j+1)
			relax(i, j, i-1, j+1)
		}
	}

	for j := 0; j < m.height; j++ {
		for i := 0; i < m.width; i++ {
			idx := j*m.width + i
			d := math.Sqrt(dist2(i, j, nearest[idx])) * m.resolution
			if d > maxDist || math.IsInf(d, 1) {
				d = maxDist
			}
			m.cells[idx].Dist = d
		}
	}
}
