// Package spatial maintains the in-memory grid that answers radius queries over note coordinates.
//
// The grid partitions the globe into cells measured in degrees. Rows are cellSize degrees
// of latitude; columns split the 360 degrees of longitude evenly so the last column ends
// exactly on the antimeridian and wrapped column indexes land on the right meridians. Each
// cell holds the ids whose coordinates fall inside it and a separate id index keeps the
// cell of every entry, so insert, move and remove are O(1). Radius queries enumerate the
// cells that intersect the bounding box of the query disc and then apply an exact
// haversine filter. The bounding box accounts for meridian convergence, wraps across the
// antimeridian and widens to every column when the disc touches a pole.
package spatial

import (
	"math"
	"sort"
	"sync"
)

const (
	// EarthRadiusMeters is the IUGG mean earth radius.
	EarthRadiusMeters = 6371008.8
	// DefaultCellSizeMeters is used when a non-positive cell size is configured.
	DefaultCellSizeMeters = 500.0

	metersPerDegree = EarthRadiusMeters * math.Pi / 180
	boundsEpsilon   = 1e-9
)

type cellKey struct {
	row int
	col int
}

type entry struct {
	latitude  float64
	longitude float64
	cell      cellKey
}

// Match is a query hit with its great-circle distance from the query point.
type Match struct {
	ID             string
	Latitude       float64
	Longitude      float64
	DistanceMeters float64
}

// Grid is a uniform lat/lon grid index. The zero value is not usable; call NewGrid.
type Grid struct {
	mu        sync.RWMutex
	cellSize  float64
	lonStep   float64
	rows      int
	cols      int
	cells     map[cellKey]map[string]struct{}
	entries   map[string]entry
	cellMeter float64
}

// NewGrid creates a grid whose cells are roughly cellSizeMeters on a side at the equator.
func NewGrid(cellSizeMeters float64) *Grid {
	if cellSizeMeters <= 0 || math.IsNaN(cellSizeMeters) || math.IsInf(cellSizeMeters, 0) {
		cellSizeMeters = DefaultCellSizeMeters
	}
	cellSize := cellSizeMeters / metersPerDegree
	if cellSize > 90 {
		cellSize = 90
	}
	cols := int(math.Ceil(360 / cellSize))
	return &Grid{
		cellSize:  cellSize,
		lonStep:   360 / float64(cols),
		rows:      int(math.Ceil(180 / cellSize)),
		cols:      cols,
		cells:     make(map[cellKey]map[string]struct{}),
		entries:   make(map[string]entry),
		cellMeter: cellSizeMeters,
	}
}

// CellSizeMeters reports the configured cell side length.
func (g *Grid) CellSizeMeters() float64 {
	return g.cellMeter
}

// Insert places id at the coordinate. An existing entry for id is moved.
func (g *Grid) Insert(id string, latitude, longitude float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeLocked(id, latitude, longitude)
}

// Move updates the coordinate of id, inserting it when absent. When the cell is
// unchanged only the stored position changes.
func (g *Grid) Move(id string, latitude, longitude float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placeLocked(id, latitude, longitude)
}

// Remove deletes id from the grid and reports whether it was present.
func (g *Grid) Remove(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	existing, ok := g.entries[id]
	if !ok {
		return false
	}
	g.detachLocked(id, existing.cell)
	delete(g.entries, id)
	return true
}

// position returns the indexed coordinate of id.
func (g *Grid) position(id string) (float64, float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	existing, ok := g.entries[id]
	if !ok {
		return 0, 0, false
	}
	return existing.latitude, existing.longitude, true
}

// Len returns the number of indexed ids.
func (g *Grid) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entries)
}

// Reset drops every entry.
func (g *Grid) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cells = make(map[cellKey]map[string]struct{})
	g.entries = make(map[string]entry)
}

// QueryRadius returns the ids within radiusMeters of the point, in no particular order.
func (g *Grid) QueryRadius(latitude, longitude, radiusMeters float64) []string {
	matches := g.QueryRadiusMatches(latitude, longitude, radiusMeters)
	ids := make([]string, 0, len(matches))
	for _, match := range matches {
		ids = append(ids, match.ID)
	}
	return ids
}

// QueryRadiusMatches returns the hits within radiusMeters sorted by distance, then id.
func (g *Grid) QueryRadiusMatches(latitude, longitude, radiusMeters float64) []Match {
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return nil
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.entries) == 0 {
		return nil
	}

	minRow, maxRow, columns := g.candidateSpan(latitude, longitude, radiusMeters)
	matches := make([]Match, 0)
	collect := func(ids map[string]struct{}) {
		for id := range ids {
			candidate := g.entries[id]
			distance := HaversineMeters(latitude, longitude, candidate.latitude, candidate.longitude)
			if distance <= radiusMeters {
				matches = append(matches, Match{
					ID:             id,
					Latitude:       candidate.latitude,
					Longitude:      candidate.longitude,
					DistanceMeters: distance,
				})
			}
		}
	}

	candidateCells := (maxRow - minRow + 1) * len(columns)
	if candidateCells > len(g.cells) {
		// Sparse grid: walking occupied cells is cheaper than probing empty ones.
		wanted := make(map[int]struct{}, len(columns))
		for _, col := range columns {
			wanted[col] = struct{}{}
		}
		for key, ids := range g.cells {
			if key.row < minRow || key.row > maxRow {
				continue
			}
			if _, ok := wanted[key.col]; !ok {
				continue
			}
			collect(ids)
		}
	} else {
		for row := minRow; row <= maxRow; row++ {
			for _, col := range columns {
				if ids, ok := g.cells[cellKey{row: row, col: col}]; ok {
					collect(ids)
				}
			}
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].DistanceMeters == matches[j].DistanceMeters {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].DistanceMeters < matches[j].DistanceMeters
	})
	return matches
}

// candidateSpan returns the inclusive row range and the column set covering the
// bounding box of the query disc.
func (g *Grid) candidateSpan(latitude, longitude, radiusMeters float64) (int, int, []int) {
	angular := radiusMeters / EarthRadiusMeters
	deltaLat := angular*180/math.Pi + boundsEpsilon

	minLat := latitude - deltaLat
	maxLat := latitude + deltaLat
	minRow := g.rowFor(math.Max(minLat, -90))
	maxRow := g.rowFor(math.Min(maxLat, 90))

	if minLat <= -90 || maxLat >= 90 || angular >= math.Pi/2 {
		return minRow, maxRow, g.allColumns()
	}

	// Largest longitude offset reachable inside the disc.
	ratio := math.Sin(angular) / math.Cos(latitude*math.Pi/180)
	if ratio >= 1 {
		return minRow, maxRow, g.allColumns()
	}
	deltaLon := math.Asin(ratio)*180/math.Pi + boundsEpsilon
	if deltaLon >= 180 {
		return minRow, maxRow, g.allColumns()
	}

	first := int(math.Floor((longitude - deltaLon + 180) / g.lonStep))
	last := int(math.Floor((longitude + deltaLon + 180) / g.lonStep))
	if last-first+1 >= g.cols {
		return minRow, maxRow, g.allColumns()
	}
	columns := make([]int, 0, last-first+1)
	for col := first; col <= last; col++ {
		columns = append(columns, g.wrapColumn(col))
	}
	return minRow, maxRow, columns
}

func (g *Grid) allColumns() []int {
	columns := make([]int, g.cols)
	for col := range columns {
		columns[col] = col
	}
	return columns
}

func (g *Grid) rowFor(latitude float64) int {
	row := int(math.Floor((latitude + 90) / g.cellSize))
	if row < 0 {
		return 0
	}
	if row >= g.rows {
		return g.rows - 1
	}
	return row
}

func (g *Grid) wrapColumn(col int) int {
	col %= g.cols
	if col < 0 {
		col += g.cols
	}
	return col
}

func (g *Grid) keyFor(latitude, longitude float64) cellKey {
	longitude = normalizeLongitude(longitude)
	if longitude >= 180 {
		longitude -= 360
	}
	col := int(math.Floor((longitude + 180) / g.lonStep))
	return cellKey{row: g.rowFor(latitude), col: g.wrapColumn(col)}
}

func (g *Grid) placeLocked(id string, latitude, longitude float64) {
	key := g.keyFor(latitude, longitude)
	if existing, ok := g.entries[id]; ok {
		if existing.cell == key {
			g.entries[id] = entry{latitude: latitude, longitude: longitude, cell: key}
			return
		}
		g.detachLocked(id, existing.cell)
	}
	ids, ok := g.cells[key]
	if !ok {
		ids = make(map[string]struct{}, 4)
		g.cells[key] = ids
	}
	ids[id] = struct{}{}
	g.entries[id] = entry{latitude: latitude, longitude: longitude, cell: key}
}

func (g *Grid) detachLocked(id string, key cellKey) {
	ids, ok := g.cells[key]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(g.cells, key)
	}
}

func normalizeLongitude(longitude float64) float64 {
	for longitude > 180 {
		longitude -= 360
	}
	for longitude < -180 {
		longitude += 360
	}
	return longitude
}

// HaversineMeters returns the great-circle distance between two points in meters.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	lat1Rad := lat1 * math.Pi / 180
	lat2Rad := lat2 * math.Pi / 180
	deltaLat := (lat2 - lat1) * math.Pi / 180
	deltaLon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
