package geo

import (
	"hash/fnv"
	"math"
	"sort"
	"sync"

	"github.com/example/commute-matching/internal/models"
)

const (
	earthRadiusM = 6371000.0
	// metres per degree of latitude on the haversine sphere
	metersPerDegree = earthRadiusM * math.Pi / 180

	idShards = 64
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }

type cellKey struct{ lat, lon int32 }

func (k cellKey) less(o cellKey) bool {
	if k.lat != o.lat {
		return k.lat < o.lat
	}
	return k.lon < o.lon
}

type cell struct {
	mu     sync.RWMutex
	points map[string]models.Coord
}

type entry struct {
	key cellKey
	loc models.Coord
}

// idShard owns the id -> cell mapping for a slice of the id space and
// serializes mutations of the same id.
type idShard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Index is a grid of fixed-size lat/lon cells, each holding the ids whose
// point falls inside it. Every cell has its own RW lock. Writers lock the
// cell a point leaves and the cell it enters together, lower key first;
// readers hold read locks on all visited cells for the whole scan, so a
// moving point is seen exactly once.
type Index struct {
	cellDeg float64
	nLat    int32
	nLon    int32

	// cellsMu guards the cells map itself, not the cell contents.
	cellsMu sync.RWMutex
	cells   map[cellKey]*cell

	shards [idShards]idShard
}

// NewIndex builds an index whose cells are cellSizeMeters tall. Cells keep a
// constant width in degrees, so they get narrower in metres toward the poles;
// QueryRadius widens its longitude span accordingly.
func NewIndex(cellSizeMeters float64) *Index {
	if cellSizeMeters <= 0 {
		cellSizeMeters = DefaultCellSizeMeters
	}
	deg := cellSizeMeters / metersPerDegree
	if deg > 90 {
		deg = 90
	}
	g := &Index{
		cellDeg: deg,
		nLat:    int32(math.Ceil(180 / deg)),
		nLon:    int32(math.Ceil(360 / deg)),
		cells:   make(map[cellKey]*cell),
	}
	for i := range g.shards {
		g.shards[i].entries = make(map[string]entry)
	}
	return g
}

// DefaultCellSizeMeters is twice the default maximum query radius of 5 km,
// so a default query touches the centre cell and at most its 8 neighbours.
const DefaultCellSizeMeters = 2 * 5000.0

// CellSizeFor derives the cell edge from the largest expected query radius.
func CellSizeFor(maxRadiusMeters float64) float64 {
	if maxRadiusMeters <= 0 {
		return DefaultCellSizeMeters
	}
	return 2 * maxRadiusMeters
}

func (g *Index) latIndex(lat float64) int32 {
	i := int32(math.Floor((lat + 90) / g.cellDeg))
	if i < 0 {
		return 0
	}
	if i >= g.nLat {
		return g.nLat - 1
	}
	return i
}

func (g *Index) lonIndex(lon float64) int32 {
	i := int32(math.Floor((lon + 180) / g.cellDeg))
	if i < 0 {
		return 0
	}
	if i >= g.nLon {
		return g.nLon - 1
	}
	return i
}

func (g *Index) keyFor(c models.Coord) cellKey {
	return cellKey{lat: g.latIndex(c.Lat), lon: g.lonIndex(c.Lon)}
}

func (g *Index) shard(id string) *idShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &g.shards[h.Sum32()%idShards]
}

func (g *Index) getOrCreate(k cellKey) *cell {
	g.cellsMu.RLock()
	c, ok := g.cells[k]
	g.cellsMu.RUnlock()
	if ok {
		return c
	}
	g.cellsMu.Lock()
	defer g.cellsMu.Unlock()
	if c, ok = g.cells[k]; ok {
		return c
	}
	c = &cell{points: make(map[string]models.Coord)}
	g.cells[k] = c
	return c
}

// Upsert inserts or moves the point for id.
func (g *Index) Upsert(id string, p models.Coord) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	newKey := g.keyFor(p)
	newCell := g.getOrCreate(newKey)
	old, existed := s.entries[id]
	if !existed || old.key == newKey {
		newCell.mu.Lock()
		newCell.points[id] = p
		newCell.mu.Unlock()
	} else {
		oldCell := g.getOrCreate(old.key)
		first, second := oldCell, newCell
		if newKey.less(old.key) {
			first, second = newCell, oldCell
		}
		first.mu.Lock()
		second.mu.Lock()
		delete(oldCell.points, id)
		newCell.points[id] = p
		second.mu.Unlock()
		first.mu.Unlock()
	}
	s.entries[id] = entry{key: newKey, loc: p}
	return nil
}

// Remove deletes id from the index. Unknown ids are ignored.
func (g *Index) Remove(id string) {
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	c := g.getOrCreate(e.key)
	c.mu.Lock()
	delete(c.points, id)
	c.mu.Unlock()
	delete(s.entries, id)
}

// Get returns the point currently stored for id.
func (g *Index) Get(id string) (models.Coord, bool) {
	s := g.shard(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	return e.loc, ok
}

// Len returns the number of indexed ids.
func (g *Index) Len() int {
	n := 0
	for i := range g.shards {
		g.shards[i].mu.Lock()
		n += len(g.shards[i].entries)
		g.shards[i].mu.Unlock()
	}
	return n
}

// QueryRadius returns every id within radiusMeters (great-circle) of p,
// mapped to its distance. The result is empty, never nil, when nothing
// matches.
func (g *Index) QueryRadius(p models.Coord, radiusMeters float64) (map[string]float64, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	if radiusMeters < 0 || math.IsNaN(radiusMeters) {
		return out, nil
	}

	cv := g.cover(p, radiusMeters)

	g.cellsMu.RLock()
	var visit []*cell
	if cv.size() > len(g.cells) {
		// sparse grid: cheaper to filter occupied cells than to visit every key
		keys := make([]cellKey, 0, len(g.cells))
		for k := range g.cells {
			if cv.contains(k) {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].less(keys[j]) })
		visit = make([]*cell, 0, len(keys))
		for _, k := range keys {
			visit = append(visit, g.cells[k])
		}
	} else {
		cv.each(func(k cellKey) {
			if c, ok := g.cells[k]; ok {
				visit = append(visit, c)
			}
		})
	}
	// visit is in key order, the same global order writers lock in
	for _, c := range visit {
		c.mu.RLock()
	}
	g.cellsMu.RUnlock()

	for _, c := range visit {
		for id, loc := range c.points {
			if d := Distance(p, loc); d <= radiusMeters {
				out[id] = d
			}
		}
	}
	for i := len(visit) - 1; i >= 0; i-- {
		visit[i].mu.RUnlock()
	}
	return out, nil
}

type lonSpan struct{ lo, hi int32 }

// cellCover is a rectangle of cells: a latitude band and one or two
// longitude spans (two when the box crosses the antimeridian), ascending.
type cellCover struct {
	latLo, latHi int32
	spans        []lonSpan
}

func (c cellCover) size() int {
	n := 0
	for _, s := range c.spans {
		n += int(s.hi-s.lo) + 1
	}
	return n * (int(c.latHi-c.latLo) + 1)
}

func (c cellCover) contains(k cellKey) bool {
	if k.lat < c.latLo || k.lat > c.latHi {
		return false
	}
	for _, s := range c.spans {
		if k.lon >= s.lo && k.lon <= s.hi {
			return true
		}
	}
	return false
}

// each visits the covered keys in ascending key order.
func (c cellCover) each(fn func(cellKey)) {
	for la := c.latLo; la <= c.latHi; la++ {
		for _, s := range c.spans {
			for lo := s.lo; lo <= s.hi; lo++ {
				fn(cellKey{lat: la, lon: lo})
			}
		}
	}
}

// cover returns the cells intersecting the lat/lon bounding box of a
// spherical cap of the given radius around p.
func (g *Index) cover(p models.Coord, radiusMeters float64) cellCover {
	const pad = 1e-9
	angular := radiusMeters / earthRadiusM
	dLat := angular*180/math.Pi*(1+pad) + pad

	minLat, maxLat := p.Lat-dLat, p.Lat+dLat
	allLon := minLat <= -90 || maxLat >= 90
	var dLon float64
	if !allLon {
		x := math.Sin(angular) / math.Cos(p.Lat*math.Pi/180)
		if x >= 1 || angular >= math.Pi/2 {
			allLon = true
		} else {
			dLon = math.Asin(x)*180/math.Pi*(1+pad) + pad
			if dLon >= 180 {
				allLon = true
			}
		}
	}

	cv := cellCover{latLo: g.latIndex(minLat), latHi: g.latIndex(maxLat)}
	switch {
	case allLon:
		cv.spans = []lonSpan{{0, g.nLon - 1}}
	case p.Lon-dLon < -180:
		cv.spans = []lonSpan{{0, g.lonIndex(p.Lon + dLon)}, {g.lonIndex(p.Lon - dLon + 360), g.nLon - 1}}
	case p.Lon+dLon > 180:
		cv.spans = []lonSpan{{0, g.lonIndex(p.Lon + dLon - 360)}, {g.lonIndex(p.Lon - dLon), g.nLon - 1}}
	default:
		cv.spans = []lonSpan{{g.lonIndex(p.Lon - dLon), g.lonIndex(p.Lon + dLon)}}
	}
	if len(cv.spans) == 2 && cv.spans[0].hi >= cv.spans[1].lo {
		cv.spans = []lonSpan{{0, g.nLon - 1}}
	}
	return cv
}
