package geo

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/commute-matching/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one thousandth of a degree of longitude on the equator
	assert.InDelta(t, 111.19, Haversine(0, 0, 0, 0.001), 0.01)
	// quarter meridian
	assert.InDelta(t, 10007543.4, Haversine(0, 0, 90, 0), 1)
}

func bruteForce(points map[string]models.Coord, p models.Coord, r float64) map[string]bool {
	out := make(map[string]bool)
	for id, loc := range points {
		if Distance(p, loc) <= r {
			out[id] = true
		}
	}
	return out
}

func keysOf(m map[string]float64) map[string]bool {
	out := make(map[string]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func randomCoordNear(rng *rand.Rand, c models.Coord, spreadDeg float64) models.Coord {
	lat := c.Lat + (rng.Float64()*2-1)*spreadDeg
	lon := c.Lon + (rng.Float64()*2-1)*spreadDeg
	if lat > 90 {
		lat = 90
	}
	if lat < -90 {
		lat = -90
	}
	for lon > 180 {
		lon -= 360
	}
	for lon < -180 {
		lon += 360
	}
	return models.Coord{Lat: lat, Lon: lon}
}

func TestQueryRadiusMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	centers := []models.Coord{
		{Lat: 0, Lon: 0},
		{Lat: 51.5, Lon: -0.12},
		{Lat: 0, Lon: 179.99},   // antimeridian
		{Lat: -33.9, Lon: -180}, // antimeridian, west edge
		{Lat: 89.95, Lon: 10},   // north pole cap
		{Lat: -89.99, Lon: 0},   // south pole cap
		{Lat: 70, Lon: 45},      // narrow cells in metres
	}
	radii := []float64{0, 100, 500, 2000, 5000, 25000}

	for _, cellSize := range []float64{1000, DefaultCellSizeMeters, 50000} {
		for ci, c := range centers {
			t.Run(fmt.Sprintf("cell=%v/center=%d", cellSize, ci), func(t *testing.T) {
				idx := NewIndex(cellSize)
				points := make(map[string]models.Coord)
				for i := 0; i < 400; i++ {
					id := fmt.Sprintf("p%d", i)
					loc := randomCoordNear(rng, c, 0.3)
					require.NoError(t, idx.Upsert(id, loc))
					points[id] = loc
				}
				for q := 0; q < 20; q++ {
					center := randomCoordNear(rng, c, 0.2)
					for _, r := range radii {
						got, err := idx.QueryRadius(center, r)
						require.NoError(t, err)
						assert.Equal(t, bruteForce(points, center, r), keysOf(got), "center=%v r=%v", center, r)
					}
				}
			})
		}
	}
}

func TestQueryRadiusReportsDistances(t *testing.T) {
	idx := NewIndex(DefaultCellSizeMeters)
	require.NoError(t, idx.Upsert("b", models.Coord{Lat: 0, Lon: 0.001}))
	got, err := idx.QueryRadius(models.Coord{}, 500)
	require.NoError(t, err)
	require.Contains(t, got, "b")
	assert.InDelta(t, 111.19, got["b"], 0.01)
}

func TestUpsertThenQueryAlwaysFindsID(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	idx := NewIndex(DefaultCellSizeMeters)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("u%d", i%50)
		loc := randomCoordNear(rng, models.Coord{Lat: 40, Lon: -74}, 1)
		require.NoError(t, idx.Upsert(id, loc))
		got, err := idx.QueryRadius(loc, 0)
		require.NoError(t, err)
		assert.Contains(t, got, id)
	}
	assert.Equal(t, 50, idx.Len())
}

func TestUpsertMovesPointAcrossCells(t *testing.T) {
	idx := NewIndex(1000)
	require.NoError(t, idx.Upsert("a", models.Coord{Lat: 10, Lon: 10}))
	require.NoError(t, idx.Upsert("a", models.Coord{Lat: 20, Lon: 20}))

	old, err := idx.QueryRadius(models.Coord{Lat: 10, Lon: 10}, 1000)
	require.NoError(t, err)
	assert.Empty(t, old)

	cur, err := idx.QueryRadius(models.Coord{Lat: 20, Lon: 20}, 1000)
	require.NoError(t, err)
	assert.Contains(t, cur, "a")
	assert.Equal(t, 1, idx.Len())
}

func TestRemove(t *testing.T) {
	idx := NewIndex(DefaultCellSizeMeters)
	require.NoError(t, idx.Upsert("a", models.Coord{Lat: 1, Lon: 1}))
	idx.Remove("a")
	idx.Remove("a")
	idx.Remove("never-there")

	got, err := idx.QueryRadius(models.Coord{Lat: 1, Lon: 1}, 10000)
	require.NoError(t, err)
	assert.NotContains(t, got, "a")
	_, ok := idx.Get("a")
	assert.False(t, ok)
	assert.Zero(t, idx.Len())
}

func TestInvalidPointRejected(t *testing.T) {
	idx := NewIndex(DefaultCellSizeMeters)
	require.NoError(t, idx.Upsert("a", models.Coord{Lat: 1, Lon: 1}))

	err := idx.Upsert("a", models.Coord{Lat: 91, Lon: 0})
	assert.ErrorIs(t, err, models.ErrInvalidPoint)
	loc, ok := idx.Get("a")
	require.True(t, ok)
	assert.Equal(t, models.Coord{Lat: 1, Lon: 1}, loc)

	_, err = idx.QueryRadius(models.Coord{Lat: 0, Lon: 200}, 10)
	assert.ErrorIs(t, err, models.ErrInvalidPoint)
}

func TestQueryRadiusEmptyIndex(t *testing.T) {
	got, err := NewIndex(0).QueryRadius(models.Coord{Lat: 5, Lon: 5}, 1000)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

// A point moving back and forth between two cells must be visible to every
// concurrent query covering both cells.
func TestConcurrentMoveNeverDisappears(t *testing.T) {
	idx := NewIndex(1000)
	a := models.Coord{Lat: 0.001, Lon: 0.001}
	b := models.Coord{Lat: 0.001, Lon: 0.02} // a couple of cells east
	require.NoError(t, idx.Upsert("mover", a))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			loc := a
			if i%2 == 0 {
				loc = b
			}
			_ = idx.Upsert("mover", loc)
		}
	}()

	var misses int
	var readers sync.WaitGroup
	var mu sync.Mutex
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for i := 0; i < 2000; i++ {
				got, err := idx.QueryRadius(models.Coord{Lat: 0.001, Lon: 0.01}, 5000)
				if err != nil || len(got) != 1 {
					mu.Lock()
					misses++
					mu.Unlock()
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	wg.Wait()
	assert.Zero(t, misses)
}
