package geo

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIndexNearCoversRadius(t *testing.T) {
	const radius = 150.0
	rng := rand.New(rand.NewSource(42))

	var points []Point
	ix := NewIndex(radius)
	for i := 0; i < 2000; i++ {
		p := Point{
			Lat: 40.70 + rng.Float64()*0.05,
			Lon: -74.00 + rng.Float64()*0.05,
		}
		points = append(points, p)
		ix.Insert(p, i)
	}

	for q := 0; q < 200; q++ {
		query := Point{
			Lat: 40.70 + rng.Float64()*0.05,
			Lon: -74.00 + rng.Float64()*0.05,
		}

		near := make(map[int]bool)
		for _, i := range ix.Near(query) {
			near[i] = true
		}

		for i, p := range points {
			d, err := DistanceM(WorldEnvelope, query, p)
			assert.NoError(t, err)
			if d < radius {
				assert.Truef(t, near[i], "point %d at %.1fm missing from index result", i, d)
			}
		}
	}
}

func TestIndexNearNoDuplicates(t *testing.T) {
	ix := NewIndex(150)
	p := Point{Lat: 40.7508, Lon: -73.9780}
	ix.Insert(p, 7)

	items := ix.Near(p)
	assert.Equal(t, []int{7}, items)
}

func TestIndexLevelShrinksWithRadius(t *testing.T) {
	small := NewIndex(50)
	large := NewIndex(5000)
	assert.Greater(t, small.Level(), large.Level())
}
