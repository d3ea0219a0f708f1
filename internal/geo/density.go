package geo

import (
	"math"
	"sort"
)

// EarthRadiusKm is the mean earth radius.
const EarthRadiusKm = 6371.0

// DefaultScales are the confidence radii in km: 0, 10, 20, ... 990.
// Index 25 is a 250 km region around the predicted cell.
var DefaultScales = linearScales(0, 10, 100)

func linearScales(start, step float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = start + step*float64(i)
	}
	return out
}

// Density returns, for every radius in scales, the probability mass of the
// cells whose centroid lies within that many km of the centroid of maxCell.
// Centroids are unit vectors. Values are clamped to [0, 1].
func Density(maxCell int, probs []float32, centroids [][3]float64, scales []float64) []float64 {
	type cellMass struct {
		dist float64
		prob float64
	}

	origin := centroids[maxCell]
	masses := make([]cellMass, len(probs))
	for i, p := range probs {
		masses[i] = cellMass{dist: ArcDistanceKm(origin, centroids[i]), prob: float64(p)}
	}
	sort.SliceStable(masses, func(a, b int) bool { return masses[a].dist < masses[b].dist })

	cum := make([]float64, len(masses)+1)
	for i, m := range masses {
		cum[i+1] = cum[i] + m.prob
	}

	out := make([]float64, len(scales))
	for s, radius := range scales {
		n := sort.Search(len(masses), func(i int) bool { return masses[i].dist > radius })
		out[s] = math.Min(1, math.Max(0, cum[n]))
	}
	return out
}

// ArcDistanceKm is the great-circle distance between two unit vectors.
func ArcDistanceKm(a, b [3]float64) float64 {
	cross := [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
	sin := math.Sqrt(cross[0]*cross[0] + cross[1]*cross[1] + cross[2]*cross[2])
	cos := a[0]*b[0] + a[1]*b[1] + a[2]*b[2]
	return EarthRadiusKm * math.Atan2(sin, cos)
}

// UnitVector converts a coordinate to a point on the unit sphere.
func UnitVector(p Point) [3]float64 {
	lat := p.Lat * math.Pi / 180
	lon := p.Lon * math.Pi / 180
	return [3]float64{
		math.Cos(lat) * math.Cos(lon),
		math.Cos(lat) * math.Sin(lon),
		math.Sin(lat),
	}
}
