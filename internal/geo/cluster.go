// Package geo holds the post-processing applied to network outputs:
// spatial clustering of retrieved neighbours and the cell density
// confidence.
package geo

import (
	"errors"
	"math"
)

// Point is a (latitude, longitude) pair in degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Candidate is a retrieved background sample and its similarity to the query.
type Candidate struct {
	Point
	Sim float64
}

// ClusterOptions controls Cluster. Radius is in degrees. Each candidate
// weighs exp(Alpha*Sim); Alpha 0 weighs all candidates equally.
type ClusterOptions struct {
	Radius float64
	Alpha  float64
}

var ErrNoCandidates = errors.New("geo: no candidates to cluster")

// Cluster merges candidates into one consensus coordinate.
//
// Every candidate is scored by the total weight of candidates within Radius
// of it (itself included). The highest scoring candidate wins; ties go to the
// earlier candidate, so callers pass candidates best-first. The result is the
// weighted mean of the winner's neighbourhood. Longitudes are averaged as
// offsets from the winner so clusters spanning the antimeridian stay intact.
func Cluster(cands []Candidate, opts ClusterOptions) (Point, error) {
	if len(cands) == 0 {
		return Point{}, ErrNoCandidates
	}

	weights := make([]float64, len(cands))
	for i, c := range cands {
		weights[i] = math.Exp(opts.Alpha * c.Sim)
	}

	best, bestScore := 0, math.Inf(-1)
	for i := range cands {
		var score float64
		for j := range cands {
			if degreeDistance(cands[i].Point, cands[j].Point) <= opts.Radius {
				score += weights[j]
			}
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	center := cands[best].Point
	var lat, dLon, total float64
	for j, c := range cands {
		if degreeDistance(center, c.Point) > opts.Radius {
			continue
		}
		lat += weights[j] * c.Lat
		dLon += weights[j] * lonOffset(center.Lon, c.Lon)
		total += weights[j]
	}
	return Point{Lat: lat / total, Lon: NormalizeLon(center.Lon + dLon/total)}, nil
}

// degreeDistance is the Euclidean distance in (lat, lon) degree space with
// longitude wrapped at the antimeridian.
func degreeDistance(a, b Point) float64 {
	return math.Hypot(a.Lat-b.Lat, lonOffset(a.Lon, b.Lon))
}

// lonOffset is the signed shortest longitude difference from a to b.
func lonOffset(a, b float64) float64 {
	d := math.Mod(b-a, 360)
	switch {
	case d > 180:
		d -= 360
	case d < -180:
		d += 360
	}
	return d
}

// NormalizeLon maps a longitude into [-180, 180].
func NormalizeLon(lon float64) float64 {
	if lon >= -180 && lon <= 180 {
		return lon
	}
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
