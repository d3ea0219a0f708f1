package geo

import (
	"errors"
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestClusterPicksDensestNeighbourhood(t *testing.T) {
	cands := []Candidate{
		{Point: Point{Lat: 40, Lon: -74}, Sim: 0.99}, // isolated best match
		{Point: Point{Lat: 48.8, Lon: 2.3}, Sim: 0.9},
		{Point: Point{Lat: 48.9, Lon: 2.4}, Sim: 0.8},
		{Point: Point{Lat: 49.0, Lon: 2.2}, Sim: 0.7},
	}

	got, err := Cluster(cands, ClusterOptions{Radius: 1})
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if !almostEqual(got.Lat, 48.9) || !almostEqual(got.Lon, 2.3) {
		t.Fatalf("expected mean of the Paris group, got %+v", got)
	}
}

func TestClusterTieGoesToEarlierCandidate(t *testing.T) {
	cands := []Candidate{
		{Point: Point{Lat: 10, Lon: 10}, Sim: 0.5},
		{Point: Point{Lat: -10, Lon: -10}, Sim: 0.4},
	}
	got, err := Cluster(cands, ClusterOptions{Radius: 1})
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if got != (Point{Lat: 10, Lon: 10}) {
		t.Fatalf("expected first candidate, got %+v", got)
	}
}

func TestClusterAlphaWeightsBySimilarity(t *testing.T) {
	cands := []Candidate{
		{Point: Point{Lat: 0, Lon: 0}, Sim: 1},
		{Point: Point{Lat: 0, Lon: 0.5}, Sim: 0},
	}
	got, err := Cluster(cands, ClusterOptions{Radius: 1, Alpha: math.Log(3)})
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	// weights 3 and 1
	if !almostEqual(got.Lon, 0.125) {
		t.Fatalf("expected weighted longitude 0.125, got %f", got.Lon)
	}
}

func TestClusterAcrossAntimeridian(t *testing.T) {
	cands := []Candidate{
		{Point: Point{Lat: -17, Lon: 179.8}, Sim: 1},
		{Point: Point{Lat: -17, Lon: -179.8}, Sim: 1},
	}
	got, err := Cluster(cands, ClusterOptions{Radius: 1})
	if err != nil {
		t.Fatalf("cluster: %v", err)
	}
	if math.Abs(math.Abs(got.Lon)-180) > 1e-9 || !almostEqual(got.Lat, -17) {
		t.Fatalf("expected antimeridian midpoint, got %+v", got)
	}
}

func TestClusterEmpty(t *testing.T) {
	if _, err := Cluster(nil, ClusterOptions{Radius: 1}); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestNormalizeLon(t *testing.T) {
	cases := map[float64]float64{0: 0, 180: 180, -180: -180, 190: -170, -190: 170, 540: 180}
	for in, want := range cases {
		if got := NormalizeLon(in); !almostEqual(got, want) && !(math.Abs(want) == 180 && math.Abs(got) == 180) {
			t.Fatalf("NormalizeLon(%f): expected %f, got %f", in, want, got)
		}
	}
}

func TestArcDistanceKm(t *testing.T) {
	a := UnitVector(Point{Lat: 0, Lon: 0})
	b := UnitVector(Point{Lat: 0, Lon: 90})
	if got, want := ArcDistanceKm(a, b), EarthRadiusKm*math.Pi/2; math.Abs(got-want) > 1e-6 {
		t.Fatalf("expected %f km, got %f", want, got)
	}
	if got := ArcDistanceKm(a, a); got != 0 {
		t.Fatalf("expected zero distance, got %f", got)
	}
}

func testCentroids() [][3]float64 {
	return [][3]float64{
		UnitVector(Point{Lat: 48.85, Lon: 2.35}), // Paris
		UnitVector(Point{Lat: 49.44, Lon: 1.10}), // Rouen, ~110 km away
		UnitVector(Point{Lat: 40.71, Lon: -74}),  // New York
	}
}

func TestDensityAccumulatesNearbyCells(t *testing.T) {
	probs := []float32{0.5, 0.3, 0.2}
	conf := Density(0, probs, testCentroids(), []float64{0, 50, 200, 10000})

	want := []float64{0.5, 0.5, 0.8, 1}
	for i := range want {
		if math.Abs(conf[i]-want[i]) > 1e-6 {
			t.Fatalf("scale %d: expected %f, got %f", i, want[i], conf[i])
		}
	}
}

func TestDensityStaysInUnitInterval(t *testing.T) {
	conf := Density(1, []float32{0.6, 0.6, 0.6}, testCentroids(), DefaultScales)
	for i, c := range conf {
		if c < 0 || c > 1 {
			t.Fatalf("scale %d out of range: %f", i, c)
		}
	}
}

func TestDensityMonotonicInPeakProbability(t *testing.T) {
	centroids := testCentroids()
	rest := []float64{0.6, 0.4} // shape of the non-peak mass over cells 1 and 2

	for s := range DefaultScales {
		prev := -1.0
		for step := 0; step <= 20; step++ {
			peak := float64(step) / 20
			probs := []float32{
				float32(peak),
				float32((1 - peak) * rest[0]),
				float32((1 - peak) * rest[1]),
			}
			conf := Density(0, probs, centroids, DefaultScales)[s]
			if conf+1e-6 < prev {
				t.Fatalf("scale %d: confidence dropped from %f to %f at peak %.2f", s, prev, conf, peak)
			}
			prev = conf
		}
	}
}
