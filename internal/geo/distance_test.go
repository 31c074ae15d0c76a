package geo

import (
	"math"
	"testing"
)

func TestHaversine_KnownDistances(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		wantKm                 float64
		tolerance              float64
	}{
		{
			name: "Paris to London (~344 km)",
			lat1: 48.8566, lon1: 2.3522,
			lat2: 51.5074, lon2: -0.1278,
			wantKm:    343.6,
			tolerance: 1,
		},
		{
			name: "same point returns zero",
			lat1: 50.8503, lon1: 4.3517,
			lat2: 50.8503, lon2: 4.3517,
			wantKm:    0,
			tolerance: 1e-9,
		},
		{
			name: "across a street (~100m)",
			lat1: 44.97780, lon1: -93.26500,
			lat2: 44.97780, lon2: -93.26373,
			wantKm:    0.1,
			tolerance: 0.01,
		},
		{
			name: "north pole to south pole",
			lat1: 90, lon1: 0,
			lat2: -90, lon2: 0,
			wantKm:    math.Pi * EarthRadiusKm,
			tolerance: 0.001,
		},
		{
			name: "equator quarter circumference",
			lat1: 0, lon1: 0,
			lat2: 0, lon2: 90,
			wantKm:    math.Pi / 2 * EarthRadiusKm,
			tolerance: 0.001,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Haversine(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			if math.Abs(got-tt.wantKm) > tt.tolerance {
				t.Errorf("Haversine() = %.3f km, want %.3f km (±%.3f)", got, tt.wantKm, tt.tolerance)
			}
		})
	}
}

func TestHaversine_Symmetry(t *testing.T) {
	a := Haversine(44.9778, -93.2650, 44.9537, -93.0900)
	b := Haversine(44.9537, -93.0900, 44.9778, -93.2650)
	if a != b {
		t.Errorf("Haversine not symmetric: %f != %f", a, b)
	}
}

type point struct {
	id       string
	lat, lon float64
}

func pointCoord(p point) (float64, float64) { return p.lat, p.lon }

func TestNearest(t *testing.T) {
	pts := []point{
		{"a", 50.00, 4.00},
		{"b", 50.01, 4.01},
		{"c", 50.02, 4.02},
	}

	idx, dist := Nearest(50.0101, 4.0099, pts, pointCoord)
	if idx != 1 {
		t.Fatalf("Nearest() index = %d, want 1", idx)
	}
	if dist > 0.05 {
		t.Errorf("Nearest() distance = %f km, want < 0.05", dist)
	}
}

func TestNearest_TieKeepsFirst(t *testing.T) {
	pts := []point{
		{"first", 10, 10},
		{"dup", 10, 10},
	}
	if idx, _ := Nearest(10, 10, pts, pointCoord); idx != 0 {
		t.Errorf("Nearest() on tie = %d, want 0", idx)
	}
}

func TestNearest_Empty(t *testing.T) {
	idx, dist := Nearest(0, 0, nil, pointCoord)
	if idx != -1 {
		t.Errorf("Nearest(empty) index = %d, want -1", idx)
	}
	if !math.IsInf(dist, 1) {
		t.Errorf("Nearest(empty) distance = %f, want +Inf", dist)
	}
}

func TestNearest_NonFiniteQuery(t *testing.T) {
	pts := [][2]float64{{50.84, 4.35}, {50.85, 4.36}}
	i, _ := Nearest(math.NaN(), 4.35, pts, func(p [2]float64) (float64, float64) { return p[0], p[1] })
	if i != -1 {
		t.Errorf("Nearest(NaN) index = %d, want -1", i)
	}
}

func TestValidCoord(t *testing.T) {
	tests := []struct {
		lat, lon float64
		want     bool
	}{
		{50.84, 4.35, true},
		{-90, 180, true},
		{90.0001, 0, false},
		{0, -180.5, false},
		{math.NaN(), 0, false},
		{0, math.Inf(1), false},
		{math.Inf(-1), 0, false},
	}
	for _, tt := range tests {
		if got := ValidCoord(tt.lat, tt.lon); got != tt.want {
			t.Errorf("ValidCoord(%v, %v) = %v, want %v", tt.lat, tt.lon, got, tt.want)
		}
	}
}
