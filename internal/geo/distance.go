package geo

import "math"

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers between two lat/lon points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Nearest returns the index of the point in pts closest to (lat, lon) and its
// distance in kilometers. Ties keep the earliest index. Returns -1 when pts is
// empty or no distance is finite.
func Nearest[T any](lat, lon float64, pts []T, coord func(T) (float64, float64)) (int, float64) {
	best, bestDist := -1, math.Inf(1)
	for i, p := range pts {
		plat, plon := coord(p)
		if d := Haversine(lat, lon, plat, plon); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, bestDist
}

// ValidCoord reports whether lat and lon are finite and within the WGS84
// range.
func ValidCoord(lat, lon float64) bool {
	return !math.IsNaN(lat) && !math.IsNaN(lon) &&
		math.Abs(lat) <= 90 && math.Abs(lon) <= 180
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
