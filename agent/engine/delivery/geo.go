package delivery

import "math"

const earthRadiusKm = 6371

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (l Location) Valid() bool {
	return l.Lat >= -90 && l.Lat <= 90 && l.Lng >= -180 && l.Lng <= 180
}

// DistanceKm is the great-circle distance between a and b, rounded to 0.01 km.
func DistanceKm(a, b Location) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*
			math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return math.Round(earthRadiusKm*c*100) / 100
}

// EstimateETA converts a travel distance to whole minutes: three minutes per
// kilometre rounded up plus five minutes of handling.
func EstimateETA(distanceKm float64) int {
	if distanceKm < 0 {
		distanceKm = 0
	}
	travel := math.Round(distanceKm*3*1000) / 1000
	return int(math.Ceil(travel)) + 5
}
