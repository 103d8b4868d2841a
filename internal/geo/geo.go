// Package geo computes great-circle distances for promotion discovery.
package geo

import (
	"math"
	"sort"
)

// EarthRadiusKm is the mean Earth radius used by Distance.
const EarthRadiusKm = 6371.0

// Coordinates is a latitude/longitude pair in decimal degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the haversine distance between a and b in kilometers.
func Distance(a, b Coordinates) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * EarthRadiusKm * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

// Ranked pairs an item index with its distance from an origin.
type Ranked struct {
	Index      int
	DistanceKm float64
}

// RankWithin returns the indexes of points no farther than radiusKm from
// origin, nearest first. Points with ok == false are skipped. A radius <= 0
// disables the radius filter.
func RankWithin(origin Coordinates, n int, point func(i int) (Coordinates, bool), radiusKm float64) []Ranked {
	ranked := make([]Ranked, 0, n)
	for i := 0; i < n; i++ {
		p, ok := point(i)
		if !ok {
			continue
		}
		d := Distance(origin, p)
		if radiusKm > 0 && d > radiusKm {
			continue
		}
		ranked = append(ranked, Ranked{Index: i, DistanceKm: d})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DistanceKm < ranked[j].DistanceKm
	})
	return ranked
}
