package geo

import (
	"math"

	"scriptcustody/internal/fault"
)

const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Fence is a circular geofence anchored at Center.
type Fence struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Result of a fence evaluation.
type Result struct {
	Within         bool    `json:"within_radius"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Distance returns the great-circle distance between two points in meters.
func Distance(a, b Point) float64 {
	latA := a.Lat * math.Pi / 180
	latB := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(latA)*math.Cos(latB)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Check evaluates an observed point against a fence. A nil point fails
// closed: when location is required but missing, the check never passes.
func Check(observed *Point, fence Fence) (Result, error) {
	if observed == nil {
		return Result{}, fault.New(fault.Security, fault.CodeLocationNeeded,
			"location required but not provided")
	}
	d := Distance(*observed, fence.Center)
	return Result{Within: d <= fence.RadiusMeters, DistanceMeters: d}, nil
}
