package geo

import (
	"fmt"
	"math"
)

const (
	// EarthRadius is the mean radius in meters.
	EarthRadius = 6371e3
	// VicinityThreshold is the distance under which two points count as adjacent.
	VicinityThreshold = 50.0
)

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the great-circle distance in meters.
func Distance(a, b Point) float64 {
	phi1, phi2 := radians(a.Lat), radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lng - a.Lng)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return EarthRadius * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial bearing from a to b in [0, 360), 0 being north.
func Bearing(a, b Point) float64 {
	phi1, phi2 := radians(a.Lat), radians(b.Lat)
	dLambda := radians(b.Lng - a.Lng)

	x := math.Sin(dLambda) * math.Cos(phi2)
	y := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)
	return math.Mod(degrees(math.Atan2(x, y))+360, 360)
}

// RelativeDirection describes where bearing lies for someone facing heading,
// using clock positions.
func RelativeDirection(heading, bearing float64) string {
	rel := math.Mod(bearing-heading+720, 360)

	switch {
	case rel <= 22.5 || rel > 337.5:
		return "directly AHEAD"
	case rel <= 67.5:
		return "AHEAD and to your RIGHT (2 o'clock)"
	case rel <= 112.5:
		return "to your RIGHT (3 o'clock)"
	case rel <= 157.5:
		return "BEHIND and to your RIGHT (4 o'clock)"
	case rel <= 202.5:
		return "directly BEHIND you"
	case rel <= 247.5:
		return "BEHIND and to your LEFT (8 o'clock)"
	case rel <= 292.5:
		return "to your LEFT (9 o'clock)"
	default:
		return "AHEAD and to your LEFT (10 o'clock)"
	}
}

func IsImmediateVicinity(a, b Point, threshold float64) bool {
	return Distance(a, b) <= threshold
}

// HumanDistance renders whole meters below one kilometer, tenths of a
// kilometer above.
func HumanDistance(meters float64) string {
	if meters < 1000 {
		return fmt.Sprintf("%d meters", int(meters))
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// Facing names the compass octant of heading, e.g. "Northeast" for 45-89.
func Facing(heading int) string {
	names := [...]string{"North", "Northeast", "East", "Southeast", "South", "Southwest", "West", "Northwest"}
	h := ((heading % 360) + 360) % 360
	return names[h/45]
}

type Proximity struct {
	DistanceMeters    float64 `json:"distance_meters"`
	BearingDegrees    float64 `json:"bearing_degrees"`
	RelativeDirection string  `json:"relative_direction"`
	IsAdjacent        bool    `json:"is_adjacent"`
	HumanDistance     string  `json:"human_distance"`
}

// ProximityOf combines distance, bearing and relative direction from origin
// to dest for someone facing heading.
func ProximityOf(origin, dest Point, heading float64) Proximity {
	d := Distance(origin, dest)
	b := Bearing(origin, dest)
	return Proximity{
		DistanceMeters:    math.Round(d*10) / 10,
		BearingDegrees:    math.Round(b*10) / 10,
		RelativeDirection: RelativeDirection(heading, b),
		IsAdjacent:        d <= VicinityThreshold,
		HumanDistance:     HumanDistance(d),
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func degrees(rad float64) float64 {
	return rad * 180 / math.Pi
}
