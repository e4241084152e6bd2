// Package geo converts between geodetic positions and the scene's
// local tangent-plane frame.
//
// The deployment picks one fixed anchor point; the whole overlay area
// is at most a few kilometres across, so a spherical-earth
// approximation around the anchor keeps the error well below a metre
// over the usable span. The local frame is metres with X pointing
// east, Y up and Z south (negated north), matching the renderer's
// right-handed camera space.
package geo

import "math"

// EarthRadiusM is the mean earth radius of the spherical approximation.
const EarthRadiusM = 6_371_000.0

const degToRad = math.Pi / 180.0

// GeoPoint is a geodetic position in degrees and metres. Altitude is
// zero when the source signal does not carry one.
type GeoPoint struct {
	LatDeg float64
	LonDeg float64
	AltM   float64
}

// LocalPoint is a scene-frame position in metres relative to the
// anchor: X east, Y up, Z south.
type LocalPoint struct {
	X float64
	Y float64
	Z float64
}

// ToLocal projects p into the local frame around anchor. Valid for
// spans up to a few kilometres; error grows with distance from the
// anchor.
func ToLocal(p, anchor GeoPoint) LocalPoint {
	northM := (p.LatDeg - anchor.LatDeg) * EarthRadiusM * degToRad
	avgLatRad := (p.LatDeg + anchor.LatDeg) / 2 * degToRad
	eastM := (p.LonDeg - anchor.LonDeg) * EarthRadiusM * degToRad * math.Cos(avgLatRad)
	return LocalPoint{
		X: eastM,
		Y: p.AltM - anchor.AltM,
		Z: -northM,
	}
}

// ToGeo is the inverse of ToLocal. Latitude is recovered first so the
// longitude factor can be evaluated at the same average latitude the
// forward transform used; the round trip then closes to well under a
// metre.
func ToGeo(l LocalPoint, anchor GeoPoint) GeoPoint {
	northM := -l.Z
	latDeg := anchor.LatDeg + northM/(EarthRadiusM*degToRad)
	avgLatRad := (latDeg + anchor.LatDeg) / 2 * degToRad
	lonDeg := anchor.LonDeg + l.X/(EarthRadiusM*degToRad*math.Cos(avgLatRad))
	return GeoPoint{
		LatDeg: latDeg,
		LonDeg: lonDeg,
		AltM:   anchor.AltM + l.Y,
	}
}

// HaversineDistance returns the great-circle distance between a and b
// in metres. Used for visibility and culling decisions, not for the
// frame transform.
func HaversineDistance(a, b GeoPoint) float64 {
	lat1 := a.LatDeg * degToRad
	lat2 := b.LatDeg * degToRad
	dLat := (b.LatDeg - a.LatDeg) * degToRad
	dLon := (b.LonDeg - a.LonDeg) * degToRad

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(h))
}

// HorizontalDistance returns the XZ-plane distance between two local
// points, ignoring elevation.
func HorizontalDistance(a, b LocalPoint) float64 {
	dx := a.X - b.X
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dz*dz)
}
