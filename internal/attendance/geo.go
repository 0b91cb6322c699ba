package attendance

import "math"

const earthRadiusMeters = 6371000

// Haversine computes the great-circle distance in meters between two
// coordinates given in degrees.
func Haversine(a, b Coordinates) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}

// Verification is the outcome of a distance check against a session anchor.
type Verification struct {
	Verified       bool
	DistanceMeters *float64
}

// VerifyDistance checks a claimed position against the session anchor.
//
// No anchor means the session was created without location capture, so there
// is nothing to verify against: the check-in is trusted (Verified=true, no
// distance). An anchor with no claimed position is the degraded path — the
// device could not produce coordinates in time — and yields Verified=false
// with no distance, which flags the record for admin review without blocking
// it.
func VerifyDistance(anchor *Coordinates, claimed *Position, maxDistanceMeters float64) Verification {
	if anchor == nil {
		return Verification{Verified: true}
	}
	if claimed == nil {
		return Verification{Verified: false}
	}
	d := Haversine(*anchor, Coordinates{Lat: claimed.Lat, Lng: claimed.Lng})
	return Verification{Verified: d <= maxDistanceMeters, DistanceMeters: &d}
}
