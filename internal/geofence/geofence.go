// Package geofence evaluates worker positions against job-site fences.
package geofence

import "math"

const (
	earthRadiusMeters = 6371000.0

	// DefaultAccuracyMeters is assumed when the device reports none.
	DefaultAccuracyMeters = 15.0
	// MaxAccuracyCreditMeters caps how much reported GPS accuracy can
	// widen the fence.
	MaxAccuracyCreditMeters = 50.0
	// LowAccuracyThresholdMeters marks a reading for review without
	// rejecting it.
	LowAccuracyThresholdMeters = 100.0
)

// Location is a reported device position. AccuracyMeters is the device's
// horizontal accuracy estimate, if any.
type Location struct {
	Lat            float64
	Lng            float64
	AccuracyMeters *float64
}

// Result is the evaluator's verdict. The fence is a closed ball: a worker
// at exactly the effective radius is inside.
type Result struct {
	Inside           bool
	DistanceM        float64
	EffectiveRadiusM float64
	GPSMissing       bool
	LowAccuracy      bool
}

// Haversine returns the great-circle distance in meters between two
// coordinates.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	a := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	if a > 1 {
		a = 1
	}
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Evaluate checks worker against a job site at (jobLat, jobLng) with the
// given fence radius. A nil worker location means the device provided no
// coordinates: the result is outside with GPSMissing set.
func Evaluate(worker *Location, jobLat, jobLng, radiusMeters float64) Result {
	if worker == nil {
		return Result{
			Inside:           false,
			EffectiveRadiusM: radiusMeters,
			GPSMissing:       true,
		}
	}

	accuracy := DefaultAccuracyMeters
	lowAccuracy := false
	if worker.AccuracyMeters != nil {
		accuracy = *worker.AccuracyMeters
		if accuracy > LowAccuracyThresholdMeters {
			lowAccuracy = true
		}
	}
	credit := math.Min(accuracy, MaxAccuracyCreditMeters)
	effective := radiusMeters + credit

	distance := Haversine(worker.Lat, worker.Lng, jobLat, jobLng)
	return Result{
		Inside:           distance <= effective,
		DistanceM:        distance,
		EffectiveRadiusM: effective,
		LowAccuracy:      lowAccuracy,
	}
}
