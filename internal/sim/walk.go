// Package sim synthesizes the two sensor streams for demo mode: a
// visitor strolling the dam rim and panning their handset across the
// valley. Everything is a pure function of the clock, so a demo run
// is reproducible.
package sim

import (
	"math"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
)

// Walker walks a deterministic figure-eight around the anchor,
// staying inside RadiusM.
type Walker struct {
	Anchor    geo.GeoPoint
	RadiusM   float64       // default 40
	Period    time.Duration // default 90s
	AccuracyM float64       // default 5
}

// Fix returns the walker's position at the given instant.
func (w Walker) Fix(now time.Time) geoloc.Fix {
	radius := w.RadiusM
	if radius <= 0 {
		radius = 40
	}
	period := w.Period
	if period <= 0 {
		period = 90 * time.Second
	}
	accuracy := w.AccuracyM
	if accuracy <= 0 {
		accuracy = 5
	}

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	a := 2 * math.Pi * phase

	// Figure-eight in local metres; |x| <= radius, |y| <= radius/2.
	eastM := radius * math.Cos(a)
	northM := radius * 0.5 * math.Sin(2*a)

	const degToRad = math.Pi / 180
	latDeg := w.Anchor.LatDeg + northM/(geo.EarthRadiusM*degToRad)
	lonDeg := w.Anchor.LonDeg + eastM/(geo.EarthRadiusM*degToRad*math.Cos(w.Anchor.LatDeg*degToRad))

	return geoloc.Fix{
		Point:     geo.GeoPoint{LatDeg: latDeg, LonDeg: lonDeg, AltM: w.Anchor.AltM},
		AccuracyM: accuracy,
		T:         now,
	}
}

// Sweep pans the handset's gaze across the valley: a slow full-circle
// yaw, a gentle pitch bob around upright, and a slight wrist roll.
type Sweep struct {
	Period         time.Duration // default 60s
	PitchAmpDeg    float64       // default 15
	RollAmpDeg     float64       // default 3
	CompassBiasDeg float64       // heading error folded into the compass channel
}

// Sample returns the handset orientation at the given instant.
func (s Sweep) Sample(now time.Time) orientation.Sample {
	period := s.Period
	if period <= 0 {
		period = 60 * time.Second
	}
	pitchAmp := s.PitchAmpDeg
	if pitchAmp <= 0 {
		pitchAmp = 15
	}
	rollAmp := s.RollAmpDeg
	if rollAmp <= 0 {
		rollAmp = 3
	}

	phase := float64(now.UnixNano()%period.Nanoseconds()) / float64(period.Nanoseconds())
	a := 2 * math.Pi * phase

	alpha := 360 * phase
	// Upright handset: beta 90 is vertical, the bob keeps it human.
	beta := 90 + pitchAmp*math.Sin(2*a)
	gamma := rollAmp * math.Sin(3*a)
	compass := mod360(360 - alpha + s.CompassBiasDeg)

	return orientation.Sample{
		Alpha:          &alpha,
		Beta:           &beta,
		Gamma:          &gamma,
		CompassHeading: &compass,
		Absolute:       false,
		T:              now,
	}
}

func mod360(v float64) float64 {
	v = math.Mod(v, 360)
	if v < 0 {
		v += 360
	}
	return v
}
