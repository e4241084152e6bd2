// Package orientation fuses raw device-orientation samples into a
// smoothed camera rotation.
//
// Samples arrive as an irregular event stream from the handheld
// client. Each sample updates a target rotation; once per frame the
// session blends the current rotation toward the target by a fixed
// factor. The blend is deliberately frame-locked rather than
// time-corrected. A one-time heading offset aligns the sensor's
// arbitrary zero reference with compass north, and the manual offset
// carries the calibration result.
package orientation

import (
	"math"
	"time"
)

// Sample is one raw device-orientation event. Angle components are
// pointers because platforms may deliver partial events; a nil
// component means "no update for that axis".
type Sample struct {
	// Alpha is the rotation around the screen normal, degrees
	// [0,360). Beta tilts front-to-back, degrees [-180,180). Gamma
	// tilts left-to-right, degrees [-90,90).
	Alpha *float64
	Beta  *float64
	Gamma *float64

	// CompassHeading is degrees clockwise from north when the
	// platform reports one alongside relative angles.
	CompassHeading *float64

	// Absolute marks alpha as already north-referenced.
	Absolute bool

	// ScreenAngleDeg is the current screen rotation (0, 90, 180,
	// 270) at the time of the sample.
	ScreenAngleDeg float64

	T time.Time
}

// Euler is a camera rotation in radians, applied yaw-pitch-roll.
// Pitch stays within [-pi/2, pi/2], roll within (-pi, pi], yaw within
// [0, 2*pi).
type Euler struct {
	PitchRad float64
	YawRad   float64
	RollRad  float64
}

type Config struct {
	// BlendFactor is the per-frame fraction of the remaining distance
	// to the target. When zero, defaults to 0.2.
	BlendFactor float64

	// RollHoldBandDeg holds the previous roll target while beta is
	// within this band of 90 degrees (device near vertical, where
	// gamma is unstable). Zero disables the hold.
	RollHoldBandDeg float64

	// TrustAbsolute treats samples flagged absolute as
	// north-referenced, latching a zero heading offset. Some Android
	// builds set the flag without meaning it; disabling falls back to
	// the compass formula.
	TrustAbsolute bool
}

func (c Config) withDefaults() Config {
	if c.BlendFactor <= 0 {
		c.BlendFactor = 0.2
	}
	if c.BlendFactor > 1 {
		c.BlendFactor = 1
	}
	return c
}

// Fusion turns the sample stream into a smoothed rotation. Not safe
// for concurrent use; the session drives it from a single goroutine.
type Fusion struct {
	cfg Config

	tracking bool

	offsetLatched    bool
	headingOffsetDeg float64

	manualOffsetDeg float64
	screenAngleDeg  float64

	// Last seen raw components, held across partial samples.
	alphaDeg, betaDeg, gammaDeg float64
	haveAlpha, haveBeta         bool
	haveGamma                   bool

	target  Euler
	current Euler

	samples uint64
}

func NewFusion(cfg Config) *Fusion {
	return &Fusion{cfg: cfg.withDefaults()}
}

// Observe applies one sample: latches the heading offset if this is
// the first sample that allows it, folds non-nil components into the
// held state and recomputes the target rotation. Nil components hold
// their previous value; a sample with no angle components at all
// leaves the target untouched.
func (f *Fusion) Observe(s Sample) {
	if f == nil {
		return
	}
	if s.Alpha == nil && s.Beta == nil && s.Gamma == nil {
		return
	}
	f.samples++
	f.tracking = true
	f.screenAngleDeg = s.ScreenAngleDeg

	if s.Alpha != nil {
		f.alphaDeg = *s.Alpha
		f.haveAlpha = true
	}
	if s.Beta != nil {
		f.betaDeg = *s.Beta
		f.haveBeta = true
	}
	if s.Gamma != nil {
		f.gammaDeg = *s.Gamma
		f.haveGamma = true
	}

	if !f.offsetLatched {
		switch {
		case s.Absolute && f.cfg.TrustAbsolute:
			// Alpha is already north-referenced.
			f.headingOffsetDeg = 0
			f.offsetLatched = true
		case s.CompassHeading != nil && s.Alpha != nil:
			f.headingOffsetDeg = mod360(*s.CompassHeading + *s.Alpha)
			f.offsetLatched = true
		}
	}

	f.retarget()
}

// retarget recomputes the target Euler from the held components.
func (f *Fusion) retarget() {
	if f.haveBeta {
		pitch := f.betaDeg*degToRad - math.Pi/2
		f.target.PitchRad = clamp(pitch, -math.Pi/2, math.Pi/2)
	}
	if f.haveAlpha {
		yaw := (f.alphaDeg - f.headingOffsetDeg - f.screenAngleDeg - f.manualOffsetDeg) * degToRad
		f.target.YawRad = normTwoPi(yaw)
	}
	if f.haveGamma {
		hold := f.cfg.RollHoldBandDeg > 0 && f.haveBeta &&
			math.Abs(f.betaDeg-90) < f.cfg.RollHoldBandDeg
		if !hold {
			f.target.RollRad = normPi(-f.gammaDeg * degToRad)
		}
	}
}

// BlendStep advances the smoothed rotation one frame toward the
// target and returns it. Yaw and roll take the shortest angular path,
// so a target across the 0/360 boundary never swings the long way
// round.
func (f *Fusion) BlendStep() Euler {
	if f == nil {
		return Euler{}
	}
	b := f.cfg.BlendFactor
	f.current.PitchRad += b * (f.target.PitchRad - f.current.PitchRad)
	f.current.YawRad = normTwoPi(f.current.YawRad + b*shortestDelta(f.current.YawRad, f.target.YawRad))
	f.current.RollRad = normPi(f.current.RollRad + b*shortestDelta(f.current.RollRad, f.target.RollRad))
	return f.current
}

// SetManualOffset installs the calibration offset in degrees and
// immediately retargets so the next blend steps toward the corrected
// heading.
func (f *Fusion) SetManualOffset(deg float64) {
	if f == nil {
		return
	}
	f.manualOffsetDeg = deg
	f.retarget()
}

func (f *Fusion) ManualOffsetDeg() float64 {
	if f == nil {
		return 0
	}
	return f.manualOffsetDeg
}

// SetScreenAngle updates the screen-rotation compensation outside the
// sample path (rotation-lock changes arrive as their own event).
func (f *Fusion) SetScreenAngle(deg float64) {
	if f == nil {
		return
	}
	f.screenAngleDeg = deg
	f.retarget()
}

// Tracking reports whether at least one usable sample has arrived.
func (f *Fusion) Tracking() bool {
	return f != nil && f.tracking
}

// HeadingOffsetDeg returns the latched offset and whether one has
// been latched this tracking run.
func (f *Fusion) HeadingOffsetDeg() (float64, bool) {
	if f == nil {
		return 0, false
	}
	return f.headingOffsetDeg, f.offsetLatched
}

// Current returns the smoothed rotation without advancing it.
func (f *Fusion) Current() Euler {
	if f == nil {
		return Euler{}
	}
	return f.current
}

// Target returns the unsmoothed target rotation.
func (f *Fusion) Target() Euler {
	if f == nil {
		return Euler{}
	}
	return f.target
}

// Samples returns how many usable samples this run has consumed.
func (f *Fusion) Samples() uint64 {
	if f == nil {
		return 0
	}
	return f.samples
}

// Reset clears every piece of filter state. A restarted tracking
// session must not step toward targets left over from the previous
// one.
func (f *Fusion) Reset() {
	if f == nil {
		return
	}
	cfg := f.cfg
	*f = Fusion{cfg: cfg}
}
