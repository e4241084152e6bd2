package sim

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
)

// TourScript is a scripted demo walk: a keyframed path around the
// reservoir with a gaze direction at each point. It replaces the
// procedural Walker/Sweep pair when a curated route is wanted, e.g.
// the dam-rim tour the kiosk plays unattended.
//
// Time is expressed as Go duration strings (e.g. "0s", "250ms", "10s").
// If Duration is zero, it is derived from the latest keyframe time.
//
// YAML schema (v1):
//
//	version: 1
//	duration: 120s
//	accuracy_m: 5
//	keyframes:
//	  - t: 0s
//	    lat_deg: 35.7794167
//	    lon_deg: 139.0226944
//	    alt_m: 530
//	    heading_deg: 210
//	    pitch_deg: -10
//
// Keyframes must be sorted by time with non-decreasing t values.
//
// Keep this struct stable: scripts are demo fixtures.
type TourScript struct {
	Version   int            `yaml:"version"`
	Duration  time.Duration  `yaml:"duration"`
	AccuracyM float64        `yaml:"accuracy_m"`
	Keyframes []TourKeyframe `yaml:"keyframes"`
}

// TourKeyframe is a time-stamped visitor state: where they stand and
// where the handset points.
type TourKeyframe struct {
	T          time.Duration `yaml:"t"`
	LatDeg     float64       `yaml:"lat_deg"`
	LonDeg     float64       `yaml:"lon_deg"`
	AltM       float64       `yaml:"alt_m"`
	HeadingDeg float64       `yaml:"heading_deg"`
	PitchDeg   float64       `yaml:"pitch_deg"`
}

// Tour is the validated, runtime representation.
//
// Use StateAt to compute the deterministic state at a given elapsed
// time.
type Tour struct {
	script TourScript
	// Derived duration (script.Duration or max keyframe time).
	duration time.Duration
}

// LoadTourScript reads and unmarshals a YAML tour script from path.
func LoadTourScript(path string) (TourScript, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return TourScript{}, err
	}
	return ParseTourScriptYAML(b)
}

// ParseTourScriptYAML parses a YAML tour script. Times arrive as
// strings because yaml.v3 cannot decode "10s" into a time.Duration.
func ParseTourScriptYAML(b []byte) (TourScript, error) {
	var raw struct {
		Version   int     `yaml:"version"`
		Duration  string  `yaml:"duration"`
		AccuracyM float64 `yaml:"accuracy_m"`
		Keyframes []struct {
			T          string  `yaml:"t"`
			LatDeg     float64 `yaml:"lat_deg"`
			LonDeg     float64 `yaml:"lon_deg"`
			AltM       float64 `yaml:"alt_m"`
			HeadingDeg float64 `yaml:"heading_deg"`
			PitchDeg   float64 `yaml:"pitch_deg"`
		} `yaml:"keyframes"`
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return TourScript{}, nil
		}
		return TourScript{}, err
	}

	out := TourScript{Version: raw.Version, AccuracyM: raw.AccuracyM}
	var err error
	if out.Duration, err = parseScriptTime(raw.Duration); err != nil {
		return TourScript{}, fmt.Errorf("duration: %w", err)
	}
	for i, kf := range raw.Keyframes {
		t, terr := parseScriptTime(kf.T)
		if terr != nil {
			return TourScript{}, fmt.Errorf("keyframes[%d].t: %w", i, terr)
		}
		out.Keyframes = append(out.Keyframes, TourKeyframe{
			T:          t,
			LatDeg:     kf.LatDeg,
			LonDeg:     kf.LonDeg,
			AltM:       kf.AltM,
			HeadingDeg: kf.HeadingDeg,
			PitchDeg:   kf.PitchDeg,
		})
	}
	return out, nil
}

func parseScriptTime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// NewTour validates script and returns a runtime Tour.
func NewTour(script TourScript) (*Tour, error) {
	if script.Version == 0 {
		script.Version = 1
	}
	if script.Version != 1 {
		return nil, fmt.Errorf("unsupported tour version %d", script.Version)
	}
	if len(script.Keyframes) == 0 {
		return nil, fmt.Errorf("keyframes is required")
	}
	for i := range script.Keyframes {
		if script.Keyframes[i].T < 0 {
			return nil, fmt.Errorf("keyframes[%d].t must be >= 0", i)
		}
		if i > 0 && script.Keyframes[i].T < script.Keyframes[i-1].T {
			return nil, fmt.Errorf("keyframes must be sorted by t (index %d)", i)
		}
	}

	dur := script.Duration
	if dur <= 0 {
		for _, kf := range script.Keyframes {
			if kf.T > dur {
				dur = kf.T
			}
		}
	}
	if dur <= 0 {
		return nil, fmt.Errorf("duration is required (or deriveable from keyframes)")
	}

	return &Tour{script: script, duration: dur}, nil
}

// Duration returns the effective tour duration.
func (t *Tour) Duration() time.Duration {
	if t == nil {
		return 0
	}
	return t.duration
}

// TourState is the computed visitor state at a time.
type TourState struct {
	Point      geo.GeoPoint
	HeadingDeg float64
	PitchDeg   float64
	AccuracyM  float64
}

// StateAt computes tour state at elapsed.
//
// If loop is true, elapsed wraps around Duration(). Otherwise elapsed
// is clamped to [0, Duration()].
func (t *Tour) StateAt(elapsed time.Duration, loop bool) TourState {
	if t == nil {
		return TourState{}
	}
	if elapsed < 0 {
		elapsed = 0
	}
	if t.duration > 0 {
		if loop {
			elapsed = elapsed % t.duration
		} else if elapsed > t.duration {
			elapsed = t.duration
		}
	}

	kf0, kf1, alpha := selectSegment(t.script.Keyframes, elapsed)

	acc := t.script.AccuracyM
	if acc <= 0 {
		acc = 5
	}

	return TourState{
		Point: geo.GeoPoint{
			LatDeg: lerp(kf0.LatDeg, kf1.LatDeg, alpha),
			LonDeg: lerp(kf0.LonDeg, kf1.LonDeg, alpha),
			AltM:   lerp(kf0.AltM, kf1.AltM, alpha),
		},
		HeadingDeg: lerpAngleDeg(kf0.HeadingDeg, kf1.HeadingDeg, alpha),
		PitchDeg:   lerp(kf0.PitchDeg, kf1.PitchDeg, alpha),
		AccuracyM:  acc,
	}
}

// Fix converts the state into a geolocation fix stamped at now.
func (st TourState) Fix(now time.Time) geoloc.Fix {
	return geoloc.Fix{
		Point:     st.Point,
		AccuracyM: st.AccuracyM,
		T:         now,
	}
}

// Sample converts the state into a device orientation sample stamped
// at now. Heading feeds the compass channel; alpha mirrors it the way
// a handset held upright reports, and pitch rides on beta around the
// vertical rest pose.
func (st TourState) Sample(now time.Time) orientation.Sample {
	alpha := mod360(360 - st.HeadingDeg)
	beta := 90 + st.PitchDeg
	gamma := 0.0
	compass := mod360(st.HeadingDeg)
	return orientation.Sample{
		Alpha:          &alpha,
		Beta:           &beta,
		Gamma:          &gamma,
		CompassHeading: &compass,
		Absolute:       true,
		T:              now,
	}
}

func selectSegment(kfs []TourKeyframe, t time.Duration) (TourKeyframe, TourKeyframe, float64) {
	if len(kfs) == 1 {
		return kfs[0], kfs[0], 0
	}
	idx := sort.Search(len(kfs), func(i int) bool { return kfs[i].T > t })
	if idx <= 0 {
		return kfs[0], kfs[0], 0
	}
	if idx >= len(kfs) {
		last := kfs[len(kfs)-1]
		return last, last, 0
	}
	k0 := kfs[idx-1]
	k1 := kfs[idx]
	dt := k1.T - k0.T
	if dt <= 0 {
		return k1, k1, 0
	}
	alpha := float64(t-k0.T) / float64(dt)
	if alpha < 0 {
		alpha = 0
	}
	if alpha > 1 {
		alpha = 1
	}
	return k0, k1, alpha
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func lerpAngleDeg(a0, a1, t float64) float64 {
	// Shortest-path interpolation across wraparound.
	a0 = mod360(a0)
	a1 = mod360(a1)
	delta := a1 - a0
	if delta > 180 {
		delta -= 360
	} else if delta < -180 {
		delta += 360
	}
	return mod360(a0 + delta*t)
}
