// Package feed defines the sensor record format shared by the live
// sensor socket, session recordings, and demo playback. A recorded
// feed file is line-oriented NDJSON; every line is a Record, so a
// recorded session replays through the same parser the live socket
// uses.
package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
)

const (
	KindOrientation = "orientation"
	KindGeolocation = "geolocation"
	KindProgress    = "progress"
)

// Record is one sensor observation. Pointer fields distinguish
// "absent" from zero; device sensor APIs report null for channels the
// hardware lacks.
type Record struct {
	Type string `json:"type"`
	// AtMS is milliseconds since the start of the feed.
	AtMS int64 `json:"t_ms"`

	// Orientation channels, degrees.
	Alpha          *float64 `json:"alpha,omitempty"`
	Beta           *float64 `json:"beta,omitempty"`
	Gamma          *float64 `json:"gamma,omitempty"`
	Compass        *float64 `json:"compass,omitempty"`
	Absolute       bool     `json:"absolute,omitempty"`
	ScreenAngleDeg float64  `json:"screen,omitempty"`

	// Geolocation channels.
	LatDeg    *float64 `json:"lat,omitempty"`
	LonDeg    *float64 `json:"lon,omitempty"`
	AltM      *float64 `json:"alt,omitempty"`
	AccuracyM *float64 `json:"accuracy,omitempty"`

	// Progress percent for asset loading reports.
	Value float64 `json:"value,omitempty"`
}

// ParseRecord decodes and validates one NDJSON line.
func ParseRecord(data []byte) (Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("feed: bad record: %w", err)
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

func (r Record) Validate() error {
	if r.AtMS < 0 {
		return fmt.Errorf("feed: negative t_ms %d", r.AtMS)
	}
	switch r.Type {
	case KindOrientation:
		return nil
	case KindGeolocation:
		if r.LatDeg == nil || r.LonDeg == nil {
			return fmt.Errorf("feed: geolocation record needs lat and lon")
		}
		if *r.LatDeg < -90 || *r.LatDeg > 90 || *r.LonDeg < -180 || *r.LonDeg > 180 {
			return fmt.Errorf("feed: geolocation out of range lat=%v lon=%v", *r.LatDeg, *r.LonDeg)
		}
		return nil
	case KindProgress:
		if r.Value < 0 || r.Value > 100 {
			return fmt.Errorf("feed: progress out of range %v", r.Value)
		}
		return nil
	case "":
		return fmt.Errorf("feed: record without type")
	default:
		return fmt.Errorf("feed: unknown record type %q", r.Type)
	}
}

// Marshal renders the record as one NDJSON line without the trailing
// newline.
func (r Record) Marshal() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// OrientationSample converts an orientation record for the fusion
// pipeline, stamping it with the delivery time.
func (r Record) OrientationSample(at time.Time) (orientation.Sample, bool) {
	if r.Type != KindOrientation {
		return orientation.Sample{}, false
	}
	return orientation.Sample{
		Alpha:          r.Alpha,
		Beta:           r.Beta,
		Gamma:          r.Gamma,
		CompassHeading: r.Compass,
		Absolute:       r.Absolute,
		ScreenAngleDeg: r.ScreenAngleDeg,
		T:              at,
	}, true
}

// GeoFix converts a geolocation record into a fix, stamping it with
// the delivery time.
func (r Record) GeoFix(at time.Time) (geoloc.Fix, bool) {
	if r.Type != KindGeolocation || r.LatDeg == nil || r.LonDeg == nil {
		return geoloc.Fix{}, false
	}
	p := geo.GeoPoint{LatDeg: *r.LatDeg, LonDeg: *r.LonDeg}
	if r.AltM != nil {
		p.AltM = *r.AltM
	}
	f := geoloc.Fix{Point: p, T: at}
	if r.AccuracyM != nil {
		f.AccuracyM = *r.AccuracyM
	}
	return f, true
}

// Orientation builds an orientation record. Nil channel pointers are
// carried through as JSON nulls/absences.
func Orientation(atMS int64, alpha, beta, gamma, compass *float64, absolute bool, screenDeg float64) Record {
	return Record{
		Type:           KindOrientation,
		AtMS:           atMS,
		Alpha:          alpha,
		Beta:           beta,
		Gamma:          gamma,
		Compass:        compass,
		Absolute:       absolute,
		ScreenAngleDeg: screenDeg,
	}
}

// Geolocation builds a geolocation record.
func Geolocation(atMS int64, latDeg, lonDeg float64, altM, accuracyM *float64) Record {
	return Record{
		Type:      KindGeolocation,
		AtMS:      atMS,
		LatDeg:    &latDeg,
		LonDeg:    &lonDeg,
		AltM:      altM,
		AccuracyM: accuracyM,
	}
}

// Progress builds an asset-progress record.
func Progress(atMS int64, percent float64) Record {
	return Record{Type: KindProgress, AtMS: atMS, Value: percent}
}
