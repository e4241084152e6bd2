package geoloc

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
)

type sentence struct {
	Type string
	// Fields is the comma-split payload, excluding $ and checksum.
	Fields []string
}

func parseSentence(line string) (sentence, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return sentence{}, fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return sentence{}, fmt.Errorf("nmea: missing checksum")
	}
	payload := line[1:star]
	ck := strings.TrimSpace(line[star+1:])
	if len(ck) < 2 {
		return sentence{}, fmt.Errorf("nmea: short checksum")
	}
	want, err := hex.DecodeString(ck[:2])
	if err != nil || len(want) != 1 {
		return sentence{}, fmt.Errorf("nmea: bad checksum")
	}
	got := byte(0)
	for i := 0; i < len(payload); i++ {
		got ^= payload[i]
	}
	if got != want[0] {
		return sentence{}, fmt.Errorf("nmea: checksum mismatch")
	}

	parts := strings.Split(payload, ",")
	if len(parts[0]) < 3 {
		return sentence{}, fmt.Errorf("nmea: short type")
	}
	// Normalize GPxxx/GNxxx talkers to the bare type.
	t := parts[0]
	if len(t) > 3 {
		t = t[len(t)-3:]
	}
	return sentence{Type: strings.ToUpper(t), Fields: parts}, nil
}

// fixState folds RMC and GGA sentences into gated fixes. Only
// position, altitude and quality matter here; speed and course are
// irrelevant to a walking viewer.
type fixState struct {
	cfg Config

	latDeg float64
	lonDeg float64
	latOK  bool
	lonOK  bool

	altM  float64
	altOK bool

	satellites int
	satsOK     bool
	hdop       float64
	hdopOK     bool

	accepted uint64
	rejected uint64

	lastFix time.Time
	valid   bool
}

// apply folds one sentence in and returns the resulting fix when the
// sentence completed an acceptable observation.
func (s *fixState) apply(nowUTC time.Time, sent sentence) (Fix, bool) {
	updated := false
	switch sent.Type {
	case "RMC":
		updated = s.applyRMC(sent.Fields)
	case "GGA":
		updated = s.applyGGA(sent.Fields)
	default:
		return Fix{}, false
	}
	if !updated || !s.latOK || !s.lonOK {
		return Fix{}, false
	}

	acc := s.accuracyM()
	if acc > s.cfg.MaxAccuracyM {
		s.rejected++
		return Fix{}, false
	}

	s.lastFix = nowUTC
	s.valid = true
	s.accepted++
	return Fix{
		Point:     geo.GeoPoint{LatDeg: s.latDeg, LonDeg: s.lonDeg, AltM: s.altM},
		AccuracyM: acc,
		T:         nowUTC,
	}, true
}

// accuracyM estimates horizontal accuracy from HDOP. Receivers that
// never report HDOP are taken at face value.
func (s *fixState) accuracyM() float64 {
	if !s.hdopOK {
		return 0
	}
	return s.hdop * s.cfg.UEREM
}

// RMC: Recommended Minimum Specific GNSS Data.
//
//	1: time  2: status (A/V)  3: lat  4: N/S  5: lon  6: E/W
//	7: speed (kt)  8: course  9: date
func (s *fixState) applyRMC(f []string) bool {
	if len(f) < 10 {
		return false
	}
	if strings.TrimSpace(f[2]) != "A" {
		// Void fix; hold the previous state.
		return false
	}
	return s.applyLatLon(f[3], f[4], f[5], f[6])
}

// GGA: GPS Fix Data.
//
//	1: time  2: lat  3: N/S  4: lon  5: E/W  6: quality
//	7: satellites  8: HDOP  9: altitude (m)  10: units
func (s *fixState) applyGGA(f []string) bool {
	if len(f) < 11 {
		return false
	}
	q := strings.TrimSpace(f[6])
	if q == "" || q == "0" {
		return false
	}
	if sats, err := strconv.Atoi(strings.TrimSpace(f[7])); err == nil {
		s.satellites = sats
		s.satsOK = true
	}
	if hdop, ok := parseFloat(f[8]); ok {
		s.hdop = hdop
		s.hdopOK = true
	}
	if altM, ok := parseFloat(f[9]); ok {
		s.altM = altM
		s.altOK = true
	}
	return s.applyLatLon(f[2], f[3], f[4], f[5])
}

func (s *fixState) applyLatLon(latV, latH, lonV, lonH string) bool {
	updated := false
	if lat, ok := parseLatLon(latV, latH); ok {
		s.latDeg = lat
		s.latOK = true
		updated = true
	}
	if lon, ok := parseLatLon(lonV, lonH); ok {
		s.lonDeg = lon
		s.lonOK = true
		updated = true
	}
	return updated
}

func (s *fixState) snapshot(base Snapshot) Snapshot {
	out := base
	out.Valid = s.valid
	out.LatDeg = s.latDeg
	out.LonDeg = s.lonDeg
	out.Accepted = s.accepted
	out.Rejected = s.rejected
	if s.altOK {
		v := s.altM
		out.AltM = &v
	}
	if s.hdopOK {
		v := s.hdop
		out.HDOP = &v
		a := s.accuracyM()
		out.AccuracyM = &a
	}
	if s.satsOK {
		v := s.satellites
		out.Satellites = &v
	}
	return out
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseLatLon parses ddmm.mmmm / dddmm.mmmm plus hemisphere into
// signed decimal degrees.
func parseLatLon(v, hemi string) (float64, bool) {
	v = strings.TrimSpace(v)
	hemi = strings.TrimSpace(strings.ToUpper(hemi))
	if v == "" || (hemi != "N" && hemi != "S" && hemi != "E" && hemi != "W") {
		return 0, false
	}

	dot := strings.IndexByte(v, '.')
	intPart := v
	if dot != -1 {
		intPart = v[:dot]
	}
	if len(intPart) < 3 {
		return 0, false
	}

	deg, err := strconv.Atoi(intPart[:len(intPart)-2])
	if err != nil {
		return 0, false
	}
	mins, err := strconv.ParseFloat(v[len(intPart)-2:], 64)
	if err != nil {
		return 0, false
	}

	dec := float64(deg) + mins/60.0
	if hemi == "S" || hemi == "W" {
		dec = -dec
	}
	return dec, true
}
