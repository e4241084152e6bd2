// Package geoloc ingests the viewer's geolocation as a watch stream.
//
// On site the position comes from a serial NMEA receiver wired to the
// viewer hardware; handheld clients instead report fixes over the
// sensor socket, and demo mode synthesizes them. This service owns
// only the serial path. Fixes pass an accuracy gate before they reach
// the session, and the snapshot reports staleness against the
// configured max age so consumers can distinguish "no fix yet" from
// "fix gone stale".
//
// Best-effort bring-up: failures degrade the overlay to the anchor
// column, they never take the process down.
package geoloc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
)

// Fix is one accepted geolocation observation.
type Fix struct {
	Point     geo.GeoPoint
	AccuracyM float64
	T         time.Time
}

type Config struct {
	Enable bool

	// Device is the serial device path; empty auto-detects the first
	// /dev/ttyACM* or /dev/ttyUSB*.
	Device string
	Baud   int // default 9600

	// MaxAccuracyM rejects fixes whose estimated horizontal accuracy
	// is worse than this. Default 25.
	MaxAccuracyM float64

	// MaxAge marks the snapshot stale when the last accepted fix is
	// older than this. Default 10s.
	MaxAge time.Duration

	// UEREM scales HDOP into metres of horizontal accuracy. Default 5.
	UEREM float64
}

func (c Config) withDefaults() Config {
	if c.Baud == 0 {
		c.Baud = 9600
	}
	if c.MaxAccuracyM <= 0 {
		c.MaxAccuracyM = 25
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 10 * time.Second
	}
	if c.UEREM <= 0 {
		c.UEREM = 5
	}
	return c
}

type Snapshot struct {
	Enabled bool `json:"enabled"`
	Valid   bool `json:"valid"`
	Stale   bool `json:"stale"`

	Device string `json:"device,omitempty"`
	Baud   int    `json:"baud,omitempty"`

	LatDeg     float64  `json:"lat_deg,omitempty"`
	LonDeg     float64  `json:"lon_deg,omitempty"`
	AltM       *float64 `json:"alt_m,omitempty"`
	AccuracyM  *float64 `json:"accuracy_m,omitempty"`
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float64 `json:"hdop,omitempty"`

	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`

	FixAgeSec  float64 `json:"fix_age_sec,omitempty"`
	LastFixUTC string  `json:"last_fix_utc,omitempty"`
	LastError  string  `json:"last_error,omitempty"`
}

// Service reads NMEA from a serial receiver and delivers gated fixes
// to a callback.
type Service struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	last atomic.Value // state

	mu     sync.Mutex
	closer io.Closer
}

// state is the internal snapshot; age and staleness are derived at
// read time.
type state struct {
	snap    Snapshot
	lastFix time.Time
}

func New(cfg Config) *Service {
	s := &Service{cfg: cfg.withDefaults()}
	s.last.Store(state{snap: Snapshot{Enabled: cfg.Enable, Device: cfg.Device, Baud: s.cfg.Baud}})
	return s
}

// Start begins the serial watch. Accepted fixes are delivered on the
// reader goroutine; onFix must not block.
func (s *Service) Start(ctx context.Context, onFix func(Fix)) error {
	if s == nil {
		return fmt.Errorf("geoloc service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	device := strings.TrimSpace(s.cfg.Device)
	if device == "" {
		device = autoDetectDevice()
		if device == "" {
			s.setErrorLocked("geoloc auto-detect failed: no /dev/ttyACM* or /dev/ttyUSB* found")
			return fmt.Errorf("geoloc auto-detect failed")
		}
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(childCtx, device, onFix)

	st := state{snap: Snapshot{Enabled: true, Device: device, Baud: s.cfg.Baud}}
	s.last.Store(st)
	return nil
}

// run owns the open-scan-reconnect loop. Receivers get unplugged and
// replugged in the field; back off and try again rather than dying.
func (s *Service) run(ctx context.Context, device string, onFix func(Fix)) {
	defer s.wg.Done()

	log.Printf("geoloc enabled device=%s baud=%d", device, s.cfg.Baud)

	backoff := 250 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		f, err := openSerial(device, s.cfg.Baud)
		if err != nil {
			s.setError(fmt.Sprintf("geoloc open failed device=%s baud=%d: %v", device, s.cfg.Baud, err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = 250 * time.Millisecond

		s.mu.Lock()
		s.closer = f
		s.mu.Unlock()

		s.scan(ctx, f, onFix)
		_ = f.Close()
		// Loop and reconnect.
	}
}

func (s *Service) scan(ctx context.Context, f *os.File, onFix func(Fix)) {
	sc := bufio.NewScanner(f)
	// NMEA sentences stay under 82 chars; allow headroom for chatter.
	sc.Buffer(make([]byte, 0, 256), 4096)

	var st fixState
	st.cfg = s.cfg

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !sc.Scan() {
			err := sc.Err()
			if err == nil {
				err = io.EOF
			}
			s.setError(fmt.Sprintf("geoloc read stopped: %v", err))
			return
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" || !strings.HasPrefix(line, "$") {
			continue
		}

		sent, perr := parseSentence(line)
		if perr != nil {
			// Noise happens; keep the last error, don't spam.
			s.setError(perr.Error())
			continue
		}

		fix, accepted := st.apply(time.Now().UTC(), sent)
		s.last.Store(state{snap: st.snapshot(s.snapBase()), lastFix: st.lastFix})
		if accepted && onFix != nil {
			onFix(fix)
		}
	}
}

func (s *Service) snapBase() Snapshot {
	return Snapshot{Enabled: true, Device: s.deviceLabel(), Baud: s.cfg.Baud}
}

func (s *Service) deviceLabel() string {
	if v, ok := s.last.Load().(state); ok && v.snap.Device != "" {
		return v.snap.Device
	}
	return s.cfg.Device
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	closer := s.closer
	s.cancel = nil
	s.closer = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if closer != nil {
		_ = closer.Close()
	}
	s.wg.Wait()
}

// Snapshot returns the current state with age and staleness evaluated
// against the clock.
func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v, ok := s.last.Load().(state)
	if !ok {
		return Snapshot{}
	}
	out := v.snap
	if !v.lastFix.IsZero() {
		age := time.Since(v.lastFix)
		out.FixAgeSec = age.Seconds()
		out.Stale = age > s.cfg.MaxAge
		out.LastFixUTC = v.lastFix.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func (s *Service) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setErrorLocked(msg)
}

func (s *Service) setErrorLocked(msg string) {
	v, _ := s.last.Load().(state)
	v.snap.LastError = msg
	if !v.snap.Enabled {
		v.snap.Enabled = s.cfg.Enable
	}
	s.last.Store(v)
}

func autoDetectDevice() string {
	candidates := []string{}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyACM%d", i))
	}
	for i := 0; i < 10; i++ {
		candidates = append(candidates, fmt.Sprintf("/dev/ttyUSB%d", i))
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
