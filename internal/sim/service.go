package sim

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
)

// Target is where synthesized samples go; a live session satisfies it.
type Target interface {
	EnqueueOrientation(orientation.Sample)
	EnqueueGeolocation(geoloc.Fix)
}

type Config struct {
	Enable bool

	Walker Walker
	Sweep  Sweep

	// Tour, when set, replaces Walker/Sweep with a scripted route.
	Tour *Tour
	// Loop wraps the tour instead of parking at its last keyframe.
	Loop bool

	// OrientationHz paces orientation samples. Default 30.
	OrientationHz int
	// GeolocationEvery paces fixes. Default 1s.
	GeolocationEvery time.Duration
}

func (c Config) withDefaults() Config {
	if c.OrientationHz <= 0 {
		c.OrientationHz = 30
	}
	if c.GeolocationEvery <= 0 {
		c.GeolocationEvery = time.Second
	}
	return c
}

type Snapshot struct {
	Enabled     bool   `json:"enabled"`
	Mode        string `json:"mode,omitempty"`
	Orientation uint64 `json:"orientation_emitted"`
	Geolocation uint64 `json:"geolocation_emitted"`
}

// Service pumps the synthetic streams into a target at sensor-like
// rates.
type Service struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emittedOrient atomic.Uint64
	emittedGeo    atomic.Uint64
}

func New(cfg Config) *Service {
	return &Service{cfg: cfg.withDefaults()}
}

func (s *Service) Start(ctx context.Context, target Target) error {
	if s == nil {
		return fmt.Errorf("sim service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	if target == nil {
		return fmt.Errorf("sim target is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(childCtx, target)

	if s.cfg.Tour != nil {
		log.Printf("sim enabled mode=tour duration=%s loop=%t orientation=%dHz",
			s.cfg.Tour.Duration(), s.cfg.Loop, s.cfg.OrientationHz)
	} else {
		log.Printf("sim enabled mode=walk radius=%.0fm orientation=%dHz",
			s.cfg.Walker.RadiusM, s.cfg.OrientationHz)
	}
	return nil
}

func (s *Service) run(ctx context.Context, target Target) {
	defer s.wg.Done()

	ot := time.NewTicker(time.Second / time.Duration(s.cfg.OrientationHz))
	defer ot.Stop()
	gt := time.NewTicker(s.cfg.GeolocationEvery)
	defer gt.Stop()

	start := time.Now()
	sample := func(now time.Time) {
		if s.cfg.Tour != nil {
			target.EnqueueOrientation(s.cfg.Tour.StateAt(now.Sub(start), s.cfg.Loop).Sample(now))
		} else {
			target.EnqueueOrientation(s.cfg.Sweep.Sample(now))
		}
		s.emittedOrient.Add(1)
	}
	fix := func(now time.Time) {
		if s.cfg.Tour != nil {
			target.EnqueueGeolocation(s.cfg.Tour.StateAt(now.Sub(start), s.cfg.Loop).Fix(now))
		} else {
			target.EnqueueGeolocation(s.cfg.Walker.Fix(now))
		}
		s.emittedGeo.Add(1)
	}

	// Lead with a fix so the camera leaves the anchor column quickly.
	fix(start)

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ot.C:
			sample(now)
		case now := <-gt.C:
			fix(now)
		}
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	mode := ""
	if s.cfg.Enable {
		mode = "walk"
		if s.cfg.Tour != nil {
			mode = "tour"
		}
	}
	return Snapshot{
		Enabled:     s.cfg.Enable,
		Mode:        mode,
		Orientation: s.emittedOrient.Load(),
		Geolocation: s.emittedGeo.Load(),
	}
}
