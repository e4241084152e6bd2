package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/assets"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/calibration"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/camera"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/config"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/feed"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/hwio"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/poi"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/readiness"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/session"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/sim"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/terrain"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/web"
)

// kioskRuntime owns every long-lived service. Construction is
// best-effort for hardware (a kiosk with a dead GPS still serves
// sessions) and fatal for authored content (a bad POI registry is a
// deployment bug, not a runtime condition).
type kioskRuntime struct {
	cfg config.Config

	sessions *session.Manager
	settings *web.SettingsStore
	scene    *poi.Store

	assetsSvc *assets.Service
	geoSvc    *geoloc.Service
	simSvc    *sim.Service
	hwSvc     *hwio.Service

	rec *feedRecorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newKioskRuntime(ctx context.Context, cfg config.Config, status *web.Status) (*kioskRuntime, error) {
	if status == nil {
		return nil, fmt.Errorf("status is nil")
	}

	rtCtx, cancel := context.WithCancel(ctx)
	rt := &kioskRuntime{cfg: cfg, cancel: cancel}

	rt.settings = web.NewSettingsStore(cfg.Settings.Path)

	anchor := geo.GeoPoint{
		LatDeg: cfg.Anchor.LatDeg,
		LonDeg: cfg.Anchor.LonDeg,
		AltM:   cfg.Anchor.AltM,
	}

	var pois []poi.POI
	if cfg.POI.Path != "" {
		loaded, err := poi.LoadFile(cfg.POI.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("poi registry: %w", err)
		}
		pois = loaded
		log.Printf("poi registry loaded n=%d path=%s", len(pois), cfg.POI.Path)
	}
	rt.scene = poi.NewStore(anchor, pois)

	rt.assetsSvc = assets.New(assets.Config{MeshPath: cfg.Terrain.Mesh})
	if err := rt.assetsSvc.Start(rtCtx); err != nil {
		// Keep the kiosk running; height resolution settles on the
		// fallback elevation.
		log.Printf("assets init failed: %v", err)
	}

	rt.sessions = session.NewManager(session.Config{
		FrameRateHz:  cfg.Session.FrameRateHz,
		MaxAccuracyM: cfg.Session.MaxAccuracyM,
		Orientation: orientation.Config{
			BlendFactor:     cfg.Session.Orientation.BlendFactor,
			RollHoldBandDeg: cfg.Session.Orientation.RollHoldBandDeg,
			TrustAbsolute:   cfg.Session.Orientation.TrustAbsolute,
		},
		Calibration: calibration.Config{
			TiltThresholdDeg: cfg.Session.Calibration.TiltThresholdDeg,
			HoldSeconds:      cfg.Session.Calibration.HoldSeconds,
			MaxJitterDeg:     cfg.Session.Calibration.MaxJitterDeg,
			WindowSize:       cfg.Session.Calibration.WindowSize,
		},
		Camera: camera.Config{
			Anchor:               anchor,
			EyeHeightM:           cfg.Session.Camera.EyeHeightM,
			RepositionThresholdM: cfg.Session.Camera.RepositionThresholdM,
		},
		Resolver: terrain.ResolverConfig{
			ProbeEveryNFrames: cfg.Terrain.ProbeEveryNFrames,
			BudgetFrames:      cfg.Terrain.BudgetFrames,
			FallbackElevation: cfg.Terrain.FallbackElevationM,
		},
		Readiness: readiness.Config{ReadyTimeoutFrames: cfg.Session.Readiness.ReadyTimeoutFrames},
	}, session.Deps{
		Assets:       rt.assetsSvc,
		POIs:         pois,
		CachedOffset: rt.settings.CachedOffset,
		OnOffset:     rt.settings.SetOffset,
		OnPermission: rt.settings.SetPermission,
	})

	rt.geoSvc = geoloc.New(geoloc.Config{
		Enable:       cfg.Geoloc.Enable,
		Device:       cfg.Geoloc.Device,
		Baud:         cfg.Geoloc.Baud,
		MaxAccuracyM: cfg.Geoloc.MaxAccuracyM,
		MaxAge:       cfg.Geoloc.MaxAge,
	})
	if err := rt.geoSvc.Start(rtCtx, rt.sessions.EnqueueGeolocation); err != nil {
		// Keep the kiosk running even without a receiver; handsets
		// stream their own fixes over the sensor socket.
		log.Printf("geoloc init failed: %v", err)
	}

	var tour *sim.Tour
	if cfg.Sim.Tour != "" {
		script, err := sim.LoadTourScript(cfg.Sim.Tour)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("sim tour: %w", err)
		}
		t, err := sim.NewTour(script)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("sim tour %s: %w", cfg.Sim.Tour, err)
		}
		tour = t
	}
	rt.simSvc = sim.New(sim.Config{
		Enable: cfg.Sim.Enable,
		Walker: sim.Walker{Anchor: anchor, RadiusM: cfg.Sim.RadiusM, Period: cfg.Sim.Period},
		Sweep:  sim.Sweep{},
		Tour:   tour,
		Loop:   cfg.Sim.Loop,
	})
	if err := rt.simSvc.Start(rtCtx, rt.sessions); err != nil {
		log.Printf("sim init failed: %v", err)
	}

	rt.hwSvc = hwio.New(hwio.Config{
		Enable:    cfg.HWIO.Enable,
		ButtonPin: cfg.HWIO.ButtonPin,
		LEDPin:    cfg.HWIO.LEDPin,
	}, hwio.Deps{
		OnPress: func() {
			s := rt.sessions.Active()
			if s == nil {
				log.Printf("hwio: button press with no active session")
				return
			}
			if err := s.RestartCalibration(); err != nil {
				log.Printf("hwio: restart calibration: %v", err)
			}
		},
		Ready: func() bool {
			snap := rt.sessions.Snapshot()
			return snap.Active != nil && snap.Active.Live
		},
	})
	if err := rt.hwSvc.Start(rtCtx); err != nil {
		log.Printf("hwio init failed: %v", err)
	}

	if cfg.Feed.Record.Enable {
		w, err := feed.CreateWriter(cfg.Feed.Record.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("feed record: %w", err)
		}
		rt.rec = &feedRecorder{w: w}
		log.Printf("feed recording path=%s", cfg.Feed.Record.Path)
		rt.wg.Add(1)
		go rt.flushLoop(rtCtx)
	}

	if cfg.Feed.Replay.Enable {
		records, err := feed.LoadFile(cfg.Feed.Replay.Path)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("feed replay: %w", err)
		}
		log.Printf("feed replay records=%d path=%s speed=%g loop=%t",
			len(records), cfg.Feed.Replay.Path, cfg.Feed.Replay.Speed, cfg.Feed.Replay.Loop)
		rt.wg.Add(1)
		go rt.replayLoop(rtCtx, records)
	}

	status.SetStatic(cfg.Listen, sourceLabel(cfg), anchor, len(pois))
	status.SetProviders(web.Providers{
		Sessions:    rt.sessions.Snapshot,
		Geolocation: rt.geoSvc.Snapshot,
		Assets:      rt.assetsSvc.Snapshot,
		Sim:         rt.simSvc.Snapshot,
		Hardware:    rt.hwSvc.Snapshot,
	})

	return rt, nil
}

// sourceLabel names the dominant sensor source for the status page.
func sourceLabel(cfg config.Config) string {
	switch {
	case cfg.Feed.Replay.Enable:
		return "replay"
	case cfg.Sim.Enable:
		return "sim"
	case cfg.Geoloc.Enable:
		return "ws+serial"
	default:
		return "ws"
	}
}

func (rt *kioskRuntime) flushLoop(ctx context.Context) {
	defer rt.wg.Done()
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rt.rec.flush()
		}
	}
}

func (rt *kioskRuntime) replayLoop(ctx context.Context, records []feed.Record) {
	defer rt.wg.Done()
	err := feed.Play(records, rt.cfg.Feed.Replay.Speed, rt.cfg.Feed.Replay.Loop, ctxSleeper{ctx}, func(rec feed.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := time.Now()
		switch rec.Type {
		case feed.KindOrientation:
			if smp, ok := rec.OrientationSample(now); ok {
				rt.sessions.EnqueueOrientation(smp)
			}
		case feed.KindGeolocation:
			if fix, ok := rec.GeoFix(now); ok {
				rt.sessions.EnqueueGeolocation(fix)
			}
		case feed.KindProgress:
			if s := rt.sessions.Active(); s != nil {
				_ = s.ReportProgress(rec.Value)
			}
		}
		return nil
	})
	switch {
	case ctx.Err() != nil:
	case err != nil:
		log.Printf("feed replay stopped: %v", err)
	default:
		log.Printf("feed replay finished")
	}
}

// recordSink is handed to the web layer; nil when not recording.
func (rt *kioskRuntime) recordSink() func(feed.Record) {
	if rt == nil || rt.rec == nil {
		return nil
	}
	return rt.rec.record
}

func (rt *kioskRuntime) Close() {
	if rt == nil {
		return
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.wg.Wait()
	if rt.hwSvc != nil {
		rt.hwSvc.Close()
		rt.hwSvc = nil
	}
	if rt.simSvc != nil {
		rt.simSvc.Close()
		rt.simSvc = nil
	}
	if rt.geoSvc != nil {
		rt.geoSvc.Close()
		rt.geoSvc = nil
	}
	if rt.sessions != nil {
		rt.sessions.Close()
		rt.sessions = nil
	}
	if rt.assetsSvc != nil {
		rt.assetsSvc.Close()
		rt.assetsSvc = nil
	}
	if rt.rec != nil {
		rt.rec.close()
		rt.rec = nil
	}
}

// ctxSleeper makes replay waits abort with the runtime context, so
// shutdown never waits out a long gap in the recording.
type ctxSleeper struct{ ctx context.Context }

func (s ctxSleeper) Sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.ctx.Done():
	}
}

// feedRecorder serializes writes from handler goroutines; a session
// swap can briefly leave two sensor sockets live.
type feedRecorder struct {
	mu     sync.Mutex
	w      *feed.Writer
	failed bool
}

func (r *feedRecorder) record(rec feed.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed {
		return
	}
	if err := r.w.Write(time.Now(), rec); err != nil {
		r.failed = true
		log.Printf("feed record failed, stopping: %v", err)
	}
}

func (r *feedRecorder) flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed {
		return
	}
	if err := r.w.Flush(); err != nil {
		r.failed = true
		log.Printf("feed record flush failed, stopping: %v", err)
	}
}

func (r *feedRecorder) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.w.Close(); err != nil && !r.failed {
		log.Printf("feed record close: %v", err)
	}
}
