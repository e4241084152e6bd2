// Package session owns one AR viewing session from scene mount to
// teardown. The session is the only writer of the positioning
// machines: sensor producers enqueue into bounded intakes, external
// commands queue onto a control channel, and a fixed-rate frame loop
// applies everything in order. Frame counts, not wall clocks, drive
// every timeout, so a replayed sensor log steps the machines exactly
// the way the live run did.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/assets"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/calibration"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/camera"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/poi"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/readiness"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/terrain"
)

// ErrClosed is returned by commands against a torn-down session.
var ErrClosed = errors.New("session closed")

const (
	orientationIntake = 256
	geolocationIntake = 32
	controlQueue      = 16
)

type Config struct {
	// FrameRateHz drives the frame loop. Default 30.
	FrameRateHz int

	// MaxAccuracyM drops geolocation fixes with a worse reported
	// horizontal accuracy. Default 25; 0 keeps the default, negative
	// disables the gate.
	MaxAccuracyM float64

	Orientation orientation.Config
	Calibration calibration.Config
	Camera      camera.Config
	Resolver    terrain.ResolverConfig
	Readiness   readiness.Config
}

func (c Config) withDefaults() Config {
	if c.FrameRateHz <= 0 {
		c.FrameRateHz = 30
	}
	if c.MaxAccuracyM == 0 {
		c.MaxAccuracyM = 25
	}
	return c
}

// Deps are runtime collaborators shared across sessions.
type Deps struct {
	// Assets serves terrain and merged load progress. Nil means
	// nothing to load.
	Assets *assets.Service

	// POIs is the authored registry projected into this session's
	// local frame.
	POIs []poi.POI

	// CachedOffset supplies the persisted heading offset from a
	// previous visit, applied until calibration produces a fresh one.
	CachedOffset func() (float64, bool)

	// OnOffset is told each newly produced calibration offset.
	OnOffset func(deg float64)

	// OnPermission is told the permission answer once per session.
	OnPermission func(granted bool)
}

// Hello is the capability report a render client posts when mounting
// the scene.
type Hello struct {
	Mobile                 bool    `json:"mobile"`
	HasOrientation         bool    `json:"hasOrientation"`
	NeedsPermissionGesture bool    `json:"needsPermissionGesture"`
	HasGraphics            bool    `json:"hasGraphics"`
	ScreenAngleDeg         float64 `json:"screenAngleDeg"`
}

func (h Hello) capabilities() readiness.Capabilities {
	return readiness.Capabilities{
		Mobile:                 h.Mobile,
		HasOrientation:         h.HasOrientation,
		NeedsPermissionGesture: h.NeedsPermissionGesture,
		HasGraphics:            h.HasGraphics,
	}
}

// Position is the camera position in the local frame, metres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Rotation is the camera attitude in radians.
type Rotation struct {
	PitchRad float64 `json:"pitch"`
	YawRad   float64 `json:"yaw"`
	RollRad  float64 `json:"roll"`
}

// PoseUpdate is the per-frame message fanned out to pose subscribers.
type PoseUpdate struct {
	SessionID      string   `json:"sessionId"`
	Frame          int      `json:"frame"`
	State          string   `json:"state"`
	Live           bool     `json:"live"`
	Position       Position `json:"position"`
	Rotation       Rotation `json:"rotation"`
	HeightResolved bool     `json:"heightResolved"`
	Calibration    string   `json:"calibration"`
	ProgressPct    float64  `json:"progress"`
}

// FusionSnapshot summarizes the orientation pipeline for the status
// surface.
type FusionSnapshot struct {
	Tracking         bool     `json:"tracking"`
	PitchRad         float64  `json:"pitch_rad"`
	YawRad           float64  `json:"yaw_rad"`
	RollRad          float64  `json:"roll_rad"`
	HeadingOffsetDeg *float64 `json:"heading_offset_deg,omitempty"`
	ManualOffsetDeg  float64  `json:"manual_offset_deg"`
	Samples          uint64   `json:"samples"`
}

type CameraSnapshot struct {
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Z              float64 `json:"z"`
	HeightResolved bool    `json:"height_resolved"`
	HaveFix        bool    `json:"have_fix"`
	Moves          int     `json:"moves"`
}

type Snapshot struct {
	ID    string `json:"session_id"`
	Frame int    `json:"frame"`
	State string `json:"state"`
	Live  bool   `json:"live"`

	Readiness   readiness.Snapshot       `json:"readiness"`
	Calibration calibration.Snapshot     `json:"calibration"`
	Fusion      FusionSnapshot           `json:"fusion"`
	Camera      CameraSnapshot           `json:"camera"`
	Terrain     terrain.ResolverSnapshot `json:"terrain"`

	POIs        int `json:"pois"`
	POIResolved int `json:"poi_resolved"`

	DroppedOrientation uint64 `json:"dropped_orientation,omitempty"`
	DroppedGeolocation uint64 `json:"dropped_geolocation,omitempty"`
	RejectedFixes      uint64 `json:"rejected_fixes,omitempty"`
	Subscribers        int    `json:"subscribers"`
}

// Session is one AR session. External methods are safe for concurrent
// use; all machine mutation happens on the frame-loop goroutine.
type Session struct {
	id   string
	cfg  Config
	deps Deps
	caps readiness.Capabilities

	fusion   *orientation.Fusion
	calib    *calibration.Machine
	ready    *readiness.Controller
	resolver *terrain.HeightResolver
	cam      *camera.Placement
	pois     *poi.Store

	orientC chan orientation.Sample
	geoC    chan geoloc.Fix
	ctl     chan func()

	frame         int
	rejectedFixes uint64
	droppedOrient atomic.Uint64
	droppedGeo    atomic.Uint64

	snap atomic.Value // Snapshot

	subMu sync.Mutex
	subs  map[*Subscriber]struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
	once   sync.Once
}

func New(cfg Config, deps Deps, hello Hello) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		deps:    deps,
		caps:    hello.capabilities(),
		fusion:  orientation.NewFusion(cfg.Orientation),
		calib:   calibration.NewMachine(cfg.Calibration),
		ready:   readiness.NewController(cfg.Readiness, hello.capabilities()),
		orientC: make(chan orientation.Sample, orientationIntake),
		geoC:    make(chan geoloc.Fix, geolocationIntake),
		ctl:     make(chan func(), controlQueue),
		subs:    make(map[*Subscriber]struct{}),
		done:    make(chan struct{}),
	}
	s.resolver = terrain.NewHeightResolver(cfg.Resolver, deps.Assets)
	s.cam = camera.NewPlacement(cfg.Camera, s.resolver)
	s.pois = poi.NewStore(cfg.Camera.Anchor, deps.POIs)

	s.fusion.SetScreenAngle(hello.ScreenAngleDeg)
	if deps.CachedOffset != nil {
		if v, ok := deps.CachedOffset(); ok {
			s.fusion.SetManualOffset(v)
		}
	}
	deps.Assets.ResetClient()

	s.snap.Store(s.buildSnapshot())
	return s
}

func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// Start spawns the frame loop.
func (s *Session) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("session is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.run(childCtx)
	log.Printf("session: started id=%s mobile=%v orientation=%v graphics=%v",
		s.id, s.caps.Mobile, s.caps.HasOrientation, s.caps.HasGraphics)
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	interval := time.Second / time.Duration(s.cfg.FrameRateHz)
	dt := 1.0 / float64(s.cfg.FrameRateHz)
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.step(dt)
		}
	}
}

// step advances everything one frame. Exported behavior is identical
// whether a ticker or a test calls it.
func (s *Session) step(dt float64) {
	s.frame++
	frame := s.frame

	// Commands queued since the last frame.
drainCtl:
	for {
		select {
		case op := <-s.ctl:
			op()
		default:
			break drainCtl
		}
	}

drainGeo:
	for {
		select {
		case fix := <-s.geoC:
			if s.cfg.MaxAccuracyM > 0 && fix.AccuracyM > s.cfg.MaxAccuracyM {
				s.rejectedFixes++
				continue
			}
			s.cam.SetFix(fix.Point)
		default:
			break drainGeo
		}
	}

drainOrient:
	for {
		select {
		case sample := <-s.orientC:
			s.calib.Observe(sample)
			s.fusion.Observe(sample)
		default:
			break drainOrient
		}
	}

	s.calib.Tick(dt)
	if off, ok := s.calib.TakeOffset(); ok {
		s.fusion.SetManualOffset(off)
		if s.deps.OnOffset != nil {
			s.deps.OnOffset(off)
		}
	}
	if s.calib.Completed() {
		s.ready.SetCalibrated()
	}

	rot := s.fusion.BlendStep()
	pose := s.cam.Tick(frame, rot)
	s.pois.Resolve(s.resolver, frame)

	if s.deps.Assets != nil {
		s.ready.SetProgress(s.deps.Assets.Progress())
	} else {
		s.ready.SetLoaded()
	}
	s.ready.SetCameraHeight(pose.HeightResolved)
	state := s.ready.Step(frame)

	snap := s.buildSnapshot()
	s.snap.Store(snap)

	s.publish(PoseUpdate{
		SessionID:      s.id,
		Frame:          frame,
		State:          state.String(),
		Live:           s.ready.Live(),
		Position:       Position{X: pose.Position.X, Y: pose.Position.Y, Z: pose.Position.Z},
		Rotation:       Rotation{PitchRad: rot.PitchRad, YawRad: rot.YawRad, RollRad: rot.RollRad},
		HeightResolved: pose.HeightResolved,
		Calibration:    s.calib.State().String(),
		ProgressPct:    snap.Readiness.ProgressPct,
	})
}

func (s *Session) buildSnapshot() Snapshot {
	pose := s.cam.Pose()
	cur := s.fusion.Current()

	fs := FusionSnapshot{
		Tracking:        s.fusion.Tracking(),
		PitchRad:        cur.PitchRad,
		YawRad:          cur.YawRad,
		RollRad:         cur.RollRad,
		ManualOffsetDeg: s.fusion.ManualOffsetDeg(),
		Samples:         s.fusion.Samples(),
	}
	if off, ok := s.fusion.HeadingOffsetDeg(); ok {
		fs.HeadingOffsetDeg = &off
	}

	s.subMu.Lock()
	nsubs := len(s.subs)
	s.subMu.Unlock()

	return Snapshot{
		ID:          s.id,
		Frame:       s.frame,
		State:       s.ready.State().String(),
		Live:        s.ready.Live(),
		Readiness:   s.ready.Snapshot(),
		Calibration: s.calib.Snapshot(),
		Fusion:      fs,
		Camera: CameraSnapshot{
			X:              pose.Position.X,
			Y:              pose.Position.Y,
			Z:              pose.Position.Z,
			HeightResolved: pose.HeightResolved,
			HaveFix:        s.cam.HaveFix(),
			Moves:          s.cam.Moves(),
		},
		Terrain:            s.resolver.Snapshot(),
		POIs:               s.pois.Len(),
		POIResolved:        s.pois.ResolvedCount(),
		DroppedOrientation: s.droppedOrient.Load(),
		DroppedGeolocation: s.droppedGeo.Load(),
		RejectedFixes:      s.rejectedFixes,
		Subscribers:        nsubs,
	}
}

// Snapshot returns the state published by the most recent frame.
func (s *Session) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	v, _ := s.snap.Load().(Snapshot)
	return v
}

// Placements returns the scene objects with whatever elevations have
// been resolved so far.
func (s *Session) Placements() []poi.Placement {
	if s == nil {
		return nil
	}
	return s.pois.Snapshot()
}

// EnqueueOrientation hands a sensor sample to the frame loop. Never
// blocks; overflow drops the sample and counts it.
func (s *Session) EnqueueOrientation(sample orientation.Sample) {
	if s == nil {
		return
	}
	select {
	case s.orientC <- sample:
	default:
		s.droppedOrient.Add(1)
	}
}

// EnqueueGeolocation hands a fix to the frame loop. Never blocks.
func (s *Session) EnqueueGeolocation(fix geoloc.Fix) {
	if s == nil {
		return
	}
	select {
	case s.geoC <- fix:
	default:
		s.droppedGeo.Add(1)
	}
}

// do queues a command for the next frame.
func (s *Session) do(op func()) error {
	if s == nil {
		return ErrClosed
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.ctl <- op:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// SetPermission records the permission prompt outcome.
func (s *Session) SetPermission(granted bool) error {
	return s.do(func() {
		s.ready.SetPermission(granted)
		if s.deps.OnPermission != nil {
			s.deps.OnPermission(granted)
		}
	})
}

// ReportProgress records the render client's model-load percentage.
func (s *Session) ReportProgress(pct float64) error {
	if s == nil {
		return ErrClosed
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	if s.deps.Assets != nil {
		s.deps.Assets.ReportClient(pct)
	}
	return nil
}

// SetManualOffset moves the calibration slider.
func (s *Session) SetManualOffset(deg float64) error {
	return s.do(func() { s.calib.SetSlider(deg) })
}

// ConfirmCalibration confirms the slider position. The machine's own
// answer comes back once the frame loop services the command.
func (s *Session) ConfirmCalibration() error {
	errc := make(chan error, 1)
	if err := s.do(func() { errc <- s.calib.Confirm() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// RestartCalibration re-arms the calibration ritual. Readiness is
// untouched: a live scene stays live while the visitor recalibrates.
func (s *Session) RestartCalibration() error {
	return s.do(func() { s.calib.Restart() })
}

// GraphicsLost reports an unrecoverable render context loss.
func (s *Session) GraphicsLost(reason string) error {
	return s.do(func() { s.ready.GraphicsLost(reason) })
}

// Done is closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	if s == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return s.done
}

// Subscriber receives per-frame pose updates. A subscriber that stops
// reading loses frames, never delays the loop.
type Subscriber struct {
	C <-chan PoseUpdate

	s       *Session
	c       chan PoseUpdate
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped counts frames lost to a full buffer.
func (sub *Subscriber) Dropped() uint64 {
	if sub == nil {
		return 0
	}
	return sub.dropped.Load()
}

// Close detaches the subscriber and closes its channel.
func (sub *Subscriber) Close() {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.s.subMu.Lock()
		delete(sub.s.subs, sub)
		sub.s.subMu.Unlock()
		close(sub.c)
	})
}

// Subscribe attaches a pose listener with the given buffer (minimum 1).
func (s *Session) Subscribe(buf int) *Subscriber {
	if s == nil {
		return nil
	}
	if buf < 1 {
		buf = 1
	}
	c := make(chan PoseUpdate, buf)
	sub := &Subscriber{C: c, c: c, s: s}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

func (s *Session) publish(u PoseUpdate) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.c <- u:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Close tears the session down: the frame loop stops, subscribers are
// detached, pending commands fail with ErrClosed, and fusion state is
// cleared so nothing leaks into a future session.
func (s *Session) Close() {
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

	s.once.Do(func() {
		close(s.done)

		s.subMu.Lock()
		subs := make([]*Subscriber, 0, len(s.subs))
		for sub := range s.subs {
			subs = append(subs, sub)
		}
		s.subMu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}

		s.fusion.Reset()
		log.Printf("session: closed id=%s frames=%d", s.id, s.frame)
	})
}
