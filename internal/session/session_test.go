package session

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/assets"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/camera"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/poi"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/terrain"
)

var anchor = geo.GeoPoint{LatDeg: 35.7794167, LonDeg: 139.0226944}

const plateOBJ = `v -200 480 -200
v 200 480 -200
v 200 480 200
v -200 480 200
f 1 2 3
f 1 3 4
`

const testDT = 1.0 / 30

func fptr(v float64) *float64 { return &v }

func mobileHello() Hello {
	return Hello{Mobile: true, HasOrientation: true, NeedsPermissionGesture: true, HasGraphics: true}
}

func desktopHello() Hello {
	return Hello{Mobile: false, HasOrientation: false, NeedsPermissionGesture: false, HasGraphics: true}
}

func flatSample() orientation.Sample {
	return orientation.Sample{
		Alpha:          fptr(210.5),
		Beta:           fptr(0),
		Gamma:          fptr(0),
		CompassHeading: fptr(150.5),
	}
}

func plateAssets(t *testing.T) *assets.Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "terrain.obj")
	if err := os.WriteFile(path, []byte(plateOBJ), 0o644); err != nil {
		t.Fatalf("write mesh: %v", err)
	}
	as := assets.New(assets.Config{MeshPath: path})
	if err := as.Start(context.Background()); err != nil {
		t.Fatalf("assets start: %v", err)
	}
	t.Cleanup(as.Close)
	select {
	case <-as.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("terrain load did not finish")
	}
	return as
}

func testConfig() Config {
	return Config{
		Camera:   camera.Config{Anchor: anchor},
		Resolver: terrain.ResolverConfig{ProbeEveryNFrames: 1, FallbackElevation: 400},
	}
}

func stepN(s *Session, n int) {
	for i := 0; i < n; i++ {
		s.step(testDT)
	}
}

func TestSession_MobileFlowToReady(t *testing.T) {
	var gotOffset []float64
	deps := Deps{
		Assets:   plateAssets(t),
		OnOffset: func(d float64) { gotOffset = append(gotOffset, d) },
	}
	s := New(testConfig(), deps, mobileHello())
	defer s.Close()

	s.step(testDT)
	if got := s.Snapshot().State; got != "awaiting-permission" {
		t.Fatalf("state got=%q want=awaiting-permission", got)
	}

	if err := s.SetPermission(true); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	s.step(testDT)
	if got := s.Snapshot().State; got != "awaiting-calibration" {
		t.Fatalf("state got=%q want=awaiting-calibration", got)
	}

	// Hold the device flat until the stability clock completes.
	completedAt := -1
	for i := 0; i < 70; i++ {
		s.EnqueueOrientation(flatSample())
		s.step(testDT)
		if s.Snapshot().Calibration.Completed {
			completedAt = i
			break
		}
	}
	if completedAt < 0 {
		t.Fatalf("calibration never completed")
	}
	if completedAt < 40 {
		t.Fatalf("calibration completed too early, frame %d", completedAt)
	}

	snap := s.Snapshot()
	if !snap.Live || snap.State != "ready" {
		t.Fatalf("expected live ready session, got state=%q live=%v", snap.State, snap.Live)
	}
	// Auto calibration carries no manual correction.
	if len(gotOffset) != 1 || gotOffset[0] != 0 {
		t.Fatalf("offsets got=%v want=[0]", gotOffset)
	}
	// Compass+alpha latched once: (150.5+210.5) mod 360 = 1.
	if snap.Fusion.HeadingOffsetDeg == nil || math.Abs(*snap.Fusion.HeadingOffsetDeg-1.0) > 1e-9 {
		t.Fatalf("heading offset got=%+v want=1.0", snap.Fusion.HeadingOffsetDeg)
	}
	if !snap.Camera.HeightResolved {
		t.Fatalf("camera height should resolve on the anchor column")
	}
	if math.Abs(snap.Camera.Y-481.5) > 1e-9 {
		t.Fatalf("camera y got=%v want=481.5", snap.Camera.Y)
	}
}

func TestSession_DesktopSkipsCalibration(t *testing.T) {
	s := New(testConfig(), Deps{Assets: plateAssets(t)}, desktopHello())
	defer s.Close()

	for i := 0; i < 10; i++ {
		s.step(testDT)
		st := s.Snapshot().State
		if st == "awaiting-calibration" {
			t.Fatalf("desktop session entered awaiting-calibration")
		}
	}
	snap := s.Snapshot()
	if snap.State != "ready" || !snap.Live {
		t.Fatalf("state got=%q live=%v", snap.State, snap.Live)
	}
	if !snap.Readiness.PermissionGranted {
		t.Fatalf("desktop permission should be assumed granted")
	}
}

func TestSession_PermissionDeniedStillReady(t *testing.T) {
	s := New(testConfig(), Deps{Assets: plateAssets(t)}, mobileHello())
	defer s.Close()

	s.step(testDT)
	if err := s.SetPermission(false); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	stepN(s, 5)

	snap := s.Snapshot()
	if snap.State != "ready" {
		t.Fatalf("state got=%q want=ready", snap.State)
	}
	if snap.Readiness.Calibrated {
		t.Fatalf("denied session must not be calibrated")
	}
	if !snap.Readiness.PermissionDenied || len(snap.Readiness.Errors) == 0 {
		t.Fatalf("denial must surface as an error: %+v", snap.Readiness)
	}
}

func TestSession_ReadyTimeoutWithoutTerrain(t *testing.T) {
	cfg := testConfig()
	cfg.Readiness.ReadyTimeoutFrames = 20
	s := New(cfg, Deps{}, desktopHello())
	defer s.Close()

	stepN(s, 25)

	snap := s.Snapshot()
	if snap.State != "ready" {
		t.Fatalf("state got=%q want=ready", snap.State)
	}
	if !snap.Readiness.TimedOut {
		t.Fatalf("expected the timeout path")
	}
	if snap.Camera.HeightResolved {
		t.Fatalf("no terrain, height must stay unresolved")
	}
}

func TestSession_FixMovesCamera(t *testing.T) {
	s := New(testConfig(), Deps{Assets: plateAssets(t)}, desktopHello())
	defer s.Close()
	stepN(s, 3)

	s.EnqueueGeolocation(geoloc.Fix{
		Point:     geo.GeoPoint{LatDeg: anchor.LatDeg + 0.001, LonDeg: anchor.LonDeg + 0.001},
		AccuracyM: 5,
	})
	stepN(s, 3)

	snap := s.Snapshot()
	if !snap.Camera.HaveFix || snap.Camera.Moves != 1 {
		t.Fatalf("camera got haveFix=%v moves=%d", snap.Camera.HaveFix, snap.Camera.Moves)
	}
	if math.Abs(snap.Camera.X-90.209) > 0.01 {
		t.Fatalf("x got=%v want=90.209", snap.Camera.X)
	}
	if math.Abs(snap.Camera.Z-(-111.195)) > 0.01 {
		t.Fatalf("z got=%v want=-111.195", snap.Camera.Z)
	}
	if math.Abs(snap.Camera.Y-481.5) > 1e-9 {
		t.Fatalf("y got=%v want=481.5", snap.Camera.Y)
	}
}

func TestSession_InaccurateFixRejected(t *testing.T) {
	s := New(testConfig(), Deps{Assets: plateAssets(t)}, desktopHello())
	defer s.Close()

	s.EnqueueGeolocation(geoloc.Fix{
		Point:     geo.GeoPoint{LatDeg: anchor.LatDeg + 0.001, LonDeg: anchor.LonDeg},
		AccuracyM: 60,
	})
	stepN(s, 2)

	snap := s.Snapshot()
	if snap.Camera.HaveFix {
		t.Fatalf("rejected fix must not move the camera")
	}
	if snap.RejectedFixes != 1 {
		t.Fatalf("rejected got=%d want=1", snap.RejectedFixes)
	}
}

func TestSession_IntakeOverflowDrops(t *testing.T) {
	s := New(testConfig(), Deps{Assets: plateAssets(t)}, mobileHello())
	defer s.Close()

	for i := 0; i < 300; i++ {
		s.EnqueueOrientation(flatSample())
	}
	s.step(testDT)

	snap := s.Snapshot()
	if snap.DroppedOrientation != 44 {
		t.Fatalf("dropped got=%d want=44", snap.DroppedOrientation)
	}
	if snap.Fusion.Samples != 256 {
		t.Fatalf("samples got=%d want=256", snap.Fusion.Samples)
	}
}

func TestSession_ManualCalibration(t *testing.T) {
	var gotOffset []float64
	s := New(testConfig(), Deps{Assets: plateAssets(t), OnOffset: func(d float64) { gotOffset = append(gotOffset, d) }}, mobileHello())
	defer s.Close()

	s.step(testDT)
	if err := s.SetPermission(true); err != nil {
		t.Fatalf("SetPermission: %v", err)
	}
	if err := s.SetManualOffset(30); err != nil {
		t.Fatalf("SetManualOffset: %v", err)
	}
	s.step(testDT)
	if got := s.Snapshot().Calibration.State; got != "manual" {
		t.Fatalf("calibration state got=%q want=manual", got)
	}

	confirmed := make(chan error, 1)
	go func() { confirmed <- s.ConfirmCalibration() }()

	var err error
	deadline := time.After(5 * time.Second)
waitConfirm:
	for {
		s.step(testDT)
		select {
		case err = <-confirmed:
			break waitConfirm
		case <-deadline:
			t.Fatalf("confirm never serviced")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if err != nil {
		t.Fatalf("ConfirmCalibration: %v", err)
	}

	stepN(s, 2)
	snap := s.Snapshot()
	if !snap.Calibration.Completed || snap.Calibration.OffsetDeg != 30 {
		t.Fatalf("calibration got=%+v", snap.Calibration)
	}
	if snap.Fusion.ManualOffsetDeg != 30 {
		t.Fatalf("fusion manual offset got=%v want=30", snap.Fusion.ManualOffsetDeg)
	}
	if len(gotOffset) != 1 || gotOffset[0] != 30 {
		t.Fatalf("offsets got=%v want=[30]", gotOffset)
	}
	if snap.State != "ready" {
		t.Fatalf("state got=%q want=ready", snap.State)
	}
}

func TestSession_CachedOffsetApplied(t *testing.T) {
	deps := Deps{
		Assets:       plateAssets(t),
		CachedOffset: func() (float64, bool) { return -12.5, true },
	}
	s := New(testConfig(), deps, mobileHello())
	defer s.Close()

	s.step(testDT)
	if got := s.Snapshot().Fusion.ManualOffsetDeg; got != -12.5 {
		t.Fatalf("cached offset got=%v want=-12.5", got)
	}
}

func TestSession_PoseSubscribers(t *testing.T) {
	s := New(testConfig(), Deps{Assets: plateAssets(t)}, desktopHello())
	defer s.Close()

	wide := s.Subscribe(8)
	narrow := s.Subscribe(1)
	stepN(s, 3)

	for want := 1; want <= 3; want++ {
		select {
		case u := <-wide.C:
			if u.Frame != want {
				t.Fatalf("frame got=%d want=%d", u.Frame, want)
			}
			if u.SessionID != s.ID() {
				t.Fatalf("session id got=%q", u.SessionID)
			}
		default:
			t.Fatalf("missing update %d", want)
		}
	}

	// The stalled subscriber lost frames but never delayed the loop.
	if got := narrow.Dropped(); got != 2 {
		t.Fatalf("dropped got=%d want=2", got)
	}

	narrow.Close()
	wide.Close()
	s.step(testDT)
	if got := s.Snapshot().Subscribers; got != 0 {
		t.Fatalf("subscribers got=%d want=0", got)
	}
}

func TestSession_DeterministicPoseTrace(t *testing.T) {
	script := func(s *Session) []PoseUpdate {
		sub := s.Subscribe(128)
		for frame := 1; frame <= 60; frame++ {
			if frame == 5 {
				s.EnqueueOrientation(orientation.Sample{Alpha: fptr(200), Beta: fptr(45), Gamma: fptr(10)})
			}
			if frame == 20 {
				s.EnqueueGeolocation(geoloc.Fix{
					Point:     geo.GeoPoint{LatDeg: anchor.LatDeg + 0.0005, LonDeg: anchor.LonDeg - 0.0003},
					AccuracyM: 4,
				})
			}
			s.step(testDT)
		}
		var got []PoseUpdate
	drain:
		for {
			select {
			case u := <-sub.C:
				got = append(got, u)
			default:
				break drain
			}
		}
		sub.Close()
		return got
	}

	a := New(testConfig(), Deps{Assets: plateAssets(t)}, mobileHello())
	defer a.Close()
	b := New(testConfig(), Deps{Assets: plateAssets(t)}, mobileHello())
	defer b.Close()

	ta := script(a)
	tb := script(b)
	if len(ta) != 60 || len(tb) != 60 {
		t.Fatalf("trace lengths got=%d,%d want=60", len(ta), len(tb))
	}
	for i := range ta {
		if ta[i].Position != tb[i].Position {
			t.Fatalf("frame %d position diverged: %+v vs %+v", i+1, ta[i].Position, tb[i].Position)
		}
		if ta[i].Rotation != tb[i].Rotation {
			t.Fatalf("frame %d rotation diverged: %+v vs %+v", i+1, ta[i].Rotation, tb[i].Rotation)
		}
		if ta[i].State != tb[i].State || ta[i].Live != tb[i].Live {
			t.Fatalf("frame %d state diverged: %s/%v vs %s/%v", i+1, ta[i].State, ta[i].Live, tb[i].State, tb[i].Live)
		}
	}
}

func TestSession_ClosedCommandsFail(t *testing.T) {
	s := New(testConfig(), Deps{Assets: plateAssets(t)}, mobileHello())
	sub := s.Subscribe(1)
	s.Close()

	if err := s.SetPermission(true); err != ErrClosed {
		t.Fatalf("SetPermission err=%v want=ErrClosed", err)
	}
	if err := s.RestartCalibration(); err != ErrClosed {
		t.Fatalf("RestartCalibration err=%v want=ErrClosed", err)
	}
	if err := s.ReportProgress(50); err != ErrClosed {
		t.Fatalf("ReportProgress err=%v want=ErrClosed", err)
	}
	// Producers must stay safe after teardown.
	s.EnqueueOrientation(flatSample())
	s.EnqueueGeolocation(geoloc.Fix{})

	if _, ok := <-sub.C; ok {
		t.Fatalf("subscriber channel should be closed")
	}
	s.Close()
}

func TestSession_ProgressMergesClientReports(t *testing.T) {
	as := plateAssets(t)
	s := New(testConfig(), Deps{Assets: as}, desktopHello())
	defer s.Close()

	if err := s.ReportProgress(30); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	s.step(testDT)
	snap := s.Snapshot()
	if snap.State != "loading-assets" {
		t.Fatalf("state got=%q want=loading-assets", snap.State)
	}
	if snap.Readiness.ProgressPct != 30 {
		t.Fatalf("progress got=%v want=30", snap.Readiness.ProgressPct)
	}

	if err := s.ReportProgress(100); err != nil {
		t.Fatalf("ReportProgress: %v", err)
	}
	stepN(s, 2)
	if got := s.Snapshot().State; got != "ready" {
		t.Fatalf("state got=%q want=ready", got)
	}
}

func TestSession_POIResolution(t *testing.T) {
	deps := Deps{
		Assets: plateAssets(t),
		POIs: []poi.POI{
			{ID: "shrine", Name: "Iwadono Shrine", LatDeg: anchor.LatDeg + 0.0005, LonDeg: anchor.LonDeg + 0.0005},
			{ID: "bridge", Name: "Ogouchi Bridge", LatDeg: anchor.LatDeg, LonDeg: anchor.LonDeg, HeightOffsetM: 12},
		},
	}
	s := New(testConfig(), deps, desktopHello())
	defer s.Close()
	stepN(s, 2)

	snap := s.Snapshot()
	if snap.POIs != 2 || snap.POIResolved != 2 {
		t.Fatalf("pois got=%d resolved=%d", snap.POIs, snap.POIResolved)
	}
}
