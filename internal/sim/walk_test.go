package sim

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
)

var anchor = geo.GeoPoint{LatDeg: 35.7794167, LonDeg: 139.0226944, AltM: 530}

func TestWalker_StaysInsideRadius(t *testing.T) {
	w := Walker{Anchor: anchor, RadiusM: 40, Period: 90 * time.Second}
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 360; i++ {
		now := start.Add(time.Duration(i) * 250 * time.Millisecond)
		fix := w.Fix(now)
		d := geo.HaversineDistance(anchor, fix.Point)
		if d > 40+0.5 {
			t.Fatalf("t=%v distance %.2fm beyond radius", now, d)
		}
		if fix.Point.AltM != 530 {
			t.Fatalf("alt got=%v want=530", fix.Point.AltM)
		}
	}
}

func TestWalker_Deterministic(t *testing.T) {
	w := Walker{Anchor: anchor}
	now := time.Date(2025, 6, 1, 9, 0, 12, 345, time.UTC)
	a := w.Fix(now)
	b := w.Fix(now)
	if a.Point != b.Point || a.AccuracyM != b.AccuracyM {
		t.Fatalf("same instant produced different fixes: %+v vs %+v", a, b)
	}
	if a.AccuracyM != 5 {
		t.Fatalf("default accuracy got=%v want=5", a.AccuracyM)
	}
}

func TestSweep_Ranges(t *testing.T) {
	sw := Sweep{Period: 60 * time.Second, PitchAmpDeg: 15, RollAmpDeg: 3}
	start := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 240; i++ {
		s := sw.Sample(start.Add(time.Duration(i) * 250 * time.Millisecond))
		if s.Alpha == nil || s.Beta == nil || s.Gamma == nil || s.CompassHeading == nil {
			t.Fatalf("all channels must be present")
		}
		if *s.Alpha < 0 || *s.Alpha >= 360 {
			t.Fatalf("alpha out of range: %v", *s.Alpha)
		}
		if *s.Beta < 75-1e-9 || *s.Beta > 105+1e-9 {
			t.Fatalf("beta out of range: %v", *s.Beta)
		}
		if *s.Gamma < -3-1e-9 || *s.Gamma > 3+1e-9 {
			t.Fatalf("gamma out of range: %v", *s.Gamma)
		}
		if *s.CompassHeading < 0 || *s.CompassHeading >= 360 {
			t.Fatalf("compass out of range: %v", *s.CompassHeading)
		}
		if s.Absolute {
			t.Fatalf("sweep must not claim an absolute reference")
		}
	}
}

type countingTarget struct {
	orient atomic.Uint64
	geo    atomic.Uint64
}

func (c *countingTarget) EnqueueOrientation(orientation.Sample) { c.orient.Add(1) }
func (c *countingTarget) EnqueueGeolocation(geoloc.Fix)         { c.geo.Add(1) }

func TestService_PumpsBothStreams(t *testing.T) {
	tgt := &countingTarget{}
	s := New(Config{
		Enable:           true,
		Walker:           Walker{Anchor: anchor},
		OrientationHz:    200,
		GeolocationEvery: 5 * time.Millisecond,
	})
	if err := s.Start(context.Background(), tgt); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	deadline := time.After(5 * time.Second)
	for tgt.orient.Load() < 3 || tgt.geo.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("pump stalled: orient=%d geo=%d", tgt.orient.Load(), tgt.geo.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	snap := s.Snapshot()
	if !snap.Enabled || snap.Orientation < 3 || snap.Geolocation < 3 {
		t.Fatalf("snapshot got=%+v", snap)
	}
}

func TestService_DisabledIsNoop(t *testing.T) {
	s := New(Config{})
	if err := s.Start(context.Background(), nil); err != nil {
		t.Fatalf("disabled start must not error: %v", err)
	}
	s.Close()
	if s.Snapshot().Enabled {
		t.Fatalf("expected disabled snapshot")
	}
}
