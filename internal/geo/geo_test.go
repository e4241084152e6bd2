package geo

import (
	"math"
	"testing"
)

// The reservoir anchor used by the deployment.
var testAnchor = GeoPoint{LatDeg: 35.7794167, LonDeg: 139.0226944}

func TestToLocalAnchorIsOrigin(t *testing.T) {
	got := ToLocal(testAnchor, testAnchor)
	if got.X != 0 || got.Y != 0 || got.Z != 0 {
		t.Fatalf("anchor must map to exact origin, got=%+v", got)
	}
}

func TestToLocalKnownOffsets(t *testing.T) {
	// 0.001 deg north and east of the anchor. Expected values follow
	// from the spherical constants: one millidegree of latitude is
	// R*pi/180/1000 = 111.195 m; longitude scales by cos of the
	// average latitude (0.81127 at 35.779 deg).
	p := GeoPoint{LatDeg: testAnchor.LatDeg + 0.001, LonDeg: testAnchor.LonDeg + 0.001}
	got := ToLocal(p, testAnchor)

	const wantX = 90.209   // east
	const wantZ = -111.195 // south of anchor is positive Z, north is negative
	if math.Abs(got.X-wantX) > 0.01 {
		t.Fatalf("east: got=%.4f want=%.3f", got.X, wantX)
	}
	if math.Abs(got.Z-wantZ) > 0.01 {
		t.Fatalf("south: got=%.4f want=%.3f", got.Z, wantZ)
	}
	if got.Y != 0 {
		t.Fatalf("no altitude offset expected, got y=%v", got.Y)
	}
}

func TestToLocalSigns(t *testing.T) {
	cases := []struct {
		name       string
		dLat, dLon float64
		wantX      float64 // sign only
		wantZ      float64
	}{
		{"north", 0.001, 0, 0, -1},
		{"south", -0.001, 0, 0, 1},
		{"east", 0, 0.001, 1, 0},
		{"west", 0, -0.001, -1, 0},
	}
	for _, tc := range cases {
		p := GeoPoint{LatDeg: testAnchor.LatDeg + tc.dLat, LonDeg: testAnchor.LonDeg + tc.dLon}
		got := ToLocal(p, testAnchor)
		if sign(got.X) != tc.wantX || sign(got.Z) != tc.wantZ {
			t.Fatalf("%s: got=(%v,%v) want signs (%v,%v)", tc.name, got.X, got.Z, tc.wantX, tc.wantZ)
		}
	}
}

func sign(v float64) float64 {
	switch {
	case v > 1e-9:
		return 1
	case v < -1e-9:
		return -1
	}
	return 0
}

func TestRoundTripSubMetre(t *testing.T) {
	// Points scattered over the operating radius (up to ~5 km).
	points := []GeoPoint{
		{35.7794167, 139.0226944, 0},
		{35.7804167, 139.0236944, 530},
		{35.7694167, 139.0126944, 480},
		{35.8094167, 139.0526944, 0},
		{35.7494167, 138.9926944, 120.5},
	}
	for _, p := range points {
		back := ToGeo(ToLocal(p, testAnchor), testAnchor)
		if d := HaversineDistance(p, back); d > 1.0 {
			t.Fatalf("round trip drifted %.3fm for %+v (back=%+v)", d, p, back)
		}
		if math.Abs(back.AltM-p.AltM) > 1e-9 {
			t.Fatalf("altitude must round-trip exactly: got=%v want=%v", back.AltM, p.AltM)
		}
	}
}

func TestHaversineDistance(t *testing.T) {
	// One millidegree of latitude at any longitude is ~111.19 m.
	a := GeoPoint{LatDeg: 35.7794167, LonDeg: 139.0226944}
	b := GeoPoint{LatDeg: 35.7804167, LonDeg: 139.0226944}
	got := HaversineDistance(a, b)
	if math.Abs(got-111.195) > 0.01 {
		t.Fatalf("got=%.4f want=111.195", got)
	}
	if d := HaversineDistance(a, a); d != 0 {
		t.Fatalf("zero distance expected, got=%v", d)
	}
	// Symmetric.
	if ab, ba := HaversineDistance(a, b), HaversineDistance(b, a); math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("asymmetric: %v vs %v", ab, ba)
	}
}

func TestHorizontalDistance(t *testing.T) {
	a := LocalPoint{X: 3, Y: 100, Z: 0}
	b := LocalPoint{X: 0, Y: -40, Z: 4}
	if got := HorizontalDistance(a, b); math.Abs(got-5) > 1e-12 {
		t.Fatalf("got=%v want=5", got)
	}
}
