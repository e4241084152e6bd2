// Package camera keeps the viewer's camera positioned and oriented in
// the scene frame: latest geolocation fix for the horizontal column,
// terrain height plus eye height for the vertical, and the fused
// rotation for where the device points.
package camera

import (
	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/terrain"
)

// columnID keys the camera's entry in the height resolver cache.
const columnID = "camera"

type Config struct {
	// Anchor is the scene anchor; before any fix arrives the camera
	// sits on the anchor column.
	Anchor geo.GeoPoint

	// EyeHeightM lifts the camera above the resolved ground.
	// Default 1.5.
	EyeHeightM float64

	// RepositionThresholdM is how far a new fix must move
	// horizontally before the camera column follows it. Keeps GPS
	// wander from resetting the height search every few seconds.
	// Default 2.
	RepositionThresholdM float64
}

func (c Config) withDefaults() Config {
	if c.EyeHeightM <= 0 {
		c.EyeHeightM = 1.5
	}
	if c.RepositionThresholdM <= 0 {
		c.RepositionThresholdM = 2
	}
	return c
}

// Pose is the per-frame camera output applied by the render client.
type Pose struct {
	Position       geo.LocalPoint
	Rotation       orientation.Euler
	HeightResolved bool
	HeightSettled  bool
}

// Placement is the top-level camera controller. Driven from the
// session's frame loop; not safe for concurrent use.
type Placement struct {
	cfg      Config
	resolver *terrain.HeightResolver

	haveFix bool
	column  geo.LocalPoint // Y unused
	moves   int

	pose Pose
}

func NewPlacement(cfg Config, resolver *terrain.HeightResolver) *Placement {
	return &Placement{cfg: cfg.withDefaults(), resolver: resolver}
}

// SetFix folds in a geolocation fix. The column only follows moves
// beyond the reposition threshold; when it does, the camera's height
// cache entry restarts its search on the new column.
func (p *Placement) SetFix(g geo.GeoPoint) {
	if p == nil {
		return
	}
	l := geo.ToLocal(g, p.cfg.Anchor)
	if p.haveFix && geo.HorizontalDistance(l, p.column) < p.cfg.RepositionThresholdM {
		return
	}
	if p.haveFix {
		p.resolver.Invalidate(columnID)
		p.moves++
	}
	p.column = geo.LocalPoint{X: l.X, Z: l.Z}
	p.haveFix = true
}

// Tick computes the frame's pose from the current column, the terrain
// height under it and the fused rotation. The pose is always fully
// positioned: the resolver answers with its fallback elevation while
// the real height is still unknown.
func (p *Placement) Tick(frame int, rot orientation.Euler) Pose {
	if p == nil {
		return Pose{}
	}
	res := p.resolver.Resolve(columnID, p.column.X, p.column.Z, frame)
	p.pose = Pose{
		Position: geo.LocalPoint{
			X: p.column.X,
			Y: res.Height + p.cfg.EyeHeightM,
			Z: p.column.Z,
		},
		Rotation:       rot,
		HeightResolved: res.Resolved,
		HeightSettled:  res.Settled,
	}
	return p.pose
}

// Pose returns the last computed pose without recomputing it.
func (p *Placement) Pose() Pose {
	if p == nil {
		return Pose{}
	}
	return p.pose
}

// HeightResolved reports whether the camera column has a real terrain
// hit; readiness gates on it.
func (p *Placement) HeightResolved() bool {
	return p != nil && p.pose.HeightResolved
}

// HaveFix reports whether any geolocation fix has been applied.
func (p *Placement) HaveFix() bool {
	return p != nil && p.haveFix
}

// Moves counts how many times the column followed the viewer.
func (p *Placement) Moves() int {
	if p == nil {
		return 0
	}
	return p.moves
}
