package terrain

import "log"

// MeshSource hands the resolver the current terrain mesh, or nil
// while the asset is still loading.
type MeshSource interface {
	Terrain() *Mesh
}

type ResolverConfig struct {
	// ProbeEveryNFrames throttles mesh traversals per column.
	// Default 10.
	ProbeEveryNFrames int

	// BudgetFrames bounds how long a column may stay unresolved
	// before it settles on the fallback, counted from its first
	// request. Default 300.
	BudgetFrames int

	// FallbackElevation is the elevation used while unresolved and
	// forever after the budget runs out.
	FallbackElevation float64
}

func (c ResolverConfig) withDefaults() ResolverConfig {
	if c.ProbeEveryNFrames <= 0 {
		c.ProbeEveryNFrames = 10
	}
	if c.BudgetFrames <= 0 {
		c.BudgetFrames = 300
	}
	return c
}

// Result is the elevation answer for one column. Height is always
// usable: the fallback elevation stands in until a real hit lands.
// Resolved means the height came from the mesh; Settled means the
// resolver will never probe this column again (hit cached, or budget
// spent).
type Result struct {
	Height   float64
	Resolved bool
	Settled  bool
}

type column struct {
	x, z       float64
	firstFrame int
	lastProbe  int
	height     float64
	resolved   bool
	settled    bool
}

// ResolverSnapshot summarizes resolver activity for the status page.
type ResolverSnapshot struct {
	Columns   int    `json:"columns"`
	Resolved  int    `json:"resolved"`
	Fallbacks int    `json:"fallbacks"`
	Probes    uint64 `json:"probes"`
}

// HeightResolver caches one elevation per requester column. Terrain
// is static after load, so a resolved column is never re-queried
// unless explicitly invalidated. Driven from the session's frame
// loop; not safe for concurrent use.
type HeightResolver struct {
	cfg    ResolverConfig
	src    MeshSource
	cols   map[string]*column
	probes uint64
}

func NewHeightResolver(cfg ResolverConfig, src MeshSource) *HeightResolver {
	return &HeightResolver{
		cfg:  cfg.withDefaults(),
		src:  src,
		cols: make(map[string]*column),
	}
}

// Resolve returns the elevation for the requester's column at the
// given frame. The column is pinned by the first call per id; callers
// that move must Invalidate first. Mesh traversal happens only on
// probe-cadence frames and only while the column's frame budget is
// unspent.
func (r *HeightResolver) Resolve(id string, x, z float64, frame int) Result {
	if r == nil {
		return Result{}
	}
	c, ok := r.cols[id]
	if !ok {
		c = &column{x: x, z: z, firstFrame: frame, lastProbe: -1, height: r.cfg.FallbackElevation}
		r.cols[id] = c
	}
	if c.settled {
		return Result{Height: c.height, Resolved: c.resolved, Settled: true}
	}

	if frame-c.firstFrame >= r.cfg.BudgetFrames {
		c.settled = true
		c.height = r.cfg.FallbackElevation
		log.Printf("terrain: column %q unresolved after %d frames, falling back to %.1fm",
			id, r.cfg.BudgetFrames, c.height)
		return Result{Height: c.height, Settled: true}
	}

	if frame%r.cfg.ProbeEveryNFrames == 0 && c.lastProbe != frame {
		c.lastProbe = frame
		if mesh := r.src.Terrain(); mesh != nil {
			r.probes++
			if y, hit := mesh.DropHeight(c.x, c.z); hit {
				c.height = y
				c.resolved = true
				c.settled = true
				return Result{Height: y, Resolved: true, Settled: true}
			}
		}
	}
	return Result{Height: c.height}
}

// Invalidate forgets one column so the next Resolve starts a fresh
// search with a fresh budget.
func (r *HeightResolver) Invalidate(id string) {
	if r == nil {
		return
	}
	delete(r.cols, id)
}

// InvalidateAll forgets every column; used when the terrain geometry
// itself is replaced.
func (r *HeightResolver) InvalidateAll() {
	if r == nil {
		return
	}
	r.cols = make(map[string]*column)
}

func (r *HeightResolver) Snapshot() ResolverSnapshot {
	if r == nil {
		return ResolverSnapshot{}
	}
	s := ResolverSnapshot{Columns: len(r.cols), Probes: r.probes}
	for _, c := range r.cols {
		switch {
		case c.resolved:
			s.Resolved++
		case c.settled:
			s.Fallbacks++
		}
	}
	return s
}
