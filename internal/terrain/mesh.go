// Package terrain answers "how high is the ground at this column" by
// raycasting straight down against the loaded terrain mesh.
//
// The mesh is read-only after load. Because every query ray points
// along -Y, the triangle test collapses to a 2D point-in-triangle
// check on the XZ plane with barycentric interpolation of the Y
// values, which keeps a full-scene probe cheap enough to run on a
// frame budget.
package terrain

import "math"

// Vec3 is a mesh-space position in metres, same axes as the scene
// frame (X east, Y up, Z south).
type Vec3 struct {
	X float64
	Y float64
	Z float64
}

// AABB is an axis-aligned bounding box.
type AABB struct {
	Min Vec3
	Max Vec3
}

func emptyAABB() AABB {
	inf := math.Inf(1)
	return AABB{
		Min: Vec3{inf, inf, inf},
		Max: Vec3{-inf, -inf, -inf},
	}
}

func (b *AABB) grow(v Vec3) {
	b.Min.X = math.Min(b.Min.X, v.X)
	b.Min.Y = math.Min(b.Min.Y, v.Y)
	b.Min.Z = math.Min(b.Min.Z, v.Z)
	b.Max.X = math.Max(b.Max.X, v.X)
	b.Max.Y = math.Max(b.Max.Y, v.Y)
	b.Max.Z = math.Max(b.Max.Z, v.Z)
}

func (b AABB) containsXZ(x, z float64) bool {
	return x >= b.Min.X && x <= b.Max.X && z >= b.Min.Z && z <= b.Max.Z
}

func (b AABB) valid() bool {
	return b.Min.X <= b.Max.X
}

// Primitive is one sub-mesh: a group of triangles with its own
// bounding box. Terrain exports often split the surface into several
// named groups (lake bed, shoreline, surrounding hills).
type Primitive struct {
	Name   string
	Tris   [][3]int
	Bounds AABB
}

// Mesh is the loaded terrain surface: a shared vertex pool and an
// ordered list of primitives.
type Mesh struct {
	Verts      []Vec3
	Primitives []Primitive
	bounds     AABB
}

// Bounds returns the mesh-wide bounding box.
func (m *Mesh) Bounds() AABB {
	if m == nil {
		return AABB{}
	}
	return m.bounds
}

// TriangleCount sums triangles across all primitives.
func (m *Mesh) TriangleCount() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, p := range m.Primitives {
		n += len(p.Tris)
	}
	return n
}

// finalize computes bounding boxes; called once by the loader.
func (m *Mesh) finalize() {
	m.bounds = emptyAABB()
	for i := range m.Primitives {
		p := &m.Primitives[i]
		b := emptyAABB()
		for _, tri := range p.Tris {
			for _, vi := range tri {
				b.grow(m.Verts[vi])
			}
		}
		p.Bounds = b
		if b.valid() {
			m.bounds.grow(b.Min)
			m.bounds.grow(b.Max)
		}
	}
	if !m.bounds.valid() {
		m.bounds = AABB{}
	}
}

const bary = 1e-9

// DropHeight casts a ray from above the mesh straight down through
// (x, z) and returns the elevation of the first surface hit.
// Primitives are tried in order and the first one containing the
// column wins; inside a primitive, overlapping triangles resolve to
// the highest surface, which is what a first hit from above means.
func (m *Mesh) DropHeight(x, z float64) (float64, bool) {
	if m == nil {
		return 0, false
	}
	if m.bounds.valid() && !m.bounds.containsXZ(x, z) {
		return 0, false
	}
	for i := range m.Primitives {
		p := &m.Primitives[i]
		if !p.Bounds.valid() || !p.Bounds.containsXZ(x, z) {
			continue
		}
		best := math.Inf(-1)
		hit := false
		for _, tri := range p.Tris {
			y, ok := triangleHeight(m.Verts[tri[0]], m.Verts[tri[1]], m.Verts[tri[2]], x, z)
			if ok && y > best {
				best = y
				hit = true
			}
		}
		if hit {
			return best, true
		}
	}
	return 0, false
}

// triangleHeight interpolates the surface height at (x, z) when the
// column falls inside the triangle's XZ projection.
func triangleHeight(a, b, c Vec3, x, z float64) (float64, bool) {
	denom := (b.Z-c.Z)*(a.X-c.X) + (c.X-b.X)*(a.Z-c.Z)
	if math.Abs(denom) < 1e-12 {
		// Degenerate or vertical triangle; no horizontal footprint.
		return 0, false
	}
	l1 := ((b.Z-c.Z)*(x-c.X) + (c.X-b.X)*(z-c.Z)) / denom
	l2 := ((c.Z-a.Z)*(x-c.X) + (a.X-c.X)*(z-c.Z)) / denom
	l3 := 1 - l1 - l2
	if l1 < -bary || l2 < -bary || l3 < -bary {
		return 0, false
	}
	return l1*a.Y + l2*b.Y + l3*c.Y, true
}
