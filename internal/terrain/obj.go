package terrain

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ParseOBJ reads a Wavefront OBJ stream into a Mesh. Only the records
// the height probe needs are interpreted: "v" vertices, "f" faces
// (fan-triangulated when they carry more than three corners) and
// "o"/"g" group starts, which delimit primitives. Texture and normal
// references inside face corners are ignored, as is every other
// record type.
func ParseOBJ(r io.Reader) (*Mesh, error) {
	m := &Mesh{}
	cur := -1 // index into m.Primitives receiving faces

	ensurePrimitive := func(name string) {
		// Reuse a still-empty primitive so "o name" directly after
		// another "o" does not leave husks behind.
		if cur >= 0 && len(m.Primitives[cur].Tris) == 0 {
			m.Primitives[cur].Name = name
			return
		}
		m.Primitives = append(m.Primitives, Primitive{Name: name})
		cur = len(m.Primitives) - 1
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "v":
			if len(fields) < 4 {
				return nil, fmt.Errorf("obj line %d: vertex needs 3 coordinates", lineNo)
			}
			var v Vec3
			var err error
			if v.X, err = strconv.ParseFloat(fields[1], 64); err == nil {
				if v.Y, err = strconv.ParseFloat(fields[2], 64); err == nil {
					v.Z, err = strconv.ParseFloat(fields[3], 64)
				}
			}
			if err != nil {
				return nil, fmt.Errorf("obj line %d: bad vertex: %v", lineNo, err)
			}
			m.Verts = append(m.Verts, v)
		case "f":
			if len(fields) < 4 {
				return nil, fmt.Errorf("obj line %d: face needs at least 3 corners", lineNo)
			}
			if cur < 0 {
				ensurePrimitive("")
			}
			idx := make([]int, 0, len(fields)-1)
			for _, ref := range fields[1:] {
				vi, err := faceVertex(ref, len(m.Verts))
				if err != nil {
					return nil, fmt.Errorf("obj line %d: %v", lineNo, err)
				}
				idx = append(idx, vi)
			}
			for k := 1; k+1 < len(idx); k++ {
				m.Primitives[cur].Tris = append(m.Primitives[cur].Tris, [3]int{idx[0], idx[k], idx[k+1]})
			}
		case "o", "g":
			name := ""
			if len(fields) > 1 {
				name = strings.Join(fields[1:], " ")
			}
			ensurePrimitive(name)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("obj read: %w", err)
	}
	if m.TriangleCount() == 0 {
		return nil, fmt.Errorf("obj: no faces")
	}
	m.finalize()
	return m, nil
}

// faceVertex resolves one face-corner reference ("7", "7/2", "7//3",
// "-1") to a zero-based vertex index.
func faceVertex(ref string, nVerts int) (int, error) {
	if i := strings.IndexByte(ref, '/'); i >= 0 {
		ref = ref[:i]
	}
	n, err := strconv.Atoi(ref)
	if err != nil {
		return 0, fmt.Errorf("bad face corner %q", ref)
	}
	switch {
	case n > 0:
		n--
	case n < 0:
		n = nVerts + n
	default:
		return 0, fmt.Errorf("face corner index 0")
	}
	if n < 0 || n >= nVerts {
		return 0, fmt.Errorf("face corner %q out of range (%d vertices)", ref, nVerts)
	}
	return n, nil
}
