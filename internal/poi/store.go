// Package poi keeps the registry of village features overlaid on the
// lakebed: each point of interest is authored as geodetic coordinates
// and served as a local-frame placement with a terrain-resolved
// elevation.
package poi

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geo"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/terrain"
)

// POI is one authored feature. HeightOffsetM raises the placement
// above the resolved ground, for features like the bridge deck that
// did not sit on the valley floor.
type POI struct {
	ID            string  `yaml:"id"`
	Name          string  `yaml:"name"`
	LatDeg        float64 `yaml:"lat"`
	LonDeg        float64 `yaml:"lon"`
	HeightOffsetM float64 `yaml:"height_offset"`
}

// Placement is a POI positioned in the local frame.
type Placement struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Z        float64 `json:"z"`
	HeightM  float64 `json:"height"`
	Resolved bool    `json:"resolved"`
}

// LoadFile reads an authored registry:
//
//	pois:
//	  - id: shrine
//	    name: 岩殿神社
//	    lat: 35.7791
//	    lon: 139.0229
//
// The registry is authored content, so problems are errors rather
// than skips.
func LoadFile(path string) ([]POI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc struct {
		POIs []POI `yaml:"pois"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("poi registry %s: %w", path, err)
	}

	seen := make(map[string]bool, len(doc.POIs))
	for i, p := range doc.POIs {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, fmt.Errorf("poi registry %s: entry %d has no id", path, i)
		}
		if seen[id] {
			return nil, fmt.Errorf("poi registry %s: duplicate id %q", path, id)
		}
		seen[id] = true
		if p.LatDeg < -90 || p.LatDeg > 90 || p.LonDeg < -180 || p.LonDeg > 180 {
			return nil, fmt.Errorf("poi registry %s: %q position out of range", path, id)
		}
		doc.POIs[i].ID = id
	}
	return doc.POIs, nil
}

// Store projects POIs into the local frame once and keeps their
// elevations current through the height resolver.
type Store struct {
	mu sync.RWMutex

	pois       []POI
	placements map[string]*Placement
}

// NewStore fixes each POI's local XZ against the anchor. Elevation
// starts unresolved.
func NewStore(anchor geo.GeoPoint, pois []POI) *Store {
	s := &Store{
		pois:       append([]POI(nil), pois...),
		placements: make(map[string]*Placement, len(pois)),
	}
	for _, p := range pois {
		local := geo.ToLocal(geo.GeoPoint{LatDeg: p.LatDeg, LonDeg: p.LonDeg}, anchor)
		s.placements[p.ID] = &Placement{
			ID:   p.ID,
			Name: p.Name,
			X:    local.X,
			Z:    local.Z,
		}
	}
	return s
}

// Resolve advances every POI's elevation one frame. Each POI owns its
// resolver column, so probe cadence and the attempt budget apply per
// feature exactly as they do for the camera.
func (s *Store) Resolve(res *terrain.HeightResolver, frame int) {
	if s == nil || res == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.pois {
		pl := s.placements[p.ID]
		r := res.Resolve("poi:"+p.ID, pl.X, pl.Z, frame)
		pl.HeightM = r.Height
		pl.Y = r.Height + p.HeightOffsetM
		pl.Resolved = r.Resolved
	}
}

// Snapshot returns placements sorted by id.
func (s *Store) Snapshot() []Placement {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	out := make([]Placement, 0, len(s.placements))
	for _, pl := range s.placements {
		out = append(out, *pl)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ResolvedCount reports how many POIs have a real mesh elevation.
func (s *Store) ResolvedCount() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, pl := range s.placements {
		if pl.Resolved {
			n++
		}
	}
	return n
}

// Len is the registry size.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pois)
}
