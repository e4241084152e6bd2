// Package assets loads the terrain mesh in the background and folds
// the render client's own model-load reports into a single progress
// figure for the readiness controller.
package assets

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/terrain"
)

type Config struct {
	// MeshPath is the terrain OBJ file. Empty means no server-side
	// terrain; height resolution then settles on the fallback.
	MeshPath string
}

type Snapshot struct {
	MeshPath   string   `json:"mesh_path,omitempty"`
	Loaded     bool     `json:"loaded"`
	ServerPct  float64  `json:"server_pct"`
	ClientPct  *float64 `json:"client_pct,omitempty"`
	Progress   float64  `json:"progress"`
	Verts      int      `json:"verts,omitempty"`
	Primitives int      `json:"primitives,omitempty"`
	LastError  string   `json:"last_error,omitempty"`
}

// Service is safe for concurrent use. The mesh pointer is write-once
// from the loader goroutine.
type Service struct {
	cfg Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu         sync.Mutex
	mesh       *terrain.Mesh
	serverPct  float64
	clientPct  float64
	clientSeen bool
	loaded     bool
	lastErr    string
}

func New(cfg Config) *Service {
	return &Service{cfg: cfg, done: make(chan struct{})}
}

// Start kicks off the background load. Without a mesh path the server
// share completes immediately.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("assets service is nil")
	}
	if ctx == nil {
		return fmt.Errorf("ctx is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	if s.cfg.MeshPath == "" {
		s.serverPct = 100
		s.loaded = true
		close(s.done)
		s.cancel = func() {}
		return nil
	}

	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go s.load(childCtx)
	return nil
}

func (s *Service) load(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.done)

	mesh, err := s.readMesh(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = fmt.Sprintf("terrain load failed path=%s: %v", s.cfg.MeshPath, err)
		log.Printf("assets: %s", s.lastErr)
		return
	}
	s.mesh = mesh
	s.serverPct = 100
	s.loaded = true
	log.Printf("assets: terrain loaded path=%s verts=%d primitives=%d",
		s.cfg.MeshPath, len(mesh.Verts), len(mesh.Primitives))
}

func (s *Service) readMesh(ctx context.Context) (*terrain.Mesh, error) {
	f, err := os.Open(s.cfg.MeshPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, err
	}

	cr := &countingReader{ctx: ctx, r: f, total: st.Size(), onPct: s.setServerPct}
	return terrain.ParseOBJ(cr)
}

// setServerPct holds the byte share just under 100 until the parse
// itself succeeds.
func (s *Service) setServerPct(pct float64) {
	if pct > 99 {
		pct = 99
	}
	s.mu.Lock()
	s.serverPct = pct
	s.mu.Unlock()
}

// ReportClient records the render client's model-load percentage.
func (s *Service) ReportClient(pct float64) {
	if s == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	s.mu.Lock()
	s.clientPct = pct
	s.clientSeen = true
	s.mu.Unlock()
}

// ResetClient clears the previous session's report so a new render
// client starts from its own zero.
func (s *Service) ResetClient() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.clientPct = 0
	s.clientSeen = false
	s.mu.Unlock()
}

// Progress is the merged figure. Until a client reports, the server
// share stands alone; afterwards the slower of the two governs.
func (s *Service) Progress() float64 {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.clientSeen {
		return s.serverPct
	}
	if s.clientPct < s.serverPct {
		return s.clientPct
	}
	return s.serverPct
}

// Loaded reports whether the server-side terrain finished parsing.
func (s *Service) Loaded() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Terrain returns the parsed mesh, nil until loaded. Implements the
// resolver's mesh source.
func (s *Service) Terrain() *terrain.Mesh {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mesh
}

// Done closes when the background load finishes, success or not.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Close() {
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
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		MeshPath:  s.cfg.MeshPath,
		Loaded:    s.loaded,
		ServerPct: s.serverPct,
		LastError: s.lastErr,
	}
	if s.clientSeen {
		v := s.clientPct
		out.ClientPct = &v
	}
	out.Progress = out.ServerPct
	if s.clientSeen && s.clientPct < out.Progress {
		out.Progress = s.clientPct
	}
	if s.mesh != nil {
		out.Verts = len(s.mesh.Verts)
		out.Primitives = len(s.mesh.Primitives)
	}
	return out
}

// countingReader reports cumulative read percentage and honors
// cancellation mid-parse.
type countingReader struct {
	ctx   context.Context
	r     io.Reader
	total int64
	read  int64
	onPct func(float64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	select {
	case <-c.ctx.Done():
		return 0, c.ctx.Err()
	default:
	}
	n, err := c.r.Read(p)
	c.read += int64(n)
	if c.total > 0 && c.onPct != nil {
		c.onPct(float64(c.read) / float64(c.total) * 100)
	}
	return n, err
}
