package session

import (
	"context"
	"log"
	"sync"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/geoloc"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
)

// Manager enforces the kiosk model: one active session. A new hello
// replaces whatever session is running, so an abandoned handset on
// site never wedges the next visitor.
type Manager struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	active  *Session
	started uint64
}

type ManagerSnapshot struct {
	Started uint64    `json:"started"`
	Active  *Snapshot `json:"active,omitempty"`
}

func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{cfg: cfg.withDefaults(), deps: deps}
}

// StartSession mints and starts a session for the hello, tearing down
// any previous one.
func (m *Manager) StartSession(ctx context.Context, hello Hello) (*Session, error) {
	if m == nil {
		return nil, ErrClosed
	}
	m.mu.Lock()
	prev := m.active
	m.active = nil
	m.mu.Unlock()
	if prev != nil {
		log.Printf("session: replacing id=%s", prev.ID())
		prev.Close()
	}

	s := New(m.cfg, m.deps, hello)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = s
	m.started++
	m.mu.Unlock()
	return s, nil
}

// Active returns the running session, nil when idle.
func (m *Manager) Active() *Session {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// EnqueueOrientation forwards a sample to the active session, if any.
// Server-side sources (sim, serial geolocation, feed replay) target
// the manager so a session swap never strands them.
func (m *Manager) EnqueueOrientation(sample orientation.Sample) {
	m.Active().EnqueueOrientation(sample)
}

// EnqueueGeolocation forwards a fix to the active session, if any.
func (m *Manager) EnqueueGeolocation(fix geoloc.Fix) {
	m.Active().EnqueueGeolocation(fix)
}

// Get returns the active session only when the id matches. An empty
// id matches whatever is active.
func (m *Manager) Get(id string) *Session {
	s := m.Active()
	if s == nil {
		return nil
	}
	if id != "" && s.ID() != id {
		return nil
	}
	return s
}

// Stop tears down the active session when the id matches (empty id
// stops unconditionally). Reports whether a session was stopped.
func (m *Manager) Stop(id string) bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	s := m.active
	if s == nil || (id != "" && s.ID() != id) {
		m.mu.Unlock()
		return false
	}
	m.active = nil
	m.mu.Unlock()

	s.Close()
	return true
}

// Close stops whatever session is active.
func (m *Manager) Close() {
	if m == nil {
		return
	}
	m.Stop("")
}

func (m *Manager) Snapshot() ManagerSnapshot {
	if m == nil {
		return ManagerSnapshot{}
	}
	m.mu.Lock()
	s := m.active
	started := m.started
	m.mu.Unlock()

	out := ManagerSnapshot{Started: started}
	if s != nil {
		snap := s.Snapshot()
		out.Active = &snap
	}
	return out
}
