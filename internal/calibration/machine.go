// Package calibration drives the short ritual that produces the
// heading offset applied to the fused rotation.
//
// The automatic path watches for the device being held flat and still
// for a short hold period and completes with a zero offset, trusting
// the fused heading as-is. The manual path is a bounded slider the
// user confirms. Either way the machine emits its offset exactly once
// per run; restarting the ritual arms a fresh emission and may
// overwrite the previous offset.
package calibration

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/orientation"
)

type State int

const (
	// StateAuto is the entry state: watching for a flat, still hold.
	StateAuto State = iota
	// StateManual is the slider path, entered when the user touches
	// the slider.
	StateManual
	// StateComplete holds the produced offset.
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateAuto:
		return "auto"
	case StateManual:
		return "manual"
	case StateComplete:
		return "complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type Config struct {
	// TiltThresholdDeg bounds |beta| and |gamma| for the device to
	// count as flat. Default 5.
	TiltThresholdDeg float64

	// HoldSeconds the stability clock must reach to auto-complete.
	// Default 1.5.
	HoldSeconds float64

	// MaxJitterDeg rejects a hold whose recent tilt readings spread
	// wider than this standard deviation. Default 3.
	MaxJitterDeg float64

	// WindowSize is how many recent tilt readings feed the jitter
	// gate. Default 16.
	WindowSize int
}

func (c Config) withDefaults() Config {
	if c.TiltThresholdDeg <= 0 {
		c.TiltThresholdDeg = 5
	}
	if c.HoldSeconds <= 0 {
		c.HoldSeconds = 1.5
	}
	if c.MaxJitterDeg <= 0 {
		c.MaxJitterDeg = 3
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 16
	}
	return c
}

// Snapshot is the externally visible calibration state.
type Snapshot struct {
	State            string  `json:"state"`
	StabilitySeconds float64 `json:"stability_seconds"`
	HoldSeconds      float64 `json:"hold_seconds"`
	Flat             bool    `json:"flat"`
	SliderDeg        float64 `json:"slider_deg"`
	OffsetDeg        float64 `json:"offset_deg"`
	Completed        bool    `json:"completed"`
}

// Machine is the calibration state machine. Driven from the session's
// frame loop; not safe for concurrent use.
type Machine struct {
	cfg   Config
	state State

	betaDeg   float64
	gammaDeg  float64
	haveBeta  bool
	haveGamma bool

	// Rings of recent tilt readings for the jitter gate.
	betaWin  []float64
	gammaWin []float64
	winNext  int

	clock     float64
	sliderDeg float64

	offsetDeg float64
	pending   bool
}

func NewMachine(cfg Config) *Machine {
	c := cfg.withDefaults()
	return &Machine{
		cfg:      c,
		betaWin:  make([]float64, 0, c.WindowSize),
		gammaWin: make([]float64, 0, c.WindowSize),
	}
}

// Observe folds one orientation sample into the tilt state. Nil
// components hold the previous reading, mirroring the fusion rules.
func (m *Machine) Observe(s orientation.Sample) {
	if m == nil || m.state == StateComplete {
		return
	}
	if s.Beta != nil {
		m.betaDeg = *s.Beta
		m.haveBeta = true
	}
	if s.Gamma != nil {
		m.gammaDeg = *s.Gamma
		m.haveGamma = true
	}
	if s.Beta == nil && s.Gamma == nil {
		return
	}
	// A reading past the tilt threshold breaks the hold outright, so
	// the jitter window restarts rather than carrying the excursion
	// into the next hold's spread.
	thr := m.cfg.TiltThresholdDeg
	if math.Abs(m.betaDeg) > thr || math.Abs(m.gammaDeg) > thr {
		m.betaWin = m.betaWin[:0]
		m.gammaWin = m.gammaWin[:0]
		m.winNext = 0
		return
	}
	m.push(m.betaDeg, m.gammaDeg)
}

func (m *Machine) push(beta, gamma float64) {
	if len(m.betaWin) < m.cfg.WindowSize {
		m.betaWin = append(m.betaWin, beta)
		m.gammaWin = append(m.gammaWin, gamma)
		return
	}
	m.betaWin[m.winNext] = beta
	m.gammaWin[m.winNext] = gamma
	m.winNext = (m.winNext + 1) % m.cfg.WindowSize
}

// flat reports whether the held tilt qualifies as flat and still.
func (m *Machine) flat() bool {
	if !m.haveBeta || !m.haveGamma {
		return false
	}
	thr := m.cfg.TiltThresholdDeg
	if math.Abs(m.betaDeg) > thr || math.Abs(m.gammaDeg) > thr {
		return false
	}
	// A shaky hold can pass the instantaneous threshold between
	// swings; the spread of the recent window catches it.
	if len(m.betaWin) >= 2 {
		if stat.StdDev(m.betaWin, nil) > m.cfg.MaxJitterDeg {
			return false
		}
		if stat.StdDev(m.gammaWin, nil) > m.cfg.MaxJitterDeg {
			return false
		}
	}
	return true
}

// Tick advances the stability clock by one frame of dt seconds. The
// clock accumulates while the hold is flat and decays while it is
// not, never below zero. Reaching the hold duration completes the
// ritual with a zero offset.
func (m *Machine) Tick(dt float64) {
	if m == nil || m.state != StateAuto || dt <= 0 {
		return
	}
	if m.flat() {
		m.clock += dt
	} else {
		m.clock -= dt
		if m.clock < 0 {
			m.clock = 0
		}
	}
	if m.clock >= m.cfg.HoldSeconds {
		m.complete(0)
	}
}

// SetSlider moves the manual slider, clamped to [-180, 180]. Touching
// the slider is how the user opts out of the automatic path.
func (m *Machine) SetSlider(deg float64) {
	if m == nil || m.state == StateComplete {
		return
	}
	if deg < -180 {
		deg = -180
	}
	if deg > 180 {
		deg = 180
	}
	m.state = StateManual
	m.sliderDeg = deg
}

// Confirm completes the manual path with the current slider value.
func (m *Machine) Confirm() error {
	if m == nil {
		return fmt.Errorf("calibration: no machine")
	}
	if m.state != StateManual {
		return fmt.Errorf("calibration: confirm in state %s", m.state)
	}
	m.complete(m.sliderDeg)
	return nil
}

func (m *Machine) complete(offsetDeg float64) {
	m.state = StateComplete
	m.offsetDeg = offsetDeg
	m.pending = true
}

// TakeOffset hands out the produced offset at most once per run.
func (m *Machine) TakeOffset() (float64, bool) {
	if m == nil || !m.pending {
		return 0, false
	}
	m.pending = false
	return m.offsetDeg, true
}

// Restart re-arms the whole ritual. The previously produced offset
// stays in effect until the new run completes.
func (m *Machine) Restart() {
	if m == nil {
		return
	}
	cfg := m.cfg
	*m = Machine{
		cfg:      cfg,
		betaWin:  make([]float64, 0, cfg.WindowSize),
		gammaWin: make([]float64, 0, cfg.WindowSize),
	}
}

func (m *Machine) State() State {
	if m == nil {
		return StateAuto
	}
	return m.state
}

func (m *Machine) Completed() bool {
	return m != nil && m.state == StateComplete
}

func (m *Machine) OffsetDeg() float64 {
	if m == nil {
		return 0
	}
	return m.offsetDeg
}

func (m *Machine) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{State: StateAuto.String()}
	}
	return Snapshot{
		State:            m.state.String(),
		StabilitySeconds: m.clock,
		HoldSeconds:      m.cfg.HoldSeconds,
		Flat:             m.flat(),
		SliderDeg:        m.sliderDeg,
		OffsetDeg:        m.offsetDeg,
		Completed:        m.state == StateComplete,
	}
}
