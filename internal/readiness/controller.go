// Package readiness gates when the live AR scene may be shown.
//
// One controller exists per session. It folds permission results,
// calibration completion, asset-load progress and the camera's
// terrain-height status into a single state machine, and it is the
// only place allowed to flip the "scene is live" flag. Transitions
// cascade within one Step so a platform that skips a stage never
// shows that stage's screen, and the loading stage carries a
// frame-count timeout so the experience cannot hang on assets or
// terrain that never arrive.
package readiness

import (
	"fmt"
	"log"
)

type State int

const (
	StateInitializing State = iota
	StateAwaitingPermission
	StateAwaitingCalibration
	StateLoadingAssets
	StateReady
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateAwaitingPermission:
		return "awaiting-permission"
	case StateAwaitingCalibration:
		return "awaiting-calibration"
	case StateLoadingAssets:
		return "loading-assets"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Capabilities is the device capability set, probed once by the
// client at session start and passed down as plain configuration.
type Capabilities struct {
	Mobile                 bool
	HasOrientation         bool
	NeedsPermissionGesture bool
	HasGraphics            bool
}

// RequiresPermission reports whether the session must wait for an
// explicit user gesture before orientation events flow.
func (c Capabilities) RequiresPermission() bool {
	return c.Mobile && c.HasOrientation && c.NeedsPermissionGesture
}

// RequiresCalibration reports whether the calibration ritual applies
// at all. Desktop runs and sensorless devices skip it.
func (c Capabilities) RequiresCalibration() bool {
	return c.Mobile && c.HasOrientation
}

type Config struct {
	// ReadyTimeoutFrames bounds the loading-assets stage. Default
	// 900 (30s at 30fps).
	ReadyTimeoutFrames int
}

func (c Config) withDefaults() Config {
	if c.ReadyTimeoutFrames <= 0 {
		c.ReadyTimeoutFrames = 900
	}
	return c
}

// Snapshot is the externally visible readiness state.
type Snapshot struct {
	State             string   `json:"state"`
	Live              bool     `json:"live"`
	PermissionGranted bool     `json:"permission_granted"`
	PermissionDenied  bool     `json:"permission_denied"`
	Calibrated        bool     `json:"calibrated"`
	ProgressPct       float64  `json:"progress_pct"`
	CameraHeightOK    bool     `json:"camera_height_ok"`
	TimedOut          bool     `json:"timed_out"`
	Errors            []string `json:"errors,omitempty"`
}

// Controller is the readiness state machine. Driven from the
// session's frame loop; not safe for concurrent use.
type Controller struct {
	cfg  Config
	caps Capabilities

	state State
	trace []State

	frame         int
	loadingSince  int
	haveLoadFrame bool

	permissionAnswered bool
	permissionGranted  bool
	permissionDenied   bool

	calibrated     bool
	progressPct    float64
	cameraHeightOK bool
	graphicsLost   bool
	timedOut       bool

	errors []string
}

func NewController(cfg Config, caps Capabilities) *Controller {
	return &Controller{
		cfg:   cfg.withDefaults(),
		caps:  caps,
		state: StateInitializing,
		trace: []State{StateInitializing},
	}
}

// SetPermission records the outcome of the permission prompt. Denial
// is an error for the UI shell, not a dead end: the session proceeds
// with the sensor absent.
func (c *Controller) SetPermission(granted bool) {
	if c == nil || c.permissionAnswered {
		return
	}
	c.permissionAnswered = true
	c.permissionGranted = granted
	if !granted {
		c.permissionDenied = true
		c.fail("orientation permission denied")
	}
}

// SetCalibrated marks the calibration ritual complete.
func (c *Controller) SetCalibrated() {
	if c == nil {
		return
	}
	c.calibrated = true
}

// SetProgress folds in an asset-load progress report. Progress only
// moves forward; stale or out-of-order reports cannot regress it.
func (c *Controller) SetProgress(pct float64) {
	if c == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	if pct > c.progressPct {
		c.progressPct = pct
	}
}

// SetLoaded is the collaborator's "everything loaded" event.
func (c *Controller) SetLoaded() {
	c.SetProgress(100)
}

// SetCameraHeight records whether the camera column has a real
// terrain hit yet.
func (c *Controller) SetCameraHeight(resolved bool) {
	if c == nil {
		return
	}
	c.cameraHeightOK = resolved
}

// GraphicsLost routes the session to the degraded terminal state on
// the next Step. The only unrecoverable failure in this core.
func (c *Controller) GraphicsLost(reason string) {
	if c == nil {
		return
	}
	c.graphicsLost = true
	c.fail("graphics unavailable: " + reason)
}

func (c *Controller) fail(msg string) {
	c.errors = append(c.errors, msg)
}

// Step advances the machine for one frame, cascading transitions
// until it settles, and returns the resulting state.
func (c *Controller) Step(frame int) State {
	if c == nil {
		return StateInitializing
	}
	c.frame = frame
	for {
		next, moved := c.advance()
		if !moved {
			return c.state
		}
		c.transition(next)
	}
}

func (c *Controller) advance() (State, bool) {
	if c.state != StateDegraded && (c.graphicsLost || !c.caps.HasGraphics) {
		if !c.graphicsLost {
			c.graphicsLost = true
			c.fail("graphics unavailable: no usable context")
		}
		return StateDegraded, true
	}

	switch c.state {
	case StateInitializing:
		// Capability detection happened at construction.
		return StateAwaitingPermission, true

	case StateAwaitingPermission:
		if c.caps.RequiresPermission() && !c.permissionAnswered {
			return 0, false
		}
		if !c.permissionAnswered {
			// Platforms without a gesture gate assume consent.
			c.permissionAnswered = true
			c.permissionGranted = true
		}
		if c.caps.RequiresCalibration() && !c.permissionDenied {
			return StateAwaitingCalibration, true
		}
		return StateLoadingAssets, true

	case StateAwaitingCalibration:
		if c.calibrated {
			return StateLoadingAssets, true
		}

	case StateLoadingAssets:
		if c.progressPct >= 100 && c.cameraHeightOK {
			return StateReady, true
		}
		if c.haveLoadFrame && c.frame-c.loadingSince >= c.cfg.ReadyTimeoutFrames {
			c.timedOut = true
			log.Printf("readiness: loading timed out after %d frames (progress=%.0f%% height_ok=%v)",
				c.cfg.ReadyTimeoutFrames, c.progressPct, c.cameraHeightOK)
			return StateReady, true
		}
	}
	return 0, false
}

func (c *Controller) transition(next State) {
	if next == StateLoadingAssets && !c.haveLoadFrame {
		c.loadingSince = c.frame
		c.haveLoadFrame = true
	}
	log.Printf("readiness: %s -> %s", c.state, next)
	c.state = next
	c.trace = append(c.trace, next)
}

// Live reports the single "scene is live" flag.
func (c *Controller) Live() bool {
	return c != nil && c.state == StateReady
}

func (c *Controller) State() State {
	if c == nil {
		return StateInitializing
	}
	return c.state
}

// Trace returns every state entered so far, in order.
func (c *Controller) Trace() []State {
	if c == nil {
		return nil
	}
	out := make([]State, len(c.trace))
	copy(out, c.trace)
	return out
}

func (c *Controller) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{State: StateInitializing.String()}
	}
	var errs []string
	if len(c.errors) > 0 {
		errs = make([]string, len(c.errors))
		copy(errs, c.errors)
	}
	return Snapshot{
		State:             c.state.String(),
		Live:              c.state == StateReady,
		PermissionGranted: c.permissionGranted,
		PermissionDenied:  c.permissionDenied,
		Calibrated:        c.calibrated,
		ProgressPct:       c.progressPct,
		CameraHeightOK:    c.cameraHeightOK,
		TimedOut:          c.timedOut,
		Errors:            errs,
	}
}
