// Package hwio drives the kiosk enclosure hardware: a recalibrate
// button and a readiness LED on the Linux GPIO character device, plus
// the CPU temperature probe surfaced on the status page.
package hwio

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

var openButtonFn = openButton
var openLEDFn = openLED

type Config struct {
	Enable bool

	// ButtonPin and LEDPin are BCM GPIO numbering.
	ButtonPin int
	LEDPin    int

	// Debounce is handed to the kernel when supported. Presses closer
	// together than PressMinInterval are ignored regardless.
	Debounce         time.Duration
	PressMinInterval time.Duration

	// BlinkInterval is the LED half-period while the session is not
	// ready. The LED is solid on once ready.
	BlinkInterval time.Duration

	// TempInterval controls how often the CPU temperature is sampled.
	TempInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.ButtonPin == 0 {
		c.ButtonPin = 17
	}
	if c.LEDPin == 0 {
		c.LEDPin = 27
	}
	if c.Debounce < 0 {
		c.Debounce = 0
	}
	if c.PressMinInterval <= 0 {
		c.PressMinInterval = 300 * time.Millisecond
	}
	if c.BlinkInterval <= 0 {
		c.BlinkInterval = 250 * time.Millisecond
	}
	if c.TempInterval <= 0 {
		c.TempInterval = 5 * time.Second
	}
	return c
}

// Deps are the runtime hooks. OnPress fires on a debounced button
// press; Ready is polled to drive the LED.
type Deps struct {
	OnPress func()
	Ready   func() bool
}

type Snapshot struct {
	Enabled bool `json:"enabled"`

	ButtonAvailable bool   `json:"button_available"`
	LEDAvailable    bool   `json:"led_available"`
	LEDOn           bool   `json:"led_on"`
	Presses         uint64 `json:"presses"`

	CPUValid bool    `json:"cpu_valid"`
	CPUTempC float64 `json:"cpu_temp_c"`

	LastPressAt time.Time `json:"last_press_utc,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

type Service struct {
	cfg  Config
	deps Deps

	mu        sync.RWMutex
	snap      Snapshot
	lastPress time.Time

	drvMu sync.Mutex
	btn   buttonLine
	led   ledLine

	wg sync.WaitGroup

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, deps Deps) *Service {
	return &Service{cfg: cfg.withDefaults(), deps: deps, stopCh: make(chan struct{})}
}

func (s *Service) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Start opens the GPIO lines and runs the LED/temperature loop. Each
// line is best effort: a missing or busy line is recorded in the
// snapshot and the rest of the service keeps running.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("hwio: service is nil")
	}
	if !s.cfg.Enable {
		return nil
	}

	s.setState(func(sn *Snapshot) {
		sn.Enabled = true
	})

	btn, err := openButtonFn(s.cfg.ButtonPin, s.cfg.Debounce, s.press)
	if err != nil {
		log.Printf("hwio: button pin=%d unavailable: %v", s.cfg.ButtonPin, err)
		s.setErr(err.Error())
	} else {
		s.drvMu.Lock()
		s.btn = btn
		s.drvMu.Unlock()
		s.setState(func(sn *Snapshot) { sn.ButtonAvailable = true })
	}

	led, err := openLEDFn(s.cfg.LEDPin)
	if err != nil {
		log.Printf("hwio: led pin=%d unavailable: %v", s.cfg.LEDPin, err)
		s.setErr(err.Error())
	} else {
		s.drvMu.Lock()
		s.led = led
		s.drvMu.Unlock()
		s.setState(func(sn *Snapshot) { sn.LEDAvailable = true })
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLoop(ctx, led)
	}()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return nil
}

func (s *Service) runLoop(ctx context.Context, led ledLine) {
	blink := time.NewTicker(s.cfg.BlinkInterval)
	defer blink.Stop()
	temp := time.NewTicker(s.cfg.TempInterval)
	defer temp.Stop()

	s.sampleTemp()

	var phase bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-temp.C:
			s.sampleTemp()
		case <-blink.C:
			if led == nil {
				continue
			}
			on := true
			if s.deps.Ready == nil || !s.deps.Ready() {
				phase = !phase
				on = phase
			}
			if err := led.SetOn(on); err != nil {
				s.setErr(fmt.Sprintf("hwio: set led failed: %v", err))
				continue
			}
			s.setState(func(sn *Snapshot) { sn.LEDOn = on })
		}
	}
}

func (s *Service) sampleTemp() {
	c, err := ReadCPUTempC()
	if err != nil {
		s.setState(func(sn *Snapshot) { sn.CPUValid = false })
		return
	}
	s.setState(func(sn *Snapshot) {
		sn.CPUValid = true
		sn.CPUTempC = c
	})
}

// press is invoked from the GPIO event goroutine.
func (s *Service) press() {
	now := time.Now()

	s.mu.Lock()
	if !s.lastPress.IsZero() && now.Sub(s.lastPress) < s.cfg.PressMinInterval {
		s.mu.Unlock()
		return
	}
	s.lastPress = now
	s.snap.Presses++
	s.snap.LastPressAt = now.UTC()
	n := s.snap.Presses
	cb := s.deps.OnPress
	s.mu.Unlock()

	log.Printf("hwio: button press n=%d", n)
	if cb != nil {
		cb()
	}
}

func (s *Service) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	// The loop must not race line teardown.
	s.wg.Wait()

	s.drvMu.Lock()
	btn, led := s.btn, s.led
	s.btn, s.led = nil, nil
	s.drvMu.Unlock()
	if led != nil {
		_ = led.Close()
	}
	if btn != nil {
		_ = btn.Close()
	}
}

func (s *Service) setErr(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.LastError = msg
}

func (s *Service) setState(update func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	update(&s.snap)
}
