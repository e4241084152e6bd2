//go:build linux

package hwio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/warthog618/go-gpiocdev"
)

// Pi kernels name header GPIOs "GPIO17" etc. The chip path varies
// across Pi generations, so scan the likely candidates first and then
// everything else under /dev.
func chipCandidates() []string {
	out := []string{"/dev/gpiochip0", "/dev/gpiochip4"}
	entries, _ := os.ReadDir("/dev")
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "gpiochip") {
			out = append(out, filepath.Join("/dev", name))
		}
	}
	return out
}

func requestLine(pin int, opts ...gpiocdev.LineReqOption) (*gpiocdev.Chip, *gpiocdev.Line, error) {
	if pin <= 0 {
		return nil, nil, fmt.Errorf("hwio: invalid gpio pin %d", pin)
	}
	lineName := fmt.Sprintf("GPIO%d", pin)

	for _, chipPath := range chipCandidates() {
		chip, err := gpiocdev.NewChip(chipPath)
		if err != nil {
			continue
		}
		offset, err := chip.FindLine(lineName)
		if err != nil {
			_ = chip.Close()
			continue
		}
		line, err := chip.RequestLine(offset, opts...)
		if err != nil {
			_ = chip.Close()
			continue
		}
		return chip, line, nil
	}
	return nil, nil, fmt.Errorf("hwio: gpio line %q not found (or busy)", lineName)
}

// openButton requests the pin as a pulled-up input firing on the
// falling edge. onPress runs on the event goroutine.
func openButton(pin int, debounce time.Duration, onPress func()) (buttonLine, error) {
	opts := []gpiocdev.LineReqOption{
		gpiocdev.AsInput,
		gpiocdev.WithPullUp,
		gpiocdev.WithFallingEdge,
		gpiocdev.WithConsumer("kotei-lens-button"),
		gpiocdev.WithEventHandler(func(evt gpiocdev.LineEvent) {
			if evt.Type == gpiocdev.LineEventFallingEdge {
				onPress()
			}
		}),
	}
	if debounce > 0 {
		opts = append(opts, gpiocdev.WithDebounce(debounce))
	}

	chip, line, err := requestLine(pin, opts...)
	if err != nil {
		return nil, err
	}
	return &gpiodButton{chip: chip, line: line}, nil
}

func openLED(pin int) (ledLine, error) {
	chip, line, err := requestLine(pin,
		gpiocdev.AsOutput(0),
		gpiocdev.WithConsumer("kotei-lens-led"))
	if err != nil {
		return nil, err
	}
	return &gpiodLED{chip: chip, line: line}, nil
}

type gpiodButton struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (b *gpiodButton) Close() error {
	if b == nil || b.line == nil {
		return nil
	}
	err := b.line.Close()
	b.line = nil
	if b.chip != nil {
		_ = b.chip.Close()
		b.chip = nil
	}
	return err
}

type gpiodLED struct {
	chip *gpiocdev.Chip
	line *gpiocdev.Line
}

func (l *gpiodLED) SetOn(on bool) error {
	if l == nil || l.line == nil {
		return fmt.Errorf("hwio: led line not initialized")
	}
	v := 0
	if on {
		v = 1
	}
	return l.line.SetValue(v)
}

func (l *gpiodLED) Close() error {
	if l == nil || l.line == nil {
		return nil
	}
	// Leave the LED dark on shutdown.
	_ = l.line.SetValue(0)
	err := l.line.Close()
	l.line = nil
	if l.chip != nil {
		_ = l.chip.Close()
		l.chip = nil
	}
	return err
}
