//go:build !linux

package hwio

import (
	"fmt"
	"time"
)

func openButton(pin int, debounce time.Duration, onPress func()) (buttonLine, error) {
	return nil, fmt.Errorf("hwio: gpio unsupported on this platform")
}

func openLED(pin int) (ledLine, error) {
	return nil, fmt.Errorf("hwio: gpio unsupported on this platform")
}
