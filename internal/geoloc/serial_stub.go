//go:build !linux

package geoloc

import (
	"fmt"
	"os"
	"runtime"
)

func openSerial(path string, baud int) (*os.File, error) {
	return nil, fmt.Errorf("serial GNSS is not supported on %s", runtime.GOOS)
}
