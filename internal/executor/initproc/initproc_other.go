//go:build !linux

package initproc

import (
	"fmt"
	"runtime"
)

const seccompSupported = false

func run() error {
	return fmt.Errorf("sandbox helper is not supported on %s", runtime.GOOS)
}
