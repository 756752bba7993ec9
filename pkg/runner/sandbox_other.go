//go:build !linux

package runner

import (
	"fmt"
	"runtime"
	"syscall"
)

func sysProcAttr(mode Isolation, _ string) (*syscall.SysProcAttr, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: no %s sandbox on %s", ErrIsolationUnavailable, mode, runtime.GOOS)
}
