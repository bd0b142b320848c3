//go:build !linux

package blockdev

import (
	"context"
	"fmt"
	"runtime"
)

// StubEnumerator fails every query on platforms without an lsblk-style
// device listing. Failing loudly is deliberate: a silent empty list
// could hide a dangerous device from display.
type StubEnumerator struct{}

// NewEnumerator returns a stub enumerator on non-Linux systems.
func NewEnumerator() Enumerator {
	return &StubEnumerator{}
}

func (e *StubEnumerator) ListDevices(ctx context.Context) ([]Device, error) {
	return nil, &EnumerationError{Op: "platform", Err: fmt.Errorf("device enumeration not supported on %s", runtime.GOOS)}
}

func (e *StubEnumerator) FindDevice(ctx context.Context, path string) (*Device, error) {
	return nil, &EnumerationError{Op: "platform", Err: fmt.Errorf("device enumeration not supported on %s", runtime.GOOS)}
}
