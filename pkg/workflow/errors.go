package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrAborted marks a run stopped by explicit cancellation. Partial
// state is left as-is; a partially prepared device cannot be restored
// unambiguously.
var ErrAborted = errors.New("workflow aborted")

// ErrDeviceBusy means another workflow already holds the device lock.
var ErrDeviceBusy = errors.New("device is busy with another workflow")

// isAbort matches cancellation anywhere in an error chain, including
// tool errors wrapping a canceled step context.
func isAbort(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

// ValidationFailure reports an unsafe device. It is the expected
// outcome for unsafe devices, surfaced with the full reason list so the
// user can pick a different device.
type ValidationFailure struct {
	DevicePath string
	Reasons    []string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("device %s failed safety validation: %s", e.DevicePath, strings.Join(e.Reasons, "; "))
}

// SafetyRegressionError reports that a device that validated safe at
// enumeration time no longer does immediately before the partition
// table write. No destructive call is issued once this is detected.
type SafetyRegressionError struct {
	DevicePath string
	Reasons    []string
}

func (e *SafetyRegressionError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("device %s disappeared between validation and partitioning", e.DevicePath)
	}
	return fmt.Sprintf("device %s became unsafe before partitioning: %s", e.DevicePath, strings.Join(e.Reasons, "; "))
}

// FlashIncompleteError reports a short copy: fewer bytes reached the
// device than the firmware image holds.
type FlashIncompleteError struct {
	Expected int64
	Written  int64
}

func (e *FlashIncompleteError) Error() string {
	return fmt.Sprintf("flash incomplete: wrote %d of %d bytes", e.Written, e.Expected)
}
