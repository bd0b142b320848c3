// Package safety classifies a block device as safe or unsafe to
// destroy. The validator is pure: it inspects a Device snapshot and
// issues no mutating calls. Every failing check is accumulated so the
// caller can present the complete explanation, not just the first hit.
package safety

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/picoflash/picoflash/pkg/blockdev"
)

// Verdict is the overall classification of a device.
type Verdict string

const (
	VerdictSafe   Verdict = "safe"
	VerdictUnsafe Verdict = "unsafe"
)

// Result carries the verdict and, when unsafe, every failing reason.
type Result struct {
	Verdict Verdict
	Reasons []string
}

// Safe reports whether every check passed.
func (r Result) Safe() bool { return r.Verdict == VerdictSafe }

// String renders the result for display and error messages.
func (r Result) String() string {
	if r.Safe() {
		return "safe"
	}
	return "unsafe: " + strings.Join(r.Reasons, "; ")
}

// Validator holds the configured plausibility bounds for target media.
type Validator struct {
	minDeviceBytes int64
	maxDeviceBytes int64
}

// NewValidator creates a validator with the given device size bounds.
// maxDeviceBytes <= 0 disables the upper bound.
func NewValidator(minDeviceBytes, maxDeviceBytes int64) *Validator {
	slog.Info("safety_validator_init",
		"min_device_bytes", minDeviceBytes,
		"max_device_bytes", maxDeviceBytes)

	return &Validator{
		minDeviceBytes: minDeviceBytes,
		maxDeviceBytes: maxDeviceBytes,
	}
}

// Validate runs every safety check against the device snapshot. The
// checks are independent; the verdict is unsafe if any fails.
func (v *Validator) Validate(dev blockdev.Device) Result {
	var reasons []string

	if !dev.Removable {
		reasons = append(reasons, fmt.Sprintf("device %s is not removable", dev.Path))
	}
	if dev.SystemDisk {
		reasons = append(reasons, fmt.Sprintf("device %s backs the host system disk (root, boot, or swap)", dev.Path))
	}
	if dev.WriteProtected {
		reasons = append(reasons, fmt.Sprintf("device %s is write-protected", dev.Path))
	}
	if dev.SizeBytes < v.minDeviceBytes {
		reasons = append(reasons, fmt.Sprintf("device %s size %d is below minimum %d", dev.Path, dev.SizeBytes, v.minDeviceBytes))
	}
	if v.maxDeviceBytes > 0 && dev.SizeBytes > v.maxDeviceBytes {
		reasons = append(reasons, fmt.Sprintf("device %s size %d exceeds maximum %d (misidentified device?)", dev.Path, dev.SizeBytes, v.maxDeviceBytes))
	}
	if dev.HasCriticalMount() {
		reasons = append(reasons, fmt.Sprintf("device %s hosts a mount point the OS depends on", dev.Path))
	}

	if len(reasons) > 0 {
		slog.Info("safety_check_failed", "device", dev.Path, "reasons", strings.Join(reasons, "; "))
		return Result{Verdict: VerdictUnsafe, Reasons: reasons}
	}

	slog.Info("safety_check_passed", "device", dev.Path, "size_mb", dev.SizeBytes/1024/1024)
	return Result{Verdict: VerdictSafe}
}
