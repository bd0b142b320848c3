// Package disktool wraps the platform tools that mutate a block device:
// unmounting, partition-table writes, formatting, raw image copy, and
// filesystem probing. Callers depend only on this interface and its
// success/failure and byte-count contracts, never on tool invocation
// syntax.
package disktool

import (
	"context"
	"fmt"
	"strings"

	"github.com/picoflash/picoflash/pkg/layout"
)

// Manager is the destructive capability surface of the host platform.
type Manager interface {
	// Unmount releases one mount point. It never forces a busy mount
	// closed; the OS reporting busy means an unknown process still
	// depends on it.
	Unmount(ctx context.Context, mountPoint string) error

	// CreatePartitionTable writes the plan to the device, destroying
	// any existing table.
	CreatePartitionTable(ctx context.Context, plan *layout.Plan) error

	// FormatPartition formats one partition node with the given
	// filesystem kind. FSRaw partitions must not be passed here.
	FormatPartition(ctx context.Context, partitionPath string, fs layout.Filesystem) error

	// WriteImage copies the image file's bytes onto the target node in
	// blockSize chunks, invoking onProgress with the running byte
	// count after every block. It honors ctx cancellation between
	// blocks and returns the bytes written so far in either case.
	WriteImage(ctx context.Context, imagePath, targetPath string, blockSize int, onProgress func(written int64)) (int64, error)

	// ProbeFilesystem returns the filesystem kind the platform detects
	// on a partition node, or an error when nothing is detectable.
	ProbeFilesystem(ctx context.Context, partitionPath string) (string, error)
}

// ExternalToolError wraps a platform tool failure with its identity,
// exit status, and captured stderr.
type ExternalToolError struct {
	Tool     string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExternalToolError) Error() string {
	msg := fmt.Sprintf("%s failed (exit %d)", e.Tool, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExternalToolError) Unwrap() error { return e.Err }

// UnmountError reports a mount point that could not be released.
type UnmountError struct {
	MountPoint string
	Err        error
}

func (e *UnmountError) Error() string {
	return fmt.Sprintf("failed to unmount %s: %v", e.MountPoint, e.Err)
}

func (e *UnmountError) Unwrap() error { return e.Err }
