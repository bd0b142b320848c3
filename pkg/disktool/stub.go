//go:build !linux

package disktool

import (
	"context"
	"fmt"
	"runtime"

	"github.com/picoflash/picoflash/pkg/layout"
)

// CheckTools reports the platform as unsupported.
func CheckTools() error {
	return fmt.Errorf("disk operations not supported on %s", runtime.GOOS)
}

// StubManager refuses every destructive operation on platforms the tool
// does not support.
type StubManager struct{}

// NewManager returns a stub manager on non-Linux systems.
func NewManager() (Manager, error) {
	return &StubManager{}, nil
}

func (m *StubManager) Unmount(ctx context.Context, mountPoint string) error {
	return fmt.Errorf("disk operations not supported on %s", runtime.GOOS)
}

func (m *StubManager) CreatePartitionTable(ctx context.Context, plan *layout.Plan) error {
	return fmt.Errorf("disk operations not supported on %s", runtime.GOOS)
}

func (m *StubManager) FormatPartition(ctx context.Context, partitionPath string, fs layout.Filesystem) error {
	return fmt.Errorf("disk operations not supported on %s", runtime.GOOS)
}

func (m *StubManager) WriteImage(ctx context.Context, imagePath, targetPath string, blockSize int, onProgress func(written int64)) (int64, error) {
	return 0, fmt.Errorf("disk operations not supported on %s", runtime.GOOS)
}

func (m *StubManager) ProbeFilesystem(ctx context.Context, partitionPath string) (string, error) {
	return "", fmt.Errorf("disk operations not supported on %s", runtime.GOOS)
}
