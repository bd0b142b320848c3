//go:build linux

package disktool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/picoflash/picoflash/pkg/layout"
)

// requiredTools are the external commands a destructive run depends on.
var requiredTools = []string{"lsblk", "parted", "umount", "mkfs.fat", "mkfs.ext4", "blkid", "sync"}

// CheckTools verifies the required platform commands exist before any
// destructive operation is attempted.
func CheckTools() error {
	var missing []string
	for _, tool := range requiredTools {
		if _, err := exec.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required commands: %s (install util-linux, parted, dosfstools, e2fsprogs)", strings.Join(missing, ", "))
	}
	return nil
}

// LinuxManager drives parted, mkfs, umount, and blkid on Linux.
type LinuxManager struct{}

// NewManager returns the Linux disk tool manager.
func NewManager() (Manager, error) {
	if err := CheckTools(); err != nil {
		slog.Error("disktool_prerequisites_missing", "error", err)
		return nil, err
	}
	return &LinuxManager{}, nil
}

func (m *LinuxManager) Unmount(ctx context.Context, mountPoint string) error {
	slog.Info("unmount_start", "mount_point", mountPoint)

	if err := run(ctx, "umount", mountPoint); err != nil {
		slog.Error("unmount_failed", "mount_point", mountPoint, "error", err)
		return &UnmountError{MountPoint: mountPoint, Err: err}
	}

	slog.Info("unmount_complete", "mount_point", mountPoint)
	return nil
}

func (m *LinuxManager) CreatePartitionTable(ctx context.Context, plan *layout.Plan) error {
	slog.Info("partition_table_write_start",
		"device", plan.DevicePath,
		"table", plan.TableType,
		"partition_count", len(plan.Partitions))

	if err := run(ctx, "parted", "-s", plan.DevicePath, "mklabel", plan.TableType); err != nil {
		slog.Error("partition_label_failed", "device", plan.DevicePath, "error", err)
		return errors.Wrap(err, "failed to write partition label")
	}

	for _, p := range plan.Partitions {
		args := []string{"-s", plan.DevicePath, "mkpart", "primary"}
		// parted takes the filesystem hint for known kinds only; raw
		// partitions get plain boundaries.
		switch p.Filesystem {
		case layout.FSFat32:
			args = append(args, "fat32")
		case layout.FSExt4:
			args = append(args, "ext4")
		}
		args = append(args,
			fmt.Sprintf("%dB", p.StartBytes),
			fmt.Sprintf("%dB", p.EndBytes()-1))

		slog.Info("partition_create", "device", plan.DevicePath, "index", p.Index, "start", p.StartBytes, "size", p.SizeBytes)
		if err := run(ctx, "parted", args...); err != nil {
			slog.Error("partition_create_failed", "device", plan.DevicePath, "index", p.Index, "error", err)
			return errors.Wrap(err, fmt.Sprintf("failed to create partition %d", p.Index))
		}
	}

	// Let the kernel settle the new partition nodes before formatting.
	_ = run(ctx, "sync")

	slog.Info("partition_table_written", "device", plan.DevicePath)
	return nil
}

func (m *LinuxManager) FormatPartition(ctx context.Context, partitionPath string, fs layout.Filesystem) error {
	slog.Info("format_start", "partition", partitionPath, "filesystem", string(fs))

	var err error
	switch fs {
	case layout.FSFat32:
		err = run(ctx, "mkfs.fat", "-F", "32", "-I", partitionPath)
	case layout.FSExt4:
		err = run(ctx, "mkfs.ext4", "-F", partitionPath)
	default:
		return fmt.Errorf("cannot format partition %s as %q", partitionPath, fs)
	}
	if err != nil {
		slog.Error("format_failed", "partition", partitionPath, "filesystem", string(fs), "error", err)
		return errors.Wrap(err, fmt.Sprintf("failed to format %s", partitionPath))
	}

	slog.Info("format_complete", "partition", partitionPath, "filesystem", string(fs))
	return nil
}

func (m *LinuxManager) WriteImage(ctx context.Context, imagePath, targetPath string, blockSize int, onProgress func(written int64)) (int64, error) {
	slog.Info("image_write_start", "image", imagePath, "target", targetPath, "block_size", blockSize)

	src, err := os.Open(imagePath)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open firmware image")
	}
	defer src.Close()

	dst, err := os.OpenFile(targetPath, os.O_WRONLY, 0)
	if err != nil {
		return 0, errors.Wrap(err, "failed to open target device")
	}
	defer dst.Close()

	written, err := CopyBlocks(ctx, dst, src, blockSize, onProgress)
	if err != nil {
		slog.Error("image_write_failed", "target", targetPath, "written", written, "error", err)
		return written, err
	}

	if err := dst.Sync(); err != nil {
		return written, errors.Wrap(err, "failed to sync target device")
	}

	slog.Info("image_write_complete", "target", targetPath, "written_mb", written/1024/1024)
	return written, nil
}

func (m *LinuxManager) ProbeFilesystem(ctx context.Context, partitionPath string) (string, error) {
	out, err := exec.CommandContext(ctx, "blkid", "-o", "value", "-s", "TYPE", partitionPath).Output()
	if err != nil {
		return "", wrapToolError("blkid", err)
	}
	kind := strings.TrimSpace(string(out))
	if kind == "" {
		return "", fmt.Errorf("no filesystem detected on %s", partitionPath)
	}
	slog.Info("filesystem_probed", "partition", partitionPath, "filesystem", kind)
	return kind, nil
}

// run executes a platform tool, wrapping failure with its stderr.
func run(ctx context.Context, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		return &ExternalToolError{
			Tool:     tool,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return nil
}

func wrapToolError(tool string, err error) error {
	exitCode := -1
	stderr := ""
	if ee, ok := err.(*exec.ExitError); ok {
		exitCode = ee.ExitCode()
		stderr = string(ee.Stderr)
	}
	return &ExternalToolError{Tool: tool, ExitCode: exitCode, Stderr: stderr, Err: err}
}
