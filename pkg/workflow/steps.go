package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/picoflash/picoflash/pkg/db"
	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/picoflash/picoflash/pkg/firmware"
	"github.com/picoflash/picoflash/pkg/layout"
)

// The step methods hold the workflow logic; the fsm handlers in
// states.go are thin wrappers around them. Each step mutates the
// accumulated response and returns an error only for terminal failure.

// stepPrepare takes the device lock, snapshots and validates the
// device, derives the partition plan, resolves the firmware image, and
// opens the run record. No destructive call happens here.
func (m *Machine) stepPrepare(ctx context.Context, req FlashRequest, resp *FlashResponse) error {
	m.reporter.Step(StatePrepare)
	if err := m.checkAbort(); err != nil {
		return err
	}

	if err := m.acquireLock(req.DevicePath); err != nil {
		return err
	}

	dev, err := m.enum.FindDevice(ctx, req.DevicePath)
	if err != nil {
		return err
	}
	if dev == nil {
		return fmt.Errorf("device %s not found", req.DevicePath)
	}

	if res := m.validator.Validate(*dev); !res.Safe() {
		return &ValidationFailure{DevicePath: dev.Path, Reasons: res.Reasons}
	}

	plan, err := layout.Compute(*dev, req.Layout, m.layoutOpts)
	if err != nil {
		return err
	}

	resp.Device = dev
	resp.Plan = plan

	if m.repo != nil {
		run := &db.FlashRun{
			DevicePath: dev.Path,
			Layout:     string(req.Layout),
			ImageKey:   req.ImageKey,
			Status:     db.StatusPending,
		}
		if err := m.repo.Create(run); err != nil {
			return err
		}
		resp.RunID = run.ID
	}

	if err := m.resolveImage(ctx, req, resp); err != nil {
		return err
	}
	if resp.ImagePath != "" && plan.FlashTarget() == nil {
		return fmt.Errorf("layout %s has no firmware partition; drop the image or pick another layout", req.Layout)
	}

	resp.LastStep = StatePrepare
	slog.Info("workflow_prepared",
		"device", dev.Path,
		"layout", string(req.Layout),
		"partition_count", len(plan.Partitions),
		"image", resp.ImagePath)
	return nil
}

// resolveImage fetches the image from S3 or validates the local file.
// An absent image is fine; the flash step is skipped later.
func (m *Machine) resolveImage(ctx context.Context, req FlashRequest, resp *FlashResponse) error {
	switch {
	case req.ImageKey != "":
		if m.store == nil {
			return fmt.Errorf("no firmware store configured for image key %s", req.ImageKey)
		}
		m.recordStatus(resp, db.StatusFetching)
		dir := filepath.Join(m.workDir, "images")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create image directory")
		}
		result, err := m.store.Fetch(ctx, req.ImageKey, filepath.Join(dir, filepath.Base(req.ImageKey)))
		if err != nil {
			return err
		}
		resp.ImagePath = result.LocalPath
		resp.ImageSHA = result.SHA256
		resp.ImageSize = result.Size
	case req.ImagePath != "":
		img, err := firmware.Stat(req.ImagePath)
		if err != nil {
			return err
		}
		sum, err := firmware.Checksum(img.Path)
		if err != nil {
			return err
		}
		resp.ImagePath = img.Path
		resp.ImageSHA = sum
		resp.ImageSize = img.SizeBytes
	}
	return nil
}

// stepUnmount releases every mount point associated with the device
// snapshot. A busy mount is a terminal failure, never forced.
func (m *Machine) stepUnmount(ctx context.Context, resp *FlashResponse) error {
	m.reporter.Step(StateUnmount)
	if err := m.checkAbort(); err != nil {
		return err
	}
	m.recordStatus(resp, db.StatusUnmounting)

	ctx, cancel := m.stepCtx(ctx)
	defer cancel()

	for _, mp := range resp.Device.MountPoints {
		if err := m.disk.Unmount(ctx, mp); err != nil {
			return err
		}
	}

	resp.LastStep = StateUnmount
	return nil
}

// stepPartition re-validates the device and writes the partition
// table. Re-validation closes the window between the enumeration-time
// snapshot and the first destructive call; a regressed verdict stops
// the run before any table write.
func (m *Machine) stepPartition(ctx context.Context, resp *FlashResponse) error {
	m.reporter.Step(StatePartition)
	if err := m.checkAbort(); err != nil {
		return err
	}

	dev, err := m.enum.FindDevice(ctx, resp.Device.Path)
	if err != nil {
		return err
	}
	if dev == nil {
		return &SafetyRegressionError{DevicePath: resp.Device.Path}
	}
	// The unmount step already released the device's mounts, so any
	// mount in the fresh snapshot appeared inside the window.
	if res := m.validator.Validate(*dev); !res.Safe() {
		return &SafetyRegressionError{DevicePath: dev.Path, Reasons: res.Reasons}
	}

	m.recordStatus(resp, db.StatusPartitioning)

	ctx, cancel := m.stepCtx(ctx)
	defer cancel()

	if err := m.disk.CreatePartitionTable(ctx, resp.Plan); err != nil {
		return err
	}

	resp.LastStep = StatePartition
	return nil
}

// stepFormat formats each non-raw partition in plan order. Cancellation
// is observed before every partition; a failure halts the remainder and
// leaves already formatted partitions as-is, since re-partitioning from
// scratch is the recovery path.
func (m *Machine) stepFormat(ctx context.Context, resp *FlashResponse) error {
	m.reporter.Step(StateFormat)
	m.recordStatus(resp, db.StatusFormatting)

	ctx, cancel := m.stepCtx(ctx)
	defer cancel()

	total := 0
	for _, p := range resp.Plan.Partitions {
		if p.Filesystem != layout.FSRaw {
			total++
		}
	}

	done := 0
	for _, p := range resp.Plan.Partitions {
		if p.Filesystem == layout.FSRaw {
			continue
		}
		if err := m.checkAbort(); err != nil {
			return err
		}
		if err := m.disk.FormatPartition(ctx, p.Path(resp.Plan.DevicePath), p.Filesystem); err != nil {
			return err
		}
		resp.LastStep = fmt.Sprintf("%s:%d", StateFormat, p.Index)
		done++
		m.reporter.Progress(float64(done) / float64(total))
	}

	resp.LastStep = StateFormat
	return nil
}

// stepFlash copies the firmware image onto the plan's flash target.
// Skipped when no image was supplied. A short copy is terminal.
func (m *Machine) stepFlash(ctx context.Context, resp *FlashResponse) error {
	if resp.ImagePath == "" {
		slog.Info("flash_skipped", "device", resp.Plan.DevicePath, "reason", "no_image")
		return nil
	}

	m.reporter.Step(StateFlash)
	if err := m.checkAbort(); err != nil {
		return err
	}
	m.recordStatus(resp, db.StatusFlashing)

	target := resp.Plan.FlashTarget()
	if target == nil {
		return fmt.Errorf("layout %s has no firmware partition", resp.Plan.Spec)
	}
	if resp.ImageSize > target.SizeBytes {
		return fmt.Errorf("firmware image (%d bytes) does not fit partition %d (%d bytes)",
			resp.ImageSize, target.Index, target.SizeBytes)
	}

	ctx, cancel := m.stepCtx(ctx)
	defer cancel()

	imageSize := resp.ImageSize
	written, err := m.disk.WriteImage(ctx, resp.ImagePath, target.Path(resp.Plan.DevicePath), m.blockSize,
		func(w int64) {
			resp.BytesWritten = w
			m.reporter.Progress(float64(w) / float64(imageSize))
		})
	resp.BytesWritten = written
	if err != nil {
		return err
	}
	if written < imageSize {
		return &FlashIncompleteError{Expected: imageSize, Written: written}
	}

	resp.LastStep = StateFlash
	return nil
}

// stepVerify probes each formatted partition's filesystem. Problems
// here are warnings, not failures: the destructive steps have already
// committed, so the run completes with warnings instead.
func (m *Machine) stepVerify(ctx context.Context, resp *FlashResponse) error {
	if !m.verify {
		return nil
	}

	m.reporter.Step(StateVerify)
	if err := m.checkAbort(); err != nil {
		return err
	}
	m.recordStatus(resp, db.StatusVerifying)

	for _, p := range resp.Plan.Partitions {
		expected := probedKind(p.Filesystem)
		if expected == "" {
			continue
		}
		path := p.Path(resp.Plan.DevicePath)
		kind, err := m.disk.ProbeFilesystem(ctx, path)
		if err != nil {
			resp.Warnings = append(resp.Warnings, fmt.Sprintf("partition %d: %v", p.Index, err))
			continue
		}
		if kind != expected {
			resp.Warnings = append(resp.Warnings,
				fmt.Sprintf("partition %d: detected %s, expected %s", p.Index, kind, expected))
		}
	}

	resp.LastStep = StateVerify
	return nil
}

// probedKind maps a plan filesystem to the identifier blkid reports.
// Raw partitions are never probed.
func probedKind(fs layout.Filesystem) string {
	switch fs {
	case layout.FSFat32:
		return "vfat"
	case layout.FSExt4:
		return "ext4"
	}
	return ""
}

// finish records the terminal success state and releases the device.
func (m *Machine) finish(resp *FlashResponse) {
	status := db.StatusCompleted
	if len(resp.Warnings) > 0 {
		status = db.StatusCompletedWithWarnings
	}
	resp.Status = status

	if m.repo != nil && resp.RunID != 0 {
		run, err := m.repo.Get(resp.RunID)
		if err == nil && run != nil {
			run.Status = status
			run.LastStep = resp.LastStep
			run.ImageSHA256 = resp.ImageSHA
			run.BytesWritten = resp.BytesWritten
			run.Warnings = strings.Join(resp.Warnings, "; ")
			if err := m.repo.Update(run); err != nil {
				slog.Error("run_record_update_failed", "run_id", resp.RunID, "error", err)
			}
		}
	}

	m.reporter.Terminal(status, nil)
	m.unlock()
	slog.Info("workflow_complete", "device", resp.Plan.DevicePath, "status", status, "warnings", len(resp.Warnings))
}

// fail records a terminal failure or abort, releases the device, and
// reports the cause. Partial state is left untouched.
func (m *Machine) fail(resp *FlashResponse, err error) {
	status := db.StatusFailed
	if m.Aborted() || isAbort(err) {
		status = db.StatusAborted
	}
	resp.Status = status
	resp.ErrorMessage = err.Error()

	if m.repo != nil && resp.RunID != 0 {
		if uerr := m.repo.UpdateStatus(resp.RunID, status, resp.LastStep, err.Error()); uerr != nil {
			slog.Error("run_record_update_failed", "run_id", resp.RunID, "error", uerr)
		}
	}

	m.reporter.Terminal(status, err)
	m.unlock()
	slog.Error("workflow_terminal_failure", "status", status, "last_step", resp.LastStep, "error", err)
}

func (m *Machine) recordStatus(resp *FlashResponse, status string) {
	if m.repo == nil || resp.RunID == 0 {
		return
	}
	if err := m.repo.UpdateStatus(resp.RunID, status, resp.LastStep, ""); err != nil {
		slog.Error("run_record_update_failed", "run_id", resp.RunID, "error", err)
	}
}
