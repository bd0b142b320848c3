package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/picoflash/picoflash/pkg/blockdev"
	"github.com/picoflash/picoflash/pkg/db"
	"github.com/picoflash/picoflash/pkg/layout"
	"github.com/picoflash/picoflash/pkg/safety"
)

const (
	mib = int64(1024 * 1024)
	gib = 1024 * mib
)

func safeDevice() blockdev.Device {
	return blockdev.Device{
		Path:      "/dev/sdb",
		SizeBytes: 8 * gib,
		Removable: true,
		Transport: blockdev.TransportUSB,
	}
}

// fakeEnum serves scripted device snapshots: the first FindDevice call
// returns snapshots[0], the second snapshots[1], and the last entry
// repeats. A nil entry means the device disappeared.
type fakeEnum struct {
	snapshots []*blockdev.Device
	calls     int
}

func (e *fakeEnum) ListDevices(ctx context.Context) ([]blockdev.Device, error) {
	var out []blockdev.Device
	for _, d := range e.snapshots {
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (e *fakeEnum) FindDevice(ctx context.Context, path string) (*blockdev.Device, error) {
	i := e.calls
	if i >= len(e.snapshots) {
		i = len(e.snapshots) - 1
	}
	e.calls++
	d := e.snapshots[i]
	if d == nil {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

// fakeDisk records destructive calls and lets tests inject behavior.
type fakeDisk struct {
	mu sync.Mutex

	unmounted   []string
	tableWrites int
	formatted   []string

	unmountErr  error
	formatErr   error
	onFormat    func(partition string)
	writeResult int64
	writeErr    error
	writeCalled bool
	probe       map[string]string
}

func (d *fakeDisk) Unmount(ctx context.Context, mountPoint string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unmountErr != nil {
		return d.unmountErr
	}
	d.unmounted = append(d.unmounted, mountPoint)
	return nil
}

func (d *fakeDisk) CreatePartitionTable(ctx context.Context, plan *layout.Plan) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tableWrites++
	return nil
}

func (d *fakeDisk) FormatPartition(ctx context.Context, partitionPath string, fs layout.Filesystem) error {
	d.mu.Lock()
	if d.formatErr != nil {
		d.mu.Unlock()
		return d.formatErr
	}
	d.formatted = append(d.formatted, partitionPath)
	hook := d.onFormat
	d.mu.Unlock()
	if hook != nil {
		hook(partitionPath)
	}
	return nil
}

func (d *fakeDisk) WriteImage(ctx context.Context, imagePath, targetPath string, blockSize int, onProgress func(int64)) (int64, error) {
	d.mu.Lock()
	d.writeCalled = true
	d.mu.Unlock()
	if onProgress != nil && d.writeResult > 0 {
		onProgress(d.writeResult)
	}
	return d.writeResult, d.writeErr
}

func (d *fakeDisk) ProbeFilesystem(ctx context.Context, partitionPath string) (string, error) {
	if kind, ok := d.probe[partitionPath]; ok {
		return kind, nil
	}
	return "", fmt.Errorf("no filesystem detected on %s", partitionPath)
}

// sinkReporter records events for assertions.
type sinkReporter struct {
	mu        sync.Mutex
	steps     []string
	fractions []float64
	status    string
	terminal  error
}

func (r *sinkReporter) Step(name string) {
	r.mu.Lock()
	r.steps = append(r.steps, name)
	r.mu.Unlock()
}

func (r *sinkReporter) Progress(fraction float64) {
	r.mu.Lock()
	r.fractions = append(r.fractions, fraction)
	r.mu.Unlock()
}
func (r *sinkReporter) Terminal(status string, err error) {
	r.mu.Lock()
	r.status = status
	r.terminal = err
	r.mu.Unlock()
}

func newTestMachine(t *testing.T, enum blockdev.Enumerator, disk *fakeDisk, repo *db.Repository) (*Machine, *sinkReporter) {
	t.Helper()
	rep := &sinkReporter{}
	m := NewMachine(Config{
		Enumerator: enum,
		Validator:  safety.NewValidator(64*mib, 0),
		Disk:       disk,
		Repo:       repo,
		Reporter:   rep,
		WorkDir:    t.TempDir(),
		Verify:     true,
	})
	return m, rep
}

func writeImageFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fw.img")
	if err := os.WriteFile(path, make([]byte, size), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func prepared(t *testing.T, m *Machine, req FlashRequest) *FlashResponse {
	t.Helper()
	resp := &FlashResponse{}
	if err := m.stepPrepare(context.Background(), req, resp); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	return resp
}

func TestSteps_FullRun(t *testing.T) {
	dev := safeDevice()
	dev.MountPoints = []string{"/media/user/CARD"}

	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	disk := &fakeDisk{writeResult: 4 * mib}

	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer repo.Close()

	m, rep := newTestMachine(t, enum, disk, repo)

	image := writeImageFile(t, int(4*mib))
	req := FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System, ImagePath: image}

	ctx := context.Background()
	resp := prepared(t, m, req)

	if resp.Plan == nil || len(resp.Plan.Partitions) != 2 {
		t.Fatalf("unexpected plan: %+v", resp.Plan)
	}
	if resp.ImageSize != 4*mib {
		t.Fatalf("image size = %d", resp.ImageSize)
	}

	// Probe results for the verify pass: the data partition carries
	// vfat, the raw system partition is never probed.
	disk.probe = map[string]string{"/dev/sdb1": "vfat"}

	for _, step := range []func(context.Context, *FlashResponse) error{
		m.stepUnmount, m.stepPartition, m.stepFormat, m.stepFlash, m.stepVerify,
	} {
		if err := step(ctx, resp); err != nil {
			t.Fatalf("step failed: %v", err)
		}
	}
	m.finish(resp)

	if len(disk.unmounted) != 1 || disk.unmounted[0] != "/media/user/CARD" {
		t.Errorf("unmounted = %v", disk.unmounted)
	}
	if disk.tableWrites != 1 {
		t.Errorf("table writes = %d, want 1", disk.tableWrites)
	}
	// Only the fat32 data partition is formatted; the system partition
	// is raw.
	if len(disk.formatted) != 1 || disk.formatted[0] != "/dev/sdb1" {
		t.Errorf("formatted = %v", disk.formatted)
	}
	if !disk.writeCalled {
		t.Error("flash step must write the image")
	}
	if resp.BytesWritten != 4*mib {
		t.Errorf("bytes written = %d", resp.BytesWritten)
	}
	if rep.status != db.StatusCompleted {
		t.Errorf("terminal status = %s, want %s", rep.status, db.StatusCompleted)
	}

	run, err := repo.Get(resp.RunID)
	if err != nil || run == nil {
		t.Fatalf("run record missing: %v", err)
	}
	if run.Status != db.StatusCompleted {
		t.Errorf("recorded status = %s", run.Status)
	}
	if run.BytesWritten != 4*mib {
		t.Errorf("recorded bytes = %d", run.BytesWritten)
	}
}

func TestSteps_PrepareRejectsUnsafeDevice(t *testing.T) {
	dev := safeDevice()
	dev.Removable = false

	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	m, _ := newTestMachine(t, enum, &fakeDisk{}, nil)

	err := m.stepPrepare(context.Background(), FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32Only}, &FlashResponse{})
	var vf *ValidationFailure
	if !errors.As(err, &vf) {
		t.Fatalf("expected ValidationFailure, got %v", err)
	}
	if len(vf.Reasons) == 0 {
		t.Error("validation failure must carry reasons")
	}
}

func TestSteps_PrepareRejectsImageWithFat32Only(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	m, _ := newTestMachine(t, enum, &fakeDisk{}, nil)

	image := writeImageFile(t, 1024)
	err := m.stepPrepare(context.Background(), FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32Only, ImagePath: image}, &FlashResponse{})
	if err == nil {
		t.Fatal("fat32-only with an image must be rejected before any destructive step")
	}
}

func TestSteps_SafetyRegressionBeforePartitioning(t *testing.T) {
	good := safeDevice()
	// Write protect flips on after enumeration, before partitioning.
	regressed := safeDevice()
	regressed.WriteProtected = true

	enum := &fakeEnum{snapshots: []*blockdev.Device{&good, &regressed}}
	disk := &fakeDisk{}
	m, _ := newTestMachine(t, enum, disk, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System})

	err := m.stepPartition(context.Background(), resp)
	var sre *SafetyRegressionError
	if !errors.As(err, &sre) {
		t.Fatalf("expected SafetyRegressionError, got %v", err)
	}
	if disk.tableWrites != 0 {
		t.Error("no partition table write may be issued after a safety regression")
	}
}

func TestSteps_CriticalMountRegressionBeforePartitioning(t *testing.T) {
	good := safeDevice()
	// A mount the OS depends on appears after unmount, before
	// partitioning, without the disk becoming the boot disk.
	regressed := safeDevice()
	regressed.MountPoints = []string{"/var"}

	enum := &fakeEnum{snapshots: []*blockdev.Device{&good, &regressed}}
	disk := &fakeDisk{}
	m, _ := newTestMachine(t, enum, disk, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System})

	err := m.stepPartition(context.Background(), resp)
	var sre *SafetyRegressionError
	if !errors.As(err, &sre) {
		t.Fatalf("expected SafetyRegressionError, got %v", err)
	}
	if disk.tableWrites != 0 {
		t.Error("no partition table write may be issued for a device hosting a critical mount")
	}
}

func TestSteps_DeviceVanishedBeforePartitioning(t *testing.T) {
	good := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&good, nil}}
	disk := &fakeDisk{}
	m, _ := newTestMachine(t, enum, disk, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System})

	err := m.stepPartition(context.Background(), resp)
	var sre *SafetyRegressionError
	if !errors.As(err, &sre) {
		t.Fatalf("expected SafetyRegressionError, got %v", err)
	}
	if disk.tableWrites != 0 {
		t.Error("no partition table write may be issued for a vanished device")
	}
}

func TestSteps_AbortDuringFormat(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	disk := &fakeDisk{}
	m, _ := newTestMachine(t, enum, disk, nil)

	// fat32+ext4 formats two partitions; abort after the first.
	disk.onFormat = func(string) { m.Abort() }

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32Ext4})

	err := m.stepFormat(context.Background(), resp)
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}
	if len(disk.formatted) != 1 {
		t.Errorf("no format call may follow the abort observation, got %v", disk.formatted)
	}
	if resp.LastStep != "format:1" {
		t.Errorf("last step = %q, want format:1 (partition last fully formatted)", resp.LastStep)
	}

	m.fail(resp, err)
	if resp.Status != db.StatusAborted {
		t.Errorf("terminal status = %s, want %s", resp.Status, db.StatusAborted)
	}
}

func TestSteps_FormatProgressReachesCompletion(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	m, rep := newTestMachine(t, enum, &fakeDisk{}, nil)

	// fat32+system formats only the data partition; the raw system
	// partition must not dilute the progress fraction.
	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System})

	if err := m.stepFormat(context.Background(), resp); err != nil {
		t.Fatalf("format failed: %v", err)
	}

	rep.mu.Lock()
	defer rep.mu.Unlock()
	if len(rep.fractions) == 0 {
		t.Fatal("format must report progress")
	}
	if last := rep.fractions[len(rep.fractions)-1]; last != 1.0 {
		t.Errorf("final format progress = %v, want 1.0", last)
	}
}

func TestSteps_WrappedAbortClassifiedAsAborted(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	m, rep := newTestMachine(t, enum, &fakeDisk{}, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32Only})

	// A tool failure wrapping the cancellation still counts as an
	// abort, not a failure.
	m.fail(resp, fmt.Errorf("parted exited early: %w", ErrAborted))
	if resp.Status != db.StatusAborted {
		t.Errorf("status = %s, want %s", resp.Status, db.StatusAborted)
	}
	if rep.status != db.StatusAborted {
		t.Errorf("reporter saw %s, want %s", rep.status, db.StatusAborted)
	}
}

func TestSteps_UnmountFailureIsTerminal(t *testing.T) {
	dev := safeDevice()
	dev.MountPoints = []string{"/media/user/CARD"}

	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	disk := &fakeDisk{unmountErr: fmt.Errorf("target is busy")}
	m, _ := newTestMachine(t, enum, disk, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32Only})

	if err := m.stepUnmount(context.Background(), resp); err == nil {
		t.Fatal("busy unmount must fail the workflow, never be forced")
	}
	if disk.tableWrites != 0 {
		t.Error("partitioning must not proceed past a failed unmount")
	}
}

func TestSteps_FlashIncomplete(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	disk := &fakeDisk{writeResult: 1024} // short copy
	m, rep := newTestMachine(t, enum, disk, nil)

	image := writeImageFile(t, 4096)
	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System, ImagePath: image})

	err := m.stepFlash(context.Background(), resp)
	var fie *FlashIncompleteError
	if !errors.As(err, &fie) {
		t.Fatalf("expected FlashIncompleteError, got %v", err)
	}
	if fie.Written != 1024 || fie.Expected != 4096 {
		t.Errorf("unexpected counts: %+v", fie)
	}

	m.fail(resp, err)
	if resp.Status != db.StatusFailed {
		t.Errorf("short copy must end in failed, got %s", resp.Status)
	}
	if rep.status != db.StatusFailed {
		t.Errorf("reporter saw %s, want failed", rep.status)
	}
}

func TestSteps_FlashSkippedWithoutImage(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	disk := &fakeDisk{}
	m, _ := newTestMachine(t, enum, disk, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System})

	if err := m.stepFlash(context.Background(), resp); err != nil {
		t.Fatalf("flash without image must be a no-op, got %v", err)
	}
	if disk.writeCalled {
		t.Error("no image write may happen without an image")
	}
}

func TestSteps_OversizedImageRejected(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	disk := &fakeDisk{}
	m, _ := newTestMachine(t, enum, disk, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32System})
	// Fake an image larger than the 32 MiB system partition.
	resp.ImagePath = "/tmp/huge.img"
	resp.ImageSize = 64 * mib

	if err := m.stepFlash(context.Background(), resp); err == nil {
		t.Fatal("image larger than the target partition must be rejected")
	}
	if disk.writeCalled {
		t.Error("no bytes may be written for an oversized image")
	}
}

func TestSteps_VerifyMismatchCompletesWithWarnings(t *testing.T) {
	dev := safeDevice()
	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	disk := &fakeDisk{probe: map[string]string{"/dev/sdb1": "ext4"}} // wrong kind
	m, rep := newTestMachine(t, enum, disk, nil)

	resp := prepared(t, m, FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32Only})

	if err := m.stepVerify(context.Background(), resp); err != nil {
		t.Fatalf("verify problems must not fail the run: %v", err)
	}
	if len(resp.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", resp.Warnings)
	}

	m.finish(resp)
	if resp.Status != db.StatusCompletedWithWarnings {
		t.Errorf("status = %s, want %s", resp.Status, db.StatusCompletedWithWarnings)
	}
	if rep.status != db.StatusCompletedWithWarnings {
		t.Errorf("reporter saw %s", rep.status)
	}
}

func TestSteps_DeviceLockHeldForDuration(t *testing.T) {
	dev := safeDevice()
	locks := NewLockTable()

	enum := &fakeEnum{snapshots: []*blockdev.Device{&dev}}
	m := NewMachine(Config{
		Enumerator: enum,
		Validator:  safety.NewValidator(64*mib, 0),
		Disk:       &fakeDisk{},
		Locks:      locks,
		WorkDir:    t.TempDir(),
	})

	resp := &FlashResponse{}
	if err := m.stepPrepare(context.Background(), FlashRequest{DevicePath: "/dev/sdb", Layout: layout.SpecFat32Only}, resp); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}

	// A second workflow on the same device must be refused while the
	// first holds the lock.
	if _, err := locks.Acquire("/dev/sdb"); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("expected ErrDeviceBusy, got %v", err)
	}
	// A different device is fine.
	release, err := locks.Acquire("/dev/sdc")
	if err != nil {
		t.Fatalf("distinct device must not be blocked: %v", err)
	}
	release()

	m.finish(resp)
	// Terminal state releases the device.
	release, err = locks.Acquire("/dev/sdb")
	if err != nil {
		t.Fatalf("lock must be free after completion: %v", err)
	}
	release()
}
