// Package workflow drives the destructive device preparation sequence
// (unmount, partition, format, flash, verify) as a state machine built
// on the superfly/fsm library. One Machine owns one run; concurrent
// runs on different devices use separate Machines sharing a LockTable.
package workflow

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/picoflash/picoflash/pkg/blockdev"
	"github.com/picoflash/picoflash/pkg/db"
	"github.com/picoflash/picoflash/pkg/disktool"
	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/picoflash/picoflash/pkg/layout"
	"github.com/picoflash/picoflash/pkg/safety"
	"github.com/picoflash/picoflash/pkg/storage"
	"github.com/superfly/fsm"
)

// DefaultBlockSize is the copy chunk size for flashing: large enough to
// amortize call overhead on SD media, small enough to bound memory and
// keep cancellation checks frequent.
const DefaultBlockSize = 4 * 1024 * 1024

// Config holds the Machine's collaborators and tunables.
type Config struct {
	Enumerator blockdev.Enumerator
	Validator  *safety.Validator
	Disk       disktool.Manager
	// Store is only needed when requests carry an S3 image key.
	Store *storage.Client
	// Repo records run history; nil disables recording.
	Repo     *db.Repository
	Reporter Reporter
	Locks    *LockTable

	WorkDir       string
	BlockSize     int
	LayoutOptions layout.Options
	// Verify enables the read-back pass after flashing.
	Verify bool
}

// Machine holds the dependencies and control state for one workflow run.
type Machine struct {
	enum       blockdev.Enumerator
	validator  *safety.Validator
	disk       disktool.Manager
	store      *storage.Client
	repo       *db.Repository
	reporter   Reporter
	locks      *LockTable
	workDir    string
	blockSize  int
	layoutOpts layout.Options
	verify     bool

	aborted   atomic.Bool
	abortCh   chan struct{}
	abortOnce sync.Once

	lockMu      sync.Mutex
	releaseLock func()
}

// NewMachine creates a workflow machine from its configuration.
func NewMachine(cfg Config) *Machine {
	if cfg.Reporter == nil {
		cfg.Reporter = NopReporter{}
	}
	if cfg.Locks == nil {
		cfg.Locks = NewLockTable()
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	return &Machine{
		enum:       cfg.Enumerator,
		validator:  cfg.Validator,
		disk:       cfg.Disk,
		store:      cfg.Store,
		repo:       cfg.Repo,
		reporter:   cfg.Reporter,
		locks:      cfg.Locks,
		workDir:    cfg.WorkDir,
		blockSize:  cfg.BlockSize,
		layoutOpts: cfg.LayoutOptions,
		verify:     cfg.Verify,
		abortCh:    make(chan struct{}),
	}
}

// Register registers the device preparation workflow with the state
// machine manager.
func (m *Machine) Register(ctx context.Context, manager *fsm.Manager) (fsm.Start[FlashRequest, FlashResponse], fsm.Resume, error) {
	start, resume, err := fsm.Register[FlashRequest, FlashResponse](manager, "prepare-device").
		Start(StatePrepare, m.handlePrepare).
		To(StateUnmount, m.handleUnmount).
		To(StatePartition, m.handlePartition).
		To(StateFormat, m.handleFormat).
		To(StateFlash, m.handleFlash).
		To(StateVerify, m.handleVerify).
		To(StateComplete, m.handleComplete).
		End(StateFailed).
		Build(ctx)

	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to register workflow")
	}
	return start, resume, nil
}

// Abort requests cancellation. It is observed at the start of every
// step and between copy blocks; no new destructive call is issued after
// the observation, and no repair of partial state is attempted.
func (m *Machine) Abort() {
	m.abortOnce.Do(func() {
		m.aborted.Store(true)
		close(m.abortCh)
	})
}

// Aborted reports whether cancellation has been requested.
func (m *Machine) Aborted() bool { return m.aborted.Load() }

// checkAbort returns ErrAborted once cancellation has been requested.
func (m *Machine) checkAbort() error {
	select {
	case <-m.abortCh:
		return ErrAborted
	default:
		return nil
	}
}

// stepCtx couples a step's context to the abort signal so blocking
// calls (tool invocations, block copies) stop promptly on Abort.
func (m *Machine) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-m.abortCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (m *Machine) acquireLock(devicePath string) error {
	release, err := m.locks.Acquire(devicePath)
	if err != nil {
		return err
	}
	m.lockMu.Lock()
	m.releaseLock = release
	m.lockMu.Unlock()
	return nil
}

func (m *Machine) unlock() {
	m.lockMu.Lock()
	release := m.releaseLock
	m.releaseLock = nil
	m.lockMu.Unlock()
	if release != nil {
		release()
	}
}
