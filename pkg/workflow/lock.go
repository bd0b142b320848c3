package workflow

import (
	"log/slog"
	"sync"
)

// LockTable grants exclusive access to a device path. Workflows on
// distinct devices may run concurrently; two workflows can never hold
// the same device. The table is an explicit value passed to each
// Machine, not process-wide state.
type LockTable struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{held: make(map[string]bool)}
}

// Acquire takes the lock for a device, returning its release function,
// or ErrDeviceBusy when another workflow holds it. The release function
// is idempotent.
func (t *LockTable) Acquire(devicePath string) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.held[devicePath] {
		slog.Info("device_lock_busy", "device", devicePath)
		return nil, ErrDeviceBusy
	}
	t.held[devicePath] = true
	slog.Info("device_lock_acquired", "device", devicePath)

	var once sync.Once
	release := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.held, devicePath)
			t.mu.Unlock()
			slog.Info("device_lock_released", "device", devicePath)
		})
	}
	return release, nil
}
