package workflow

import (
	"github.com/picoflash/picoflash/pkg/blockdev"
	"github.com/picoflash/picoflash/pkg/layout"
)

// FlashRequest is the workflow input: which device, which layout, and
// where the optional firmware image comes from (a local path or an S3
// key, never both).
type FlashRequest struct {
	DevicePath string
	Layout     layout.Spec
	ImagePath  string
	ImageKey   string
}

// FlashResponse is the workflow output, accumulated across state
// transitions.
type FlashResponse struct {
	// From Prepare
	RunID     int64
	Device    *blockdev.Device
	Plan      *layout.Plan
	ImagePath string
	ImageSHA  string
	ImageSize int64

	// From Flash
	BytesWritten int64

	// Progressively updated
	LastStep string
	Warnings []string

	// Terminal
	Status       string
	ErrorMessage string
}

// State names registered with the state machine.
const (
	StatePrepare   = "prepare"
	StateUnmount   = "unmount"
	StatePartition = "partition"
	StateFormat    = "format"
	StateFlash     = "flash"
	StateVerify    = "verify"
	StateComplete  = "complete"
	StateFailed    = "failed"
)
