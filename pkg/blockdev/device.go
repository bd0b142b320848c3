// Package blockdev discovers the block devices visible to the host and
// normalizes them into a platform-neutral Device snapshot. A snapshot is
// taken fresh on every call; callers that act destructively must
// re-enumerate immediately before doing so.
package blockdev

import (
	"context"
	"fmt"
	"strings"
)

// Transport identifies the bus a device is attached through.
type Transport string

const (
	TransportUSB      Transport = "usb"
	TransportSD       Transport = "sd"
	TransportInternal Transport = "internal"
	TransportUnknown  Transport = "unknown"
)

// Device is an immutable snapshot of a block device at enumeration time.
type Device struct {
	// Path is the whole-disk device node, e.g. /dev/sdb or /dev/mmcblk0.
	Path           string
	SizeBytes      int64
	Removable      bool
	WriteProtected bool
	Transport      Transport

	// SystemDisk is true when the disk backs the running OS: it holds
	// the root filesystem, a boot partition, or active swap.
	SystemDisk bool

	// MountPoints lists every currently mounted path backed by this
	// disk's partitions. "[SWAP]" marks active swap space.
	MountPoints []string
}

// CriticalMountPoints are mounts the OS itself depends on. A device
// hosting one of these is never a valid target even if it is not the
// boot disk.
var CriticalMountPoints = map[string]bool{
	"/":         true,
	"/boot":     true,
	"/boot/efi": true,
	"/usr":      true,
	"/var":      true,
	"/home":     true,
	"[SWAP]":    true,
}

// HasCriticalMount reports whether any of the device's mount points is
// one the OS depends on.
func (d *Device) HasCriticalMount() bool {
	for _, mp := range d.MountPoints {
		if CriticalMountPoints[mp] {
			return true
		}
	}
	return false
}

// Enumerator lists block devices. Each call re-queries the host; results
// are never cached because staleness is a correctness hazard for a
// destructive tool.
type Enumerator interface {
	// ListDevices returns a fresh snapshot of every whole disk.
	ListDevices(ctx context.Context) ([]Device, error)

	// FindDevice returns a fresh snapshot of a single disk by path,
	// or nil if the device no longer exists.
	FindDevice(ctx context.Context, path string) (*Device, error)
}

// EnumerationError reports that the underlying platform query could not
// run. It is always surfaced: an incomplete device list must never make
// an unsafe device look safe.
type EnumerationError struct {
	Op  string
	Err error
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("device enumeration failed (%s): %v", e.Op, e.Err)
}

func (e *EnumerationError) Unwrap() error { return e.Err }

// PartitionPath returns the device node for partition n of a disk.
// Disks whose name ends in a digit (nvme0n1, mmcblk0, loop0) take a
// "p" infix; plain scsi-style names do not.
func PartitionPath(device string, n int) string {
	if device == "" {
		return ""
	}
	last := device[len(device)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", device, n)
	}
	return fmt.Sprintf("%s%d", device, n)
}

// BaseDisk strips a partition suffix from a device node, returning the
// whole-disk node. /dev/sdb1 -> /dev/sdb, /dev/mmcblk0p2 -> /dev/mmcblk0.
func BaseDisk(device string) string {
	name := device
	for len(name) > 0 && name[len(name)-1] >= '0' && name[len(name)-1] <= '9' {
		name = name[:len(name)-1]
	}
	if strings.HasSuffix(name, "p") {
		trunk := name[:len(name)-1]
		if len(trunk) > 0 && trunk[len(trunk)-1] >= '0' && trunk[len(trunk)-1] <= '9' {
			return trunk
		}
	}
	if name == device {
		return device
	}
	// Names like /dev/nvme0n1 keep their trailing digits.
	if strings.Contains(device, "nvme") || strings.Contains(device, "mmcblk") || strings.Contains(device, "loop") {
		return device
	}
	return name
}
