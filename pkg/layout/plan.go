// Package layout computes aligned partition plans for a target device.
// A plan is derived once from a Device snapshot and is immutable; if the
// device is re-enumerated the plan must be re-derived.
package layout

import (
	"fmt"
	"log/slog"

	"github.com/picoflash/picoflash/pkg/blockdev"
)

// Spec names a recognized partition layout.
type Spec string

const (
	// SpecFat32Only is a single FAT32 data partition.
	SpecFat32Only Spec = "fat32-only"
	// SpecFat32System is a FAT32 data partition plus a trailing raw
	// partition that receives the firmware image verbatim.
	SpecFat32System Spec = "fat32+system"
	// SpecFat32Ext4 is a FAT32 data partition plus a trailing ext4
	// partition.
	SpecFat32Ext4 Spec = "fat32+ext4"
)

// ParseSpec validates a layout name from configuration.
func ParseSpec(s string) (Spec, error) {
	switch Spec(s) {
	case SpecFat32Only, SpecFat32System, SpecFat32Ext4:
		return Spec(s), nil
	}
	return "", fmt.Errorf("unrecognized layout %q (want fat32-only, fat32+system, or fat32+ext4)", s)
}

// Filesystem kinds a partition can carry. FSRaw marks a partition that
// is never formatted; its bytes come straight from a firmware image.
type Filesystem string

const (
	FSFat32 Filesystem = "fat32"
	FSExt4  Filesystem = "ext4"
	FSRaw   Filesystem = "raw"
)

// Partition is one entry of a plan. Index is the 1-based partition
// number used to derive the device node.
type Partition struct {
	Index      int
	StartBytes int64
	SizeBytes  int64
	Filesystem Filesystem
}

// EndBytes is the exclusive end offset of the partition.
func (p Partition) EndBytes() int64 { return p.StartBytes + p.SizeBytes }

// Path returns the partition's device node on the given disk.
func (p Partition) Path(device string) string {
	return blockdev.PartitionPath(device, p.Index)
}

// Plan is the computed, immutable layout for one device.
type Plan struct {
	DevicePath    string
	DeviceBytes   int64
	AlignmentUnit int64
	TableType     string // always "msdos"
	Spec          Spec
	Partitions    []Partition
}

// FlashTarget returns the partition a firmware image is written to, or
// nil when the layout has no such partition (fat32-only).
func (pl *Plan) FlashTarget() *Partition {
	if pl.Spec == SpecFat32Only || len(pl.Partitions) < 2 {
		return nil
	}
	return &pl.Partitions[len(pl.Partitions)-1]
}

// Check asserts the plan invariants: offsets strictly increasing and
// non-overlapping, every boundary aligned, and the final partition
// ending within the device.
func (pl *Plan) Check() error {
	prevEnd := int64(0)
	for _, p := range pl.Partitions {
		if p.StartBytes < prevEnd {
			return fmt.Errorf("partition %d start %d overlaps previous end %d", p.Index, p.StartBytes, prevEnd)
		}
		if p.SizeBytes <= 0 {
			return fmt.Errorf("partition %d has non-positive size %d", p.Index, p.SizeBytes)
		}
		if p.StartBytes%pl.AlignmentUnit != 0 {
			return fmt.Errorf("partition %d start %d not aligned to %d", p.Index, p.StartBytes, pl.AlignmentUnit)
		}
		if p.EndBytes()%pl.AlignmentUnit != 0 {
			return fmt.Errorf("partition %d end %d not aligned to %d", p.Index, p.EndBytes(), pl.AlignmentUnit)
		}
		prevEnd = p.EndBytes()
	}
	if prevEnd > pl.DeviceBytes {
		return fmt.Errorf("plan end %d exceeds device size %d", prevEnd, pl.DeviceBytes)
	}
	return nil
}

// Options are the tunables of the planner. Zero values take defaults.
type Options struct {
	// AlignmentUnit is the erase-block boundary every partition start
	// and end must respect. Default 1 MiB.
	AlignmentUnit int64
	// SystemPartitionBytes is the size of the trailing partition in
	// the fat32+system and fat32+ext4 layouts. Default 32 MiB.
	SystemPartitionBytes int64
	// MinDataBytes is the smallest acceptable data partition.
	// Default 16 MiB.
	MinDataBytes int64
}

const (
	DefaultAlignmentUnit        = 1 * 1024 * 1024
	DefaultSystemPartitionBytes = 32 * 1024 * 1024
	DefaultMinDataBytes         = 16 * 1024 * 1024
)

func (o Options) withDefaults() Options {
	if o.AlignmentUnit <= 0 {
		o.AlignmentUnit = DefaultAlignmentUnit
	}
	if o.SystemPartitionBytes <= 0 {
		o.SystemPartitionBytes = DefaultSystemPartitionBytes
	}
	if o.MinDataBytes <= 0 {
		o.MinDataBytes = DefaultMinDataBytes
	}
	return o
}

// InsufficientSpaceError reports that the device cannot hold the
// requested layout after fixed allocations and alignment padding.
type InsufficientSpaceError struct {
	DevicePath     string
	DeviceBytes    int64
	RequiredBytes  int64
	AvailableBytes int64
}

func (e *InsufficientSpaceError) Error() string {
	return fmt.Sprintf("device %s (%d bytes) cannot hold the layout: need %d data bytes, have %d",
		e.DevicePath, e.DeviceBytes, e.RequiredBytes, e.AvailableBytes)
}

func alignDown(v, unit int64) int64 { return v - v%unit }

func alignUp(v, unit int64) int64 {
	if r := v % unit; r != 0 {
		return v + unit - r
	}
	return v
}

// Compute derives the partition layout for a device. The first
// partition starts after a one-alignment-unit leading gap reserved for
// the partition table; trailing fixed-size partitions are allocated
// from the aligned device end; the data partition takes the remainder.
// Identical (Device, Spec, Options) inputs always yield an identical
// plan.
func Compute(dev blockdev.Device, spec Spec, opts Options) (*Plan, error) {
	opts = opts.withDefaults()

	leadGap := opts.AlignmentUnit
	endLimit := alignDown(dev.SizeBytes, opts.AlignmentUnit)

	plan := &Plan{
		DevicePath:    dev.Path,
		DeviceBytes:   dev.SizeBytes,
		AlignmentUnit: opts.AlignmentUnit,
		TableType:     "msdos",
		Spec:          spec,
	}

	dataEnd := endLimit
	var trailing *Partition

	switch spec {
	case SpecFat32Only:
		// Single data partition; nothing trailing.
	case SpecFat32System, SpecFat32Ext4:
		sysSize := alignUp(opts.SystemPartitionBytes, opts.AlignmentUnit)
		dataEnd = endLimit - sysSize
		fs := FSRaw
		if spec == SpecFat32Ext4 {
			fs = FSExt4
		}
		trailing = &Partition{
			Index:      2,
			StartBytes: dataEnd,
			SizeBytes:  sysSize,
			Filesystem: fs,
		}
	default:
		return nil, fmt.Errorf("unrecognized layout %q", spec)
	}

	dataSize := dataEnd - leadGap
	if dataSize < opts.MinDataBytes {
		slog.Error("partition_plan_insufficient_space",
			"device", dev.Path,
			"device_bytes", dev.SizeBytes,
			"required_bytes", opts.MinDataBytes,
			"available_bytes", dataSize)
		return nil, &InsufficientSpaceError{
			DevicePath:     dev.Path,
			DeviceBytes:    dev.SizeBytes,
			RequiredBytes:  opts.MinDataBytes,
			AvailableBytes: dataSize,
		}
	}

	plan.Partitions = append(plan.Partitions, Partition{
		Index:      1,
		StartBytes: leadGap,
		SizeBytes:  dataSize,
		Filesystem: FSFat32,
	})
	if trailing != nil {
		plan.Partitions = append(plan.Partitions, *trailing)
	}

	if err := plan.Check(); err != nil {
		return nil, err
	}

	slog.Info("partition_plan_computed",
		"device", dev.Path,
		"layout", string(spec),
		"partition_count", len(plan.Partitions),
		"data_mb", dataSize/1024/1024)
	return plan, nil
}
