//go:build linux

package blockdev

import (
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// lsblkColumns is the output selection passed to lsblk. --bytes gives
// numeric sizes, --json gives one parseable document for disk and
// partition rows alike.
const lsblkColumns = "NAME,PATH,SIZE,RM,RO,TYPE,TRAN,MOUNTPOINTS"

// LinuxEnumerator queries block devices through lsblk.
type LinuxEnumerator struct{}

// NewEnumerator returns the lsblk-backed enumerator on Linux.
func NewEnumerator() Enumerator {
	return &LinuxEnumerator{}
}

func (e *LinuxEnumerator) ListDevices(ctx context.Context) ([]Device, error) {
	slog.Info("device_enumeration_start")

	out, err := runLsblk(ctx)
	if err != nil {
		slog.Error("device_enumeration_failed", "error", err)
		return nil, &EnumerationError{Op: "lsblk", Err: err}
	}

	devices, err := parseLsblk(out)
	if err != nil {
		slog.Error("device_enumeration_parse_failed", "error", err)
		return nil, &EnumerationError{Op: "parse", Err: err}
	}

	slog.Info("device_enumeration_complete", "device_count", len(devices))
	return devices, nil
}

func (e *LinuxEnumerator) FindDevice(ctx context.Context, path string) (*Device, error) {
	slog.Info("device_lookup", "device", path)

	out, err := runLsblk(ctx, path)
	if err != nil {
		// lsblk exits non-zero when the node is gone; report absence,
		// not failure, so callers can distinguish the two.
		if _, ok := err.(*exec.ExitError); ok {
			slog.Info("device_not_found", "device", path)
			return nil, nil
		}
		return nil, &EnumerationError{Op: "lsblk", Err: err}
	}

	devices, err := parseLsblk(out)
	if err != nil {
		return nil, &EnumerationError{Op: "parse", Err: err}
	}
	for i := range devices {
		if devices[i].Path == path {
			return &devices[i], nil
		}
	}
	slog.Info("device_not_found", "device", path)
	return nil, nil
}

func runLsblk(ctx context.Context, args ...string) ([]byte, error) {
	argv := append([]string{"--json", "--bytes", "--output", lsblkColumns}, args...)
	return exec.CommandContext(ctx, "lsblk", argv...).Output()
}

// lsblk emits RM/RO as booleans on current util-linux and as "0"/"1"
// strings on older releases; flexBool accepts both.
type flexBool bool

func (b *flexBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	switch s {
	case "true", "1":
		*b = true
	default:
		*b = false
	}
	return nil
}

type flexInt64 int64

func (n *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*n = flexInt64(v)
	return nil
}

type lsblkDocument struct {
	BlockDevices []lsblkRow `json:"blockdevices"`
}

type lsblkRow struct {
	Name        string     `json:"name"`
	Path        string     `json:"path"`
	Size        flexInt64  `json:"size"`
	Removable   flexBool   `json:"rm"`
	ReadOnly    flexBool   `json:"ro"`
	Type        string     `json:"type"`
	Transport   string     `json:"tran"`
	MountPoints []string   `json:"mountpoints"`
	MountPoint  string     `json:"mountpoint"`
	Children    []lsblkRow `json:"children"`
}

// mounts flattens the row's own mount points and those of its children.
func (r *lsblkRow) mounts() []string {
	var out []string
	add := func(mp string) {
		if mp != "" {
			out = append(out, mp)
		}
	}
	for _, mp := range r.MountPoints {
		add(mp)
	}
	add(r.MountPoint)
	for _, c := range r.Children {
		out = append(out, c.mounts()...)
	}
	return out
}

func parseLsblk(out []byte) ([]Device, error) {
	var doc lsblkDocument
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, err
	}

	var devices []Device
	for _, row := range doc.BlockDevices {
		if row.Type != "disk" {
			continue
		}
		path := row.Path
		if path == "" {
			path = "/dev/" + row.Name
		}
		mounts := row.mounts()
		devices = append(devices, Device{
			Path:           path,
			SizeBytes:      int64(row.Size),
			Removable:      bool(row.Removable),
			WriteProtected: bool(row.ReadOnly),
			Transport:      normalizeTransport(row.Transport),
			SystemDisk:     isSystemDisk(mounts),
			MountPoints:    mounts,
		})
	}
	return devices, nil
}

func normalizeTransport(tran string) Transport {
	switch tran {
	case "usb":
		return TransportUSB
	case "mmc", "sd":
		return TransportSD
	case "sata", "nvme", "ata", "scsi":
		return TransportInternal
	default:
		return TransportUnknown
	}
}

// isSystemDisk reports whether the mount set marks the disk as backing
// the running OS: root, a boot partition, or active swap.
func isSystemDisk(mounts []string) bool {
	for _, mp := range mounts {
		switch mp {
		case "/", "/boot", "/boot/efi", "[SWAP]":
			return true
		}
	}
	return false
}
