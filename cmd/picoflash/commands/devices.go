package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/picoflash/picoflash/internal/config"
	"github.com/picoflash/picoflash/pkg/blockdev"
	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/picoflash/picoflash/pkg/safety"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List block devices with their safety verdicts",
	RunE:  runDevices,
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	enum := blockdev.NewEnumerator()
	devices, err := enum.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "device enumeration failed")
	}

	if len(devices) == 0 {
		fmt.Println("No block devices found")
		return nil
	}

	validator := safety.NewValidator(cfg.MinDeviceBytes, cfg.MaxDeviceBytes)

	fmt.Printf("%-16s %-10s %-6s %-8s %-30s %s\n", "DEVICE", "SIZE", "TRAN", "VERDICT", "MOUNTS", "REASONS")
	fmt.Println(strings.Repeat("-", 100))

	for _, dev := range devices {
		res := validator.Validate(dev)
		mounts := "-"
		if len(dev.MountPoints) > 0 {
			mounts = strings.Join(dev.MountPoints, ",")
		}
		reasons := "-"
		if len(res.Reasons) > 0 {
			reasons = strings.Join(res.Reasons, "; ")
		}
		fmt.Printf("%-16s %-10s %-6s %-8s %-30s %s\n",
			dev.Path, humanSize(dev.SizeBytes), dev.Transport, res.Verdict, mounts, reasons)
	}

	return nil
}

func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%c", float64(bytes)/float64(div), "KMGTPE"[exp])
}
