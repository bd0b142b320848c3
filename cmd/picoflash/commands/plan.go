package commands

import (
	"context"
	"fmt"

	"github.com/picoflash/picoflash/internal/config"
	"github.com/picoflash/picoflash/pkg/blockdev"
	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/picoflash/picoflash/pkg/layout"
	"github.com/picoflash/picoflash/pkg/safety"
	"github.com/spf13/cobra"
)

var planCmd = &cobra.Command{
	Use:   "plan <device>",
	Short: "Show the partition plan for a device without touching it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

func init() {
	rootCmd.AddCommand(planCmd)
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	// Accept a partition node and target its whole disk.
	devicePath := blockdev.BaseDisk(args[0])

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	enum := blockdev.NewEnumerator()
	dev, err := enum.FindDevice(ctx, devicePath)
	if err != nil {
		return errors.Wrap(err, "device lookup failed")
	}
	if dev == nil {
		return fmt.Errorf("device %s not found", devicePath)
	}

	validator := safety.NewValidator(cfg.MinDeviceBytes, cfg.MaxDeviceBytes)
	res := validator.Validate(*dev)
	fmt.Printf("Device:  %s (%s, %s)\n", dev.Path, humanSize(dev.SizeBytes), dev.Transport)
	fmt.Printf("Verdict: %s\n", res)
	if !res.Safe() {
		return fmt.Errorf("device %s failed safety validation", devicePath)
	}

	plan, err := layout.Compute(*dev, cfg.LayoutSpec(), cfg.LayoutOptions())
	if err != nil {
		return errors.Wrap(err, "partition planning failed")
	}

	fmt.Printf("Layout:  %s (%s table)\n\n", plan.Spec, plan.TableType)
	fmt.Printf("%-14s %-12s %-12s %-12s %s\n", "PARTITION", "START", "END", "SIZE", "FILESYSTEM")
	for _, p := range plan.Partitions {
		fmt.Printf("%-14s %-12d %-12d %-12s %s\n",
			p.Path(plan.DevicePath), p.StartBytes, p.EndBytes(), humanSize(p.SizeBytes), p.Filesystem)
	}
	if target := plan.FlashTarget(); target != nil {
		fmt.Printf("\nFirmware target: %s\n", target.Path(plan.DevicePath))
	}

	return nil
}
