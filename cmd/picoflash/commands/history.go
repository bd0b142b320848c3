package commands

import (
	"fmt"

	"github.com/picoflash/picoflash/internal/config"
	"github.com/picoflash/picoflash/pkg/db"
	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history [device]",
	Short: "List past flash runs, optionally filtered by device",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	var runs []*db.FlashRun
	if len(args) == 1 {
		runs, err = repo.ListByDevice(args[0])
	} else {
		runs, err = repo.List()
	}
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(runs) == 0 {
		fmt.Println("No flash runs found")
		return nil
	}

	fmt.Printf("%-5s %-16s %-14s %-24s %-16s %-12s %s\n",
		"ID", "DEVICE", "LAYOUT", "STATUS", "LAST STEP", "WRITTEN", "STARTED")
	fmt.Println("---------------------------------------------------------------------------------------------------------")

	for _, run := range runs {
		lastStep := run.LastStep
		if lastStep == "" {
			lastStep = "-"
		}
		written := "-"
		if run.BytesWritten > 0 {
			written = humanSize(run.BytesWritten)
		}
		fmt.Printf("%-5d %-16s %-14s %-24s %-16s %-12s %s\n",
			run.ID, run.DevicePath, run.Layout, run.Status, lastStep, written, run.CreatedAt)
	}

	return nil
}
