package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/picoflash/picoflash/internal/config"
	"github.com/picoflash/picoflash/pkg/blockdev"
	"github.com/picoflash/picoflash/pkg/db"
	"github.com/picoflash/picoflash/pkg/disktool"
	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/picoflash/picoflash/pkg/safety"
	"github.com/picoflash/picoflash/pkg/storage"
	"github.com/picoflash/picoflash/pkg/workflow"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var (
	flashImagePath string
	flashImageKey  string
)

var flashCmd = &cobra.Command{
	Use:   "flash <device>",
	Short: "Unmount, partition, format, and flash a device",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlash,
}

func init() {
	flashCmd.Flags().StringVar(&flashImagePath, "image", "", "Local firmware image to write")
	flashCmd.Flags().StringVar(&flashImageKey, "image-key", "", "S3 key of the firmware image to fetch and write")
	rootCmd.AddCommand(flashCmd)
}

func runFlash(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	// Accept a partition node and target its whole disk.
	devicePath := blockdev.BaseDisk(args[0])

	if flashImagePath != "" && flashImageKey != "" {
		return fmt.Errorf("--image and --image-key are mutually exclusive")
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := disktool.CheckTools(); err != nil {
		return err
	}

	// Ensure all necessary directories exist
	if err := ensureDirectories(cfg.SQLitePath, cfg.FSMDBPath, cfg.WorkDir); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	var store *storage.Client
	if flashImageKey != "" {
		if cfg.S3Bucket == "" {
			return fmt.Errorf("--image-key requires an s3-bucket")
		}
		store, err = storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
		if err != nil {
			return errors.Wrap(err, "S3 client failed")
		}
	}

	disk, err := disktool.NewManager()
	if err != nil {
		return err
	}

	reporter := workflow.Async(workflow.LogReporter{})
	defer reporter.Close()

	machine := workflow.NewMachine(workflow.Config{
		Enumerator:    blockdev.NewEnumerator(),
		Validator:     safety.NewValidator(cfg.MinDeviceBytes, cfg.MaxDeviceBytes),
		Disk:          disk,
		Store:         store,
		Repo:          repo,
		Reporter:      reporter,
		WorkDir:       cfg.WorkDir,
		BlockSize:     int(cfg.BlockSize),
		LayoutOptions: cfg.LayoutOptions(),
		Verify:        cfg.Verify,
	})

	// First interrupt requests a clean abort; the run stops before the
	// next destructive call. A second interrupt kills the process.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Warn("abort_requested", "device", devicePath)
		machine.Abort()
		<-sigCh
		os.Exit(1)
	}()
	defer signal.Stop(sigCh)

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "workflow manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "workflow register failed")
	}

	req := &workflow.FlashRequest{
		DevicePath: devicePath,
		Layout:     cfg.LayoutSpec(),
		ImagePath:  flashImagePath,
		ImageKey:   flashImageKey,
	}
	resp := &workflow.FlashResponse{}

	version, err := start(ctx, devicePath, fsm.NewRequest(req, resp))
	if err != nil {
		return errors.Wrap(err, "workflow start failed")
	}

	slog.Info("workflow_started", "version", version, "device", devicePath)

	if err := manager.Wait(ctx, version); err != nil {
		return errors.Wrap(err, "workflow execution failed")
	}

	slog.Info("flash_completed",
		"status", resp.Status,
		"device", devicePath,
		"run_id", resp.RunID,
		"bytes_written", resp.BytesWritten,
		"warnings", len(resp.Warnings))

	for _, w := range resp.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
	if resp.Status != db.StatusCompleted && resp.Status != db.StatusCompletedWithWarnings {
		return fmt.Errorf("flash run ended with status %s: %s", resp.Status, resp.ErrorMessage)
	}

	return nil
}
