package commands

import (
	"context"
	"fmt"

	"github.com/picoflash/picoflash/internal/config"
	"github.com/picoflash/picoflash/pkg/errors"
	"github.com/picoflash/picoflash/pkg/storage"
	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images [prefix]",
	Short: "List firmware images available in the S3 bucket",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runImages,
}

func init() {
	rootCmd.AddCommand(imagesCmd)
}

func runImages(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if cfg.S3Bucket == "" {
		return fmt.Errorf("no s3-bucket configured")
	}

	client, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region)
	if err != nil {
		return errors.Wrap(err, "S3 client failed")
	}

	prefix := ""
	if len(args) == 1 {
		prefix = args[0]
	}

	keys, err := client.ListImages(ctx, prefix)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(keys) == 0 {
		fmt.Println("No images found")
		return nil
	}
	for _, key := range keys {
		fmt.Println(key)
	}

	return nil
}
