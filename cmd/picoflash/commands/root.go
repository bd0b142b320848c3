package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "picoflash",
	Short: "SD card preparation for embedded targets",
	Long:  `Partitions, formats, and flashes removable media for embedded targets, with safety validation and run history.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/runs.db", "SQLite run history path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "Workflow state BoltDB path")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket holding firmware images")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/picoflash", "Working directory for fetched images")
	rootCmd.PersistentFlags().String("layout", "fat32+system", "Partition layout: fat32-only, fat32+system, fat32+ext4")
	rootCmd.PersistentFlags().Int64("min-device-bytes", 64*1024*1024, "Smallest acceptable device size")
	rootCmd.PersistentFlags().Int64("max-device-bytes", 2*1024*1024*1024*1024, "Largest acceptable device size (0 disables)")
	rootCmd.PersistentFlags().Bool("verify", true, "Probe filesystems after preparation")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("layout", rootCmd.PersistentFlags().Lookup("layout"))
	viper.BindPFlag("min-device-bytes", rootCmd.PersistentFlags().Lookup("min-device-bytes"))
	viper.BindPFlag("max-device-bytes", rootCmd.PersistentFlags().Lookup("max-device-bytes"))
	viper.BindPFlag("verify", rootCmd.PersistentFlags().Lookup("verify"))
}
