package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the resolved configuration",
	Long: `Print the persistence and storage options razorfs would use for a
command against the given image, after layering --config, RAZORFS_*
environment variables, and the built-in defaults.

Examples:
  razorfs config ./data.img`,

	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		imagePath := ""
		if len(args) == 1 {
			imagePath = args[0]
		}
		return runConfig(imagePath)
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(imagePath string) error {
	cfg, err := loadConfig(imagePath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	fmt.Printf("persistence_mode:        %s\n", cfg.PersistenceMode)
	fmt.Printf("auto_sync_interval_ms:   %d\n", cfg.AutoSyncIntervalMS)
	fmt.Printf("backing_region_blocks:   %d\n", cfg.BackingRegionBlocks)
	fmt.Printf("block_size:              %d\n", cfg.BlockSize)
	fmt.Printf("debug_verbosity:         %d\n", cfg.DebugVerbosity)
	fmt.Printf("snapshot_path_override:  %s\n", cfg.SnapshotPathOverride)
	fmt.Printf("image_path:              %s\n", cfg.ImagePath)
	fmt.Printf("journal_path:            %s\n", cfg.JournalPath())
	return nil
}
