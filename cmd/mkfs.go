package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var mkfsCmd = &cobra.Command{
	Use:   "mkfs [image-path]",
	Short: "Create a fresh, empty filesystem image",
	Long: `Create a new RAZORFS image containing only the root directory.

Examples:
  # Create a 256 MiB image (65536 blocks at the default 4 KiB block size)
  razorfs mkfs ./data.img`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMkfs(args[0])
	},
}

func init() {
	rootCmd.AddCommand(mkfsCmd)
}

func runMkfs(imagePath string) error {
	fsys, cfg, err := openImage(imagePath)
	if err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}
	if err := closeImage(fsys); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	if !quiet {
		fmt.Printf("created %s (%d blocks at %d bytes, mode %s)\n",
			cfg.ImagePath, cfg.BackingRegionBlocks, cfg.BlockSize, cfg.PersistenceMode)
	}
	return nil
}
