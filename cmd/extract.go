package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	extractSource string
	extractDest   string
)

var extractCmd = &cobra.Command{
	Use:   "extract [image-path]",
	Short: "Copy a file's content out of the image to the host",
	Long: `Read a single file from a RAZORFS image and write its content to a
host-filesystem path.

Examples:
  razorfs extract ./data.img --source /docs/report.txt --dest ./report.txt`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtract(args[0])
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)

	extractCmd.Flags().StringVarP(&extractSource, "source", "s", "", "file path inside the image (required)")
	extractCmd.Flags().StringVarP(&extractDest, "dest", "d", "", "destination path on the host (required)")
	extractCmd.MarkFlagRequired("source")
	extractCmd.MarkFlagRequired("dest")
}

func runExtract(imagePath string) error {
	fsys, _, err := openImage(imagePath)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	defer closeImage(fsys)

	attr, err := fsys.Lookup(extractSource)
	if err != nil {
		return fmt.Errorf("extract: %q: %w", extractSource, err)
	}

	content := make([]byte, attr.Size)
	if attr.Size > 0 {
		if _, err := fsys.Read(extractSource, content, 0); err != nil {
			return fmt.Errorf("extract: read %q: %w", extractSource, err)
		}
	}

	if err := os.WriteFile(extractDest, content, 0o644); err != nil {
		return fmt.Errorf("extract: write %q: %w", extractDest, err)
	}

	if !quiet {
		fmt.Printf("extracted %s (%d bytes) to %s\n", extractSource, attr.Size, extractDest)
	}
	return nil
}
