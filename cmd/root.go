package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global output flags only
	verbose      bool
	quiet        bool
	outputFormat string

	// cfgFile is the optional path to a razorfs.yaml config file, shared
	// by every subcommand that opens a filesystem image.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "razorfs",
	Short: "RAZORFS metadata-engine and image tool",
	Long: `razorfs drives the RAZORFS in-memory metadata engine and its
crash-safe, journalled image format from the command line.

Commands:
  mkfs       Create a fresh, empty filesystem image
  fsck       Load an image (replaying its journal) and report its health
  ls         List a directory's entries
  find       Walk the tree, filtering by name pattern or minimum size
  extract    Copy a file's content out of the image to the host
  config     Print the resolved configuration`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a razorfs.yaml config file")
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verbose
}

// GetQuiet returns the quiet flag value
func GetQuiet() bool {
	return quiet
}

// GetOutputFormat returns the output format
func GetOutputFormat() string {
	return outputFormat
}
