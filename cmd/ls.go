package cmd

import (
	"fmt"

	"github.com/deploymenttheory/razorfs/internal/fs"
	"github.com/deploymenttheory/razorfs/internal/inode"
	"github.com/spf13/cobra"
)

var (
	lsPath      string
	lsRecursive bool
)

var lsCmd = &cobra.Command{
	Use:   "ls [image-path]",
	Short: "List a directory's entries",
	Long: `List the entries of a directory within a RAZORFS image.

Examples:
  # List the root directory
  razorfs ls ./data.img

  # List a subdirectory, recursively
  razorfs ls ./data.img --path /docs --recursive`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runLs(args[0])
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)

	lsCmd.Flags().StringVarP(&lsPath, "path", "p", "/", "directory to list")
	lsCmd.Flags().BoolVarP(&lsRecursive, "recursive", "r", false, "descend into subdirectories")
}

func runLs(imagePath string) error {
	fsys, _, err := openImage(imagePath)
	if err != nil {
		return fmt.Errorf("ls: %w", err)
	}
	defer closeImage(fsys)

	return lsWalk(fsys, lsPath)
}

func lsWalk(fsys *fs.Filesystem, path string) error {
	entries, err := fsys.ReadDir(path)
	if err != nil {
		return fmt.Errorf("ls: %q: %w", path, err)
	}

	if !quiet {
		fmt.Printf("%s:\n", path)
	}
	for _, e := range entries {
		kind := "-"
		if e.Mode&inode.ModeTypeMask == inode.ModeDir {
			kind = "d"
		}
		fmt.Printf("%s %6o %8d  %s\n", kind, e.Mode&^inode.ModeTypeMask, e.Inode, e.Name)
	}

	if !lsRecursive {
		return nil
	}
	for _, e := range entries {
		if e.Mode&inode.ModeTypeMask != inode.ModeDir {
			continue
		}
		sub := path
		if sub != "/" {
			sub += "/"
		}
		sub += e.Name
		if err := lsWalk(fsys, sub); err != nil {
			return err
		}
	}
	return nil
}
