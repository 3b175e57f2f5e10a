package cmd

import (
	"errors"
	"fmt"
	stdpath "path"
	"strings"

	"github.com/deploymenttheory/razorfs/internal/fs"
	"github.com/deploymenttheory/razorfs/internal/inode"
	"github.com/spf13/cobra"
)

var errFindLimitReached = errors.New("find: result limit reached")

var (
	findNamePattern string
	findMinSize     uint64
	findMaxResults  int
)

var findCmd = &cobra.Command{
	Use:   "find [image-path]",
	Short: "Walk the tree, filtering by name substring or minimum size",
	Long: `Recursively walk every directory in a RAZORFS image, printing the
full path of every entry matching the given filters.

Examples:
  # Every entry whose name contains "report"
  razorfs find ./data.img --name report

  # Every file at least 1 MiB
  razorfs find ./data.img --min-size 1048576`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFind(args[0])
	},
}

func init() {
	rootCmd.AddCommand(findCmd)

	findCmd.Flags().StringVarP(&findNamePattern, "name", "n", "", "match entries whose name contains this substring")
	findCmd.Flags().Uint64Var(&findMinSize, "min-size", 0, "match files at least this many bytes")
	findCmd.Flags().IntVar(&findMaxResults, "limit", 1000, "maximum results to print")
}

func runFind(imagePath string) error {
	fsys, _, err := openImage(imagePath)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	defer closeImage(fsys)

	count := 0
	err = findWalk(fsys, "/", func(path string, attr fs.Attr) error {
		if count >= findMaxResults {
			return errFindLimitReached
		}
		if findNamePattern != "" && !strings.Contains(stdpath.Base(path), findNamePattern) {
			return nil
		}
		if attr.Mode&inode.ModeTypeMask == inode.ModeRegular && attr.Size < findMinSize {
			return nil
		}
		fmt.Println(path)
		count++
		return nil
	})
	if err != nil && !errors.Is(err, errFindLimitReached) {
		return fmt.Errorf("find: %w", err)
	}
	return nil
}

func findWalk(fsys *fs.Filesystem, dir string, visit func(string, fs.Attr) error) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, e := range entries {
		path := dir
		if path != "/" {
			path += "/"
		}
		path += e.Name

		attr, err := fsys.Lookup(path)
		if err != nil {
			continue
		}
		if err := visit(path, attr); err != nil {
			return err
		}
		if e.Mode&inode.ModeTypeMask == inode.ModeDir {
			if err := findWalk(fsys, path, visit); err != nil {
				return err
			}
		}
	}
	return nil
}
