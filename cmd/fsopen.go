package cmd

import (
	"context"

	"github.com/deploymenttheory/razorfs/internal/config"
	"github.com/deploymenttheory/razorfs/internal/fs"
)

// loadConfig resolves the shared config file (--config) and overrides its
// image_path with the positional image argument every subcommand takes,
// the same layering internal/config's viper setup already applies to
// environment variables.
func loadConfig(imagePath string) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if imagePath != "" {
		cfg.ImagePath = imagePath
	}
	return cfg, nil
}

// openImage loads cfg's image (replaying its journal and recovering from
// corruption per internal/persist's protocol) into a live Filesystem.
func openImage(imagePath string) (*fs.Filesystem, *config.Config, error) {
	cfg, err := loadConfig(imagePath)
	if err != nil {
		return nil, nil, err
	}
	fsys, err := fs.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	return fsys, cfg, nil
}

// closeImage performs a final save and releases the image's journal file.
func closeImage(fsys *fs.Filesystem) error {
	return fsys.Shutdown(context.Background())
}
