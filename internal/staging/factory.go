package staging

import (
	"fmt"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

// NewStagingAreaFromConfig creates a StagingArea implementation based on the config type.
func NewStagingAreaFromConfig(cfg config.StagingConfig) (bridge.StagingArea, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStagingArea(), nil
	case "filesystem":
		if cfg.ContentRootDir == "" || cfg.RestorationRootDir == "" {
			return nil, fmt.Errorf("filesystem staging area requires content_root_dir and restoration_root_dir to be set")
		}
		return NewFileSystemStagingArea(cfg.ContentRootDir, cfg.RestorationRootDir)
	default:
		return nil, fmt.Errorf("unknown staging area type: %s", cfg.Type)
	}
}
