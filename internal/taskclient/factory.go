package taskclient

import (
	"fmt"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

// NewFactoryFromConfig creates a TaskClientFactory implementation based on
// the tasks config type.
func NewFactoryFromConfig(cfg config.TasksConfig) (bridge.TaskClientFactory, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryFactory(), nil
	case "s3":
		return NewS3Factory(cfg.S3Region), nil
	default:
		return nil, fmt.Errorf("unknown tasks type: %s", cfg.Type)
	}
}
