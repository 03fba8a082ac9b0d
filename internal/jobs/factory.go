package jobs

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

// NewGatewayFromConfig creates a JobGateway implementation based on the jobs
// config type. nc is only used for type=nats.
func NewGatewayFromConfig(cfg config.JobsConfig, nc *nats.Conn, prefix string, logger bridge.Logger) (bridge.JobGateway, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryGateway(), nil
	case "log":
		return NewLogGateway(logger), nil
	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("nats job gateway requires a nats connection (set nats.url)")
		}
		return NewNATSGateway(nc, prefix, nil)
	default:
		return nil, fmt.Errorf("unknown jobs type: %s", cfg.Type)
	}
}
