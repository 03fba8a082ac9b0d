package notify

import (
	"fmt"

	"github.com/nats-io/nats.go"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
)

// NewTransportFromConfig creates a NotificationTransport implementation based
// on the notify config type. nc is only used for type=nats.
func NewTransportFromConfig(cfg config.NotifyConfig, nc *nats.Conn, prefix string, logger bridge.Logger) (bridge.NotificationTransport, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryTransport(), nil
	case "log":
		return NewLogTransport(logger), nil
	case "nats":
		if nc == nil {
			return nil, fmt.Errorf("nats notify transport requires a nats connection (set nats.url)")
		}
		return NewNATSTransport(nc, prefix), nil
	default:
		return nil, fmt.Errorf("unknown notify type: %s", cfg.Type)
	}
}
