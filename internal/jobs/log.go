package jobs

import (
	"context"

	"snapbridge/internal/bridge"
)

// LogGateway only logs submitted jobs. It stands in for the transfer engine
// on installations where jobs are started by hand.
type LogGateway struct {
	logger bridge.Logger
}

var _ bridge.JobGateway = (*LogGateway)(nil)

func NewLogGateway(logger bridge.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Submit(ctx context.Context, kind bridge.JobKind, id string) error {
	g.logger.Info("job submitted", "kind", string(kind), "id", id)
	return nil
}
