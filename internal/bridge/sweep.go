package bridge

import (
	"context"
	"time"
)

// Sweep runs a periodic task until its context is cancelled. A failing run is
// logged and the next tick runs again.
type Sweep struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error
	logger   Logger
}

func NewSweep(name string, interval time.Duration, run func(ctx context.Context) error, logger Logger) *Sweep {
	if logger == nil {
		logger = NewNopLogger()
	}
	return &Sweep{name: name, interval: interval, run: run, logger: logger}
}

func (s *Sweep) Name() string { return s.name }

// Run executes the task once immediately and then every interval. It returns
// nil when ctx is cancelled.
func (s *Sweep) Run(ctx context.Context) error {
	s.logger.Info("sweep started", "sweep", s.name, "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep run failed", "sweep", s.name, "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("sweep stopped", "sweep", s.name)
			return nil
		case <-ticker.C:
		}
	}
}

// FinalizeSweep runs m.FinalizeSnapshots every interval.
func FinalizeSweep(m *SnapshotManager, interval time.Duration) *Sweep {
	return NewSweep("finalize-snapshots", interval, func(ctx context.Context) error {
		_, err := m.FinalizeSnapshots(ctx)
		return err
	}, m.deps.Logger)
}

// ExpireSweep runs m.ExpireRestorations every interval.
func ExpireSweep(m *RestoreManager, interval time.Duration) *Sweep {
	return NewSweep("expire-restorations", interval, func(ctx context.Context) error {
		_, err := m.ExpireRestorations(ctx)
		return err
	}, m.deps.Logger)
}
