package testutil

import (
	"testing"

	"snapbridge/internal/bridge"
	"snapbridge/internal/credentials"
	"snapbridge/internal/database"
	"snapbridge/internal/jobs"
	"snapbridge/internal/manifest"
	"snapbridge/internal/notify"
	"snapbridge/internal/staging"
	"snapbridge/internal/taskclient"
)

// Operator addresses every Harness dispatcher copies.
const (
	OperatorEmail = "ops@example.org"
	NodeEmail     = "node@example.org"
)

// Harness wires the lifecycle managers to in-memory collaborators whose
// failure-injection fields tests can set.
type Harness struct {
	Repo        *database.SQLiteRepository
	Jobs        *jobs.MemoryGateway
	Staging     *staging.MemoryStagingArea
	Manifests   *manifest.MemoryStore
	Tasks       *taskclient.MemoryFactory
	Transport   *notify.MemoryTransport
	Credentials *credentials.Static
	Observer    *RecordingObserver
	Logger      *RecordingLogger
	Clock       *StubClock
}

func NewHarness(t *testing.T) *Harness {
	t.Helper()
	return &Harness{
		Repo:        NewTestRepository(t),
		Jobs:        jobs.NewMemoryGateway(),
		Staging:     staging.NewMemoryStagingArea(),
		Manifests:   manifest.NewMemoryStore(),
		Tasks:       taskclient.NewMemoryFactory(),
		Transport:   notify.NewMemoryTransport(),
		Credentials: &credentials.Static{Default: bridge.Credentials{Username: "bridge", Password: "secret"}},
		Observer:    &RecordingObserver{},
		Logger:      &RecordingLogger{},
		Clock:       FixedClock(),
	}
}

// Deps returns the Dependencies for a manager under test.
func (h *Harness) Deps() bridge.Dependencies {
	return bridge.Dependencies{
		Repository:  h.Repo,
		Jobs:        h.Jobs,
		Staging:     h.Staging,
		Tasks:       h.Tasks,
		Credentials: h.Credentials,
		Notifier:    bridge.NewDispatcher(h.Transport, []string{OperatorEmail}, h.Logger, h.Clock, NewPrefixedIDGenerator("n"), h.Observer),
		Manifests:   bridge.NewManifestIndex(h.Repo, h.Manifests, h.Logger),
		Observer:    h.Observer,
		Logger:      h.Logger,
		Clock:       h.Clock,
	}
}

func (h *Harness) SnapshotManager() *bridge.SnapshotManager {
	return bridge.NewSnapshotManager(h.Deps())
}

// RestoreManager returns a manager expiring restorations after days.
func (h *Harness) RestoreManager(days int) *bridge.RestoreManager {
	return bridge.NewRestoreManager(h.Deps(), &bridge.RestoreConfig{
		NodeEmails:   []string{NodeEmail},
		DaysToExpire: days,
	})
}
