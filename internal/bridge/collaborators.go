package bridge

import (
	"context"
	"time"
)

// JobKind names a job run by the transfer engine.
type JobKind string

const (
	// JobSnapshot copies a space's content into the staging area.
	JobSnapshot JobKind = "snapshot"
	// JobRestore records restoration history once the node has delivered.
	JobRestore JobKind = "restore"
)

// JobGateway submits asynchronous jobs keyed by an entity identifier.
// Submission is fire-and-forget; completion is reported back through the
// managers' callback operations.
type JobGateway interface {
	Submit(ctx context.Context, kind JobKind, id string) error
}

// TaskClient runs storage-side tasks against one endpoint.
type TaskClient interface {
	// CleanupSnapshot removes the space's staged content on the storage host.
	CleanupSnapshot(ctx context.Context, spaceID string) error

	// IsComplete reports whether the storage host has finished cleaning up
	// the space.
	IsComplete(ctx context.Context, spaceID string) (bool, error)
}

// TaskClientFactory builds a TaskClient for an endpoint.
type TaskClientFactory interface {
	ForEndpoint(ctx context.Context, endpoint Endpoint, creds Credentials) (TaskClient, error)
}

// CredentialResolver resolves the credentials used to reach an endpoint.
type CredentialResolver interface {
	Resolve(ctx context.Context, endpoint Endpoint) (Credentials, error)
}

// StagingArea owns the local directories used while content is in flight.
// Paths are derived from the identifier alone.
type StagingArea interface {
	SnapshotDir(snapshotID string) string
	RestoreDir(restorationID int64) string
	CreateSnapshotDir(snapshotID string) (string, error)
	CreateRestoreDir(restorationID int64) (string, error)

	// Remove methods succeed when the directory does not exist.
	RemoveSnapshotDir(snapshotID string) error
	RemoveRestoreDir(restorationID int64) error
}

// ManifestStore persists snapshot manifest files.
type ManifestStore interface {
	// Append adds e to the snapshot's manifests.
	Append(snapshotID string, e ManifestEntry) error

	// Entries reads the authoritative SHA-256 manifest in file order.
	Entries(snapshotID string) ([]ManifestEntry, error)
}

// Observer receives lifecycle measurements.
type Observer interface {
	Transition(entity, from, to string)
	JobSubmitted(kind JobKind, err error)
	NotificationSent(event string, err error)
	SweepCompleted(sweep string, processed, failed int, elapsed time.Duration)
}

// NopObserver discards all measurements.
type NopObserver struct{}

func (NopObserver) Transition(string, string, string)              {}
func (NopObserver) JobSubmitted(JobKind, error)                    {}
func (NopObserver) NotificationSent(string, error)                 {}
func (NopObserver) SweepCompleted(string, int, int, time.Duration) {}
