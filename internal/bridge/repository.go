package bridge

import "context"

// Repository provides durable storage for snapshots, restorations, content
// items and the operation log. Find methods return (nil, nil) when nothing
// matches. Update methods apply only when the stored Version equals the
// record's Version and return ErrConflict otherwise; on success the record's
// Version is advanced.
type Repository interface {
	SnapshotRepository
	RestorationRepository
	ContentRepository
	OperationLog

	// Close releases the underlying connection.
	Close() error
}

// SnapshotRepository stores Snapshot rows.
type SnapshotRepository interface {
	FindSnapshot(ctx context.Context, id string) (*Snapshot, error)

	// FindSnapshotsByStatus returns snapshots in status, oldest first.
	FindSnapshotsByStatus(ctx context.Context, status SnapshotStatus) ([]*Snapshot, error)

	// FindSnapshotsBySourceHost returns snapshots taken from host, or all
	// snapshots when host is empty, newest first.
	FindSnapshotsBySourceHost(ctx context.Context, host string) ([]*Snapshot, error)

	// InsertSnapshot returns ErrAlreadyExists when the ID is taken.
	InsertSnapshot(ctx context.Context, s *Snapshot) error

	UpdateSnapshot(ctx context.Context, s *Snapshot) error

	// DeleteSnapshot removes the snapshot and its content items.
	DeleteSnapshot(ctx context.Context, id string) error
}

// RestorationRepository stores Restoration rows.
type RestorationRepository interface {
	FindRestoration(ctx context.Context, id int64) (*Restoration, error)

	// FindRestorationsByStatus returns restorations in status, oldest first.
	FindRestorationsByStatus(ctx context.Context, status RestoreStatus) ([]*Restoration, error)

	// InsertRestoration assigns r.ID.
	InsertRestoration(ctx context.Context, r *Restoration) error

	UpdateRestoration(ctx context.Context, r *Restoration) error
}

// ContentRepository stores the content index of each snapshot.
type ContentRepository interface {
	// InsertContentItem returns ErrAlreadyExists when the snapshot already
	// holds an item with the same content ID.
	InsertContentItem(ctx context.Context, item *ContentItem) error

	DeleteContentItem(ctx context.Context, snapshotID, contentID string) error

	// CountContentItems counts items whose content ID starts with prefix.
	CountContentItems(ctx context.Context, snapshotID, prefix string) (int64, error)

	// FindContentItems returns one page of items whose content ID starts with
	// prefix, ordered by content ID ascending.
	FindContentItems(ctx context.Context, snapshotID, prefix string, page, pageSize int) ([]*ContentItem, error)
}

// OperationLog records commands run against the bridge.
type OperationLog interface {
	CreateOperation(ctx context.Context, operation, parameters string) (*Operation, error)
	FinishOperation(ctx context.Context, id int64, status string) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(ctx context.Context, limit int) ([]*Operation, error)
}
