package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"snapbridge/internal/bridge"
)

// newTestRepo creates a new in-memory repository with migrations applied.
func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	repo, err := NewSQLiteRepository(":memory:")
	if err != nil {
		t.Fatalf("failed to create database: %v", err)
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
	})
	return repo
}

var testTime = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func newSnapshot(id string) *bridge.Snapshot {
	return &bridge.Snapshot{
		ID:           id,
		Description:  "test snapshot",
		Source:       bridge.Endpoint{Host: "host.example.org", Port: 443, StoreID: "0", SpaceID: "space"},
		Status:       bridge.SnapshotInitialized,
		UserEmail:    "user@example.org",
		SnapshotDate: testTime,
		StartDate:    testTime,
		Modified:     testTime,
	}
}

func insertSnapshot(t *testing.T, repo *SQLiteRepository, id string) *bridge.Snapshot {
	t.Helper()
	s := newSnapshot(id)
	if err := repo.InsertSnapshot(context.Background(), s); err != nil {
		t.Fatalf("InsertSnapshot() error = %v", err)
	}
	return s
}

func TestSQLiteRepository_Snapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("returns nil when snapshot not found", func(t *testing.T) {
		repo := newTestRepo(t)

		s, err := repo.FindSnapshot(ctx, "missing")
		if err != nil {
			t.Fatalf("FindSnapshot() error = %v", err)
		}
		if s != nil {
			t.Errorf("FindSnapshot() = %v, want nil", s)
		}
	})

	t.Run("insert and find round trip", func(t *testing.T) {
		repo := newTestRepo(t)
		want := insertSnapshot(t, repo, "snap-1")

		if want.Version != 1 {
			t.Errorf("Version after insert = %d, want 1", want.Version)
		}

		got, err := repo.FindSnapshot(ctx, "snap-1")
		if err != nil {
			t.Fatalf("FindSnapshot() error = %v", err)
		}
		if got == nil {
			t.Fatal("FindSnapshot() = nil, want snapshot")
		}
		if got.Source != want.Source {
			t.Errorf("Source = %+v, want %+v", got.Source, want.Source)
		}
		if got.Status != bridge.SnapshotInitialized {
			t.Errorf("Status = %q, want %q", got.Status, bridge.SnapshotInitialized)
		}
		if !got.SnapshotDate.Equal(testTime) {
			t.Errorf("SnapshotDate = %v, want %v", got.SnapshotDate, testTime)
		}
		if got.EndDate != nil {
			t.Errorf("EndDate = %v, want nil", got.EndDate)
		}
	})

	t.Run("duplicate insert returns ErrAlreadyExists", func(t *testing.T) {
		repo := newTestRepo(t)
		insertSnapshot(t, repo, "snap-1")

		err := repo.InsertSnapshot(ctx, newSnapshot("snap-1"))
		if !errors.Is(err, bridge.ErrAlreadyExists) {
			t.Errorf("InsertSnapshot() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("update bumps version", func(t *testing.T) {
		repo := newTestRepo(t)
		s := insertSnapshot(t, repo, "snap-1")

		end := testTime.Add(time.Hour)
		s.Status = bridge.SnapshotComplete
		s.EndDate = &end
		if err := repo.UpdateSnapshot(ctx, s); err != nil {
			t.Fatalf("UpdateSnapshot() error = %v", err)
		}
		if s.Version != 2 {
			t.Errorf("Version = %d, want 2", s.Version)
		}

		got, _ := repo.FindSnapshot(ctx, "snap-1")
		if got.Status != bridge.SnapshotComplete {
			t.Errorf("Status = %q, want %q", got.Status, bridge.SnapshotComplete)
		}
		if got.EndDate == nil || !got.EndDate.Equal(end) {
			t.Errorf("EndDate = %v, want %v", got.EndDate, end)
		}
		if got.Version != 2 {
			t.Errorf("stored Version = %d, want 2", got.Version)
		}
	})

	t.Run("stale update returns ErrConflict", func(t *testing.T) {
		repo := newTestRepo(t)
		insertSnapshot(t, repo, "snap-1")

		a, _ := repo.FindSnapshot(ctx, "snap-1")
		b, _ := repo.FindSnapshot(ctx, "snap-1")

		a.StatusDetail = "first"
		if err := repo.UpdateSnapshot(ctx, a); err != nil {
			t.Fatalf("UpdateSnapshot() error = %v", err)
		}
		b.StatusDetail = "second"
		if err := repo.UpdateSnapshot(ctx, b); !errors.Is(err, bridge.ErrConflict) {
			t.Errorf("UpdateSnapshot() error = %v, want ErrConflict", err)
		}
	})

	t.Run("update of missing snapshot returns ErrNotFound", func(t *testing.T) {
		repo := newTestRepo(t)
		s := newSnapshot("missing")
		s.Version = 1

		if err := repo.UpdateSnapshot(ctx, s); !errors.Is(err, bridge.ErrNotFound) {
			t.Errorf("UpdateSnapshot() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("find by status oldest first", func(t *testing.T) {
		repo := newTestRepo(t)
		for i, id := range []string{"b", "a", "c"} {
			s := newSnapshot(id)
			s.Status = bridge.SnapshotCleaningUp
			s.Modified = testTime.Add(time.Duration(i) * time.Minute)
			if err := repo.InsertSnapshot(ctx, s); err != nil {
				t.Fatalf("InsertSnapshot() error = %v", err)
			}
		}
		insertSnapshot(t, repo, "other")

		got, err := repo.FindSnapshotsByStatus(ctx, bridge.SnapshotCleaningUp)
		if err != nil {
			t.Fatalf("FindSnapshotsByStatus() error = %v", err)
		}
		var ids []string
		for _, s := range got {
			ids = append(ids, s.ID)
		}
		if len(ids) != 3 || ids[0] != "b" || ids[1] != "a" || ids[2] != "c" {
			t.Errorf("FindSnapshotsByStatus() ids = %v, want [b a c]", ids)
		}
	})

	t.Run("find by source host", func(t *testing.T) {
		repo := newTestRepo(t)
		older := newSnapshot("older")
		older.SnapshotDate = testTime.Add(-time.Hour)
		if err := repo.InsertSnapshot(ctx, older); err != nil {
			t.Fatalf("InsertSnapshot() error = %v", err)
		}
		insertSnapshot(t, repo, "newer")
		elsewhere := newSnapshot("elsewhere")
		elsewhere.Source.Host = "other.example.org"
		if err := repo.InsertSnapshot(ctx, elsewhere); err != nil {
			t.Fatalf("InsertSnapshot() error = %v", err)
		}

		got, err := repo.FindSnapshotsBySourceHost(ctx, "host.example.org")
		if err != nil {
			t.Fatalf("FindSnapshotsBySourceHost() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "newer" || got[1].ID != "older" {
			t.Errorf("FindSnapshotsBySourceHost() = %d snapshots, want [newer older]", len(got))
		}

		all, err := repo.FindSnapshotsBySourceHost(ctx, "")
		if err != nil {
			t.Fatalf("FindSnapshotsBySourceHost(\"\") error = %v", err)
		}
		if len(all) != 3 {
			t.Errorf("FindSnapshotsBySourceHost(\"\") = %d snapshots, want 3", len(all))
		}
	})

	t.Run("delete cascades to content items", func(t *testing.T) {
		repo := newTestRepo(t)
		insertSnapshot(t, repo, "snap-1")
		item := &bridge.ContentItem{SnapshotID: "snap-1", ContentID: "c1", ContentIDHash: bridge.ContentIDHash("c1")}
		if err := repo.InsertContentItem(ctx, item); err != nil {
			t.Fatalf("InsertContentItem() error = %v", err)
		}

		if err := repo.DeleteSnapshot(ctx, "snap-1"); err != nil {
			t.Fatalf("DeleteSnapshot() error = %v", err)
		}
		n, err := repo.CountContentItems(ctx, "snap-1", "")
		if err != nil {
			t.Fatalf("CountContentItems() error = %v", err)
		}
		if n != 0 {
			t.Errorf("CountContentItems() = %d, want 0", n)
		}
	})
}

func TestSQLiteRepository_Restorations(t *testing.T) {
	ctx := context.Background()

	newRestoration := func() *bridge.Restoration {
		return &bridge.Restoration{
			SnapshotID:  "snap-1",
			Destination: bridge.Endpoint{Host: "host.example.org", Port: 443, StoreID: "0", SpaceID: "restored"},
			Status:      bridge.RestoreInitialized,
			UserEmail:   "user@example.org",
			StartDate:   testTime,
			Created:     testTime,
			Modified:    testTime,
		}
	}

	t.Run("insert assigns id", func(t *testing.T) {
		repo := newTestRepo(t)
		insertSnapshot(t, repo, "snap-1")

		first, second := newRestoration(), newRestoration()
		if err := repo.InsertRestoration(ctx, first); err != nil {
			t.Fatalf("InsertRestoration() error = %v", err)
		}
		if err := repo.InsertRestoration(ctx, second); err != nil {
			t.Fatalf("InsertRestoration() error = %v", err)
		}
		if first.ID == 0 || second.ID <= first.ID {
			t.Errorf("ids = %d, %d; want increasing non-zero", first.ID, second.ID)
		}
	})

	t.Run("returns nil when restoration not found", func(t *testing.T) {
		repo := newTestRepo(t)

		r, err := repo.FindRestoration(ctx, 42)
		if err != nil {
			t.Fatalf("FindRestoration() error = %v", err)
		}
		if r != nil {
			t.Errorf("FindRestoration() = %v, want nil", r)
		}
	})

	t.Run("insert requires snapshot", func(t *testing.T) {
		repo := newTestRepo(t)

		if err := repo.InsertRestoration(ctx, newRestoration()); err == nil {
			t.Error("InsertRestoration() expected foreign key error, got nil")
		}
	})

	t.Run("update and find by status", func(t *testing.T) {
		repo := newTestRepo(t)
		insertSnapshot(t, repo, "snap-1")
		r := newRestoration()
		if err := repo.InsertRestoration(ctx, r); err != nil {
			t.Fatalf("InsertRestoration() error = %v", err)
		}

		end := testTime.Add(time.Hour)
		expires := end.Add(21 * 24 * time.Hour)
		r.Status = bridge.RestoreTransferComplete
		r.EndDate = &end
		r.ExpirationDate = &expires
		if err := repo.UpdateRestoration(ctx, r); err != nil {
			t.Fatalf("UpdateRestoration() error = %v", err)
		}

		got, err := repo.FindRestorationsByStatus(ctx, bridge.RestoreTransferComplete)
		if err != nil {
			t.Fatalf("FindRestorationsByStatus() error = %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("FindRestorationsByStatus() = %d restorations, want 1", len(got))
		}
		if got[0].ExpirationDate == nil || !got[0].ExpirationDate.Equal(expires) {
			t.Errorf("ExpirationDate = %v, want %v", got[0].ExpirationDate, expires)
		}
		if got[0].Destination.SpaceID != "restored" {
			t.Errorf("Destination.SpaceID = %q, want %q", got[0].Destination.SpaceID, "restored")
		}
	})

	t.Run("stale update returns ErrConflict", func(t *testing.T) {
		repo := newTestRepo(t)
		insertSnapshot(t, repo, "snap-1")
		r := newRestoration()
		if err := repo.InsertRestoration(ctx, r); err != nil {
			t.Fatalf("InsertRestoration() error = %v", err)
		}
		stale := *r

		if err := repo.UpdateRestoration(ctx, r); err != nil {
			t.Fatalf("UpdateRestoration() error = %v", err)
		}
		if err := repo.UpdateRestoration(ctx, &stale); !errors.Is(err, bridge.ErrConflict) {
			t.Errorf("UpdateRestoration() error = %v, want ErrConflict", err)
		}
	})
}

func TestSQLiteRepository_ContentItems(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T, ids ...string) *SQLiteRepository {
		t.Helper()
		repo := newTestRepo(t)
		insertSnapshot(t, repo, "snap-1")
		for _, id := range ids {
			item := &bridge.ContentItem{
				SnapshotID:    "snap-1",
				ContentID:     id,
				ContentIDHash: bridge.ContentIDHash(id),
				Checksum:      "sum-" + id,
				Metadata:      `{"k":"v"}`,
			}
			if err := repo.InsertContentItem(ctx, item); err != nil {
				t.Fatalf("InsertContentItem(%q) error = %v", id, err)
			}
		}
		return repo
	}

	t.Run("duplicate content id returns ErrAlreadyExists", func(t *testing.T) {
		repo := setup(t, "c1")

		err := repo.InsertContentItem(ctx, &bridge.ContentItem{SnapshotID: "snap-1", ContentID: "c1", ContentIDHash: "x"})
		if !errors.Is(err, bridge.ErrAlreadyExists) {
			t.Errorf("InsertContentItem() error = %v, want ErrAlreadyExists", err)
		}
	})

	t.Run("pages ordered by content id", func(t *testing.T) {
		repo := setup(t, "c3", "c1", "c2", "c5", "c4")

		page0, err := repo.FindContentItems(ctx, "snap-1", "", 0, 2)
		if err != nil {
			t.Fatalf("FindContentItems() error = %v", err)
		}
		page2, err := repo.FindContentItems(ctx, "snap-1", "", 2, 2)
		if err != nil {
			t.Fatalf("FindContentItems() error = %v", err)
		}
		if len(page0) != 2 || page0[0].ContentID != "c1" || page0[1].ContentID != "c2" {
			t.Errorf("page 0 = %v, want [c1 c2]", contentIDs(page0))
		}
		if len(page2) != 1 || page2[0].ContentID != "c5" {
			t.Errorf("page 2 = %v, want [c5]", contentIDs(page2))
		}
		if page0[0].Checksum != "sum-c1" || page0[0].Metadata != `{"k":"v"}` {
			t.Errorf("item = %+v, want checksum and metadata preserved", page0[0])
		}
	})

	t.Run("prefix filter is literal", func(t *testing.T) {
		repo := setup(t, "dir/a", "dir/b", "dir_x", "other", "d%r")

		n, err := repo.CountContentItems(ctx, "snap-1", "dir/")
		if err != nil {
			t.Fatalf("CountContentItems() error = %v", err)
		}
		if n != 2 {
			t.Errorf("CountContentItems(dir/) = %d, want 2", n)
		}

		items, err := repo.FindContentItems(ctx, "snap-1", "d%", 0, 10)
		if err != nil {
			t.Fatalf("FindContentItems() error = %v", err)
		}
		if len(items) != 1 || items[0].ContentID != "d%r" {
			t.Errorf("FindContentItems(d%%) = %v, want [d%%r]", contentIDs(items))
		}
	})

	t.Run("delete content item", func(t *testing.T) {
		repo := setup(t, "c1", "c2")

		if err := repo.DeleteContentItem(ctx, "snap-1", "c1"); err != nil {
			t.Fatalf("DeleteContentItem() error = %v", err)
		}
		n, _ := repo.CountContentItems(ctx, "snap-1", "")
		if n != 1 {
			t.Errorf("CountContentItems() = %d, want 1", n)
		}
	})
}

func contentIDs(items []*bridge.ContentItem) []string {
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ContentID
	}
	return ids
}

func TestSQLiteRepository_Operations(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	first, err := repo.CreateOperation(ctx, "snapshot create", "snap-1")
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	second, err := repo.CreateOperation(ctx, "restore request", "snap-1")
	if err != nil {
		t.Fatalf("CreateOperation() error = %v", err)
	}
	if err := repo.FinishOperation(ctx, first.ID, "success"); err != nil {
		t.Fatalf("FinishOperation() error = %v", err)
	}

	ops, err := repo.ListOperations(ctx, 10)
	if err != nil {
		t.Fatalf("ListOperations() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ListOperations() = %d operations, want 2", len(ops))
	}
	if ops[0].ID != second.ID {
		t.Errorf("ListOperations()[0].ID = %d, want newest %d", ops[0].ID, second.ID)
	}
	if ops[1].Status != "success" || ops[1].FinishedAt == nil {
		t.Errorf("finished operation = %+v, want status success with FinishedAt", ops[1])
	}
	if ops[0].FinishedAt != nil {
		t.Errorf("unfinished operation FinishedAt = %v, want nil", ops[0].FinishedAt)
	}
}

func TestSQLiteRepository_BackupTo(t *testing.T) {
	repo := newTestRepo(t)
	insertSnapshot(t, repo, "snap-1")

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := repo.BackupTo(dest); err != nil {
		t.Fatalf("BackupTo() error = %v", err)
	}

	backup, err := NewSQLiteRepository(dest)
	if err != nil {
		t.Fatalf("NewSQLiteRepository(backup) error = %v", err)
	}
	defer backup.Close()

	if err := backup.CheckMigrations(); err != nil {
		t.Errorf("CheckMigrations() on backup error = %v", err)
	}
	s, err := backup.FindSnapshot(context.Background(), "snap-1")
	if err != nil {
		t.Fatalf("FindSnapshot() error = %v", err)
	}
	if s == nil {
		t.Error("FindSnapshot() on backup = nil, want snapshot")
	}
}
