package bridge_test

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"snapbridge/internal/bridge"
	"snapbridge/internal/testutil"
)

const expireDays = 7

var restoreDestination = bridge.Endpoint{Host: "restore.example.org", Port: 443, StoreID: "1", SpaceID: "photos-restored"}

// requestRestore completes a snapshot and requests its restoration.
func requestRestore(t *testing.T, h *testutil.Harness, rm *bridge.RestoreManager) *bridge.Restoration {
	t.Helper()
	completeSnapshot(t, h.SnapshotManager(), testSnapshotID, "photos")
	r, err := rm.RestoreSnapshot(context.Background(), testSnapshotID, restoreDestination, userEmail)
	if err != nil {
		t.Fatalf("RestoreSnapshot() error = %v", err)
	}
	return r
}

func TestRestoreManager_NotInitialized(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	rm := bridge.NewRestoreManager(h.Deps(), nil)

	if _, err := rm.RestoreSnapshot(ctx, testSnapshotID, restoreDestination, userEmail); !errors.Is(err, bridge.ErrNotInitialized) {
		t.Errorf("RestoreSnapshot() error = %v, want ErrNotInitialized", err)
	}
	if _, err := rm.RestorationCompleted(ctx, 1); !errors.Is(err, bridge.ErrNotInitialized) {
		t.Errorf("RestorationCompleted() error = %v, want ErrNotInitialized", err)
	}
	if _, err := rm.ResendRequest(ctx, 1); !errors.Is(err, bridge.ErrNotInitialized) {
		t.Errorf("ResendRequest() error = %v, want ErrNotInitialized", err)
	}
	if _, err := rm.ExpireRestorations(ctx); !errors.Is(err, bridge.ErrNotInitialized) {
		t.Errorf("ExpireRestorations() error = %v, want ErrNotInitialized", err)
	}
}

func TestRestoreManager_RestoreSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot not found", func(t *testing.T) {
		h := testutil.NewHarness(t)
		_, err := h.RestoreManager(expireDays).RestoreSnapshot(ctx, testSnapshotID, restoreDestination, userEmail)
		if !errors.Is(err, bridge.ErrNotFound) {
			t.Fatalf("RestoreSnapshot() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("snapshot still in process", func(t *testing.T) {
		h := testutil.NewHarness(t)
		cleaningUp(t, h.SnapshotManager(), testSnapshotID, "photos")

		_, err := h.RestoreManager(expireDays).RestoreSnapshot(ctx, testSnapshotID, restoreDestination, userEmail)
		if !errors.Is(err, bridge.ErrInProcess) || !errors.Is(err, bridge.ErrInvalidState) {
			t.Fatalf("RestoreSnapshot() error = %v, want ErrInProcess", err)
		}
		restorations, _ := h.Repo.FindRestorationsByStatus(ctx, bridge.RestoreInitialized)
		if len(restorations) != 0 {
			t.Error("restoration stored for unfinished snapshot")
		}
	})

	t.Run("failed snapshot", func(t *testing.T) {
		h := testutil.NewHarness(t)
		m := h.SnapshotManager()
		createSnapshot(t, m, testSnapshotID, "photos")
		if _, err := m.Fail(ctx, testSnapshotID, "lost"); err != nil {
			t.Fatalf("Fail() error = %v", err)
		}

		_, err := h.RestoreManager(expireDays).RestoreSnapshot(ctx, testSnapshotID, restoreDestination, userEmail)
		if !errors.Is(err, bridge.ErrInvalidState) {
			t.Fatalf("RestoreSnapshot() error = %v, want ErrInvalidState", err)
		}
		if errors.Is(err, bridge.ErrInProcess) {
			t.Error("failed snapshot reported as in process")
		}
	})

	t.Run("requests the node", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(expireDays)
		r := requestRestore(t, h, rm)

		if r.ID == 0 {
			t.Fatal("restoration ID not assigned")
		}
		if r.Status != bridge.RestoreWaitingForTransfer {
			t.Errorf("status = %s, want WAITING_FOR_TRANSFER", r.Status)
		}
		if r.StatusDetail != "request issued at 2024-01-15T10:30:00Z" {
			t.Errorf("StatusDetail = %q", r.StatusDetail)
		}
		dir := h.Staging.RestoreDir(r.ID)
		if !h.Staging.Exists(dir) {
			t.Errorf("restore directory %s not created", dir)
		}

		sent := h.Transport.ByEvent(bridge.EventRestoreRequested)
		if len(sent) != 1 {
			t.Fatalf("sent %d requests, want 1", len(sent))
		}
		if sent[0].Subject != "Snapshot Restoration Request for Snapshot ID = "+testSnapshotID {
			t.Errorf("Subject = %q", sent[0].Subject)
		}
		if want := "Please restore the following snapshot to the following location: " + dir; sent[0].Body != want {
			t.Errorf("Body = %q, want %q", sent[0].Body, want)
		}
		if want := []string{testutil.OperatorEmail, testutil.NodeEmail}; !reflect.DeepEqual(sent[0].Recipients, want) {
			t.Errorf("Recipients = %v, want %v", sent[0].Recipients, want)
		}

		stored, err := rm.Get(ctx, r.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if stored.Status != bridge.RestoreWaitingForTransfer || stored.Destination != restoreDestination {
			t.Errorf("stored restoration = %+v", stored)
		}
	})

	t.Run("notification failure is absorbed", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(expireDays)
		completeSnapshot(t, h.SnapshotManager(), testSnapshotID, "photos")
		h.Transport.Fail = errors.New("smtp down")

		r, err := rm.RestoreSnapshot(ctx, testSnapshotID, restoreDestination, userEmail)
		if err != nil {
			t.Fatalf("RestoreSnapshot() error = %v", err)
		}
		if r.Status != bridge.RestoreWaitingForTransfer {
			t.Errorf("status = %s, want WAITING_FOR_TRANSFER", r.Status)
		}

		h.Transport.Fail = nil
		if _, err := rm.ResendRequest(ctx, r.ID); err != nil {
			t.Fatalf("ResendRequest() error = %v", err)
		}
		if n := len(h.Transport.ByEvent(bridge.EventRestoreRequested)); n != 1 {
			t.Errorf("delivered %d requests after resend, want 1", n)
		}
	})
}

func TestRestoreManager_RestorationCompleted(t *testing.T) {
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		h := testutil.NewHarness(t)
		if _, err := h.RestoreManager(expireDays).RestorationCompleted(ctx, 42); !errors.Is(err, bridge.ErrNotFound) {
			t.Fatalf("RestorationCompleted() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("completes and submits job", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(expireDays)
		r := requestRestore(t, h, rm)

		h.Clock.Advance(2 * time.Hour)
		got, err := rm.RestorationCompleted(ctx, r.ID)
		if err != nil {
			t.Fatalf("RestorationCompleted() error = %v", err)
		}
		now := h.Clock.Now()
		if got.Status != bridge.RestoreTransferComplete {
			t.Errorf("status = %s, want TRANSFER_COMPLETE", got.Status)
		}
		if got.EndDate == nil || !got.EndDate.Equal(now) {
			t.Errorf("EndDate = %v, want %v", got.EndDate, now)
		}
		if want := now.AddDate(0, 0, expireDays); got.ExpirationDate == nil || !got.ExpirationDate.Equal(want) {
			t.Errorf("ExpirationDate = %v, want %v", got.ExpirationDate, want)
		}
		if got.StatusDetail != "completed on 2024-01-15T12:30:00Z" {
			t.Errorf("StatusDetail = %q", got.StatusDetail)
		}

		restoreJobs := 0
		for _, s := range h.Jobs.Submissions() {
			if s.Kind == bridge.JobRestore {
				restoreJobs++
				if s.ID != "1" {
					t.Errorf("restore job ID = %q, want 1", s.ID)
				}
			}
		}
		if restoreJobs != 1 {
			t.Errorf("submitted %d restore jobs, want 1", restoreJobs)
		}

		sent := h.Transport.ByEvent(bridge.EventRestoreComplete)
		if len(sent) != 1 {
			t.Fatalf("sent %d completion notifications, want 1", len(sent))
		}
		if want := []string{testutil.OperatorEmail, userEmail}; !reflect.DeepEqual(sent[0].Recipients, want) {
			t.Errorf("Recipients = %v, want %v", sent[0].Recipients, want)
		}
	})

	t.Run("duplicate report is a no-op", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(expireDays)
		r := requestRestore(t, h, rm)

		first, err := rm.RestorationCompleted(ctx, r.ID)
		if err != nil {
			t.Fatalf("RestorationCompleted() error = %v", err)
		}
		h.Clock.Advance(time.Hour)
		second, err := rm.RestorationCompleted(ctx, r.ID)
		if err != nil {
			t.Fatalf("second RestorationCompleted() error = %v", err)
		}
		if second.Status != bridge.RestoreTransferComplete || !second.ExpirationDate.Equal(*first.ExpirationDate) {
			t.Errorf("second RestorationCompleted() = %+v", second)
		}
		if n := len(h.Transport.ByEvent(bridge.EventRestoreComplete)); n != 1 {
			t.Errorf("sent %d completion notifications, want 1", n)
		}
		if got := h.Observer.Jobs(); !reflect.DeepEqual(got, []string{"snapshot:true", "restore:true"}) {
			t.Errorf("Jobs() = %v", got)
		}
	})

	t.Run("concurrent duplicate resolves to no-op", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(expireDays)
		r := requestRestore(t, h, rm)

		// The racing manager loses its update to a second manager that
		// completes the same restoration in between.
		deps := h.Deps()
		deps.Repository = &racingRepo{Repository: h.Repo, race: func() {
			if _, err := h.RestoreManager(expireDays).RestorationCompleted(ctx, r.ID); err != nil {
				t.Errorf("concurrent RestorationCompleted() error = %v", err)
			}
		}}
		racing := bridge.NewRestoreManager(deps, &bridge.RestoreConfig{DaysToExpire: expireDays})

		got, err := racing.RestorationCompleted(ctx, r.ID)
		if err != nil {
			t.Fatalf("RestorationCompleted() error = %v", err)
		}
		if got.Status != bridge.RestoreTransferComplete {
			t.Errorf("status = %s, want TRANSFER_COMPLETE", got.Status)
		}
		restoreJobs := 0
		for _, s := range h.Jobs.Submissions() {
			if s.Kind == bridge.JobRestore {
				restoreJobs++
			}
		}
		if restoreJobs != 1 {
			t.Errorf("submitted %d restore jobs, want 1", restoreJobs)
		}
	})

	t.Run("wrong status", func(t *testing.T) {
		h := testutil.NewHarness(t)
		completeSnapshot(t, h.SnapshotManager(), testSnapshotID, "photos")
		now := h.Clock.Now()
		r := &bridge.Restoration{
			SnapshotID:  testSnapshotID,
			Destination: restoreDestination,
			Status:      bridge.RestoreInitialized,
			StartDate:   now,
			Created:     now,
			Modified:    now,
		}
		if err := h.Repo.InsertRestoration(ctx, r); err != nil {
			t.Fatalf("InsertRestoration() error = %v", err)
		}

		_, err := h.RestoreManager(expireDays).RestorationCompleted(ctx, r.ID)
		var stateErr *bridge.StateError
		if !errors.As(err, &stateErr) || stateErr.Status != string(bridge.RestoreInitialized) {
			t.Fatalf("RestorationCompleted() error = %v, want StateError carrying INITIALIZED", err)
		}
	})

	t.Run("job submission failure keeps the completion", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(expireDays)
		r := requestRestore(t, h, rm)
		h.Jobs.Fail = errors.New("queue unavailable")

		if _, err := rm.RestorationCompleted(ctx, r.ID); !errors.Is(err, bridge.ErrExternal) {
			t.Fatalf("RestorationCompleted() error = %v, want ErrExternal", err)
		}
		stored, _ := rm.Get(ctx, r.ID)
		if stored.Status != bridge.RestoreTransferComplete {
			t.Errorf("status = %s, want TRANSFER_COMPLETE", stored.Status)
		}
		if !h.Logger.Contains("ERROR", "resubmit manually") {
			t.Error("expected the lost job to be logged for manual resubmission")
		}
	})
}

type racingRepo struct {
	bridge.Repository
	race func()
	once sync.Once
}

func (r *racingRepo) UpdateRestoration(ctx context.Context, rest *bridge.Restoration) error {
	r.once.Do(r.race)
	return r.Repository.UpdateRestoration(ctx, rest)
}

func TestRestoreManager_ResendRequest(t *testing.T) {
	ctx := context.Background()
	h := testutil.NewHarness(t)
	rm := h.RestoreManager(expireDays)
	r := requestRestore(t, h, rm)

	if _, err := rm.ResendRequest(ctx, r.ID); err != nil {
		t.Fatalf("ResendRequest() error = %v", err)
	}
	if n := len(h.Transport.ByEvent(bridge.EventRestoreRequested)); n != 2 {
		t.Errorf("sent %d requests, want 2", n)
	}

	if _, err := rm.RestorationCompleted(ctx, r.ID); err != nil {
		t.Fatalf("RestorationCompleted() error = %v", err)
	}
	if _, err := rm.ResendRequest(ctx, r.ID); !errors.Is(err, bridge.ErrInvalidState) {
		t.Errorf("ResendRequest() error = %v, want ErrInvalidState", err)
	}
	if _, err := rm.ResendRequest(ctx, 99); !errors.Is(err, bridge.ErrNotFound) {
		t.Errorf("ResendRequest() error = %v, want ErrNotFound", err)
	}
}

func TestRestoreManager_ExpireRestorations(t *testing.T) {
	ctx := context.Background()

	t.Run("expires after the retention period", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(expireDays)
		r := requestRestore(t, h, rm)
		if _, err := rm.RestorationCompleted(ctx, r.ID); err != nil {
			t.Fatalf("RestorationCompleted() error = %v", err)
		}

		h.Clock.Advance(6 * 24 * time.Hour)
		report, err := rm.ExpireRestorations(ctx)
		if err != nil {
			t.Fatalf("ExpireRestorations() error = %v", err)
		}
		if report.Checked != 0 || len(report.Expired) != 0 {
			t.Errorf("early ExpireRestorations() = %+v", report)
		}

		h.Clock.Advance(24 * time.Hour)
		report, err = rm.ExpireRestorations(ctx)
		if err != nil {
			t.Fatalf("ExpireRestorations() error = %v", err)
		}
		if !reflect.DeepEqual(report.Expired, []int64{r.ID}) {
			t.Errorf("ExpireRestorations() = %+v", report)
		}

		stored, _ := rm.Get(ctx, r.ID)
		if stored.Status != bridge.RestoreExpired {
			t.Errorf("status = %s, want EXPIRED", stored.Status)
		}
		if !strings.HasPrefix(stored.StatusDetail, "expired on ") {
			t.Errorf("StatusDetail = %q", stored.StatusDetail)
		}
		if h.Staging.Exists(h.Staging.RestoreDir(r.ID)) {
			t.Error("restore directory not removed")
		}
		sent := h.Transport.ByEvent(bridge.EventRestoreExpired)
		if len(sent) != 1 || sent[0].Subject != "Snapshot Restoration Expired for Snapshot ID = "+testSnapshotID {
			t.Errorf("expiry notifications = %v", sent)
		}

		report, _ = rm.ExpireRestorations(ctx)
		if report.Checked != 0 {
			t.Errorf("sweep after expiry checked %d", report.Checked)
		}
		if _, err := rm.RestorationCompleted(ctx, r.ID); !errors.Is(err, bridge.ErrInvalidState) {
			t.Errorf("RestorationCompleted() on expired error = %v, want ErrInvalidState", err)
		}
	})

	t.Run("failure leaves restoration available", func(t *testing.T) {
		h := testutil.NewHarness(t)
		rm := h.RestoreManager(0)
		r := requestRestore(t, h, rm)
		if _, err := rm.RestorationCompleted(ctx, r.ID); err != nil {
			t.Fatalf("RestorationCompleted() error = %v", err)
		}
		h.Staging.FailRemove = errors.New("device busy")

		report, err := rm.ExpireRestorations(ctx)
		if err != nil {
			t.Fatalf("ExpireRestorations() error = %v", err)
		}
		if _, failed := report.Failed[r.ID]; !failed {
			t.Errorf("ExpireRestorations() = %+v, want failure for %d", report, r.ID)
		}
		stored, _ := rm.Get(ctx, r.ID)
		if stored.Status != bridge.RestoreTransferComplete {
			t.Errorf("status = %s, want TRANSFER_COMPLETE", stored.Status)
		}
	})
}
