package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// maxConflictRetries bounds how often RestorationCompleted re-reads a
// restoration after losing an update race.
const maxConflictRetries = 3

// RestoreConfig configures the RestoreManager.
type RestoreConfig struct {
	// NodeEmails receive restoration requests along with the operators.
	NodeEmails []string
	// DaysToExpire is how long a delivered restoration stays available.
	DaysToExpire int
}

// RestoreManager drives restorations through their lifecycle.
type RestoreManager struct {
	deps Dependencies
	cfg  *RestoreConfig
}

// NewRestoreManager creates a RestoreManager. A nil cfg leaves the manager
// uninitialized: every operation returns ErrNotInitialized.
func NewRestoreManager(deps Dependencies, cfg *RestoreConfig) *RestoreManager {
	return &RestoreManager{deps: deps.withDefaults(), cfg: cfg}
}

func (m *RestoreManager) checkInitialized() error {
	if m.cfg == nil {
		return fmt.Errorf("restore manager: %w", ErrNotInitialized)
	}
	return nil
}

// RestoreSnapshot requests that the node deliver the snapshot's content into
// a new restore directory. The snapshot must be SNAPSHOT_COMPLETE. Once the
// restoration is saved it is not rolled back: a failed notification leaves it
// WAITING_FOR_TRANSFER for ResendRequest.
func (m *RestoreManager) RestoreSnapshot(ctx context.Context, snapshotID string, destination Endpoint, userEmail string) (r *Restoration, err error) {
	ctx, span := startSpan(ctx, "RestoreManager.RestoreSnapshot", attribute.String("snapshot.id", snapshotID))
	defer func() { endSpan(span, err) }()

	if err := m.checkInitialized(); err != nil {
		return nil, err
	}

	s, err := m.deps.Repository.FindSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if s == nil {
		return nil, notFound("snapshot", snapshotID)
	}
	if s.Status != SnapshotComplete {
		return nil, &StateError{
			Entity:    "snapshot",
			ID:        s.ID,
			Status:    string(s.Status),
			Operation: "restore",
			InProcess: !s.Status.IsTerminal(),
		}
	}

	now := m.deps.Clock.Now()
	r = &Restoration{
		SnapshotID:   s.ID,
		Destination:  destination,
		Status:       RestoreInitialized,
		StatusDetail: "created at " + formatTime(now),
		UserEmail:    userEmail,
		StartDate:    now,
		Created:      now,
		Modified:     now,
	}
	if err := m.deps.Repository.InsertRestoration(ctx, r); err != nil {
		return nil, fmt.Errorf("inserting restoration: %w", err)
	}
	m.deps.Observer.Transition("restoration", "", string(r.Status))

	from := r.Status
	if err := m.apply(r, RestoreRequested, "request restoration"); err != nil {
		return nil, err
	}
	r.StatusDetail = "request issued at " + formatTime(r.Modified)
	if err := m.save(ctx, r); err != nil {
		return nil, err
	}
	m.deps.Observer.Transition("restoration", string(from), string(r.Status))

	dir, err := m.deps.Staging.CreateRestoreDir(r.ID)
	if err != nil {
		return nil, external("creating restore directory", err)
	}

	m.deps.Logger.Info("restoration requested", "restoration", r.ID, "snapshot", s.ID, "dir", dir)
	m.sendRequest(ctx, r, dir)
	return r, nil
}

// ResendRequest repeats the node notification of a restoration that is still
// waiting for its transfer.
func (m *RestoreManager) ResendRequest(ctx context.Context, id int64) (*Restoration, error) {
	if err := m.checkInitialized(); err != nil {
		return nil, err
	}
	r, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != RestoreWaitingForTransfer {
		return nil, &StateError{Entity: "restoration", ID: idString(id), Status: string(r.Status), Operation: "resend request"}
	}
	dir, err := m.deps.Staging.CreateRestoreDir(r.ID)
	if err != nil {
		return nil, external("creating restore directory", err)
	}
	m.sendRequest(ctx, r, dir)
	return r, nil
}

func (m *RestoreManager) sendRequest(ctx context.Context, r *Restoration, dir string) {
	n := m.deps.Notifier.Build(EventRestoreRequested,
		"Snapshot Restoration Request for Snapshot ID = "+r.SnapshotID,
		"Please restore the following snapshot to the following location: "+dir,
		m.cfg.NodeEmails, "")
	m.notify(ctx, n)
}

// RestorationCompleted handles the node's report that the restoration's
// content has been delivered. A restoration already TRANSFER_COMPLETE is
// returned unchanged, so duplicate reports submit no second job.
func (m *RestoreManager) RestorationCompleted(ctx context.Context, id int64) (r *Restoration, err error) {
	ctx, span := startSpan(ctx, "RestoreManager.RestorationCompleted", attribute.Int64("restoration.id", id))
	defer func() { endSpan(span, err) }()

	if err := m.checkInitialized(); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		r, err = m.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch r.Status {
		case RestoreTransferComplete:
			m.deps.Logger.Warn("restoration already complete", "restoration", id)
			return r, nil
		case RestoreWaitingForTransfer:
		default:
			return nil, &StateError{Entity: "restoration", ID: idString(id), Status: string(r.Status), Operation: "complete restoration"}
		}

		from := r.Status
		if err := m.apply(r, RestoreTransferred, "complete restoration"); err != nil {
			return nil, err
		}
		end := r.Modified
		expires := end.AddDate(0, 0, m.cfg.DaysToExpire)
		r.EndDate = &end
		r.ExpirationDate = &expires
		r.StatusDetail = "completed on " + formatTime(end)

		err = m.deps.Repository.UpdateRestoration(ctx, r)
		if errors.Is(err, ErrConflict) && attempt < maxConflictRetries {
			m.deps.Logger.Debug("restoration changed concurrently; re-reading", "restoration", id)
			continue
		}
		if err != nil {
			return nil, m.wrapSave(r, err)
		}
		m.deps.Observer.Transition("restoration", string(from), string(r.Status))
		break
	}

	jobErr := m.deps.Jobs.Submit(ctx, JobRestore, idString(id))
	m.deps.Observer.JobSubmitted(JobRestore, jobErr)
	if jobErr != nil {
		// The completion stands and repeated reports are no-ops, so the job
		// has to be resubmitted by hand.
		m.deps.Logger.Error("restore job not submitted; resubmit manually",
			"restoration", id, "job", JobRestore, "error", jobErr)
		return nil, external("submitting restore job", jobErr)
	}

	m.deps.Logger.Info("restoration complete", "restoration", id, "expires", formatTime(*r.ExpirationDate))
	n := m.deps.Notifier.Build(EventRestoreComplete,
		"Snapshot Restoration Complete for Snapshot ID = "+r.SnapshotID,
		fmt.Sprintf("The snapshot %s has been restored to space %s on %s. It will remain available until %s.",
			r.SnapshotID, r.Destination.SpaceID, r.Destination.Host, formatTime(*r.ExpirationDate)),
		nil, r.UserEmail)
	m.notify(ctx, n)
	return r, nil
}

// Get returns the restoration with the given ID.
func (m *RestoreManager) Get(ctx context.Context, id int64) (*Restoration, error) {
	r, err := m.deps.Repository.FindRestoration(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding restoration: %w", err)
	}
	if r == nil {
		return nil, notFound("restoration", idString(id))
	}
	return r, nil
}

// ExpireReport summarizes one expiration sweep.
type ExpireReport struct {
	Checked int
	Expired []int64
	Failed  map[int64]error
}

// ExpireRestorations moves every TRANSFER_COMPLETE restoration whose
// expiration date has passed to EXPIRED and removes its restore directory.
func (m *RestoreManager) ExpireRestorations(ctx context.Context) (report *ExpireReport, err error) {
	ctx, span := startSpan(ctx, "RestoreManager.ExpireRestorations")
	defer func() { endSpan(span, err) }()

	if err := m.checkInitialized(); err != nil {
		return nil, err
	}

	start := time.Now()
	restorations, err := m.deps.Repository.FindRestorationsByStatus(ctx, RestoreTransferComplete)
	if err != nil {
		return nil, fmt.Errorf("finding restorations to expire: %w", err)
	}

	now := m.deps.Clock.Now()
	report = &ExpireReport{Failed: make(map[int64]error)}
	for _, r := range restorations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if r.ExpirationDate == nil || now.Before(*r.ExpirationDate) {
			continue
		}
		report.Checked++
		if err := m.expireOne(ctx, r); err != nil {
			report.Failed[r.ID] = err
			m.deps.Logger.Error("expiring restoration", "restoration", r.ID, "error", err)
			continue
		}
		report.Expired = append(report.Expired, r.ID)
	}

	m.deps.Observer.SweepCompleted("expire-restorations", report.Checked, len(report.Failed), time.Since(start))
	return report, nil
}

func (m *RestoreManager) expireOne(ctx context.Context, r *Restoration) error {
	from := r.Status
	if err := m.apply(r, RestoreExpiredEvent, "expire"); err != nil {
		return err
	}
	r.StatusDetail = "expired on " + formatTime(r.Modified)
	if err := m.deps.Staging.RemoveRestoreDir(r.ID); err != nil {
		return external("removing restore directory", err)
	}
	if err := m.save(ctx, r); err != nil {
		return err
	}
	m.deps.Observer.Transition("restoration", string(from), string(r.Status))
	m.deps.Logger.Info("restoration expired", "restoration", r.ID)

	n := m.deps.Notifier.Build(EventRestoreExpired,
		"Snapshot Restoration Expired for Snapshot ID = "+r.SnapshotID,
		fmt.Sprintf("The restoration %d of snapshot %s has expired and is no longer available.", r.ID, r.SnapshotID),
		nil, r.UserEmail)
	m.notify(ctx, n)
	return nil
}

func (m *RestoreManager) notify(ctx context.Context, n *Notification) {
	// Send logs delivery failures itself.
	_ = m.deps.Notifier.Send(ctx, n)
}

func (m *RestoreManager) apply(r *Restoration, event RestoreEvent, op string) error {
	to, ok := r.Status.Next(event)
	if !ok {
		return &StateError{Entity: "restoration", ID: idString(r.ID), Status: string(r.Status), Operation: op}
	}
	r.Status = to
	r.Modified = m.deps.Clock.Now()
	return nil
}

func (m *RestoreManager) save(ctx context.Context, r *Restoration) error {
	if err := m.deps.Repository.UpdateRestoration(ctx, r); err != nil {
		return m.wrapSave(r, err)
	}
	return nil
}

func (m *RestoreManager) wrapSave(r *Restoration, err error) error {
	if errors.Is(err, ErrConflict) {
		return fmt.Errorf("restoration %d was modified concurrently: %w", r.ID, ErrConflict)
	}
	return fmt.Errorf("updating restoration: %w", err)
}

func idString(id int64) string { return strconv.FormatInt(id, 10) }
