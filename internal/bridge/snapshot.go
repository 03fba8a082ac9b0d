package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
)

// CreateSnapshotRequest describes a snapshot to take.
type CreateSnapshotRequest struct {
	ID          string
	Description string
	Source      Endpoint
	UserEmail   string
}

// SnapshotManager drives snapshots through their lifecycle.
type SnapshotManager struct {
	deps Dependencies
}

// NewSnapshotManager creates a SnapshotManager. Observer, Logger and Clock
// default to no-op, no-op and the real clock.
func NewSnapshotManager(deps Dependencies) *SnapshotManager {
	return &SnapshotManager{deps: deps.withDefaults()}
}

// Create records a new snapshot and submits its transfer job. If the job
// cannot be submitted the snapshot is removed again and the submission error
// is returned, joined with any error from the removal.
func (m *SnapshotManager) Create(ctx context.Context, req CreateSnapshotRequest) (s *Snapshot, err error) {
	ctx, span := startSpan(ctx, "SnapshotManager.Create", attribute.String("snapshot.id", req.ID))
	defer func() { endSpan(span, err) }()

	if err := ValidateSnapshotID(req.ID); err != nil {
		return nil, err
	}
	if err := req.Source.validate(); err != nil {
		return nil, err
	}

	existing, err := m.deps.Repository.FindSnapshot(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("snapshot %s: %w", req.ID, ErrAlreadyExists)
	}

	snapshotDate, err := ParseSnapshotTimestamp(req.ID)
	if err != nil {
		return nil, err
	}

	now := m.deps.Clock.Now()
	s = &Snapshot{
		ID:           req.ID,
		Description:  req.Description,
		Source:       req.Source,
		Status:       SnapshotInitialized,
		StatusDetail: "created at " + formatTime(now),
		UserEmail:    req.UserEmail,
		SnapshotDate: snapshotDate,
		StartDate:    now,
		Modified:     now,
	}

	c := &snapshotCreation{m: m, snapshot: s}
	if err := c.stage(ctx); err != nil {
		return nil, err
	}
	if err := c.commit(ctx); err != nil {
		return nil, c.rollback(ctx, err)
	}

	m.deps.Observer.Transition("snapshot", "", string(s.Status))
	m.deps.Logger.Info("snapshot created", "snapshot", s.ID, "source", s.Source.String())
	return s, nil
}

// snapshotCreation stages a new snapshot, commits it by submitting its job,
// or rolls back everything stage did.
type snapshotCreation struct {
	m          *SnapshotManager
	snapshot   *Snapshot
	inserted   bool
	dirCreated bool
}

func (c *snapshotCreation) stage(ctx context.Context) error {
	id := c.snapshot.ID
	if err := c.m.deps.Repository.InsertSnapshot(ctx, c.snapshot); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return fmt.Errorf("snapshot %s: %w", id, ErrAlreadyExists)
		}
		return fmt.Errorf("inserting snapshot: %w", err)
	}
	c.inserted = true

	if _, err := c.m.deps.Staging.CreateSnapshotDir(id); err != nil {
		return c.rollback(ctx, external("creating staging directory", err))
	}
	c.dirCreated = true
	return nil
}

func (c *snapshotCreation) commit(ctx context.Context) error {
	err := c.m.deps.Jobs.Submit(ctx, JobSnapshot, c.snapshot.ID)
	c.m.deps.Observer.JobSubmitted(JobSnapshot, err)
	if err != nil {
		return external("submitting snapshot job", err)
	}
	return nil
}

func (c *snapshotCreation) rollback(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	id := c.snapshot.ID

	var errs []error
	if c.dirCreated {
		if err := c.m.deps.Staging.RemoveSnapshotDir(id); err != nil {
			errs = append(errs, fmt.Errorf("removing staging directory: %w", err))
		}
	}
	if c.inserted {
		if err := c.m.deps.Repository.DeleteSnapshot(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("deleting snapshot: %w", err))
		}
	}
	if len(errs) == 0 {
		c.m.deps.Logger.Warn("snapshot creation rolled back", "snapshot", id, "error", cause)
		return cause
	}

	rbErr := fmt.Errorf("rolling back snapshot %s: %w", id, errors.Join(errs...))
	c.m.deps.Logger.Error("snapshot rollback failed", "snapshot", id, "cause", cause, "error", rbErr)
	return errors.Join(cause, rbErr)
}

// Get returns the snapshot with the given ID.
func (m *SnapshotManager) Get(ctx context.Context, id string) (*Snapshot, error) {
	s, err := m.deps.Repository.FindSnapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding snapshot: %w", err)
	}
	if s == nil {
		return nil, notFound("snapshot", id)
	}
	return s, nil
}

// List returns the snapshots taken from host, or every snapshot when host is
// empty.
func (m *SnapshotManager) List(ctx context.Context, host string) ([]*Snapshot, error) {
	snapshots, err := m.deps.Repository.FindSnapshotsBySourceHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return snapshots, nil
}

// MarkStaged records that the snapshot job has copied the space into the
// staging area and the snapshot now waits for the node transfer.
func (m *SnapshotManager) MarkStaged(ctx context.Context, id string, totalSizeInBytes int64) (s *Snapshot, err error) {
	ctx, span := startSpan(ctx, "SnapshotManager.MarkStaged", attribute.String("snapshot.id", id))
	defer func() { endSpan(span, err) }()

	s, err = m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := s.Status
	if err := m.apply(s, SnapshotStaged, "mark staged"); err != nil {
		return nil, err
	}
	s.TotalSizeInBytes = totalSizeInBytes
	s.StatusDetail = "staged at " + formatTime(s.Modified)
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	m.deps.Observer.Transition("snapshot", string(from), string(s.Status))
	m.deps.Logger.Info("snapshot staged", "snapshot", id, "bytes", totalSizeInBytes)
	return s, nil
}

// AddContentItem indexes one archived content item. The properties are
// stored in canonical form; the content-checksum and content-md5 properties
// feed the manifests. The snapshot status is not changed. A snapshot in a
// terminal status takes no more content.
func (m *SnapshotManager) AddContentItem(ctx context.Context, snapshotID, contentID string, props Properties) (err error) {
	ctx, span := startSpan(ctx, "SnapshotManager.AddContentItem", attribute.String("snapshot.id", snapshotID))
	defer func() { endSpan(span, err) }()

	s, err := m.Get(ctx, snapshotID)
	if err != nil {
		return err
	}
	if s.Status.IsTerminal() {
		return &StateError{Entity: "snapshot", ID: snapshotID, Status: string(s.Status), Operation: "add content item"}
	}

	metadata, err := EncodeProperties(props)
	if err != nil {
		return fmt.Errorf("encoding properties of %s: %w", contentID, err)
	}
	checksum, _ := props.Get(PropertyChecksum)
	md5, _ := props.Get(PropertyMD5)

	item := &ContentItem{
		SnapshotID:    snapshotID,
		ContentID:     contentID,
		ContentIDHash: ContentIDHash(contentID),
		Checksum:      checksum,
		Metadata:      metadata,
	}
	if err := m.deps.Manifests.add(ctx, item, md5); err != nil {
		return err
	}
	m.deps.Logger.Debug("content item added", "snapshot", snapshotID, "content_id", contentID)
	return nil
}

// ListContent returns a page of the snapshot's content index.
func (m *SnapshotManager) ListContent(ctx context.Context, q ContentQuery) (*ContentPage, error) {
	if _, err := m.Get(ctx, q.SnapshotID); err != nil {
		return nil, err
	}
	return m.deps.Manifests.ListContent(ctx, q)
}

// Verify reconciles the snapshot's manifest with its content index.
func (m *SnapshotManager) Verify(ctx context.Context, id string) (*Reconciliation, error) {
	if _, err := m.Get(ctx, id); err != nil {
		return nil, err
	}
	rec, err := m.deps.Manifests.Reconcile(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Consistent() {
		m.deps.Logger.Warn("manifest does not match content index", "snapshot", id,
			"missing", len(rec.Missing), "extra", len(rec.Extra), "mismatched", len(rec.Mismatched), "duplicates", len(rec.Duplicates))
	}
	return rec, nil
}

// TransferToNodeComplete handles the node's report that it holds the
// snapshot content. The snapshot moves to CLEANING_UP, its staging directory
// is removed and the source space is cleaned up on the storage host.
func (m *SnapshotManager) TransferToNodeComplete(ctx context.Context, id string) (s *Snapshot, err error) {
	ctx, span := startSpan(ctx, "SnapshotManager.TransferToNodeComplete", attribute.String("snapshot.id", id))
	defer func() { endSpan(span, err) }()

	s, err = m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	from := s.Status
	if s.Status != SnapshotTransferComplete {
		if err := m.apply(s, SnapshotTransferred, "complete transfer"); err != nil {
			return nil, err
		}
	}
	if err := m.apply(s, SnapshotCleanupStarted, "start cleanup"); err != nil {
		return nil, err
	}
	s.StatusDetail = "cleanup started at " + formatTime(s.Modified)

	creds, err := m.deps.Credentials.Resolve(ctx, s.Source)
	if err != nil {
		return nil, external("resolving credentials for "+s.Source.Host, err)
	}
	if err := m.deps.Staging.RemoveSnapshotDir(s.ID); err != nil {
		return nil, external("removing staging directory", err)
	}
	client, err := m.deps.Tasks.ForEndpoint(ctx, s.Source, creds)
	if err != nil {
		return nil, external("connecting to "+s.Source.Host, err)
	}
	if err := client.CleanupSnapshot(ctx, s.Source.SpaceID); err != nil {
		return nil, external("cleaning up space "+s.Source.SpaceID, err)
	}

	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	m.deps.Observer.Transition("snapshot", string(from), string(s.Status))
	m.deps.Logger.Info("snapshot transfer complete; cleaning up", "snapshot", id)
	return s, nil
}

// Fail marks the snapshot FAILED and tells the operators and the requesting
// user.
func (m *SnapshotManager) Fail(ctx context.Context, id, detail string) (s *Snapshot, err error) {
	ctx, span := startSpan(ctx, "SnapshotManager.Fail", attribute.String("snapshot.id", id))
	defer func() { endSpan(span, err) }()

	s, err = m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := s.Status
	if err := m.apply(s, SnapshotFailedEvent, "fail"); err != nil {
		return nil, err
	}
	end := s.Modified
	s.EndDate = &end
	s.StatusDetail = detail
	if err := m.save(ctx, s); err != nil {
		return nil, err
	}
	m.deps.Observer.Transition("snapshot", string(from), string(s.Status))
	m.deps.Logger.Warn("snapshot failed", "snapshot", id, "detail", detail)

	m.notify(ctx, m.deps.Notifier.Build(EventSnapshotFailed,
		"Snapshot Failed: "+s.ID,
		fmt.Sprintf("The snapshot %s of space %s on %s failed: %s", s.ID, s.Source.SpaceID, s.Source.Host, detail),
		nil, s.UserEmail))
	return s, nil
}

// FinalizeReport summarizes one finalization sweep.
type FinalizeReport struct {
	Checked   int
	Finalized []string
	Pending   []string
	Failed    map[string]error
}

// FinalizeSnapshots completes every CLEANING_UP snapshot whose storage-side
// cleanup has finished. Snapshots still being cleaned up are left alone. A
// failure on one snapshot is recorded in the report and does not stop the
// others.
func (m *SnapshotManager) FinalizeSnapshots(ctx context.Context) (report *FinalizeReport, err error) {
	ctx, span := startSpan(ctx, "SnapshotManager.FinalizeSnapshots")
	defer func() { endSpan(span, err) }()

	start := time.Now()
	snapshots, err := m.deps.Repository.FindSnapshotsByStatus(ctx, SnapshotCleaningUp)
	if err != nil {
		return nil, fmt.Errorf("finding snapshots to finalize: %w", err)
	}

	report = &FinalizeReport{Failed: make(map[string]error)}
	for _, s := range snapshots {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		done, err := m.finalizeOne(ctx, s)
		switch {
		case err != nil:
			report.Failed[s.ID] = err
			m.deps.Logger.Error("finalizing snapshot", "snapshot", s.ID, "error", err)
		case done:
			report.Finalized = append(report.Finalized, s.ID)
		default:
			report.Pending = append(report.Pending, s.ID)
		}
	}

	m.deps.Observer.SweepCompleted("finalize-snapshots", report.Checked, len(report.Failed), time.Since(start))
	if report.Checked > 0 {
		m.deps.Logger.Info("finalize sweep done", "checked", report.Checked,
			"finalized", len(report.Finalized), "pending", len(report.Pending), "failed", len(report.Failed))
	}
	return report, nil
}

func (m *SnapshotManager) finalizeOne(ctx context.Context, s *Snapshot) (bool, error) {
	creds, err := m.deps.Credentials.Resolve(ctx, s.Source)
	if err != nil {
		return false, external("resolving credentials for "+s.Source.Host, err)
	}
	client, err := m.deps.Tasks.ForEndpoint(ctx, s.Source, creds)
	if err != nil {
		return false, external("connecting to "+s.Source.Host, err)
	}
	complete, err := client.IsComplete(ctx, s.Source.SpaceID)
	if err != nil {
		return false, external("checking cleanup of space "+s.Source.SpaceID, err)
	}
	if !complete {
		return false, nil
	}

	from := s.Status
	if err := m.apply(s, SnapshotFinalized, "finalize"); err != nil {
		return false, err
	}
	end := s.Modified
	s.EndDate = &end
	s.StatusDetail = "finalized at " + formatTime(end)
	if err := m.save(ctx, s); err != nil {
		return false, err
	}
	m.deps.Observer.Transition("snapshot", string(from), string(s.Status))
	m.deps.Logger.Info("snapshot finalized", "snapshot", s.ID)

	m.notify(ctx, m.deps.Notifier.Build(EventSnapshotComplete,
		"Snapshot Complete: "+s.ID,
		fmt.Sprintf("The snapshot %s of space %s on %s completed at %s.", s.ID, s.Source.SpaceID, s.Source.Host, formatTime(end)),
		nil, s.UserEmail))
	return true, nil
}

// apply moves s along event, stamping Modified.
func (m *SnapshotManager) apply(s *Snapshot, event SnapshotEvent, op string) error {
	to, ok := s.Status.Next(event)
	if !ok {
		return &StateError{Entity: "snapshot", ID: s.ID, Status: string(s.Status), Operation: op}
	}
	s.Status = to
	s.Modified = m.deps.Clock.Now()
	return nil
}

func (m *SnapshotManager) save(ctx context.Context, s *Snapshot) error {
	if err := m.deps.Repository.UpdateSnapshot(ctx, s); err != nil {
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("snapshot %s was modified concurrently: %w", s.ID, ErrConflict)
		}
		return fmt.Errorf("updating snapshot: %w", err)
	}
	return nil
}

func (m *SnapshotManager) notify(ctx context.Context, n *Notification) {
	// Send logs delivery failures itself.
	_ = m.deps.Notifier.Send(ctx, n)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
