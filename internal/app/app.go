package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"snapbridge/internal/bridge"
	"snapbridge/internal/config"
	"snapbridge/internal/credentials"
	"snapbridge/internal/database"
	"snapbridge/internal/jobs"
	"snapbridge/internal/manifest"
	"snapbridge/internal/metrics"
	"snapbridge/internal/notify"
	"snapbridge/internal/staging"
	"snapbridge/internal/taskclient"
	"snapbridge/internal/telemetry"
)

// Version is reported in traces and by the CLI.
var Version = "dev"

// Options carries the inputs of New that do not come from the config file.
type Options struct {
	// Passphrase is asked for when encrypted credentials have no identity
	// file.
	Passphrase credentials.PassphraseFunc
}

// App is the application layer between the CLI and the lifecycle managers.
// It constructs all dependencies from config, records the operation being
// run and releases every resource on Close.
type App struct {
	cfg       *config.Config
	repo      bridge.Repository
	nc        *nats.Conn
	manifests *manifest.FileStore
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	logger    bridge.Logger
	snapshots *bridge.SnapshotManager
	restores  *bridge.RestoreManager
	op        *Operation
	logFile   *os.File
	tracing   telemetry.ShutdownFunc
}

// New creates a fully wired App from cfg. operation identifies the CLI
// command being run (e.g. "CreateSnapshot", "Serve"). The caller must call
// Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, opts Options) (_ *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg, op: NewOperation(operation, "")}
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	opID := time.Now().UTC().Format("20060102T150405Z")
	sl, logFile, err := newLogger(cfg.Log, cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logFile = logFile
	a.logger = &slogAdapter{l: sl}

	if a.tracing, err = telemetry.Init(cfg.Telemetry, "snapbridge", Version); err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}

	if a.repo, err = database.NewRepositoryFromConfig(ctx, cfg.Database); err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}

	sa, err := staging.NewStagingAreaFromConfig(cfg.Staging)
	if err != nil {
		return nil, fmt.Errorf("creating staging area: %w", err)
	}
	a.manifests = manifest.NewFileStore(cfg.Manifest.Dir)

	if cfg.NATS.URL != "" {
		if a.nc, err = jobs.Connect(cfg.NATS.URL, "snapbridge-"+cfg.InstanceID); err != nil {
			return nil, err
		}
	}
	gateway, err := jobs.NewGatewayFromConfig(cfg.Jobs, a.nc, cfg.NATS.SubjectPrefix, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating job gateway: %w", err)
	}
	transport, err := notify.NewTransportFromConfig(cfg.Notify, a.nc, cfg.NATS.SubjectPrefix, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating notification transport: %w", err)
	}
	tasks, err := taskclient.NewFactoryFromConfig(cfg.Tasks)
	if err != nil {
		return nil, fmt.Errorf("creating task client factory: %w", err)
	}
	resolver, err := credentials.NewResolverFromConfig(cfg.Credentials, opts.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("creating credential resolver: %w", err)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	clock := bridge.RealClock{}
	deps := bridge.Dependencies{
		Repository:  a.repo,
		Jobs:        gateway,
		Staging:     sa,
		Tasks:       tasks,
		Credentials: resolver,
		Notifier:    bridge.NewDispatcher(transport, cfg.Notify.OperatorEmails, a.logger, clock, bridge.UUIDGenerator{}, a.metrics),
		Manifests:   bridge.NewManifestIndex(a.repo, a.manifests, a.logger),
		Observer:    a.metrics,
		Logger:      a.logger,
		Clock:       clock,
	}
	a.snapshots = bridge.NewSnapshotManager(deps)
	a.restores = bridge.NewRestoreManager(deps, restoreConfig(cfg, a.logger))
	return a, nil
}

// restoreConfig returns nil, leaving restorations unavailable, when no node
// address is configured to receive restore requests.
func restoreConfig(cfg *config.Config, logger bridge.Logger) *bridge.RestoreConfig {
	if len(cfg.Notify.NodeEmails) == 0 {
		logger.Warn("no node emails configured; restorations disabled")
		return nil
	}
	return &bridge.RestoreConfig{
		NodeEmails:   cfg.Notify.NodeEmails,
		DaysToExpire: cfg.Restore.DaysToExpire,
	}
}

// persistOperation saves the operation to the database, giving it an
// auto-increment ID. Only called by commands that change lifecycle state.
func (a *App) persistOperation(ctx context.Context, parameters ...string) error {
	if a.op.Persisted() {
		return nil
	}
	a.op.Parameters = strings.Join(parameters, " ")
	dbOp, err := a.repo.CreateOperation(ctx, a.op.Operation, a.op.Parameters)
	if err != nil {
		return fmt.Errorf("persisting operation: %w", err)
	}
	a.op.ID = dbOp.ID
	return nil
}

// track marks the operation failed when err is non-nil and returns err.
func (a *App) track(err error) error {
	if err != nil {
		a.op.Status = StatusError
	}
	return err
}

// CreateSnapshot records a snapshot and submits its transfer job. An empty
// req.ID is generated from the source space.
func (a *App) CreateSnapshot(ctx context.Context, req bridge.CreateSnapshotRequest) (*bridge.Snapshot, error) {
	if req.ID == "" {
		req.ID = bridge.NewSnapshotID(req.Source.SpaceID, bridge.NewULIDGenerator(bridge.RealClock{}))
	}
	if err := a.persistOperation(ctx, req.ID); err != nil {
		return nil, err
	}
	s, err := a.snapshots.Create(ctx, req)
	return s, a.track(err)
}

func (a *App) GetSnapshot(ctx context.Context, id string) (*bridge.Snapshot, error) {
	return a.snapshots.Get(ctx, id)
}

func (a *App) ListSnapshots(ctx context.Context, host string) ([]*bridge.Snapshot, error) {
	return a.snapshots.List(ctx, host)
}

func (a *App) MarkStaged(ctx context.Context, id string, totalSizeInBytes int64) (*bridge.Snapshot, error) {
	if err := a.persistOperation(ctx, id); err != nil {
		return nil, err
	}
	s, err := a.snapshots.MarkStaged(ctx, id, totalSizeInBytes)
	return s, a.track(err)
}

func (a *App) AddContentItem(ctx context.Context, snapshotID, contentID string, props bridge.Properties) error {
	if err := a.persistOperation(ctx, snapshotID, contentID); err != nil {
		return err
	}
	return a.track(a.snapshots.AddContentItem(ctx, snapshotID, contentID, props))
}

func (a *App) CompleteTransfer(ctx context.Context, id string) (*bridge.Snapshot, error) {
	if err := a.persistOperation(ctx, id); err != nil {
		return nil, err
	}
	s, err := a.snapshots.TransferToNodeComplete(ctx, id)
	return s, a.track(err)
}

func (a *App) FailSnapshot(ctx context.Context, id, detail string) (*bridge.Snapshot, error) {
	if err := a.persistOperation(ctx, id); err != nil {
		return nil, err
	}
	s, err := a.snapshots.Fail(ctx, id, detail)
	return s, a.track(err)
}

// FinalizeSnapshots runs one finalization sweep.
func (a *App) FinalizeSnapshots(ctx context.Context) (*bridge.FinalizeReport, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	report, err := a.snapshots.FinalizeSnapshots(ctx)
	if err == nil && len(report.Failed) > 0 {
		a.op.Status = StatusError
	}
	return report, a.track(err)
}

func (a *App) ListContent(ctx context.Context, q bridge.ContentQuery) (*bridge.ContentPage, error) {
	return a.snapshots.ListContent(ctx, q)
}

func (a *App) VerifySnapshot(ctx context.Context, id string) (*bridge.Reconciliation, error) {
	return a.snapshots.Verify(ctx, id)
}

// ExportManifests uploads the snapshot's manifests to the archive bucket and
// returns the object keys written.
func (a *App) ExportManifests(ctx context.Context, id string) ([]string, error) {
	if _, err := a.snapshots.Get(ctx, id); err != nil {
		return nil, err
	}
	archiver, err := taskclient.NewArchiverFromConfig(ctx, a.cfg.Archive, a.manifests)
	if err != nil {
		return nil, err
	}
	keys, err := archiver.Export(ctx, id)
	if err != nil {
		return nil, err
	}
	a.logger.Info("manifests exported", "snapshot", id, "objects", len(keys))
	return keys, nil
}

func (a *App) RequestRestore(ctx context.Context, snapshotID string, destination bridge.Endpoint, userEmail string) (*bridge.Restoration, error) {
	if err := a.persistOperation(ctx, snapshotID); err != nil {
		return nil, err
	}
	r, err := a.restores.RestoreSnapshot(ctx, snapshotID, destination, userEmail)
	return r, a.track(err)
}

func (a *App) GetRestore(ctx context.Context, id int64) (*bridge.Restoration, error) {
	return a.restores.Get(ctx, id)
}

func (a *App) CompleteRestore(ctx context.Context, id int64) (*bridge.Restoration, error) {
	if err := a.persistOperation(ctx, fmt.Sprint(id)); err != nil {
		return nil, err
	}
	r, err := a.restores.RestorationCompleted(ctx, id)
	return r, a.track(err)
}

func (a *App) ResendRestoreRequest(ctx context.Context, id int64) (*bridge.Restoration, error) {
	return a.restores.ResendRequest(ctx, id)
}

// ExpireRestorations runs one expiration sweep.
func (a *App) ExpireRestorations(ctx context.Context) (*bridge.ExpireReport, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	report, err := a.restores.ExpireRestorations(ctx)
	if err == nil && len(report.Failed) > 0 {
		a.op.Status = StatusError
	}
	return report, a.track(err)
}

// History returns the most recent operations.
func (a *App) History(ctx context.Context, limit int) ([]*bridge.Operation, error) {
	return a.repo.ListOperations(ctx, limit)
}

// BackupDatabase writes a consistent copy of the SQLite database to dest.
func (a *App) BackupDatabase(dest string) error {
	b, ok := a.repo.(interface{ BackupTo(string) error })
	if !ok {
		return fmt.Errorf("database type %q does not support backup", a.cfg.Database.Type)
	}
	if err := b.BackupTo(dest); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Serve runs the finalization and expiration sweeps, the callback listener
// and the metrics endpoint until ctx is cancelled or one of them fails.
func (a *App) Serve(ctx context.Context) error {
	if err := a.persistOperation(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return bridge.FinalizeSweep(a.snapshots, a.cfg.Finalizer.Period.Duration).Run(ctx)
	})
	if len(a.cfg.Notify.NodeEmails) > 0 {
		g.Go(func() error {
			return bridge.ExpireSweep(a.restores, a.cfg.Restore.ExpirationPeriod.Duration).Run(ctx)
		})
	}

	if a.nc != nil {
		listener, err := jobs.NewListener(a.nc, a.cfg.NATS.SubjectPrefix, a.cfg.NATS.QueueGroup, a.snapshots, a.restores, a.logger)
		if err != nil {
			return a.track(err)
		}
		g.Go(func() error { return listener.Run(ctx) })
	} else {
		a.logger.Warn("no nats url configured; callbacks must be reported through the CLI")
	}

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv := newMetricsServer(addr, a.registry)
		g.Go(func() error {
			a.logger.Info("metrics endpoint listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.logger.Info("serving", "instance", a.cfg.InstanceID)
	return a.track(g.Wait())
}

func newMetricsServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
}

// Close finishes the operation record and releases every resource.
func (a *App) Close() error {
	var errs []error
	if a.op.Persisted() {
		if err := a.repo.FinishOperation(context.Background(), a.op.ID, a.op.Status); err != nil {
			errs = append(errs, fmt.Errorf("finishing operation: %w", err))
		}
	}
	if err := a.release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// release closes whatever New managed to open.
func (a *App) release() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, fmt.Errorf("draining nats connection: %w", err))
		}
	}
	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.tracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down tracing: %w", err))
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return errors.Join(errs...)
}
