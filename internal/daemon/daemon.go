package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"fanout/internal/audit"
	"fanout/internal/config"
	"fanout/internal/coordinator"
	"fanout/internal/copier"
	"fanout/internal/detect"
	"fanout/internal/intake"
	"fanout/internal/logging"
	"fanout/internal/recovery"
	"fanout/internal/verify"
)

// Daemon owns the replication pipeline and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *audit.Store
	queue    *intake.Queue
	detector *detect.Detector
	coord    *coordinator.Coordinator
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	startedAt time.Time
	running   atomic.Bool
	cancel    context.CancelFunc
}

// Status is the daemon status payload served by the HTTP API and rendered by
// the status command.
type Status struct {
	Running      bool                `json:"running"`
	PID          int                 `json:"pid"`
	StartedAt    time.Time           `json:"started_at,omitzero"`
	SourceDir    string              `json:"source_dir"`
	LockFilePath string              `json:"lock_file"`
	AuditDBPath  string              `json:"audit_db"`
	Pipeline     coordinator.Health  `json:"pipeline"`
	Destinations []DestinationStatus `json:"destinations"`
}

// DestinationStatus summarizes one destination for status reporting.
type DestinationStatus struct {
	ID                  string  `json:"id"`
	RootPath            string  `json:"root_path"`
	Circuit             string  `json:"circuit"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	FailureRate         float64 `json:"failure_rate"`
}

// New constructs a daemon with all components wired but not started.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	store, err := audit.Open(cfg.Paths.LogDir)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	queue := intake.NewQueue()
	coord := coordinator.New(coordinator.Options{
		Config:     cfg,
		Queue:      queue,
		Copier:     copier.NewEngine(cfg.ChunkSize(), logger),
		Verifier:   verify.NewEngine(cfg.ChunkSize()),
		Policies:   recovery.NewPolicies(cfg.Retry),
		Breakers:   recovery.NewBreakerSet(cfg.Breaker),
		Audit:      store,
		Quarantine: store,
		Logger:     logger,
	})

	source := detect.NewFSSource(cfg.Paths.SourceDir, logger)
	detector := detect.New(source, coord,
		cfg.Detection.StabilityChecks, cfg.ScanInterval(), cfg.Detection.ExcludeSuffixes, logger)

	lockPath := filepath.Join(cfg.Paths.LogDir, "fanoutd.lock")
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		store:    store,
		queue:    queue,
		detector: detector,
		coord:    coord,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

// Start acquires the daemon lock and launches the detector, the worker pool,
// and the status API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another fanout daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.coord.Start(runCtx)
	go d.detector.Run(runCtx)

	if err := d.api.start(runCtx); err != nil {
		cancel()
		d.coord.Stop()
		d.coord.Wait(0)
		_ = d.lock.Unlock()
		return err
	}

	d.startedAt = time.Now().UTC()
	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("source_dir", d.cfg.Paths.SourceDir),
		logging.Int("destinations", len(d.cfg.EnabledDestinations())),
		logging.String("lock", d.lockPath),
	)
	return nil
}

// Stop drains the pipeline: the detector stops admitting, the queue closes,
// and in-flight tasks get the configured grace period before the worker
// context is cancelled.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.coord.Stop()
	if !d.coord.Wait(d.cfg.ShutdownGrace()) {
		d.logger.Warn("in-flight tasks exceeded shutdown grace, cancelling",
			logging.Duration("grace", d.cfg.ShutdownGrace()),
		)
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.coord.Wait(0)
	d.api.stop()

	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases the audit store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// APIAddr returns the bound status API address, or empty when disabled.
func (d *Daemon) APIAddr() string {
	return d.api.addr()
}

// Status reports the daemon's runtime state.
func (d *Daemon) Status() Status {
	health := d.coord.Health()

	enabled := d.cfg.EnabledDestinations()
	dests := make([]DestinationStatus, 0, len(enabled))
	for _, dest := range enabled {
		status := DestinationStatus{
			ID:       dest.ID,
			RootPath: dest.RootPath,
			Circuit:  string(recovery.BreakerClosed),
		}
		if snap, ok := health.Destinations[dest.ID]; ok {
			status.Circuit = string(snap.Status)
			status.ConsecutiveFailures = snap.ConsecutiveFailures
			status.FailureRate = snap.FailureRate
		}
		dests = append(dests, status)
	}

	return Status{
		Running:      d.running.Load(),
		PID:          os.Getpid(),
		StartedAt:    d.startedAt,
		SourceDir:    d.cfg.Paths.SourceDir,
		LockFilePath: d.lockPath,
		AuditDBPath:  d.store.Path(),
		Pipeline:     health,
		Destinations: dests,
	}
}
