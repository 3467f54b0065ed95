// Package coordinator drives admitted tasks through the copy, verify, and
// commit pipeline with a bounded worker pool.
//
// The coordinator owns the task state machine and all retry and quarantine
// routing. Task outcome is all-or-nothing across destinations: one permanent
// destination failure fails the whole task, and no destination's final path
// appears unless every destination verified. Transient failures are
// rescheduled through the intake queue's delayed re-admission so workers are
// never parked on a backoff timer.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fanout/internal/audit"
	"fanout/internal/config"
	"fanout/internal/copier"
	"fanout/internal/detect"
	"fanout/internal/fileutil"
	"fanout/internal/intake"
	"fanout/internal/logging"
	"fanout/internal/recovery"
	"fanout/internal/task"
	"fanout/internal/verify"
)

// Options collects the coordinator's collaborators.
type Options struct {
	Config     *config.Config
	Queue      *intake.Queue
	Copier     *copier.Engine
	Verifier   *verify.Engine
	Policies   *recovery.Policies
	Breakers   *recovery.BreakerSet
	Audit      audit.Sink
	Quarantine audit.QuarantineSink
	Logger     *slog.Logger
}

// Coordinator runs the worker pool and owns per-task state transitions.
type Coordinator struct {
	cfg        *config.Config
	queue      *intake.Queue
	copier     *copier.Engine
	verifier   *verify.Engine
	policies   *recovery.Policies
	breakers   *recovery.BreakerSet
	sink       audit.Sink
	quarantine audit.QuarantineSink
	logger     *slog.Logger

	permits  chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// New constructs a coordinator. The worker pool is not started until Start.
func New(opts Options) *Coordinator {
	maxInFlight := opts.Config.Copy.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = opts.Config.Copy.Workers
	}
	return &Coordinator{
		cfg:        opts.Config,
		queue:      opts.Queue,
		copier:     opts.Copier,
		verifier:   opts.Verifier,
		policies:   opts.Policies,
		breakers:   opts.Breakers,
		sink:       opts.Audit,
		quarantine: opts.Quarantine,
		logger:     logging.NewComponentLogger(opts.Logger, "coordinator"),
	}
}

// Admit builds a task for a stable candidate and hands it to the intake
// queue. Implements the detector's admission callback; returns false when the
// path is already queued or in flight so the detector re-offers it later.
func (c *Coordinator) Admit(candidate detect.Candidate) bool {
	enabled := c.cfg.EnabledDestinations()
	dests := make([]*task.DestinationState, 0, len(enabled))
	for _, dest := range enabled {
		dests = append(dests, task.NewDestination(dest.ID, dest.RootPath, candidate.RelPath))
	}

	t := task.New(uuid.NewString(), candidate.Path, candidate.RelPath, candidate.Key,
		candidate.Size, candidate.ModTime, candidate.StableSince, dests)
	if !c.queue.Enqueue(t) {
		return false
	}

	c.emit(context.Background(), audit.Event{
		TaskID:     t.ID,
		Type:       audit.EventAdmitted,
		SourcePath: t.SourcePath,
	})
	c.logger.Info("task admitted",
		logging.String(logging.FieldTaskID, t.ID),
		logging.String(logging.FieldSourcePath, t.SourcePath),
		logging.Int64("size", t.Size),
		logging.Int("destinations", len(dests)),
	)
	return true
}

// Start launches the worker pool. Workers exit when the queue is closed or
// the context is cancelled.
func (c *Coordinator) Start(ctx context.Context) {
	workers := c.cfg.Copy.Workers
	if workers < 1 {
		workers = 1
	}
	maxInFlight := c.cfg.Copy.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = workers
	}
	c.permits = make(chan struct{}, maxInFlight)

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx)
	}
	c.logger.Info("worker pool started",
		logging.Int("workers", workers),
		logging.Int("max_in_flight", maxInFlight),
	)
}

// Stop closes the intake queue so workers drain and exit. In-flight tasks
// keep running until they finish or the worker context is cancelled.
func (c *Coordinator) Stop() {
	c.queue.Close()
}

// Wait blocks until every worker has exited or the grace period expires.
// Returns false when workers were still busy at the deadline.
func (c *Coordinator) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	if grace <= 0 {
		<-done
		return true
	}
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (c *Coordinator) worker(ctx context.Context) {
	defer c.wg.Done()
	for {
		t, ok := c.queue.Dequeue()
		if !ok {
			return
		}
		select {
		case c.permits <- struct{}{}:
		case <-ctx.Done():
			return
		}
		c.inFlight.Add(1)
		c.process(ctx, t)
		c.inFlight.Add(-1)
		<-c.permits
	}
}

// process drives one task through the pipeline. Called with the task owned
// exclusively by this worker; the only shared state touched is the breaker
// table and the queue.
func (c *Coordinator) process(ctx context.Context, t *task.Task) {
	destIDs := make([]string, 0, len(t.Destinations))
	for _, dest := range t.Destinations {
		destIDs = append(destIDs, dest.ID)
	}
	allowed, trials := c.breakers.AllowAll(destIDs)
	if !allowed {
		delay := c.policies.NextDelay(recovery.CategoryTransientNetwork, 1)
		if delay <= 0 {
			delay = time.Second
		}
		c.logger.Debug("destination circuit open, task deferred",
			logging.String(logging.FieldTaskID, t.ID),
			logging.Duration("delay", delay),
		)
		c.queue.Requeue(t, delay)
		return
	}

	// Half-open trials admitted above must not outlive this pass undecided:
	// a trial aborted by a source error, a digest mismatch, or another
	// destination's failure is handed back so the breaker is not stranded
	// half-open.
	undecided := make(map[string]bool, len(trials))
	for _, id := range trials {
		undecided[id] = true
	}
	defer func() {
		for id := range undecided {
			c.breakers.CancelTrial(id)
		}
	}()

	if t.Status == task.StatusAdmitted {
		if err := t.Transition(task.StatusCopying); err != nil {
			c.logger.Error("task in impossible state",
				logging.String(logging.FieldTaskID, t.ID),
				logging.Error(err),
			)
			c.queue.Release(t.Key)
			return
		}
	}
	c.emit(ctx, audit.Event{
		TaskID:     t.ID,
		Type:       audit.EventCopyStarted,
		SourcePath: t.SourcePath,
	})

	destErrs, srcErr := c.copier.Copy(ctx, t)
	if srcErr != nil {
		c.copier.Abort(t)
		if ctx.Err() != nil {
			c.logger.Info("copy interrupted by shutdown",
				logging.String(logging.FieldTaskID, t.ID),
			)
			return
		}
		cat := recovery.Classify(srcErr)
		t.RecordFailure("", string(cat), srcErr.Error())
		c.resolveFailure(ctx, t, cat)
		return
	}

	var worst recovery.Category
	for destID, destErr := range destErrs {
		cat := recovery.Classify(destErr)
		t.RecordFailure(destID, string(cat), destErr.Error())
		if cat == recovery.CategoryResourceExhaustion {
			c.breakers.Trip(destID)
		} else {
			c.breakers.RecordFailure(destID)
		}
		delete(undecided, destID)
		worst = worse(worst, cat)
		c.logger.Warn("destination write failed",
			logging.String(logging.FieldTaskID, t.ID),
			logging.String(logging.FieldDestination, destID),
			logging.String("category", string(cat)),
			logging.Error(destErr),
		)
	}
	if worst != "" {
		c.resolveFailure(ctx, t, worst)
		return
	}

	if t.Status == task.StatusCopying {
		if err := t.Transition(task.StatusVerifying); err != nil {
			c.logger.Error("task in impossible state",
				logging.String(logging.FieldTaskID, t.ID),
				logging.Error(err),
			)
			c.queue.Release(t.Key)
			return
		}
	}
	for _, dest := range t.Destinations {
		if dest.Status != task.DestWrittenPendingVerify {
			continue
		}
		if err := c.verifier.Verify(ctx, dest.TempPath, t.SourceDigest); err != nil {
			if ctx.Err() != nil {
				c.copier.Abort(t)
				return
			}
			cat := recovery.Classify(err)
			t.RecordFailure(dest.ID, string(cat), err.Error())
			if cat != recovery.CategoryPermanentVerification {
				c.breakers.RecordFailure(dest.ID)
				delete(undecided, dest.ID)
			}
			worst = worse(worst, cat)
			continue
		}
		dest.Status = task.DestVerified
	}
	if worst != "" {
		c.resolveFailure(ctx, t, worst)
		return
	}

	c.emit(ctx, audit.Event{
		TaskID:     t.ID,
		Type:       audit.EventVerified,
		SourcePath: t.SourcePath,
		Detail:     t.SourceDigest,
	})

	if err := c.copier.Commit(t); err != nil {
		if errors.Is(err, recovery.ErrPartialCommit) {
			t.RecordFailure("", "partial_commit", err.Error())
			c.quarantineTask(ctx, t, "partial commit: some destinations already visible, manual reconciliation required")
			return
		}
		cat := recovery.Classify(err)
		t.RecordFailure("", string(cat), err.Error())
		c.resolveFailure(ctx, t, cat)
		return
	}

	for _, dest := range t.Destinations {
		c.breakers.RecordSuccess(dest.ID)
		delete(undecided, dest.ID)
		c.emit(ctx, audit.Event{
			TaskID:        t.ID,
			Type:          audit.EventDestinationCommitted,
			SourcePath:    t.SourcePath,
			DestinationID: dest.ID,
		})
	}
	if err := t.Transition(task.StatusCommitted); err != nil {
		c.logger.Error("commit transition rejected",
			logging.String(logging.FieldTaskID, t.ID),
			logging.Error(err),
		)
	}
	c.queue.Release(t.Key)
}

// resolveFailure decides between delayed retry and quarantine after the
// task's temp files have been aborted.
func (c *Coordinator) resolveFailure(ctx context.Context, t *task.Task, cat recovery.Category) {
	c.copier.Abort(t)
	t.SchedulerTry++

	if cat.Retryable() && !c.policies.ShouldQuarantine(cat, t.SchedulerTry) {
		t.ResetForRetry()
		delay := c.policies.NextDelay(cat, t.SchedulerTry)
		c.emit(ctx, audit.Event{
			TaskID:     t.ID,
			Type:       audit.EventRetrying,
			SourcePath: t.SourcePath,
			Detail:     fmt.Sprintf("attempt %d failed with %s, retrying in %s", t.SchedulerTry, cat, delay.Round(time.Millisecond)),
		})
		c.logger.Warn("task retry scheduled",
			logging.String(logging.FieldTaskID, t.ID),
			logging.String(logging.FieldSourcePath, t.SourcePath),
			logging.String("category", string(cat)),
			logging.Int(logging.FieldAttempt, t.SchedulerTry),
			logging.Duration("delay", delay),
		)
		c.queue.Requeue(t, delay)
		return
	}

	disposition := fmt.Sprintf("%s after %d attempt(s)", cat, t.SchedulerTry)
	if !cat.Retryable() {
		disposition = fmt.Sprintf("permanent failure: %s", cat)
	}
	c.quarantineTask(ctx, t, disposition)
}

// quarantineTask moves a task to its terminal failed state, stores the error
// report, and relocates the source file so the detector does not re-admit it.
func (c *Coordinator) quarantineTask(ctx context.Context, t *task.Task, disposition string) {
	if t.Status != task.StatusFailed {
		if err := t.Transition(task.StatusFailed); err != nil {
			c.logger.Error("failed transition rejected",
				logging.String(logging.FieldTaskID, t.ID),
				logging.Error(err),
			)
		}
	}
	if err := t.Transition(task.StatusQuarantined); err != nil {
		c.logger.Error("quarantine transition rejected",
			logging.String(logging.FieldTaskID, t.ID),
			logging.Error(err),
		)
	}

	if err := c.quarantine.Store(ctx, t, disposition); err != nil {
		c.logger.Error("failed to store quarantine report",
			logging.String(logging.FieldTaskID, t.ID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check the audit database; the error history below is otherwise lost"),
		)
	}
	c.emit(ctx, audit.Event{
		TaskID:     t.ID,
		Type:       audit.EventQuarantined,
		SourcePath: t.SourcePath,
		Detail:     disposition,
	})
	c.logger.Error("task quarantined",
		logging.String(logging.FieldTaskID, t.ID),
		logging.String(logging.FieldSourcePath, t.SourcePath),
		logging.String("disposition", disposition),
		logging.Int("attempts", len(t.History)),
		logging.String(logging.FieldErrorHint, "inspect the quarantine report and re-drop the file into the source directory to retry"),
	)

	if moved, err := c.moveToQuarantine(t); err != nil {
		// Keep the path claimed: releasing it would let the detector
		// re-admit a file we just declared undeliverable.
		c.logger.Error("failed to move source into quarantine",
			logging.String(logging.FieldTaskID, t.ID),
			logging.String(logging.FieldSourcePath, t.SourcePath),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "move the file out of the source directory manually"),
		)
		return
	} else if moved {
		c.logger.Info("source moved to quarantine",
			logging.String(logging.FieldTaskID, t.ID),
			logging.String(logging.FieldSourcePath, t.SourcePath),
		)
	}
	c.queue.Release(t.Key)
}

func (c *Coordinator) moveToQuarantine(t *task.Task) (bool, error) {
	dir := c.cfg.Paths.QuarantineDir
	if dir == "" {
		return false, nil
	}
	target := filepath.Join(dir, t.RelPath)
	if err := fileutil.EnsureParentDir(target); err != nil {
		return false, err
	}
	if err := os.Rename(t.SourcePath, target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Health is the pollable coordinator snapshot.
type Health struct {
	QueueDepth       int                                 `json:"queue_depth"`
	ScheduledRetries int                                 `json:"scheduled_retries"`
	InFlight         int                                 `json:"in_flight"`
	Destinations     map[string]recovery.BreakerSnapshot `json:"destinations"`
}

// Health reports queue depth, in-flight count, and per-destination circuit
// state for the status API.
func (c *Coordinator) Health() Health {
	return Health{
		QueueDepth:       c.queue.Depth(),
		ScheduledRetries: c.queue.ScheduledRetries(),
		InFlight:         int(c.inFlight.Load()),
		Destinations:     c.breakers.Snapshot(),
	}
}

func (c *Coordinator) emit(ctx context.Context, event audit.Event) {
	if err := c.sink.Emit(ctx, event); err != nil {
		c.logger.Warn("audit emit failed",
			logging.String(logging.FieldEventType, string(event.Type)),
			logging.Error(err),
		)
	}
}

var severityRank = map[recovery.Category]int{
	recovery.CategoryTransientFilesystem:   1,
	recovery.CategoryTransientNetwork:      1,
	recovery.CategoryResourceExhaustion:    2,
	recovery.CategoryPermanentPermission:   3,
	recovery.CategoryPermanentVerification: 3,
	recovery.CategoryConfiguration:         4,
}

// worse picks the more severe of two categories so a single permanent
// destination failure dominates the task outcome.
func worse(a, b recovery.Category) recovery.Category {
	if a == "" {
		return b
	}
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}
