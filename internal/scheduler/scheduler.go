// Package scheduler triggers and executes sync passes. It owns the per-table
// serialization gate: at most one pass runs per (registration, table) pair at
// any time, and concurrent triggers for the same pair coalesce into the job
// already in flight.
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/berqenas/dbsync/internal/engine"
	"github.com/berqenas/dbsync/internal/logger"
	"github.com/berqenas/dbsync/internal/state"
	"github.com/berqenas/dbsync/internal/store"
	"github.com/berqenas/dbsync/internal/telemetry"
)

const (
	// queueCapacity bounds the number of jobs waiting for a worker
	queueCapacity = 256

	// intervalJitter is the maximum random offset applied to the periodic
	// trigger interval to avoid synchronized bursts across instances
	intervalJitter = 30 * time.Second

	// initialRetryInterval seeds the exponential backoff after a
	// connectivity failure
	initialRetryInterval = 2 * time.Second
)

// tableKey identifies one (registration, table) pair in the gate registry.
type tableKey struct {
	registrationID uuid.UUID
	table          string
}

// runState tracks where a gated pair is in its lifecycle.
type runState int

const (
	stateQueued runState = iota + 1
	stateRunning
)

// gateEntry is the in-flight job for a gated pair. ready is closed once jobID
// is populated (or job creation failed), so coalescing triggers never observe
// a half-initialized entry.
type gateEntry struct {
	state runState
	jobID uuid.UUID
	ready chan struct{}
}

// task is a queued unit of work for the worker pool.
type task struct {
	key   tableKey
	jobID uuid.UUID
	mode  state.SyncMode
}

// OpenStoreFunc opens a data store from its connectivity descriptor. Tests
// substitute in-memory stores here.
type OpenStoreFunc func(cfg store.Config) (engine.Store, error)

// Scheduler coordinates periodic and on-demand sync passes across all
// registered remote databases.
type Scheduler struct {
	svc       state.Service
	cloud     engine.Store
	openLocal OpenStoreFunc
	metrics   *telemetry.SyncMetrics

	workers    int
	interval   time.Duration
	maxRetries int
	retrySeed  time.Duration

	mu      sync.Mutex
	entries map[tableKey]*gateEntry
	queue   chan task

	cancelFunc context.CancelFunc
	done       chan struct{}
}

// Option is a function that configures the scheduler
type Option func(*Scheduler)

// WithMetrics sets the sync metrics for the scheduler
func WithMetrics(metrics *telemetry.SyncMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = metrics
	}
}

// WithWorkers sets the worker pool size
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithInterval sets the periodic trigger interval
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxRetries bounds connectivity-failure retries per pass
func WithMaxRetries(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithOpenStore overrides how local stores are opened
func WithOpenStore(open OpenStoreFunc) Option {
	return func(s *Scheduler) {
		s.openLocal = open
	}
}

// New creates a scheduler over the shared cloud store and the control-plane
// persistence service.
func New(svc state.Service, cloud engine.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		svc:        svc,
		cloud:      cloud,
		openLocal:  store.Open,
		workers:    4,
		interval:   15 * time.Minute,
		maxRetries: 3,
		retrySeed:  initialRetryInterval,
		entries:    make(map[tableKey]*gateEntry),
		queue:      make(chan task, queueCapacity),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// jitteredInterval returns the trigger interval with a random offset applied.
func (s *Scheduler) jitteredInterval() time.Duration {
	jitter := intervalJitter
	if jitter > s.interval/2 {
		jitter = s.interval / 2
	}
	if jitter <= 0 {
		return s.interval
	}
	//nolint:gosec // G404: non-cryptographic randomness is fine for trigger jitter
	offset := time.Duration(rand.Int64N(int64(2*jitter))) - jitter
	return s.interval + offset
}

// Start runs the worker pool and the periodic trigger loop. It blocks until
// the context is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelFunc = cancel
	defer func() {
		s.drainQueue()
		close(s.done)
		logger.Info("Sync scheduler shutting down")
	}()

	logger.Infof("Starting sync scheduler: workers=%d interval=%s", s.workers, s.interval)

	group, groupCtx := errgroup.WithContext(runCtx)

	for i := 0; i < s.workers; i++ {
		group.Go(func() error {
			s.workerLoop(groupCtx)
			return nil
		})
	}

	group.Go(func() error {
		s.triggerLoop(groupCtx)
		return nil
	})

	return group.Wait()
}

// Stop gracefully stops the scheduler and waits for workers to drain.
func (s *Scheduler) Stop() error {
	if s.cancelFunc != nil {
		logger.Info("Stopping sync scheduler")
		s.cancelFunc()
		<-s.done
	}
	return nil
}

// triggerLoop periodically queues incremental passes for every enabled
// registration.
func (s *Scheduler) triggerLoop(ctx context.Context) {
	interval := s.jitteredInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.triggerAll(ctx)

	for {
		select {
		case <-ticker.C:
			s.triggerAll(ctx)
			ticker.Reset(s.jitteredInterval())
		case <-ctx.Done():
			return
		}
	}
}

// triggerAll queues an incremental pass for each table of each enabled
// registration. Pairs already queued or running coalesce, so a slow pass is
// never stacked behind duplicates of itself.
func (s *Scheduler) triggerAll(ctx context.Context) {
	regs, err := s.svc.ListRegistrations(ctx)
	if err != nil {
		logger.Errorf("Failed to list registrations for periodic sync: %v", err)
		return
	}

	for _, reg := range regs {
		if !reg.Enabled {
			continue
		}

		tables, err := s.svc.ListTableStates(ctx, reg.ID)
		if err != nil {
			logger.Errorf("Failed to list tables for registration %s: %v", reg.ID, err)
			continue
		}

		for _, ts := range tables {
			if _, err := s.RunNow(ctx, reg.ID, ts.Spec.Name, state.SyncModeIncremental); err != nil {
				logger.Warnf("Failed to queue periodic sync for %s/%s: %v",
					reg.Name, ts.Spec.Name, err)
			}
		}
	}
}

// RunNow queues a sync pass for one table and returns its job id. If a pass
// for the same (registration, table) pair is already queued or running, the
// in-flight job's id is returned and no new job is created.
func (s *Scheduler) RunNow(
	ctx context.Context,
	registrationID uuid.UUID,
	table string,
	mode state.SyncMode,
) (uuid.UUID, error) {
	key := tableKey{registrationID: registrationID, table: table}

	s.mu.Lock()
	if entry, ok := s.entries[key]; ok {
		s.mu.Unlock()
		// The holder may still be inside CreateJob; wait until the entry
		// carries the job id before coalescing into it.
		select {
		case <-entry.ready:
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		}
		s.mu.Lock()
		jobID := entry.jobID
		s.mu.Unlock()
		if jobID == uuid.Nil {
			return uuid.Nil, fmt.Errorf("coalesced sync trigger for %s/%s failed to create its job",
				registrationID, table)
		}
		logger.Debugf("Coalescing sync trigger for %s/%s into job %s",
			registrationID, table, jobID)
		return jobID, nil
	}
	// Reserve the gate before releasing the lock so a concurrent trigger
	// coalesces instead of creating a second job.
	entry := &gateEntry{state: stateQueued, ready: make(chan struct{})}
	s.entries[key] = entry
	s.mu.Unlock()

	job, err := s.svc.CreateJob(ctx, registrationID, table, mode)
	if err != nil {
		s.release(key)
		close(entry.ready)
		return uuid.Nil, fmt.Errorf("failed to create sync job: %w", err)
	}

	s.mu.Lock()
	entry.jobID = job.ID
	s.mu.Unlock()
	close(entry.ready)

	select {
	case s.queue <- task{key: key, jobID: job.ID, mode: mode}:
	default:
		s.release(key)
		if failErr := s.svc.FailJob(ctx, job.ID, "scheduler queue full"); failErr != nil {
			logger.Errorf("Failed to mark job %s failed: %v", job.ID, failErr)
		}
		return uuid.Nil, fmt.Errorf("scheduler queue full")
	}

	return job.ID, nil
}

// RunRegistration queues a pass for every table of a registration and returns
// the job ids, coalesced ones included.
func (s *Scheduler) RunRegistration(
	ctx context.Context,
	registrationID uuid.UUID,
	mode state.SyncMode,
) ([]uuid.UUID, error) {
	tables, err := s.svc.ListTableStates(ctx, registrationID)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("registration %s has no sync tables", registrationID)
	}

	jobIDs := make([]uuid.UUID, 0, len(tables))
	for _, ts := range tables {
		jobID, err := s.RunNow(ctx, registrationID, ts.Spec.Name, mode)
		if err != nil {
			return jobIDs, err
		}
		jobIDs = append(jobIDs, jobID)
	}
	return jobIDs, nil
}

// RunOnce queues and executes passes synchronously on the calling goroutine.
// It is for one-shot command-line use against a scheduler that was never
// started; mixing it with Start would contend for the same queue. An empty
// table means every table of the registration.
func (s *Scheduler) RunOnce(
	ctx context.Context,
	registrationID uuid.UUID,
	table string,
	mode state.SyncMode,
) ([]uuid.UUID, error) {
	var jobIDs []uuid.UUID
	var err error
	if table != "" {
		var jobID uuid.UUID
		jobID, err = s.RunNow(ctx, registrationID, table, mode)
		jobIDs = []uuid.UUID{jobID}
	} else {
		jobIDs, err = s.RunRegistration(ctx, registrationID, mode)
	}
	if err != nil {
		return jobIDs, err
	}

	for range jobIDs {
		select {
		case t := <-s.queue:
			s.execute(ctx, t)
		default:
		}
	}

	return jobIDs, nil
}

// release clears the gate for a pair, letting the next trigger through.
func (s *Scheduler) release(key tableKey) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// workerLoop consumes queued tasks until the context is cancelled. Tasks
// still queued at that point are failed by drainQueue, not silently dropped.
func (s *Scheduler) workerLoop(ctx context.Context) {
	for {
		// Cancellation wins over a ready task; the task is handed to
		// drainQueue instead of racing into a doomed pass.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case t := <-s.queue:
			s.execute(ctx, t)
		case <-ctx.Done():
			return
		}
	}
}

// drainQueue fails every task still queued at shutdown so their job rows do
// not sit pending forever. Runs after the workers have exited; uses a fresh
// context because the run context is already cancelled.
func (s *Scheduler) drainQueue() {
	for {
		select {
		case t := <-s.queue:
			s.release(t.key)
			if err := s.svc.FailJob(context.Background(), t.jobID,
				"scheduler shut down before the pass started"); err != nil {
				logger.Errorf("Failed to fail undrained job %s: %v", t.jobID, err)
			}
		default:
			return
		}
	}
}

// execute runs one queued pass end to end: load state, run the orchestrator
// with bounded retries, persist the outcome.
func (s *Scheduler) execute(ctx context.Context, t task) {
	defer s.release(t.key)

	s.mu.Lock()
	if entry, ok := s.entries[t.key]; ok {
		entry.state = stateRunning
	}
	s.mu.Unlock()

	if err := s.svc.StartJob(ctx, t.jobID); err != nil {
		logger.Errorf("Failed to start job %s: %v", t.jobID, err)
		return
	}

	start := time.Now()
	result, err := s.runPass(ctx, t)
	duration := time.Since(start)

	table := t.key.table
	if err != nil {
		s.metrics.RecordPassDuration(ctx, table, duration, false)
		logger.Errorf("Sync pass failed for %s/%s: %v", t.key.registrationID, table, err)
		s.appendLog(ctx, t.jobID, "error", fmt.Sprintf("pass failed: %v", err))
		if failErr := s.svc.FailJob(ctx, t.jobID, err.Error()); failErr != nil {
			logger.Errorf("Failed to mark job %s failed: %v", t.jobID, failErr)
		}
		return
	}

	s.metrics.RecordPassDuration(ctx, table, duration, true)
	s.metrics.RecordRecordsSynced(ctx, table, int64(result.RecordsSynced()))
	if parked := int64(result.Parked); parked > 0 {
		s.metrics.RecordConflicts(ctx, table, parked, true)
	}
	if auto := int64(len(result.Conflicts) - result.Parked); auto > 0 {
		s.metrics.RecordConflicts(ctx, table, auto, false)
	}

	s.persistOutcome(ctx, t, result)
}

// runPass loads the pass inputs and executes the orchestrator, retrying
// connectivity failures with exponential backoff. Configuration and row
// application errors are never retried; retrying cannot fix a bad table spec,
// and row errors are already absorbed into the result for the next pass.
func (s *Scheduler) runPass(ctx context.Context, t task) (*engine.Result, error) {
	reg, err := s.svc.GetRegistration(ctx, t.key.registrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	if !reg.Enabled {
		return nil, engine.NewConfigurationError(
			fmt.Errorf("registration %s is disabled", reg.Name))
	}

	ts, err := s.svc.GetTableState(ctx, t.key.registrationID, t.key.table)
	if err != nil {
		return nil, fmt.Errorf("failed to load table state: %w", err)
	}

	resolver, err := engine.NewConflictResolver(ts.Strategy)
	if err != nil {
		return nil, engine.NewConfigurationError(err)
	}

	local, err := s.openLocal(reg.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if closeErr := local.Close(); closeErr != nil {
			logger.Warnf("Failed to close local store for %s: %v", reg.Name, closeErr)
		}
	}()

	watermark := ts.Watermark
	if t.mode == state.SyncModeFull {
		watermark = engine.Marker{}
	}

	pass := engine.Pass{
		Spec:      ts.Spec,
		Watermark: watermark,
		Strategy:  ts.Strategy,
	}
	orch := engine.NewOrchestrator(s.cloud, local, resolver)

	s.appendLog(ctx, t.jobID, "info",
		fmt.Sprintf("starting %s pass for table %s from watermark %s",
			t.mode, ts.Spec.Name, watermark))

	operation := func() (*engine.Result, error) {
		result, passErr := orch.SyncTable(ctx, pass)
		if passErr != nil && !engine.IsConnectivity(passErr) {
			return nil, backoff.Permanent(passErr)
		}
		return result, passErr
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.retrySeed

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.maxRetries)),
	)
}

// persistOutcome writes conflicts, logs, the job completion, and the advanced
// watermark for a successful pass.
func (s *Scheduler) persistOutcome(ctx context.Context, t task, result *engine.Result) {
	for _, rc := range result.Conflicts {
		if _, err := s.svc.CreateConflict(ctx, t.key.registrationID, rc); err != nil {
			logger.Errorf("Failed to persist conflict for %s/%s key %v: %v",
				t.key.registrationID, result.Table, rc.Conflict.PrimaryKey, err)
		}
	}

	for _, rowErr := range result.RowErrors {
		s.appendLog(ctx, t.jobID, "warn", rowErr.Error())
	}
	s.appendLog(ctx, t.jobID, "info", fmt.Sprintf(
		"pass complete: cloud_to_local=%d local_to_cloud=%d conflicts=%d parked=%d row_errors=%d next_watermark=%s",
		result.CloudToLocal, result.LocalToCloud,
		len(result.Conflicts), result.Parked, len(result.RowErrors),
		result.NextWatermark))

	if err := s.svc.CompleteJob(ctx, t.jobID, int64(result.RecordsSynced()), result.NextWatermark); err != nil {
		logger.Errorf("Failed to complete job %s: %v", t.jobID, err)
		return
	}

	if err := s.svc.TouchLastSync(ctx, t.key.registrationID); err != nil {
		logger.Warnf("Failed to stamp last sync for %s: %v", t.key.registrationID, err)
	}
}

// appendLog writes one audit line, logging (not failing) on persistence errors.
func (s *Scheduler) appendLog(ctx context.Context, jobID uuid.UUID, level, line string) {
	if err := s.svc.AppendLog(ctx, jobID, level, line); err != nil {
		logger.Warnf("Failed to append job log for %s: %v", jobID, err)
	}
}
