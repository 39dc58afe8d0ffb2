package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berqenas/dbsync/internal/engine"
	"github.com/berqenas/dbsync/internal/state"
	"github.com/berqenas/dbsync/internal/store"
)

// fakeStore is an in-memory engine.Store for scheduler tests. Apply writes
// the record through so repeated passes converge like the SQL stores do.
type fakeStore struct {
	mu          sync.Mutex
	rows        map[string]engine.ChangeRecord
	detectErr   error
	detectCalls int
	failures    int // number of leading DetectChanges calls that fail
	applied     []engine.ChangeRecord
}

func newFakeStore(recs ...engine.ChangeRecord) *fakeStore {
	s := &fakeStore{rows: make(map[string]engine.ChangeRecord)}
	for _, rec := range recs {
		s.rows[rec.KeyString([]string{"id"})] = rec
	}
	return s
}

func (s *fakeStore) DetectChanges(_ context.Context, _ engine.TableSpec, since engine.Marker) ([]engine.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detectCalls++
	if s.detectErr != nil && (s.failures == 0 || s.detectCalls <= s.failures) {
		return nil, s.detectErr
	}
	var out []engine.ChangeRecord
	for _, rec := range s.rows {
		if since.IsZero() {
			out = append(out, rec)
			continue
		}
		if cmp, err := rec.Marker.Compare(since); err == nil && cmp > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) Apply(_ context.Context, spec engine.TableSpec, rec engine.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied = append(s.applied, rec)
	s.rows[rec.KeyString(spec.PrimaryKeys)] = rec
	return nil
}

func (*fakeStore) Ping(context.Context) error { return nil }
func (*fakeStore) Close() error               { return nil }

func verChange(id int, version int64, fields map[string]any) engine.ChangeRecord {
	data := map[string]any{"id": id}
	for k, v := range fields {
		data[k] = v
	}
	return engine.ChangeRecord{
		Table:      "customers",
		Op:         engine.OpUpdate,
		PrimaryKey: map[string]any{"id": id},
		Data:       data,
		Marker:     engine.VersionMarker(version),
		Hash:       engine.MustContentHash(data),
	}
}

func testTableState(strategy engine.Strategy) state.TableState {
	return state.TableState{
		Spec: engine.TableSpec{
			Name:         "customers",
			PrimaryKeys:  []string{"id"},
			MarkerColumn: "version",
			MarkerKind:   engine.MarkerKindVersion,
		},
		Strategy: strategy,
	}
}

// newTestScheduler wires a scheduler over fakes and registers one remote.
func newTestScheduler(
	t *testing.T,
	cloud, local *fakeStore,
	strategy engine.Strategy,
) (*Scheduler, *state.MemoryService, state.Registration) {
	t.Helper()

	svc := state.NewMemoryService()
	reg, err := svc.CreateRegistration(context.Background(),
		state.Registration{
			Name:    "plant-42",
			Store:   store.Config{Kind: store.KindSQLite, DSN: "/var/lib/plant.db"},
			Enabled: true,
		},
		[]state.TableState{testTableState(strategy)},
	)
	require.NoError(t, err)

	sched := New(svc, cloud,
		WithOpenStore(func(store.Config) (engine.Store, error) { return local, nil }),
		WithMaxRetries(1),
	)
	sched.retrySeed = time.Millisecond

	return sched, svc, reg
}

func TestRunNow_CoalescesConcurrentTriggers(t *testing.T) {
	t.Parallel()

	sched, svc, reg := newTestScheduler(t, newFakeStore(), newFakeStore(), engine.StrategyLatestWins)
	ctx := context.Background()

	// No workers are running, so the first trigger stays queued.
	first, err := sched.RunNow(ctx, reg.ID, "customers", state.SyncModeIncremental)
	require.NoError(t, err)

	second, err := sched.RunNow(ctx, reg.ID, "customers", state.SyncModeIncremental)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	// Exactly one job record exists.
	jobs, err := svc.ListJobs(ctx, reg.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	// A different table is not coalesced with it.
	svc.AddTable(reg.ID, state.TableState{
		Spec: engine.TableSpec{
			Name: "orders", PrimaryKeys: []string{"id"},
			MarkerColumn: "version", MarkerKind: engine.MarkerKindVersion,
		},
		Strategy: engine.StrategyLatestWins,
	})

	third, err := sched.RunNow(ctx, reg.ID, "orders", state.SyncModeIncremental)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

// blockingJobService stalls the first CreateJob call until released, holding
// the gate open in the window where its entry carries no job id yet.
type blockingJobService struct {
	*state.MemoryService
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingJobService) CreateJob(
	ctx context.Context,
	registrationID uuid.UUID,
	table string,
	mode state.SyncMode,
) (state.SyncJob, error) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.MemoryService.CreateJob(ctx, registrationID, table, mode)
}

func TestRunNow_ConcurrentTriggerWaitsForJobID(t *testing.T) {
	t.Parallel()

	svc := &blockingJobService{
		MemoryService: state.NewMemoryService(),
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
	reg, err := svc.CreateRegistration(context.Background(),
		state.Registration{Name: "plant-42", Enabled: true},
		[]state.TableState{testTableState(engine.StrategyLatestWins)},
	)
	require.NoError(t, err)

	local := newFakeStore()
	sched := New(svc, newFakeStore(),
		WithOpenStore(func(store.Config) (engine.Store, error) { return local, nil }),
	)
	ctx := context.Background()

	type triggerResult struct {
		jobID uuid.UUID
		err   error
	}
	first := make(chan triggerResult, 1)
	go func() {
		id, runErr := sched.RunNow(ctx, reg.ID, "customers", state.SyncModeIncremental)
		first <- triggerResult{id, runErr}
	}()

	// The first trigger now holds the gate but is stalled inside CreateJob.
	<-svc.entered

	second := make(chan triggerResult, 1)
	go func() {
		id, runErr := sched.RunNow(ctx, reg.ID, "customers", state.SyncModeIncremental)
		second <- triggerResult{id, runErr}
	}()

	// The coalescing trigger must wait for the job id, not return a nil one.
	select {
	case res := <-second:
		t.Fatalf("coalescing trigger returned before the job existed: id=%s err=%v",
			res.jobID, res.err)
	case <-time.After(50 * time.Millisecond):
	}

	close(svc.release)

	res1 := <-first
	res2 := <-second
	require.NoError(t, res1.err)
	require.NoError(t, res2.err)
	assert.NotEqual(t, uuid.Nil, res1.jobID)
	assert.Equal(t, res1.jobID, res2.jobID)

	jobs, err := svc.ListJobs(ctx, reg.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestRunOnce_CompletesJobAndAdvancesWatermark(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore(
		verChange(1, 10, map[string]any{"name": "Acme"}),
		verChange(2, 20, map[string]any{"name": "Apex"}),
	)
	local := newFakeStore()

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyLatestWins)
	ctx := context.Background()

	jobIDs, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)
	require.Len(t, jobIDs, 1)

	job, err := svc.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCompleted, job.Status)
	assert.Equal(t, int64(2), job.RecordsSynced)

	// Watermark advanced to the max applied marker.
	ts, err := svc.GetTableState(ctx, reg.ID, "customers")
	require.NoError(t, err)
	assert.Equal(t, engine.VersionMarker(20), ts.Watermark)

	// Last sync stamped and audit lines written.
	got, err := svc.GetRegistration(ctx, reg.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastSync)

	logs, err := svc.ListLogs(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	// The gate is released: a follow-up pass runs and is a no-op.
	jobIDs2, err := sched.RunOnce(ctx, reg.ID, "customers", state.SyncModeIncremental)
	require.NoError(t, err)
	require.Len(t, jobIDs2, 1)
	assert.NotEqual(t, jobIDs[0], jobIDs2[0])

	job2, err := svc.GetJob(ctx, jobIDs2[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCompleted, job2.Status)
	assert.Zero(t, job2.RecordsSynced)
}

func TestRunOnce_PersistsParkedConflicts(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore(verChange(1, 10, map[string]any{"status": "shipped"}))
	local := newFakeStore(verChange(1, 20, map[string]any{"status": "cancelled"}))

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyManual)
	ctx := context.Background()

	jobIDs, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)
	require.Len(t, jobIDs, 1)

	conflicts, err := svc.ListOpenConflicts(ctx, reg.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "customers", conflicts[0].Table)
	assert.Nil(t, conflicts[0].Resolution)
	assert.Equal(t, "shipped", conflicts[0].CloudData["status"])
	assert.Equal(t, "cancelled", conflicts[0].LocalData["status"])

	// The parked key blocked neither the job nor the watermark.
	job, err := svc.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCompleted, job.Status)

	ts, err := svc.GetTableState(ctx, reg.ID, "customers")
	require.NoError(t, err)
	assert.Equal(t, engine.VersionMarker(20), ts.Watermark)
}

func TestRunOnce_ConnectivityFailureFailsJob(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore()
	cloud.detectErr = engine.NewConnectivityError(errors.New("connection refused"))
	local := newFakeStore()

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyLatestWins)
	sched.maxRetries = 3
	ctx := context.Background()

	jobIDs, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)
	require.Len(t, jobIDs, 1)

	job, err := svc.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMsg)
	assert.Contains(t, *job.ErrorMsg, "connection refused")

	// Connectivity failures were retried up to the bound.
	assert.Equal(t, 3, cloud.detectCalls)
}

func TestRunOnce_ConnectivityRecoveryWithinRetries(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore(verChange(1, 10, map[string]any{"name": "Acme"}))
	cloud.detectErr = engine.NewConnectivityError(errors.New("timeout"))
	cloud.failures = 1
	local := newFakeStore()

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyLatestWins)
	sched.maxRetries = 3
	ctx := context.Background()

	jobIDs, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)

	job, err := svc.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCompleted, job.Status)
	assert.Equal(t, int64(1), job.RecordsSynced)
}

func TestRunOnce_ConfigurationErrorNeverRetried(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore()
	cloud.detectErr = engine.NewConfigurationError(errors.New("no usable change marker"))
	local := newFakeStore()

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyLatestWins)
	sched.maxRetries = 5
	ctx := context.Background()

	jobIDs, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)

	job, err := svc.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)

	// One attempt only: retrying cannot fix a bad spec.
	assert.Equal(t, 1, cloud.detectCalls)
}

func TestRunOnce_DisabledRegistrationFails(t *testing.T) {
	t.Parallel()

	sched, svc, reg := newTestScheduler(t, newFakeStore(), newFakeStore(), engine.StrategyLatestWins)
	ctx := context.Background()

	svc.SetEnabled(reg.ID, false)

	jobIDs, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)

	job, err := svc.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMsg)
	assert.Contains(t, *job.ErrorMsg, "disabled")
}

func TestRunOnce_FullModeIgnoresWatermark(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore(verChange(1, 10, map[string]any{"name": "Acme"}))
	local := newFakeStore()

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyLatestWins)
	ctx := context.Background()

	// Pretend a previous pass advanced the watermark past the row.
	svc.SetWatermark(reg.ID, "customers", engine.VersionMarker(99))

	jobIDs, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeFull)
	require.NoError(t, err)

	job, err := svc.GetJob(ctx, jobIDs[0])
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusCompleted, job.Status)
	assert.Equal(t, int64(1), job.RecordsSynced)

	// The re-detected window tops out at v10, below the stored watermark.
	// Watermarks only ever move forward, so v99 stands.
	ts, err := svc.GetTableState(ctx, reg.ID, "customers")
	require.NoError(t, err)
	assert.Equal(t, engine.VersionMarker(99), ts.Watermark)
}

func TestRunRegistration_NoTables(t *testing.T) {
	t.Parallel()

	svc := state.NewMemoryService()
	reg, err := svc.CreateRegistration(context.Background(),
		state.Registration{Name: "empty", Enabled: true}, nil)
	require.NoError(t, err)

	sched := New(svc, newFakeStore())
	_, err = sched.RunRegistration(context.Background(), reg.ID, state.SyncModeIncremental)
	require.Error(t, err)
}

func TestApplyResolution(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore(verChange(1, 10, map[string]any{"status": "shipped"}))
	local := newFakeStore(verChange(1, 20, map[string]any{"status": "cancelled"}))

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyManual)
	ctx := context.Background()

	_, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)

	conflicts, err := svc.ListOpenConflicts(ctx, reg.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)

	resolved, err := sched.ApplyResolution(ctx, conflicts[0].ID, engine.SideLocal)
	require.NoError(t, err)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, engine.SideLocal, *resolved.Resolution)
	assert.NotNil(t, resolved.ResolvedAt)

	// The local payload was applied to the cloud store.
	require.Len(t, cloud.applied, 1)
	assert.Equal(t, "cancelled", cloud.applied[0].Data["status"])
	assert.Empty(t, local.applied)

	// No open conflicts remain, and resolving twice errors.
	open, err := svc.ListOpenConflicts(ctx, reg.ID)
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = sched.ApplyResolution(ctx, conflicts[0].ID, engine.SideCloud)
	require.Error(t, err)
}

func TestApplyResolution_DeleteWinner(t *testing.T) {
	t.Parallel()

	deleteRec := engine.ChangeRecord{
		Table:      "customers",
		Op:         engine.OpDelete,
		PrimaryKey: map[string]any{"id": 1},
		Marker:     engine.VersionMarker(20),
	}
	cloud := newFakeStore(verChange(1, 10, map[string]any{"status": "active"}))
	local := newFakeStore(deleteRec)

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyManual)
	ctx := context.Background()

	_, err := sched.RunOnce(ctx, reg.ID, "", state.SyncModeIncremental)
	require.NoError(t, err)

	conflicts, err := svc.ListOpenConflicts(ctx, reg.ID)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, engine.ConflictUpdateDelete, conflicts[0].Type)

	_, err = sched.ApplyResolution(ctx, conflicts[0].ID, engine.SideLocal)
	require.NoError(t, err)

	require.Len(t, cloud.applied, 1)
	assert.Equal(t, engine.OpDelete, cloud.applied[0].Op)
	assert.Nil(t, cloud.applied[0].Data)
}

func TestStart_FailsQueuedJobsOnShutdown(t *testing.T) {
	t.Parallel()

	sched, svc, reg := newTestScheduler(t, newFakeStore(), newFakeStore(), engine.StrategyLatestWins)

	// Queue a job while no workers are running.
	jobID, err := sched.RunNow(context.Background(), reg.ID, "customers", state.SyncModeIncremental)
	require.NoError(t, err)

	// Start on an already-cancelled context: workers exit without picking up
	// the task, and the shutdown drain must fail it rather than drop it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, sched.Start(ctx))

	job, err := svc.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, state.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMsg)
	assert.Contains(t, *job.ErrorMsg, "shut down")
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	cloud := newFakeStore(verChange(1, 10, map[string]any{"name": "Acme"}))
	local := newFakeStore()

	sched, svc, reg := newTestScheduler(t, cloud, local, engine.StrategyLatestWins)
	sched.workers = 2
	sched.interval = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- sched.Start(context.Background()) }()

	// The initial periodic trigger queues and a worker completes the pass.
	require.Eventually(t, func() bool {
		jobs, err := svc.ListJobs(context.Background(), reg.ID)
		if err != nil {
			return false
		}
		for _, job := range jobs {
			if job.Status == state.JobStatusCompleted {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Stop())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
