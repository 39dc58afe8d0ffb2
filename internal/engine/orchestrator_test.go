package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store for pass-level tests. Apply writes the
// record through, marker included, so a subsequent detection pass sees the
// same convergence behavior as the SQL stores.
type memStore struct {
	rows      map[string]ChangeRecord
	applied   []ChangeRecord
	applyErr  map[string]error
	detectErr error
}

func newMemStore(recs ...ChangeRecord) *memStore {
	s := &memStore{
		rows:     make(map[string]ChangeRecord),
		applyErr: make(map[string]error),
	}
	for _, rec := range recs {
		s.rows[rec.KeyString([]string{"id"})] = rec
	}
	return s
}

func (s *memStore) DetectChanges(_ context.Context, _ TableSpec, since Marker) ([]ChangeRecord, error) {
	if s.detectErr != nil {
		return nil, s.detectErr
	}
	var out []ChangeRecord
	for _, rec := range s.rows {
		if since.IsZero() {
			out = append(out, rec)
			continue
		}
		cmp, err := rec.Marker.Compare(since)
		if err != nil {
			return nil, err
		}
		if cmp > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) Apply(_ context.Context, spec TableSpec, rec ChangeRecord) error {
	key := rec.KeyString(spec.PrimaryKeys)
	if err, ok := s.applyErr[key]; ok {
		return err
	}
	s.applied = append(s.applied, rec)
	if rec.Op == OpDelete && spec.SoftDeleteColumn == "" {
		delete(s.rows, key)
		return nil
	}
	s.rows[key] = rec
	return nil
}

func (*memStore) Ping(context.Context) error { return nil }
func (*memStore) Close() error               { return nil }

func testSpec() TableSpec {
	return TableSpec{
		Name:         "customers",
		PrimaryKeys:  []string{"id"},
		MarkerColumn: "updated_at",
		MarkerKind:   MarkerKindTimestamp,
	}
}

func tsm(offsetSec int) Marker {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	return TimestampMarker(base.Add(time.Duration(offsetSec) * time.Second))
}

func change(id int, marker Marker, fields map[string]any) ChangeRecord {
	data := map[string]any{"id": id}
	for k, v := range fields {
		data[k] = v
	}
	return ChangeRecord{
		Table:      "customers",
		Op:         OpUpdate,
		PrimaryKey: map[string]any{"id": id},
		Data:       data,
		Marker:     marker,
		Hash:       MustContentHash(data),
	}
}

func deletion(id int, marker Marker) ChangeRecord {
	return ChangeRecord{
		Table:      "customers",
		Op:         OpDelete,
		PrimaryKey: map[string]any{"id": id},
		Marker:     marker,
	}
}

func newTestOrchestrator(t *testing.T, cloud, local Store, strategy Strategy) *Orchestrator {
	t.Helper()
	resolver, err := NewConflictResolver(strategy)
	require.NoError(t, err)
	return NewOrchestrator(cloud, local, resolver)
}

func TestSyncTable_OneSidedFlow(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(
		change(1, tsm(10), map[string]any{"name": "Acme"}),
		change(2, tsm(20), map[string]any{"name": "Apex"}),
	)
	local := newMemStore()

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	assert.Equal(t, 2, result.CloudToLocal)
	assert.Equal(t, 0, result.LocalToCloud)
	assert.Empty(t, result.Conflicts)
	assert.Empty(t, result.RowErrors)
	assert.Len(t, local.applied, 2)
	assert.Empty(t, cloud.applied)
	assert.Equal(t, tsm(20), result.NextWatermark)
}

func TestSyncTable_DisjointBothDirections(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(change(1, tsm(10), map[string]any{"name": "Acme"}))
	local := newMemStore(change(2, tsm(15), map[string]any{"name": "Bolt"}))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	assert.Equal(t, 1, result.CloudToLocal)
	assert.Equal(t, 1, result.LocalToCloud)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, tsm(15), result.NextWatermark)

	// Both stores converged on both rows.
	assert.Len(t, cloud.rows, 2)
	assert.Len(t, local.rows, 2)
}

func TestSyncTable_EqualHashIsNotAConflict(t *testing.T) {
	t.Parallel()

	// Same content on both sides, different marker values (each side stamped
	// its own clock). No writes, no conflict, watermark covers both.
	fields := map[string]any{"name": "Acme", "tier": "gold"}
	cloud := newMemStore(change(1, tsm(10), fields))
	local := newMemStore(change(1, tsm(12), fields))

	orch := newTestOrchestrator(t, cloud, local, StrategyManual)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	assert.Zero(t, result.RecordsSynced())
	assert.Empty(t, result.Conflicts)
	assert.Zero(t, result.Parked)
	assert.Empty(t, cloud.applied)
	assert.Empty(t, local.applied)
	assert.Equal(t, tsm(12), result.NextWatermark)
}

func TestSyncTable_LatestWinsConflict(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(change(1, tsm(10), map[string]any{"status": "shipped"}))
	local := newMemStore(change(1, tsm(20), map[string]any{"status": "cancelled"}))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	rc := result.Conflicts[0]
	assert.Equal(t, ConflictUpdateUpdate, rc.Conflict.Type)
	assert.Equal(t, SideLocal, rc.Resolution.Winner)

	// The local record was applied to the cloud store only.
	assert.Equal(t, 1, result.LocalToCloud)
	assert.Zero(t, result.CloudToLocal)
	require.Len(t, cloud.applied, 1)
	assert.Equal(t, "cancelled", cloud.applied[0].Data["status"])
	assert.Empty(t, local.applied)

	assert.Equal(t, tsm(20), result.NextWatermark)
}

func TestSyncTable_UpdateDeleteConflict(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(change(1, tsm(30), map[string]any{"status": "active"}))
	local := newMemStore(deletion(1, tsm(10)))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, ConflictUpdateDelete, result.Conflicts[0].Conflict.Type)
	// Cloud's update is newer, so the deleted row is restored locally.
	assert.Equal(t, SideCloud, result.Conflicts[0].Resolution.Winner)
	require.Len(t, local.applied, 1)
	assert.Equal(t, OpUpdate, local.applied[0].Op)
}

func TestSyncTable_ManualParksAndAdvancesWatermark(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(
		change(1, tsm(10), map[string]any{"status": "shipped"}),
		change(2, tsm(40), map[string]any{"status": "new"}),
	)
	local := newMemStore(change(1, tsm(20), map[string]any{"status": "cancelled"}))

	orch := newTestOrchestrator(t, cloud, local, StrategyManual)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	require.Len(t, result.Conflicts, 1)
	assert.True(t, result.Conflicts[0].Resolution.Pending)
	assert.Equal(t, 1, result.Parked)

	// Neither side of the parked key was written.
	for _, rec := range local.applied {
		assert.NotEqual(t, 1, rec.Data["id"])
	}
	assert.Empty(t, cloud.applied)

	// The disjoint key still flowed, and the watermark advanced past the
	// parked conflict: its payloads are persisted, not re-detected.
	assert.Equal(t, 1, result.CloudToLocal)
	assert.Equal(t, tsm(40), result.NextWatermark)
}

func TestSyncTable_RowErrorWithholdsWatermark(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(
		change(1, tsm(10), map[string]any{"name": "ok-1"}),
		change(2, tsm(20), map[string]any{"name": "broken"}),
		change(3, tsm(30), map[string]any{"name": "ok-3"}),
	)
	local := newMemStore()
	local.applyErr["2"] = NewRowApplicationError(errors.New("null value in column violates not-null constraint"))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	// The failed row never aborts the batch.
	assert.Equal(t, 2, result.CloudToLocal)
	require.Len(t, result.RowErrors, 1)
	assert.Equal(t, "2", result.RowErrors[0].Key)
	assert.Equal(t, SideLocal, result.RowErrors[0].Target)

	// The watermark stops strictly below the failed marker so the row is
	// re-detected next pass, even though a later row succeeded.
	assert.Equal(t, tsm(10), result.NextWatermark)
}

func TestSyncTable_AllRowsFailedHoldsWatermark(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(change(1, tsm(10), map[string]any{"name": "x"}))
	local := newMemStore()
	local.applyErr["1"] = NewRowApplicationError(errors.New("constraint violation"))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	assert.Zero(t, result.RecordsSynced())
	require.Len(t, result.RowErrors, 1)
	assert.True(t, result.NextWatermark.IsZero())
}

func TestSyncTable_ConflictApplyFailureRetriesBothSides(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(change(1, tsm(10), map[string]any{"status": "a"}))
	local := newMemStore(change(1, tsm(20), map[string]any{"status": "b"}))
	cloud.applyErr["1"] = NewRowApplicationError(errors.New("value too long for column"))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	result, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)

	require.Len(t, result.RowErrors, 1)
	// Both markers are withheld: the key is re-detected on both sides next
	// pass and the resolution retried.
	assert.True(t, result.NextWatermark.IsZero())
}

func TestSyncTable_ConnectivityFailureAbortsPass(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(change(1, tsm(10), map[string]any{"name": "x"}))
	local := newMemStore()
	local.detectErr = NewConnectivityError(errors.New("connection refused"))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	_, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
	assert.Empty(t, local.applied)
}

func TestSyncTable_NonRowApplyErrorAborts(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(change(1, tsm(10), map[string]any{"name": "x"}))
	local := newMemStore()
	local.applyErr["1"] = NewConnectivityError(errors.New("broken pipe"))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	_, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.Error(t, err)
	assert.True(t, IsConnectivity(err))
}

func TestSyncTable_CancelledContext(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(
		change(1, tsm(10), map[string]any{"name": "a"}),
		change(2, tsm(20), map[string]any{"name": "b"}),
	)
	local := newMemStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	_, err := orch.SyncTable(ctx, Pass{Spec: testSpec()})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyncTable_SecondPassIsNoOp(t *testing.T) {
	t.Parallel()

	cloud := newMemStore(
		change(1, tsm(10), map[string]any{"name": "Acme"}),
		change(2, tsm(20), map[string]any{"name": "Apex"}),
	)
	local := newMemStore(change(3, tsm(15), map[string]any{"name": "Bolt"}))

	orch := newTestOrchestrator(t, cloud, local, StrategyLatestWins)
	first, err := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	require.NoError(t, err)
	assert.Equal(t, 3, first.RecordsSynced())

	// Applying writes the source marker through, so re-detection from the
	// advanced watermark finds nothing and the pass is a pure no-op.
	second, err := orch.SyncTable(context.Background(), Pass{
		Spec:      testSpec(),
		Watermark: first.NextWatermark,
	})
	require.NoError(t, err)
	assert.Zero(t, second.RecordsSynced())
	assert.Empty(t, second.Conflicts)
	assert.True(t, second.NextWatermark.IsZero())
}

func TestSyncTable_InvalidSpec(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(t, newMemStore(), newMemStore(), StrategyLatestWins)
	_, err := orch.SyncTable(context.Background(), Pass{Spec: TableSpec{Name: "t"}})
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestDetectChanges_OrderingAndStamping(t *testing.T) {
	t.Parallel()

	// Returned out of order by the fake; the detector re-sorts by marker
	// ascending with key tiebreak and stamps origin and hash.
	store := newMemStore(
		change(3, tsm(30), map[string]any{"name": "c"}),
		change(1, tsm(10), map[string]any{"name": "a"}),
		change(2, tsm(10), map[string]any{"name": "b"}),
	)

	detector := NewChangeDetector(store, SideCloud)
	records, err := detector.DetectChanges(context.Background(), testSpec(), Marker{})
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "1", records[0].KeyString([]string{"id"}))
	assert.Equal(t, "2", records[1].KeyString([]string{"id"}))
	assert.Equal(t, "3", records[2].KeyString([]string{"id"}))
	for _, rec := range records {
		assert.Equal(t, SideCloud, rec.Origin)
		assert.NotEmpty(t, rec.Hash)
	}
}

func TestDetectChanges_WatermarkKindMismatch(t *testing.T) {
	t.Parallel()

	detector := NewChangeDetector(newMemStore(), SideCloud)
	_, err := detector.DetectChanges(context.Background(), testSpec(), VersionMarker(5))
	require.Error(t, err)
	assert.True(t, IsConfiguration(err))
}

func TestDetectChanges_SinceFilters(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		change(1, tsm(10), map[string]any{"name": "a"}),
		change(2, tsm(20), map[string]any{"name": "b"}),
	)

	detector := NewChangeDetector(store, SideLocal)
	records, err := detector.DetectChanges(context.Background(), testSpec(), tsm(10))
	require.NoError(t, err)

	// Strictly greater than the watermark: the marker equal to it is excluded.
	require.Len(t, records, 1)
	assert.Equal(t, "2", records[0].KeyString([]string{"id"}))
}

func ExampleOrchestrator_SyncTable() {
	cloud := newMemStore(change(1, tsm(10), map[string]any{"name": "Acme"}))
	local := newMemStore()

	resolver, _ := NewConflictResolver(StrategyLatestWins)
	orch := NewOrchestrator(cloud, local, resolver)

	result, _ := orch.SyncTable(context.Background(), Pass{Spec: testSpec()})
	fmt.Println(result.CloudToLocal, result.LocalToCloud)
	// Output: 1 0
}
