package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/berqenas/dbsync/internal/logger"
)

// Pass describes one synchronization pass for one table at a shared watermark.
type Pass struct {
	Spec      TableSpec
	Watermark Marker
	Strategy  Strategy
}

// ResolvedConflict pairs a detected conflict with its resolution outcome.
// Pending resolutions are parked conflicts awaiting an operator decision.
type ResolvedConflict struct {
	Conflict   Conflict   `json:"conflict"`
	Resolution Resolution `json:"resolution"`
}

// Result is the summary of one completed sync pass.
type Result struct {
	Table string `json:"table"`

	// CloudToLocal counts records applied from cloud to the local store
	CloudToLocal int `json:"cloud_to_local"`
	// LocalToCloud counts records applied from local to the cloud store
	LocalToCloud int `json:"local_to_cloud"`

	// Conflicts lists every contested key with a real content divergence,
	// both auto-resolved and parked
	Conflicts []ResolvedConflict `json:"conflicts,omitempty"`
	// Parked counts the pending entries within Conflicts
	Parked int `json:"parked"`

	// RowErrors lists per-row application failures; these never abort the
	// batch and are retried on the next pass
	RowErrors []RowError `json:"row_errors,omitempty"`

	// NextWatermark is the advanced watermark, or zero when the pass
	// processed nothing it can safely advance past
	NextWatermark Marker `json:"next_watermark"`
}

// RecordsSynced is the total number of records applied in either direction.
func (r *Result) RecordsSynced() int {
	return r.CloudToLocal + r.LocalToCloud
}

// Orchestrator executes one complete detect, diff, resolve, apply pass for a
// table. It holds no locks while waiting on store I/O; same-key serialization
// is the scheduler's per-key gate.
type Orchestrator struct {
	cloud    *ChangeDetector
	local    *ChangeDetector
	cloudSt  Store
	localSt  Store
	resolver *ConflictResolver
}

// NewOrchestrator builds an orchestrator over the two sides' stores.
func NewOrchestrator(cloud, local Store, resolver *ConflictResolver) *Orchestrator {
	return &Orchestrator{
		cloud:    NewChangeDetector(cloud, SideCloud),
		local:    NewChangeDetector(local, SideLocal),
		cloudSt:  cloud,
		localSt:  local,
		resolver: resolver,
	}
}

// SyncTable runs a single bi-directional pass per the configured pass
// description. A connectivity failure on either side aborts the whole pass
// with the watermark untouched; per-row application failures are absorbed
// into the result and retried next pass.
func (o *Orchestrator) SyncTable(ctx context.Context, pass Pass) (*Result, error) {
	spec := pass.Spec
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cloudChanges, err := o.cloud.DetectChanges(ctx, spec, pass.Watermark)
	if err != nil {
		return nil, fmt.Errorf("detecting cloud changes for table %s: %w", spec.Name, err)
	}
	localChanges, err := o.local.DetectChanges(ctx, spec, pass.Watermark)
	if err != nil {
		return nil, fmt.Errorf("detecting local changes for table %s: %w", spec.Name, err)
	}

	logger.Infof("Table %s: detected %d cloud and %d local changes since %s",
		spec.Name, len(cloudChanges), len(localChanges), pass.Watermark)

	cloudMap := make(map[string]ChangeRecord, len(cloudChanges))
	for _, rec := range cloudChanges {
		cloudMap[rec.KeyString(spec.PrimaryKeys)] = rec
	}
	localMap := make(map[string]ChangeRecord, len(localChanges))
	for _, rec := range localChanges {
		localMap[rec.KeyString(spec.PrimaryKeys)] = rec
	}

	run := &passRun{orchestrator: o, pass: pass, result: &Result{Table: spec.Name}}

	if err := run.reconcileContested(ctx, cloudMap, localMap); err != nil {
		return run.result, err
	}
	if err := run.applyDisjoint(ctx, cloudMap, localMap); err != nil {
		return run.result, err
	}

	run.result.NextWatermark = run.nextWatermark()

	logger.Infof("Table %s: pass complete: cloud→local=%d local→cloud=%d conflicts=%d parked=%d rowErrors=%d",
		spec.Name, run.result.CloudToLocal, run.result.LocalToCloud,
		len(run.result.Conflicts), run.result.Parked, len(run.result.RowErrors))

	return run.result, nil
}

// passRun carries the mutable state of one SyncTable invocation.
type passRun struct {
	orchestrator *Orchestrator
	pass         Pass
	result       *Result

	// markers of rows fully processed (applied, hash-skipped, or parked)
	processed []Marker
	// markers of rows whose application failed; the watermark never passes these
	failed []Marker
}

// reconcileContested handles keys present in both change sets: hash-equal
// duplicates are skipped, real conflicts are resolved or parked.
func (r *passRun) reconcileContested(ctx context.Context, cloudMap, localMap map[string]ChangeRecord) error {
	spec := r.pass.Spec

	contested := make([]string, 0)
	for key := range cloudMap {
		if _, ok := localMap[key]; ok {
			contested = append(contested, key)
		}
	}
	// Deterministic processing order across repeated runs.
	sort.Strings(contested)

	for _, key := range contested {
		if err := ctx.Err(); err != nil {
			return err
		}

		cloudRec := cloudMap[key]
		localRec := localMap[key]

		// Equal content hash means both sides converged on the same state:
		// an idempotent duplicate, not a conflict. Zero writes either way.
		if cloudRec.Hash == localRec.Hash {
			r.processed = append(r.processed, cloudRec.Marker, localRec.Marker)
			continue
		}

		conflict := Conflict{
			Table:       spec.Name,
			PrimaryKey:  cloudRec.PrimaryKey,
			CloudData:   cloudRec.Data,
			CloudMarker: cloudRec.Marker,
			LocalData:   localRec.Data,
			LocalMarker: localRec.Marker,
			Type:        classifyConflict(cloudRec.Op, localRec.Op),
		}

		resolution, err := r.orchestrator.resolver.Resolve(conflict)
		if err != nil {
			return err
		}

		r.result.Conflicts = append(r.result.Conflicts, ResolvedConflict{Conflict: conflict, Resolution: resolution})

		if resolution.Pending {
			// Parked: withhold application, exclude from directional counts.
			// The conflict record carries both payloads, so the watermark may
			// still advance for the rest of the table.
			r.result.Parked++
			r.processed = append(r.processed, cloudRec.Marker, localRec.Marker)
			continue
		}

		winnerRec, target, targetStore := cloudRec, SideLocal, r.orchestrator.localSt
		if resolution.Winner == SideLocal {
			winnerRec, target, targetStore = localRec, SideCloud, r.orchestrator.cloudSt
		}

		if err := targetStore.Apply(ctx, spec, winnerRec); err != nil {
			if !IsRowApplication(err) {
				return fmt.Errorf("applying resolved conflict for key %q: %w", key, err)
			}
			r.recordRowError(key, target, winnerRec, err)
			// Both sides' markers stay below the watermark so the key is
			// re-detected and the resolution retried next pass.
			r.failed = append(r.failed, cloudRec.Marker, localRec.Marker)
			continue
		}

		if resolution.Winner == SideCloud {
			r.result.CloudToLocal++
		} else {
			r.result.LocalToCloud++
		}
		r.processed = append(r.processed, cloudRec.Marker, localRec.Marker)
	}

	return nil
}

// applyDisjoint applies keys present on only one side to the opposite store.
func (r *passRun) applyDisjoint(ctx context.Context, cloudMap, localMap map[string]ChangeRecord) error {
	if err := r.applyOneWay(ctx, cloudMap, localMap, SideLocal, r.orchestrator.localSt, &r.result.CloudToLocal); err != nil {
		return err
	}
	return r.applyOneWay(ctx, localMap, cloudMap, SideCloud, r.orchestrator.cloudSt, &r.result.LocalToCloud)
}

func (r *passRun) applyOneWay(
	ctx context.Context,
	source, opposite map[string]ChangeRecord,
	target Side, targetStore Store,
	counter *int,
) error {
	keys := make([]string, 0, len(source))
	for key := range source {
		if _, contested := opposite[key]; !contested {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		// Cooperative cancellation: finish the in-flight row, then stop
		// before starting the next one.
		if err := ctx.Err(); err != nil {
			return err
		}

		rec := source[key]
		if err := targetStore.Apply(ctx, r.pass.Spec, rec); err != nil {
			if !IsRowApplication(err) {
				return fmt.Errorf("applying %s change for key %q: %w", rec.Origin, key, err)
			}
			r.recordRowError(key, target, rec, err)
			continue
		}
		*counter++
		r.processed = append(r.processed, rec.Marker)
	}

	return nil
}

func (r *passRun) recordRowError(key string, target Side, rec ChangeRecord, err error) {
	logger.Warnf("Table %s: row application failed for key %q: %v", r.pass.Spec.Name, key, err)
	r.result.RowErrors = append(r.result.RowErrors, RowError{
		Key:    key,
		Target: target,
		Op:     rec.Op,
		Err:    err,
		Msg:    err.Error(),
	})
	r.failed = append(r.failed, rec.Marker)
}

// nextWatermark computes the largest processed marker the watermark can
// safely advance to: strictly below every failed row's marker, so failed rows
// are re-detected and retried on the next pass.
func (r *passRun) nextWatermark() Marker {
	var minFailed Marker
	for _, m := range r.failed {
		if minFailed.IsZero() {
			minFailed = m
			continue
		}
		if cmp, err := m.Compare(minFailed); err == nil && cmp < 0 {
			minFailed = m
		}
	}

	var next Marker
	for _, m := range r.processed {
		if !minFailed.IsZero() {
			if cmp, err := m.Compare(minFailed); err != nil || cmp >= 0 {
				continue
			}
		}
		if next.IsZero() {
			next = m
			continue
		}
		if cmp, err := m.Compare(next); err == nil && cmp > 0 {
			next = m
		}
	}
	return next
}
