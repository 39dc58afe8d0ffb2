package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/berqenas/dbsync/internal/engine"
	"github.com/berqenas/dbsync/internal/logger"
	"github.com/berqenas/dbsync/internal/state"
)

// ApplyResolution resolves a parked conflict with the operator's chosen
// winner: the winning side's payload is applied to the losing store, then the
// conflict is stamped resolved. The key stays gated against concurrent passes
// for its table only through the stores' own transactionality; a later pass
// re-detecting the applied record collapses into a hash-equal skip.
func (s *Scheduler) ApplyResolution(
	ctx context.Context,
	conflictID uuid.UUID,
	winner engine.Side,
) (state.Conflict, error) {
	conflict, err := s.svc.GetConflict(ctx, conflictID)
	if err != nil {
		return state.Conflict{}, err
	}
	if conflict.Resolution != nil {
		return state.Conflict{}, fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	reg, err := s.svc.GetRegistration(ctx, conflict.RegistrationID)
	if err != nil {
		return state.Conflict{}, fmt.Errorf("failed to load registration: %w", err)
	}

	ts, err := s.svc.GetTableState(ctx, conflict.RegistrationID, conflict.Table)
	if err != nil {
		return state.Conflict{}, fmt.Errorf("failed to load table state: %w", err)
	}

	rec, target, err := resolutionRecord(conflict, winner)
	if err != nil {
		return state.Conflict{}, err
	}

	local, err := s.openLocal(reg.Store)
	if err != nil {
		return state.Conflict{}, fmt.Errorf("failed to open local store: %w", err)
	}
	defer func() {
		if closeErr := local.Close(); closeErr != nil {
			logger.Warnf("Failed to close local store for %s: %v", reg.Name, closeErr)
		}
	}()

	targetStore := local
	if target == engine.SideCloud {
		targetStore = s.cloud
	}

	if err := targetStore.Apply(ctx, ts.Spec, rec); err != nil {
		return state.Conflict{}, fmt.Errorf("failed to apply resolution to %s store: %w", target, err)
	}

	resolved, err := s.svc.ResolveConflict(ctx, conflictID, winner)
	if err != nil {
		return state.Conflict{}, err
	}

	logger.Infof("Resolved conflict %s on %s/%s: winner=%s",
		conflictID, reg.Name, conflict.Table, winner)

	return resolved, nil
}

// resolutionRecord builds the change record to apply for the winning side and
// names the side it must be applied to.
func resolutionRecord(conflict state.Conflict, winner engine.Side) (engine.ChangeRecord, engine.Side, error) {
	var data map[string]any
	var marker engine.Marker
	var target engine.Side

	switch winner {
	case engine.SideCloud:
		data, marker, target = conflict.CloudData, conflict.CloudMarker, engine.SideLocal
	case engine.SideLocal:
		data, marker, target = conflict.LocalData, conflict.LocalMarker, engine.SideCloud
	default:
		return engine.ChangeRecord{}, "", fmt.Errorf("invalid winner %q", winner)
	}

	op := engine.OpUpdate
	if data == nil {
		op = engine.OpDelete
	}

	rec := engine.ChangeRecord{
		Table:      conflict.Table,
		Op:         op,
		PrimaryKey: conflict.PrimaryKey,
		Data:       data,
		Marker:     marker,
		Origin:     winner,
	}
	if data != nil {
		hash, err := engine.ContentHash(data)
		if err != nil {
			return engine.ChangeRecord{}, "", fmt.Errorf("failed to hash resolution payload: %w", err)
		}
		rec.Hash = hash
	}

	return rec, target, nil
}
