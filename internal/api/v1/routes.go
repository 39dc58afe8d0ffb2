// Package v1 provides the REST API handlers for the sync control plane.
package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/berqenas/dbsync/internal/api/common"
	"github.com/berqenas/dbsync/internal/engine"
	"github.com/berqenas/dbsync/internal/logger"
	"github.com/berqenas/dbsync/internal/state"
	"github.com/berqenas/dbsync/internal/store"
)

// SyncTrigger is the scheduler surface the API needs: queueing passes and
// applying operator conflict resolutions.
type SyncTrigger interface {
	RunNow(ctx context.Context, registrationID uuid.UUID, table string, mode state.SyncMode) (uuid.UUID, error)
	RunRegistration(ctx context.Context, registrationID uuid.UUID, mode state.SyncMode) ([]uuid.UUID, error)
	ApplyResolution(ctx context.Context, conflictID uuid.UUID, winner engine.Side) (state.Conflict, error)
}

// Routes defines the routes for the sync API with dependency injection
type Routes struct {
	svc     state.Service
	trigger SyncTrigger
}

// NewRoutes creates a new Routes instance with the provided dependencies
func NewRoutes(svc state.Service, trigger SyncTrigger) *Routes {
	return &Routes{
		svc:     svc,
		trigger: trigger,
	}
}

// Router creates a new router for the sync control-plane API
func Router(svc state.Service, trigger SyncTrigger) http.Handler {
	routes := NewRoutes(svc, trigger)

	r := chi.NewRouter()

	r.Route("/remote-dbs", func(r chi.Router) {
		r.Post("/", routes.createRegistration)
		r.Get("/", routes.listRegistrations)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", routes.getRegistration)
			r.Get("/tables", routes.listTables)
			r.Post("/sync", routes.triggerSync)
			r.Get("/jobs", routes.listJobs)
			r.Get("/conflicts", routes.listConflicts)
		})
	})

	r.Route("/jobs/{id}", func(r chi.Router) {
		r.Get("/", routes.getJob)
		r.Get("/logs", routes.listLogs)
	})

	r.Post("/conflicts/{id}/resolve", routes.resolveConflict)

	return r
}

// TableRequest is one table's sync specification in a registration request.
type TableRequest struct {
	Name             string   `json:"name"`
	PrimaryKeys      []string `json:"primary_keys"`
	MarkerColumn     string   `json:"marker_column"`
	MarkerKind       string   `json:"marker_kind"`
	SoftDeleteColumn string   `json:"soft_delete_column,omitempty"`
	Strategy         string   `json:"strategy"`
}

// CreateRegistrationRequest registers a remote database with its tables.
type CreateRegistrationRequest struct {
	Name    string         `json:"name"`
	Store   store.Config   `json:"store"`
	Enabled *bool          `json:"enabled,omitempty"`
	Tables  []TableRequest `json:"tables"`
}

// TriggerSyncRequest queues passes for a registration. An empty table means
// every table of the registration.
type TriggerSyncRequest struct {
	Mode  string `json:"mode,omitempty"`
	Table string `json:"table,omitempty"`
}

// TriggerSyncResponse lists the queued (or coalesced) job ids.
type TriggerSyncResponse struct {
	JobIDs []uuid.UUID `json:"job_ids"`
}

// ResolveConflictRequest names the winning side for a parked conflict.
type ResolveConflictRequest struct {
	Winner string `json:"winner"`
}

// createRegistration handles POST /api/v1/remote-dbs
func (rr *Routes) createRegistration(w http.ResponseWriter, r *http.Request) {
	var req CreateRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reg, tables, err := buildRegistration(req)
	if err != nil {
		common.WriteErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}

	created, err := rr.svc.CreateRegistration(r.Context(), reg, tables)
	if err != nil {
		logger.Errorf("Failed to create registration: %v", err)
		common.WriteErrorResponse(w, "Failed to create registration", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, created, http.StatusCreated)
}

// listRegistrations handles GET /api/v1/remote-dbs
func (rr *Routes) listRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := rr.svc.ListRegistrations(r.Context())
	if err != nil {
		logger.Errorf("Failed to list registrations: %v", err)
		common.WriteErrorResponse(w, "Failed to list registrations", http.StatusInternalServerError)
		return
	}

	common.WriteJSONResponse(w, regs, http.StatusOK)
}

// getRegistration handles GET /api/v1/remote-dbs/{id}
func (rr *Routes) getRegistration(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	reg, err := rr.svc.GetRegistration(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err, "Failed to get registration")
		return
	}

	common.WriteJSONResponse(w, reg, http.StatusOK)
}

// listTables handles GET /api/v1/remote-dbs/{id}/tables
func (rr *Routes) listTables(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	tables, err := rr.svc.ListTableStates(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err, "Failed to list tables")
		return
	}

	common.WriteJSONResponse(w, tables, http.StatusOK)
}

// triggerSync handles POST /api/v1/remote-dbs/{id}/sync
func (rr *Routes) triggerSync(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	req := TriggerSyncRequest{}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			common.WriteErrorResponse(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	mode := state.SyncModeIncremental
	switch req.Mode {
	case "", string(state.SyncModeIncremental):
	case string(state.SyncModeFull):
		mode = state.SyncModeFull
	default:
		common.WriteErrorResponse(w, "Invalid sync mode", http.StatusBadRequest)
		return
	}

	var jobIDs []uuid.UUID
	var err error
	if req.Table != "" {
		var jobID uuid.UUID
		jobID, err = rr.trigger.RunNow(r.Context(), id, req.Table, mode)
		jobIDs = []uuid.UUID{jobID}
	} else {
		jobIDs, err = rr.trigger.RunRegistration(r.Context(), id, mode)
	}
	if err != nil {
		rr.writeServiceError(w, err, "Failed to trigger sync")
		return
	}

	common.WriteJSONResponse(w, TriggerSyncResponse{JobIDs: jobIDs}, http.StatusAccepted)
}

// listJobs handles GET /api/v1/remote-dbs/{id}/jobs
func (rr *Routes) listJobs(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	jobs, err := rr.svc.ListJobs(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err, "Failed to list jobs")
		return
	}

	common.WriteJSONResponse(w, jobs, http.StatusOK)
}

// getJob handles GET /api/v1/jobs/{id}
func (rr *Routes) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	job, err := rr.svc.GetJob(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err, "Failed to get job")
		return
	}

	common.WriteJSONResponse(w, job, http.StatusOK)
}

// listLogs handles GET /api/v1/jobs/{id}/logs
func (rr *Routes) listLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	logs, err := rr.svc.ListLogs(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err, "Failed to list logs")
		return
	}

	common.WriteJSONResponse(w, logs, http.StatusOK)
}

// listConflicts handles GET /api/v1/remote-dbs/{id}/conflicts
func (rr *Routes) listConflicts(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	conflicts, err := rr.svc.ListOpenConflicts(r.Context(), id)
	if err != nil {
		rr.writeServiceError(w, err, "Failed to list conflicts")
		return
	}

	common.WriteJSONResponse(w, conflicts, http.StatusOK)
}

// resolveConflict handles POST /api/v1/conflicts/{id}/resolve
func (rr *Routes) resolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := rr.uuidParam(w, r, "id")
	if !ok {
		return
	}

	var req ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.WriteErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var winner engine.Side
	switch req.Winner {
	case string(engine.SideCloud):
		winner = engine.SideCloud
	case string(engine.SideLocal):
		winner = engine.SideLocal
	default:
		common.WriteErrorResponse(w, "Winner must be 'cloud' or 'local'", http.StatusBadRequest)
		return
	}

	resolved, err := rr.trigger.ApplyResolution(r.Context(), id, winner)
	if err != nil {
		rr.writeServiceError(w, err, "Failed to resolve conflict")
		return
	}

	common.WriteJSONResponse(w, resolved, http.StatusOK)
}

// buildRegistration validates a registration request and converts it to the
// persisted form.
func buildRegistration(req CreateRegistrationRequest) (state.Registration, []state.TableState, error) {
	if req.Name == "" {
		return state.Registration{}, nil, errors.New("name is required")
	}
	if _, err := store.ParseKind(string(req.Store.Kind)); err != nil {
		return state.Registration{}, nil, err
	}
	if req.Store.DSN == "" {
		return state.Registration{}, nil, errors.New("store.dsn is required")
	}
	if len(req.Tables) == 0 {
		return state.Registration{}, nil, errors.New("at least one table is required")
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	reg := state.Registration{
		Name:    req.Name,
		Store:   req.Store,
		Enabled: enabled,
	}

	tables := make([]state.TableState, 0, len(req.Tables))
	for _, t := range req.Tables {
		spec := engine.TableSpec{
			Name:             t.Name,
			PrimaryKeys:      t.PrimaryKeys,
			MarkerColumn:     t.MarkerColumn,
			MarkerKind:       engine.MarkerKind(t.MarkerKind),
			SoftDeleteColumn: t.SoftDeleteColumn,
		}
		if err := spec.Validate(); err != nil {
			return state.Registration{}, nil, err
		}

		strategy, err := engine.ParseStrategy(t.Strategy)
		if err != nil {
			return state.Registration{}, nil, err
		}

		tables = append(tables, state.TableState{
			Spec:     spec,
			Strategy: strategy,
		})
	}

	return reg, tables, nil
}

// uuidParam extracts and parses a UUID path parameter, writing a 400 on failure.
func (*Routes) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		common.WriteErrorResponse(w, "Invalid "+name+" parameter", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps persistence errors onto HTTP statuses.
func (*Routes) writeServiceError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, state.ErrNotFound):
		common.WriteErrorResponse(w, "Not found", http.StatusNotFound)
	case errors.Is(err, state.ErrInvalidTransition):
		common.WriteErrorResponse(w, err.Error(), http.StatusConflict)
	default:
		logger.Errorf("%s: %v", fallback, err)
		common.WriteErrorResponse(w, fallback, http.StatusInternalServerError)
	}
}
