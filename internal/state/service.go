package state

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/berqenas/dbsync/internal/engine"
)

// ErrNotFound is returned when a registration, job, or conflict can't be found.
var ErrNotFound = errors.New("record not found")

// ErrInvalidTransition is returned when a job status update would regress the
// pending → running → completed|failed lifecycle.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Service is the persistence interface consumed by the scheduler, the
// orchestrator wiring, and the trigger API.
type Service interface {
	// CreateRegistration registers a remote database with its table specs.
	CreateRegistration(ctx context.Context, reg Registration, tables []TableState) (Registration, error)
	// GetRegistration returns one registration by id.
	GetRegistration(ctx context.Context, id uuid.UUID) (Registration, error)
	// ListRegistrations returns all registrations, enabled and disabled.
	ListRegistrations(ctx context.Context) ([]Registration, error)
	// TouchLastSync stamps the registration's last successful sync time.
	TouchLastSync(ctx context.Context, id uuid.UUID) error

	// ListTableStates returns the table specs and watermarks for a registration.
	ListTableStates(ctx context.Context, registrationID uuid.UUID) ([]TableState, error)
	// GetTableState returns one table's spec and watermark.
	GetTableState(ctx context.Context, registrationID uuid.UUID, table string) (TableState, error)

	// CreateJob inserts a pending job row.
	CreateJob(ctx context.Context, registrationID uuid.UUID, table string, mode SyncMode) (SyncJob, error)
	// StartJob moves a pending job to running.
	StartJob(ctx context.Context, jobID uuid.UUID) error
	// CompleteJob moves a running job to completed and, in the same
	// transaction, advances the table watermark (when next is non-zero). A
	// crash can therefore never leave watermark and job status disagreeing.
	CompleteJob(ctx context.Context, jobID uuid.UUID, recordsSynced int64, next engine.Marker) error
	// FailJob moves a pending or running job to failed with the error preserved.
	FailJob(ctx context.Context, jobID uuid.UUID, errorMsg string) error
	// GetJob returns one job by id.
	GetJob(ctx context.Context, jobID uuid.UUID) (SyncJob, error)
	// ListJobs returns a registration's jobs, most recent first.
	ListJobs(ctx context.Context, registrationID uuid.UUID) ([]SyncJob, error)

	// CreateConflict persists a detected conflict; parked conflicts have a
	// nil resolution until an operator decides.
	CreateConflict(ctx context.Context, registrationID uuid.UUID, rc engine.ResolvedConflict) (Conflict, error)
	// GetConflict returns one conflict by id.
	GetConflict(ctx context.Context, id uuid.UUID) (Conflict, error)
	// ListOpenConflicts returns parked conflicts awaiting resolution.
	ListOpenConflicts(ctx context.Context, registrationID uuid.UUID) ([]Conflict, error)
	// ResolveConflict stamps a parked conflict with the operator's decision.
	ResolveConflict(ctx context.Context, id uuid.UUID, winner engine.Side) (Conflict, error)

	// AppendLog appends one audit line to a job.
	AppendLog(ctx context.Context, jobID uuid.UUID, level, line string) error
	// ListLogs returns a job's audit lines in append order.
	ListLogs(ctx context.Context, jobID uuid.UUID) ([]LogLine, error)
}
