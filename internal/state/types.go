// Package state persists the engine's control-plane records: remote database
// registrations, per-table watermarks, sync jobs, parked conflicts, and audit
// log lines. It is the only package that writes those tables; the review
// surface consumes them read-only.
package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/berqenas/dbsync/internal/engine"
	"github.com/berqenas/dbsync/internal/store"
)

// JobStatus is the lifecycle state of a sync job. Transitions are monotonic:
// pending → running → completed|failed, never backwards.
type JobStatus string

const (
	// JobStatusPending means the job is queued and not yet picked up
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning means a worker is executing the pass
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted means the pass finished and the watermark advanced
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed means the pass terminated with an error preserved on the job
	JobStatusFailed JobStatus = "failed"
)

// SyncMode distinguishes full passes (zero watermark) from incremental ones.
type SyncMode string

const (
	// SyncModeFull re-detects everything regardless of the stored watermark
	SyncModeFull SyncMode = "full"
	// SyncModeIncremental detects changes since the stored watermark
	SyncModeIncremental SyncMode = "incremental"
)

// Registration is a registered remote on-premise database. The engine reads
// the connectivity descriptor and watermarks and touches last_sync; the
// registration's lifecycle is owned externally.
type Registration struct {
	ID        uuid.UUID    `json:"id"`
	Name      string       `json:"name"`
	Store     store.Config `json:"store"`
	Enabled   bool         `json:"enabled"`
	LastSync  *time.Time   `json:"last_sync,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// TableState is the per (registration, table) sync specification plus the
// current watermark.
type TableState struct {
	RegistrationID uuid.UUID        `json:"registration_id"`
	Spec           engine.TableSpec `json:"spec"`
	Strategy       engine.Strategy  `json:"strategy"`
	// Watermark is zero when the table has never completed a pass
	Watermark engine.Marker `json:"watermark"`
}

// SyncJob is one triggered pass, retained indefinitely for audit.
type SyncJob struct {
	ID             uuid.UUID  `json:"id"`
	RegistrationID uuid.UUID  `json:"registration_id"`
	Table          string     `json:"table"`
	Status         JobStatus  `json:"status"`
	Mode           SyncMode   `json:"mode"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	RecordsSynced  int64      `json:"records_synced"`
	ErrorMsg       *string    `json:"error_msg,omitempty"`
}

// Conflict is a persisted sync conflict. Resolution stays nil while the
// conflict is parked for manual review.
type Conflict struct {
	ID             uuid.UUID           `json:"id"`
	RegistrationID uuid.UUID           `json:"registration_id"`
	Table          string              `json:"table"`
	RowKey         string              `json:"row_key"`
	PrimaryKey     map[string]any      `json:"primary_key"`
	CloudData      map[string]any      `json:"cloud_data,omitempty"`
	CloudMarker    engine.Marker       `json:"cloud_marker"`
	LocalData      map[string]any      `json:"local_data,omitempty"`
	LocalMarker    engine.Marker       `json:"local_marker"`
	Type           engine.ConflictType `json:"type"`
	Resolution     *engine.Side        `json:"resolution,omitempty"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// LogLine is one audit log entry attached to a job.
type LogLine struct {
	ID       int64     `json:"id"`
	JobID    uuid.UUID `json:"job_id"`
	Level    string    `json:"level"`
	Line     string    `json:"line"`
	LoggedAt time.Time `json:"logged_at"`
}
