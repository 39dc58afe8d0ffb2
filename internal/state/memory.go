package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/berqenas/dbsync/internal/engine"
)

// MemoryService is an in-memory Service implementation. It backs unit tests
// and single-process experiments where a control-plane database is overkill;
// everything is lost on process exit.
type MemoryService struct {
	mu        sync.Mutex
	regs      map[uuid.UUID]Registration
	tables    map[uuid.UUID][]TableState
	jobs      map[uuid.UUID]*SyncJob
	conflicts map[uuid.UUID]*Conflict
	logs      map[uuid.UUID][]LogLine
	logSeq    int64
}

var _ Service = (*MemoryService)(nil)

// NewMemoryService creates an empty in-memory service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		regs:      make(map[uuid.UUID]Registration),
		tables:    make(map[uuid.UUID][]TableState),
		jobs:      make(map[uuid.UUID]*SyncJob),
		conflicts: make(map[uuid.UUID]*Conflict),
		logs:      make(map[uuid.UUID][]LogLine),
	}
}

// CreateRegistration registers a remote database with its table specs.
func (m *MemoryService) CreateRegistration(_ context.Context, reg Registration, tables []TableState) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg.ID = uuid.New()
	reg.CreatedAt = time.Now().UTC()
	m.regs[reg.ID] = reg

	owned := make([]TableState, len(tables))
	copy(owned, tables)
	for i := range owned {
		owned[i].RegistrationID = reg.ID
	}
	m.tables[reg.ID] = owned

	return reg, nil
}

// GetRegistration returns one registration by id.
func (m *MemoryService) GetRegistration(_ context.Context, id uuid.UUID) (Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok {
		return Registration{}, ErrNotFound
	}
	return reg, nil
}

// ListRegistrations returns all registrations ordered by name.
func (m *MemoryService) ListRegistrations(context.Context) ([]Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Registration, 0, len(m.regs))
	for _, reg := range m.regs {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// TouchLastSync stamps the registration's last successful sync time.
func (m *MemoryService) TouchLastSync(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	reg.LastSync = &now
	m.regs[id] = reg
	return nil
}

// SetEnabled flips a registration's enabled flag. Test support.
func (m *MemoryService) SetEnabled(id uuid.UUID, enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, ok := m.regs[id]; ok {
		reg.Enabled = enabled
		m.regs[id] = reg
	}
}

// ListTableStates returns the table specs and watermarks for a registration.
func (m *MemoryService) ListTableStates(_ context.Context, registrationID uuid.UUID) ([]TableState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TableState, len(m.tables[registrationID]))
	copy(out, m.tables[registrationID])
	return out, nil
}

// GetTableState returns one table's spec and watermark.
func (m *MemoryService) GetTableState(_ context.Context, registrationID uuid.UUID, table string) (TableState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ts := range m.tables[registrationID] {
		if ts.Spec.Name == table {
			return ts, nil
		}
	}
	return TableState{}, ErrNotFound
}

// AddTable registers an additional table for a registration. Test support.
func (m *MemoryService) AddTable(registrationID uuid.UUID, ts TableState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts.RegistrationID = registrationID
	m.tables[registrationID] = append(m.tables[registrationID], ts)
}

// SetWatermark overwrites a table's watermark. Test support.
func (m *MemoryService) SetWatermark(registrationID uuid.UUID, table string, watermark engine.Marker) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tables := m.tables[registrationID]
	for i := range tables {
		if tables[i].Spec.Name == table {
			tables[i].Watermark = watermark
		}
	}
}

// CreateJob inserts a pending job row.
func (m *MemoryService) CreateJob(_ context.Context, registrationID uuid.UUID, table string, mode SyncMode) (SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job := &SyncJob{
		ID:             uuid.New(),
		RegistrationID: registrationID,
		Table:          table,
		Status:         JobStatusPending,
		Mode:           mode,
		StartedAt:      time.Now().UTC(),
	}
	m.jobs[job.ID] = job
	return *job, nil
}

// StartJob moves a pending job to running.
func (m *MemoryService) StartJob(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != JobStatusPending {
		return ErrInvalidTransition
	}
	job.Status = JobStatusRunning
	return nil
}

// CompleteJob moves a running job to completed and advances the watermark.
func (m *MemoryService) CompleteJob(_ context.Context, jobID uuid.UUID, recordsSynced int64, next engine.Marker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != JobStatusRunning {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	job.Status = JobStatusCompleted
	job.CompletedAt = &now
	job.RecordsSynced = recordsSynced

	// The watermark only ever moves forward; a full-mode pass whose max marker
	// sits below the stored watermark never regresses it.
	if !next.IsZero() {
		tables := m.tables[job.RegistrationID]
		for i := range tables {
			if tables[i].Spec.Name != job.Table {
				continue
			}
			current := tables[i].Watermark
			if current.IsZero() {
				tables[i].Watermark = next
				continue
			}
			if cmp, err := next.Compare(current); err == nil && cmp > 0 {
				tables[i].Watermark = next
			}
		}
	}
	return nil
}

// FailJob moves a pending or running job to failed.
func (m *MemoryService) FailJob(_ context.Context, jobID uuid.UUID, errorMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status == JobStatusCompleted || job.Status == JobStatusFailed {
		return ErrInvalidTransition
	}

	now := time.Now().UTC()
	job.Status = JobStatusFailed
	job.CompletedAt = &now
	job.ErrorMsg = &errorMsg
	return nil
}

// GetJob returns one job by id.
func (m *MemoryService) GetJob(_ context.Context, jobID uuid.UUID) (SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return SyncJob{}, ErrNotFound
	}
	return *job, nil
}

// ListJobs returns a registration's jobs, most recent first.
func (m *MemoryService) ListJobs(_ context.Context, registrationID uuid.UUID) ([]SyncJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SyncJob
	for _, job := range m.jobs {
		if job.RegistrationID == registrationID {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

// CreateConflict persists a detected conflict.
func (m *MemoryService) CreateConflict(_ context.Context, registrationID uuid.UUID, rc engine.ResolvedConflict) (Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflict := &Conflict{
		ID:             uuid.New(),
		RegistrationID: registrationID,
		Table:          rc.Conflict.Table,
		RowKey:         engine.ChangeRecord{PrimaryKey: rc.Conflict.PrimaryKey}.KeyString(sortedKeys(rc.Conflict.PrimaryKey)),
		PrimaryKey:     rc.Conflict.PrimaryKey,
		CloudData:      rc.Conflict.CloudData,
		CloudMarker:    rc.Conflict.CloudMarker,
		LocalData:      rc.Conflict.LocalData,
		LocalMarker:    rc.Conflict.LocalMarker,
		Type:           rc.Conflict.Type,
		CreatedAt:      time.Now().UTC(),
	}
	if !rc.Resolution.Pending {
		winner := rc.Resolution.Winner
		now := time.Now().UTC()
		conflict.Resolution = &winner
		conflict.ResolvedAt = &now
	}
	m.conflicts[conflict.ID] = conflict
	return *conflict, nil
}

// GetConflict returns one conflict by id.
func (m *MemoryService) GetConflict(_ context.Context, id uuid.UUID) (Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflict, ok := m.conflicts[id]
	if !ok {
		return Conflict{}, ErrNotFound
	}
	return *conflict, nil
}

// ListOpenConflicts returns parked conflicts awaiting resolution.
func (m *MemoryService) ListOpenConflicts(_ context.Context, registrationID uuid.UUID) ([]Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Conflict
	for _, conflict := range m.conflicts {
		if conflict.RegistrationID == registrationID && conflict.Resolution == nil {
			out = append(out, *conflict)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ResolveConflict stamps a parked conflict with the operator's decision.
func (m *MemoryService) ResolveConflict(_ context.Context, id uuid.UUID, winner engine.Side) (Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conflict, ok := m.conflicts[id]
	if !ok || conflict.Resolution != nil {
		return Conflict{}, ErrNotFound
	}
	now := time.Now().UTC()
	conflict.Resolution = &winner
	conflict.ResolvedAt = &now
	return *conflict, nil
}

// AppendLog appends one audit line to a job.
func (m *MemoryService) AppendLog(_ context.Context, jobID uuid.UUID, level, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logSeq++
	m.logs[jobID] = append(m.logs[jobID], LogLine{
		ID:       m.logSeq,
		JobID:    jobID,
		Level:    level,
		Line:     line,
		LoggedAt: time.Now().UTC(),
	})
	return nil
}

// ListLogs returns a job's audit lines in append order.
func (m *MemoryService) ListLogs(_ context.Context, jobID uuid.UUID) ([]LogLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]LogLine, len(m.logs[jobID]))
	copy(out, m.logs[jobID])
	return out, nil
}
