package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/berqenas/dbsync/internal/engine"
	"github.com/berqenas/dbsync/internal/store"
)

// dbService is the database-backed Service implementation.
type dbService struct {
	pool *pgxpool.Pool
}

// NewDBService creates a new database-backed state service.
func NewDBService(pool *pgxpool.Pool) Service {
	return &dbService{pool: pool}
}

func (d *dbService) CreateRegistration(ctx context.Context, reg Registration, tables []TableState) (Registration, error) {
	if _, err := store.ParseKind(string(reg.Store.Kind)); err != nil {
		return Registration{}, err
	}
	for _, tbl := range tables {
		if err := tbl.Spec.Validate(); err != nil {
			return Registration{}, err
		}
		if _, err := engine.ParseStrategy(string(tbl.Strategy)); err != nil {
			return Registration{}, err
		}
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return Registration{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		INSERT INTO remote_databases (name, store_kind, dsn, schema_name, enabled)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, store_kind, dsn, schema_name, enabled, last_sync, created_at`,
		reg.Name, reg.Store.Kind, reg.Store.DSN, reg.Store.Schema, reg.Enabled,
	)
	created, err := scanRegistration(row)
	if err != nil {
		return Registration{}, fmt.Errorf("failed to create registration: %w", err)
	}

	for _, tbl := range tables {
		_, err := tx.Exec(ctx, `
			INSERT INTO sync_tables (
				registration_id, table_name, primary_keys, marker_column,
				marker_kind, soft_delete_column, strategy
			) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
			created.ID, tbl.Spec.Name, tbl.Spec.PrimaryKeys, tbl.Spec.MarkerColumn,
			tbl.Spec.MarkerKind, tbl.Spec.SoftDeleteColumn, tbl.Strategy,
		)
		if err != nil {
			return Registration{}, fmt.Errorf("failed to create table spec %s: %w", tbl.Spec.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Registration{}, err
	}
	return created, nil
}

func (d *dbService) GetRegistration(ctx context.Context, id uuid.UUID) (Registration, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, name, store_kind, dsn, schema_name, enabled, last_sync, created_at
		FROM remote_databases WHERE id = $1`, id)
	reg, err := scanRegistration(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Registration{}, ErrNotFound
	}
	return reg, err
}

func (d *dbService) ListRegistrations(ctx context.Context) ([]Registration, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, name, store_kind, dsn, schema_name, enabled, last_sync, created_at
		FROM remote_databases ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

func (d *dbService) TouchLastSync(ctx context.Context, id uuid.UUID) error {
	tag, err := d.pool.Exec(ctx, `UPDATE remote_databases SET last_sync = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *dbService) ListTableStates(ctx context.Context, registrationID uuid.UUID) ([]TableState, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT registration_id, table_name, primary_keys, marker_column,
		       marker_kind, COALESCE(soft_delete_column, ''), strategy, watermark
		FROM sync_tables WHERE registration_id = $1 ORDER BY table_name`, registrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []TableState
	for rows.Next() {
		st, err := scanTableState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func (d *dbService) GetTableState(ctx context.Context, registrationID uuid.UUID, table string) (TableState, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT registration_id, table_name, primary_keys, marker_column,
		       marker_kind, COALESCE(soft_delete_column, ''), strategy, watermark
		FROM sync_tables WHERE registration_id = $1 AND table_name = $2`, registrationID, table)
	st, err := scanTableState(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return TableState{}, ErrNotFound
	}
	return st, err
}

func (d *dbService) CreateJob(ctx context.Context, registrationID uuid.UUID, table string, mode SyncMode) (SyncJob, error) {
	row := d.pool.QueryRow(ctx, `
		INSERT INTO sync_jobs (registration_id, table_name, mode)
		VALUES ($1, $2, $3)
		RETURNING id, registration_id, table_name, status, mode,
		          started_at, completed_at, records_synced, error_msg`,
		registrationID, table, mode)
	return scanJob(row)
}

func (d *dbService) StartJob(ctx context.Context, jobID uuid.UUID) error {
	// The status predicate enforces the monotonic lifecycle in SQL.
	tag, err := d.pool.Exec(ctx, `
		UPDATE sync_jobs SET status = 'running', started_at = NOW()
		WHERE id = $1 AND status = 'pending'`, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (d *dbService) CompleteJob(ctx context.Context, jobID uuid.UUID, recordsSynced int64, next engine.Marker) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var registrationID uuid.UUID
	var table string
	err = tx.QueryRow(ctx, `
		UPDATE sync_jobs
		SET status = 'completed', completed_at = NOW(), records_synced = $2
		WHERE id = $1 AND status = 'running'
		RETURNING registration_id, table_name`, jobID, recordsSynced).Scan(&registrationID, &table)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInvalidTransition
	}
	if err != nil {
		return err
	}

	// The watermark only ever moves forward, and only together with the job
	// completion it belongs to. A full-mode pass over an already-synced window
	// can report a max marker below the stored watermark; that never regresses
	// it.
	if !next.IsZero() {
		var stored []byte
		err = tx.QueryRow(ctx, `
			SELECT watermark FROM sync_tables
			WHERE registration_id = $1 AND table_name = $2
			FOR UPDATE`, registrationID, table).Scan(&stored)
		if err != nil {
			return err
		}

		if advancesWatermark(next, stored) {
			watermark, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				UPDATE sync_tables SET watermark = $3
				WHERE registration_id = $1 AND table_name = $2`,
				registrationID, table, watermark)
			if err != nil {
				return err
			}
		}
	}

	return tx.Commit(ctx)
}

func (d *dbService) FailJob(ctx context.Context, jobID uuid.UUID, errorMsg string) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE sync_jobs SET status = 'failed', completed_at = NOW(), error_msg = $2
		WHERE id = $1 AND status IN ('pending', 'running')`, jobID, errorMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func (d *dbService) GetJob(ctx context.Context, jobID uuid.UUID) (SyncJob, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, registration_id, table_name, status, mode,
		       started_at, completed_at, records_synced, error_msg
		FROM sync_jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SyncJob{}, ErrNotFound
	}
	return job, err
}

func (d *dbService) ListJobs(ctx context.Context, registrationID uuid.UUID) ([]SyncJob, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, registration_id, table_name, status, mode,
		       started_at, completed_at, records_synced, error_msg
		FROM sync_jobs WHERE registration_id = $1
		ORDER BY started_at DESC`, registrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (d *dbService) CreateConflict(ctx context.Context, registrationID uuid.UUID, rc engine.ResolvedConflict) (Conflict, error) {
	conflict := rc.Conflict

	primaryKey, err := json.Marshal(conflict.PrimaryKey)
	if err != nil {
		return Conflict{}, err
	}
	cloudMarker, err := json.Marshal(conflict.CloudMarker)
	if err != nil {
		return Conflict{}, err
	}
	localMarker, err := json.Marshal(conflict.LocalMarker)
	if err != nil {
		return Conflict{}, err
	}
	cloudData, err := marshalNullable(conflict.CloudData)
	if err != nil {
		return Conflict{}, err
	}
	localData, err := marshalNullable(conflict.LocalData)
	if err != nil {
		return Conflict{}, err
	}

	var resolution *string
	var resolvedAt *time.Time
	if !rc.Resolution.Pending {
		winner := string(rc.Resolution.Winner)
		now := time.Now()
		resolution, resolvedAt = &winner, &now
	}

	rowKey := engine.ChangeRecord{PrimaryKey: conflict.PrimaryKey}.KeyString(sortedKeys(conflict.PrimaryKey))

	row := d.pool.QueryRow(ctx, `
		INSERT INTO sync_conflicts (
			registration_id, table_name, row_key, primary_key,
			cloud_data, cloud_marker, local_data, local_marker,
			conflict_type, resolution, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id, registration_id, table_name, row_key, primary_key,
		          cloud_data, cloud_marker, local_data, local_marker,
		          conflict_type, resolution, resolved_at, created_at`,
		registrationID, conflict.Table, rowKey, primaryKey,
		cloudData, cloudMarker, localData, localMarker,
		conflict.Type, resolution, resolvedAt)
	return scanConflict(row)
}

func (d *dbService) GetConflict(ctx context.Context, id uuid.UUID) (Conflict, error) {
	row := d.pool.QueryRow(ctx, `
		SELECT id, registration_id, table_name, row_key, primary_key,
		       cloud_data, cloud_marker, local_data, local_marker,
		       conflict_type, resolution, resolved_at, created_at
		FROM sync_conflicts WHERE id = $1`, id)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conflict{}, ErrNotFound
	}
	return c, err
}

func (d *dbService) ListOpenConflicts(ctx context.Context, registrationID uuid.UUID) ([]Conflict, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, registration_id, table_name, row_key, primary_key,
		       cloud_data, cloud_marker, local_data, local_marker,
		       conflict_type, resolution, resolved_at, created_at
		FROM sync_conflicts
		WHERE registration_id = $1 AND resolution IS NULL
		ORDER BY created_at`, registrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

func (d *dbService) ResolveConflict(ctx context.Context, id uuid.UUID, winner engine.Side) (Conflict, error) {
	row := d.pool.QueryRow(ctx, `
		UPDATE sync_conflicts SET resolution = $2, resolved_at = NOW()
		WHERE id = $1 AND resolution IS NULL
		RETURNING id, registration_id, table_name, row_key, primary_key,
		          cloud_data, cloud_marker, local_data, local_marker,
		          conflict_type, resolution, resolved_at, created_at`, id, winner)
	c, err := scanConflict(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conflict{}, ErrNotFound
	}
	return c, err
}

func (d *dbService) AppendLog(ctx context.Context, jobID uuid.UUID, level, line string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO sync_logs (job_id, level, line) VALUES ($1, $2, $3)`,
		jobID, level, line)
	return err
}

func (d *dbService) ListLogs(ctx context.Context, jobID uuid.UUID) ([]LogLine, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT id, job_id, level, line, logged_at
		FROM sync_logs WHERE job_id = $1 ORDER BY id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []LogLine
	for rows.Next() {
		var l LogLine
		if err := rows.Scan(&l.ID, &l.JobID, &l.Level, &l.Line, &l.LoggedAt); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// scanRegistration scans a remote_databases row.
func scanRegistration(row pgx.Row) (Registration, error) {
	var reg Registration
	var kind string
	err := row.Scan(&reg.ID, &reg.Name, &kind, &reg.Store.DSN, &reg.Store.Schema,
		&reg.Enabled, &reg.LastSync, &reg.CreatedAt)
	if err != nil {
		return Registration{}, err
	}
	reg.Store.Kind = store.Kind(kind)
	return reg, nil
}

// scanTableState scans a sync_tables row, decoding the watermark JSON.
func scanTableState(row pgx.Row) (TableState, error) {
	var st TableState
	var watermark []byte
	err := row.Scan(&st.RegistrationID, &st.Spec.Name, &st.Spec.PrimaryKeys,
		&st.Spec.MarkerColumn, &st.Spec.MarkerKind, &st.Spec.SoftDeleteColumn,
		&st.Strategy, &watermark)
	if err != nil {
		return TableState{}, err
	}
	if len(watermark) > 0 {
		if err := json.Unmarshal(watermark, &st.Watermark); err != nil {
			return TableState{}, fmt.Errorf("corrupt watermark for table %s: %w", st.Spec.Name, err)
		}
	}
	return st, nil
}

// scanJob scans a sync_jobs row.
func scanJob(row pgx.Row) (SyncJob, error) {
	var job SyncJob
	err := row.Scan(&job.ID, &job.RegistrationID, &job.Table, &job.Status, &job.Mode,
		&job.StartedAt, &job.CompletedAt, &job.RecordsSynced, &job.ErrorMsg)
	return job, err
}

// scanConflict scans a sync_conflicts row, decoding the JSON payloads.
func scanConflict(row pgx.Row) (Conflict, error) {
	var c Conflict
	var primaryKey, cloudData, cloudMarker, localData, localMarker []byte
	var resolution *string
	err := row.Scan(&c.ID, &c.RegistrationID, &c.Table, &c.RowKey, &primaryKey,
		&cloudData, &cloudMarker, &localData, &localMarker,
		&c.Type, &resolution, &c.ResolvedAt, &c.CreatedAt)
	if err != nil {
		return Conflict{}, err
	}

	if err := json.Unmarshal(primaryKey, &c.PrimaryKey); err != nil {
		return Conflict{}, err
	}
	if err := json.Unmarshal(cloudMarker, &c.CloudMarker); err != nil {
		return Conflict{}, err
	}
	if err := json.Unmarshal(localMarker, &c.LocalMarker); err != nil {
		return Conflict{}, err
	}
	if len(cloudData) > 0 {
		if err := json.Unmarshal(cloudData, &c.CloudData); err != nil {
			return Conflict{}, err
		}
	}
	if len(localData) > 0 {
		if err := json.Unmarshal(localData, &c.LocalData); err != nil {
			return Conflict{}, err
		}
	}
	if resolution != nil {
		side := engine.Side(*resolution)
		c.Resolution = &side
	}
	return c, nil
}

// advancesWatermark reports whether next is strictly greater than the stored
// watermark JSON. An unset or unreadable stored value always advances.
func advancesWatermark(next engine.Marker, stored []byte) bool {
	if len(stored) == 0 {
		return true
	}
	var current engine.Marker
	if err := json.Unmarshal(stored, &current); err != nil || current.IsZero() {
		return true
	}
	cmp, err := next.Compare(current)
	return err == nil && cmp > 0
}

// marshalNullable serializes a payload, mapping nil to SQL NULL.
func marshalNullable(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

// sortedKeys returns a map's keys in lexicographic order, giving row keys a
// stable component order when the table spec is not at hand.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
