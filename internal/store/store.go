// Package store provides the data-plane store implementations the sync
// engine detects changes in and applies changes to. Each supported store
// kind satisfies the engine.Store capability interface; the orchestrator
// never branches on the kind itself.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/berqenas/dbsync/internal/engine"
)

// Kind is the tagged variant of supported data stores.
type Kind string

const (
	// KindPostgres is a PostgreSQL store, typically the cloud side
	KindPostgres Kind = "postgres"
	// KindSQLite is a SQLite store, typically the embedded on-premise side
	KindSQLite Kind = "sqlite"
)

// ParseKind validates a configured store kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindPostgres, KindSQLite:
		return Kind(s), nil
	default:
		return "", engine.NewConfigurationError(fmt.Errorf("unsupported store kind: %q", s))
	}
}

// Config describes connectivity to one side's data store.
type Config struct {
	Kind Kind `yaml:"kind" json:"kind"`

	// DSN is the driver-specific connection string
	DSN string `yaml:"dsn" json:"dsn"`

	// Schema is the namespace for tables; only meaningful for Postgres,
	// defaults to "public"
	Schema string `yaml:"schema,omitempty" json:"schema,omitempty"`
}

// Open connects to the configured store and returns its capability interface.
func Open(cfg Config) (engine.Store, error) {
	switch cfg.Kind {
	case KindPostgres:
		return openPostgres(cfg)
	case KindSQLite:
		return openSQLite(cfg)
	default:
		return nil, engine.NewConfigurationError(fmt.Errorf("unsupported store kind: %q", cfg.Kind))
	}
}

// dialect abstracts the SQL differences between store kinds.
type dialect interface {
	// placeholder returns the bind placeholder for 1-based position i
	placeholder(i int) string
	// classify maps a driver error to the engine taxonomy
	classify(err error, table string) error
	// now returns the value written into a timestamp marker column on apply
	now() any
}

// sqlStore is the shared engine.Store implementation over database/sql.
// Postgres and SQLite differ only in their dialect.
type sqlStore struct {
	db      *sql.DB
	kind    Kind
	schema  string
	dialect dialect
}

var _ engine.Store = (*sqlStore)(nil)

func (s *sqlStore) Kind() Kind { return s.kind }

func (s *sqlStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return engine.NewConnectivityError(fmt.Errorf("%s store unreachable: %w", s.kind, err))
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// tableRef qualifies and quotes a table name. Both supported stores accept
// double-quoted identifiers.
func (s *sqlStore) tableRef(table string) string {
	if s.schema != "" {
		return quoteIdent(s.schema) + "." + quoteIdent(table)
	}
	return quoteIdent(table)
}

func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// DetectChanges range-scans the marker column for rows changed strictly after
// since, ordered by marker then primary key. Soft-deleted rows surface as
// delete records. The scan is read-only.
func (s *sqlStore) DetectChanges(ctx context.Context, spec engine.TableSpec, since engine.Marker) ([]engine.ChangeRecord, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString("SELECT * FROM ")
	sb.WriteString(s.tableRef(spec.Name))

	var args []any
	if !since.IsZero() {
		sb.WriteString(" WHERE ")
		sb.WriteString(quoteIdent(spec.MarkerColumn))
		sb.WriteString(" > ")
		sb.WriteString(s.dialect.placeholder(1))
		args = append(args, markerValue(since))
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(quoteIdent(spec.MarkerColumn))
	sb.WriteString(" ASC")
	for _, pk := range spec.PrimaryKeys {
		sb.WriteString(", ")
		sb.WriteString(quoteIdent(pk))
		sb.WriteString(" ASC")
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, s.dialect.classify(err, spec.Name)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, s.dialect.classify(err, spec.Name)
	}

	var records []engine.ChangeRecord
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, s.dialect.classify(err, spec.Name)
		}

		rec, err := s.rowToRecord(spec, columns, values)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dialect.classify(err, spec.Name)
	}

	return records, nil
}

// rowToRecord converts one scanned row into a canonical change record. The
// marker and soft-delete columns are excluded from the content snapshot: their
// values are side-specific and would defeat the hash-equality duplicate skip.
func (s *sqlStore) rowToRecord(spec engine.TableSpec, columns []string, values []any) (engine.ChangeRecord, error) {
	rec := engine.ChangeRecord{
		Table:      spec.Name,
		Op:         engine.OpUpdate,
		PrimaryKey: make(map[string]any, len(spec.PrimaryKeys)),
		Data:       make(map[string]any, len(columns)),
	}

	deleted := false
	for i, col := range columns {
		val := normalizeValue(values[i])

		if col == spec.MarkerColumn {
			marker, err := parseMarker(spec, val)
			if err != nil {
				return engine.ChangeRecord{}, err
			}
			rec.Marker = marker
			continue
		}
		if spec.SoftDeleteColumn != "" && col == spec.SoftDeleteColumn {
			deleted = truthy(val)
			continue
		}

		rec.Data[col] = val
	}

	for _, pk := range spec.PrimaryKeys {
		val, ok := rec.Data[pk]
		if !ok {
			return engine.ChangeRecord{}, engine.NewConfigurationError(
				fmt.Errorf("table %s: primary key column %q not present in result set", spec.Name, pk))
		}
		rec.PrimaryKey[pk] = val
	}

	if rec.Marker.IsZero() {
		return engine.ChangeRecord{}, engine.NewConfigurationError(
			fmt.Errorf("table %s: change marker column %q not present in result set", spec.Name, spec.MarkerColumn))
	}

	if deleted {
		rec.Op = engine.OpDelete
		rec.Data = nil
		return rec, nil
	}

	hash, err := engine.ContentHash(rec.Data)
	if err != nil {
		return engine.ChangeRecord{}, fmt.Errorf("table %s: %w", spec.Name, err)
	}
	rec.Hash = hash
	return rec, nil
}

// Apply writes one change record: upsert for inserts and updates, delete
// (soft when configured) otherwise. The source record's marker value is
// written through so both sides stay comparable and the reverse detection
// collapses into the hash-equality skip.
func (s *sqlStore) Apply(ctx context.Context, spec engine.TableSpec, rec engine.ChangeRecord) error {
	if rec.Op == engine.OpDelete {
		return s.applyDelete(ctx, spec, rec)
	}
	return s.applyUpsert(ctx, spec, rec)
}

func (s *sqlStore) applyDelete(ctx context.Context, spec engine.TableSpec, rec engine.ChangeRecord) error {
	var sb strings.Builder
	var args []any

	if spec.SoftDeleteColumn != "" {
		sb.WriteString("UPDATE ")
		sb.WriteString(s.tableRef(spec.Name))
		sb.WriteString(" SET ")
		sb.WriteString(quoteIdent(spec.SoftDeleteColumn))
		sb.WriteString(" = ")
		sb.WriteString(s.dialect.placeholder(1))
		args = append(args, true)
		sb.WriteString(", ")
		sb.WriteString(quoteIdent(spec.MarkerColumn))
		sb.WriteString(" = ")
		sb.WriteString(s.dialect.placeholder(2))
		args = append(args, applyMarkerValue(s.dialect, rec.Marker))
	} else {
		sb.WriteString("DELETE FROM ")
		sb.WriteString(s.tableRef(spec.Name))
	}

	sb.WriteString(" WHERE ")
	for i, pk := range spec.PrimaryKeys {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(quoteIdent(pk))
		sb.WriteString(" = ")
		sb.WriteString(s.dialect.placeholder(len(args) + 1))
		args = append(args, rec.PrimaryKey[pk])
	}

	if _, err := s.db.ExecContext(ctx, sb.String(), args...); err != nil {
		return s.dialect.classify(err, spec.Name)
	}
	return nil
}

func (s *sqlStore) applyUpsert(ctx context.Context, spec engine.TableSpec, rec engine.ChangeRecord) error {
	// Stable column order for deterministic statements.
	columns := make([]string, 0, len(rec.Data)+2)
	for col := range rec.Data {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	columns = append(columns, spec.MarkerColumn)
	if spec.SoftDeleteColumn != "" {
		columns = append(columns, spec.SoftDeleteColumn)
	}

	args := make([]any, 0, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		switch col {
		case spec.MarkerColumn:
			args = append(args, applyMarkerValue(s.dialect, rec.Marker))
		case spec.SoftDeleteColumn:
			args = append(args, false)
		default:
			args = append(args, rec.Data[col])
		}
		placeholders[i] = s.dialect.placeholder(i + 1)
	}

	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = quoteIdent(col)
	}

	pkSet := make(map[string]bool, len(spec.PrimaryKeys))
	quotedPKs := make([]string, len(spec.PrimaryKeys))
	for i, pk := range spec.PrimaryKeys {
		pkSet[pk] = true
		quotedPKs[i] = quoteIdent(pk)
	}

	var updates []string
	for _, col := range columns {
		if pkSet[col] {
			continue
		}
		q := quoteIdent(col)
		updates = append(updates, q+" = excluded."+q)
	}

	// INSERT ... ON CONFLICT DO UPDATE is shared by both supported stores.
	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		s.tableRef(spec.Name),
		strings.Join(quoted, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quotedPKs, ", "),
		strings.Join(updates, ", "),
	)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return s.dialect.classify(err, spec.Name)
	}
	return nil
}

// markerValue converts a marker into a bind value for detection queries.
func markerValue(m engine.Marker) any {
	if m.Kind == engine.MarkerKindTimestamp {
		return m.Time
	}
	return m.Version
}

// applyMarkerValue converts a marker into the value written on apply.
func applyMarkerValue(d dialect, m engine.Marker) any {
	if m.IsZero() {
		return d.now()
	}
	return markerValue(m)
}

// parseMarker interprets a scanned marker column value.
func parseMarker(spec engine.TableSpec, val any) (engine.Marker, error) {
	switch spec.MarkerKind {
	case engine.MarkerKindTimestamp:
		switch v := val.(type) {
		case time.Time:
			return engine.TimestampMarker(v), nil
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
				if t, err := time.Parse(layout, v); err == nil {
					return engine.TimestampMarker(t), nil
				}
			}
		}
		return engine.Marker{}, engine.NewConfigurationError(
			fmt.Errorf("table %s: marker column %q is not a timestamp (got %T)", spec.Name, spec.MarkerColumn, val))
	case engine.MarkerKindVersion:
		switch v := val.(type) {
		case int64:
			return engine.VersionMarker(v), nil
		case int:
			return engine.VersionMarker(int64(v)), nil
		case float64:
			return engine.VersionMarker(int64(v)), nil
		}
		return engine.Marker{}, engine.NewConfigurationError(
			fmt.Errorf("table %s: marker column %q is not an integer version (got %T)", spec.Name, spec.MarkerColumn, val))
	default:
		return engine.Marker{}, engine.NewConfigurationError(
			fmt.Errorf("table %s: unknown marker kind %q", spec.Name, spec.MarkerKind))
	}
}

// normalizeValue massages driver-specific scan results into the canonical
// forms the content hash is computed over.
func normalizeValue(val any) any {
	switch v := val.(type) {
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC()
	default:
		return val
	}
}

// truthy interprets the soft-delete flag across driver representations.
func truthy(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case string:
		return v == "t" || v == "true" || v == "1"
	default:
		return false
	}
}
