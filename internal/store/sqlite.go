package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/berqenas/dbsync/internal/engine"
)

// SQLite result codes relevant to error classification. Extended codes carry
// the base code in the low byte.
const (
	sqliteGenericErr = 1  // SQLITE_ERROR: schema-level problems (no such column/table)
	sqliteConstraint = 19 // SQLITE_CONSTRAINT
	sqliteMismatch   = 20 // SQLITE_MISMATCH
)

// openSQLite connects to a SQLite data store via the modernc driver.
func openSQLite(cfg Config) (engine.Store, error) {
	if cfg.DSN == "" {
		return nil, engine.NewConfigurationError(fmt.Errorf("sqlite store: dsn is required"))
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Errorf("sqlite store: %w", err))
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	return &sqlStore{
		db:      db,
		kind:    KindSQLite,
		dialect: sqliteDialect{},
	}, nil
}

type sqliteDialect struct{}

func (sqliteDialect) placeholder(int) string {
	return "?"
}

func (sqliteDialect) now() any {
	return time.Now().UTC()
}

// classify maps SQLite result codes onto the engine taxonomy.
func (sqliteDialect) classify(err error, table string) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqliteConstraint, sqliteMismatch:
			return engine.NewRowApplicationError(fmt.Errorf("table %s: %w", table, err))
		case sqliteGenericErr:
			return engine.NewConfigurationError(fmt.Errorf("table %s: %w", table, err))
		}
	}
	return engine.NewConnectivityError(fmt.Errorf("table %s: %w", table, err))
}
