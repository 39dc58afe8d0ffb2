package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // Postgres driver registration

	"github.com/berqenas/dbsync/internal/engine"
)

const (
	pgMaxOpenConns    = 10
	pgMaxIdleConns    = 2
	pgConnMaxLifetime = 5 * time.Minute
)

// openPostgres connects to a PostgreSQL data store via the pgx stdlib driver.
func openPostgres(cfg Config) (engine.Store, error) {
	if cfg.DSN == "" {
		return nil, engine.NewConfigurationError(fmt.Errorf("postgres store: dsn is required"))
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, engine.NewConfigurationError(fmt.Errorf("postgres store: %w", err))
	}
	db.SetMaxOpenConns(pgMaxOpenConns)
	db.SetMaxIdleConns(pgMaxIdleConns)
	db.SetConnMaxLifetime(pgConnMaxLifetime)

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	return &sqlStore{
		db:      db,
		kind:    KindPostgres,
		schema:  schema,
		dialect: postgresDialect{},
	}, nil
}

type postgresDialect struct{}

func (postgresDialect) placeholder(i int) string {
	return fmt.Sprintf("$%d", i)
}

func (postgresDialect) now() any {
	return time.Now().UTC()
}

// classify maps Postgres errors onto the engine taxonomy using SQLSTATE
// classes: integrity/data errors are per-row, schema errors are
// configuration, everything else is treated as connectivity.
func (postgresDialect) classify(err error, table string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "23"), // integrity constraint violation
			strings.HasPrefix(pgErr.Code, "22"): // data exception
			return engine.NewRowApplicationError(fmt.Errorf("table %s: %w", table, err))
		case strings.HasPrefix(pgErr.Code, "42"): // undefined column/table, access rule
			return engine.NewConfigurationError(fmt.Errorf("table %s: %w", table, err))
		}
	}
	return engine.NewConnectivityError(fmt.Errorf("table %s: %w", table, err))
}
