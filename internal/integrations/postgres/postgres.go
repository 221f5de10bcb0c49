// Package postgres stores every host update in a PostgreSQL event log.
// Rows are keyed by update ID, so redelivered updates are written once.
package postgres

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/portwatch/internal/errors"
	"github.com/anstrom/portwatch/internal/logging"
	"github.com/anstrom/portwatch/internal/watch"
)

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 5
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 5 * time.Minute
)

// Config holds connection settings.
type Config struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns connection defaults. Database and credentials must
// be set by the caller.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime,
	}
}

// DSN renders the lib/pq key=value connection string.
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect opens and verifies a connection pool. Errors never include the
// DSN.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.Database == "" {
		return nil, errors.ErrConfigMissing("integrations.postgres.database")
	}
	if cfg.Username == "" {
		return nil, errors.ErrConfigMissing("integrations.postgres.username")
	}

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to open database", "connect", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", "ping", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS host_updates (
	id UUID PRIMARY KEY,
	update_type TEXT NOT NULL,
	host TEXT NOT NULL,
	cycle BIGINT NOT NULL,
	observed_at TIMESTAMPTZ NOT NULL,
	port_updates JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_host_updates_host_observed ON host_updates (host, observed_at DESC);`

const insertUpdate = `
INSERT INTO host_updates (id, update_type, host, cycle, observed_at, port_updates)
VALUES (:id, :update_type, :host, :cycle, :observed_at, :port_updates)
ON CONFLICT (id) DO NOTHING`

// Record is one row of the event log.
type Record struct {
	ID          string    `db:"id"`
	UpdateType  string    `db:"update_type"`
	Host        string    `db:"host"`
	Cycle       int64     `db:"cycle"`
	ObservedAt  time.Time `db:"observed_at"`
	PortUpdates []byte    `db:"port_updates"`
}

func newRecord(update *watch.HostUpdate) (Record, error) {
	ports, err := json.Marshal(update.PortUpdates)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal port updates: %w", err)
	}
	return Record{
		ID:          update.ID.String(),
		UpdateType:  string(update.Type),
		Host:        update.Host,
		Cycle:       int64(update.Cycle),
		ObservedAt:  update.Timestamp.UTC(),
		PortUpdates: ports,
	}, nil
}

// Sink is a publisher subscriber writing updates to host_updates.
type Sink struct {
	db     *sqlx.DB
	logger *logging.Logger
}

// NewSink wraps an open database. Call EnsureSchema before the first
// delivery.
func NewSink(db *sqlx.DB, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Default()
	}
	return &Sink{db: db, logger: logger.WithComponent("postgres")}
}

// Name implements publisher.Subscriber.
func (s *Sink) Name() string {
	return "postgres"
}

// EnsureSchema creates the event log table if it is missing.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return dbError("ensure schema", err)
	}
	return nil
}

// Deliver inserts update. Connection failures are reported as retryable
// database errors.
func (s *Sink) Deliver(ctx context.Context, update *watch.HostUpdate) error {
	rec, err := newRecord(update)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, insertUpdate, rec)
	if err != nil {
		return dbError("insert host update", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.logger.Debug("Host update already recorded", "id", rec.ID, "host", rec.Host)
	}
	return nil
}

// Close closes the underlying pool.
func (s *Sink) Close() error {
	return s.db.Close()
}

func dbError(operation string, err error) error {
	var pqErr *pq.Error
	switch {
	case stderrors.Is(err, driver.ErrBadConn):
		return errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Database connection lost", operation, err)
	case stderrors.As(err, &pqErr) && pqErr.Code.Class() == "08":
		return errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Database connection error", operation, err)
	case stderrors.As(err, &pqErr) && pqErr.Code == "57P01":
		return errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Database shutting down", operation, err)
	default:
		return errors.WrapDatabaseError(errors.CodeDatabaseQuery, "Database operation failed", operation, err)
	}
}
