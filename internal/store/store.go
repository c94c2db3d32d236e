// Package store persists pricing, interactions, usage logs and the credit
// ledger. One database/sql implementation serves both SQLite and
// PostgreSQL; queries are written with '?' placeholders and rebound for
// PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultCommandCost is charged for a command with no configured cost.
const DefaultCommandCost int64 = 1

type Store struct {
	db     *sql.DB
	driver string
	costs  map[string]int64
}

// Option configures a Store.
type Option func(*Store)

// WithCommandCosts sets the credits charged per command.
func WithCommandCosts(costs map[string]int64) Option {
	return func(s *Store) {
		for k, v := range costs {
			s.costs[k] = v
		}
	}
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// One connection: :memory: databases are per connection and
			// SQLite serializes writers anyway.
			db.SetMaxOpenConns(1)
		}
	case DriverPostgres:
		db, err = sql.Open("pgx", dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, driver: driver, costs: make(map[string]int64)}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS model_pricing (
			model_id TEXT PRIMARY KEY,
			input_cost_per_million DOUBLE PRECISION NOT NULL,
			output_cost_per_million DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			command TEXT NOT NULL,
			model_id TEXT NOT NULL,
			result TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_subject ON interactions (subject_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS usage_logs (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			command TEXT NOT NULL,
			model_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			status TEXT NOT NULL,
			input_tokens INTEGER,
			output_tokens INTEGER,
			total_tokens INTEGER,
			cost_usd DOUBLE PRECISION,
			duration_ms BIGINT NOT NULL,
			error_message TEXT,
			request_payload TEXT,
			response_payload TEXT,
			usage_unavailable BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_logs_user ON usage_logs (user_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS credit_ledger (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			amount BIGINT NOT NULL,
			command TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			related_action_id TEXT UNIQUE,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_ledger_user ON credit_ledger (user_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// q adapts a '?' placeholder query to the driver.
func (s *Store) q(query string) string {
	if s.driver == DriverPostgres {
		return rebind(query)
	}
	return query
}

// rebind rewrites '?' placeholders as $1, $2, ... Placeholders inside
// single-quoted literals are left alone.
func rebind(query string) string {
	var (
		b       strings.Builder
		n       int
		inQuote bool
	)
	b.Grow(len(query) + 8)
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
