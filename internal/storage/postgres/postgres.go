// Package postgres is the PostgreSQL implementation of the authoritative
// queue store. Row changes are announced by a trigger over LISTEN/NOTIFY so
// every server attached to the same database feeds its hub from one source.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/evalq/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Channel is the NOTIFY channel the submissions trigger writes to.
const Channel = "evalq_changes"

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides time.Now for timestamps assigned by the store.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithMaxConns caps the connection pool. One connection is held by Listen.
func WithMaxConns(n int32) Option {
	return func(s *Store) { s.maxConns = n }
}

// Store is the PostgreSQL-backed queue.
type Store struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	now      func() time.Time
	maxConns int32
}

// Open connects to connString, verifies the connection and applies pending
// migrations.
func Open(ctx context.Context, connString string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default(), now: time.Now, maxConns: 8}
	for _, opt := range opts {
		opt(s)
	}

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	cfg.MaxConns = s.maxConns
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	s.pool = pool

	s.logger.Info("connected to PostgreSQL",
		"database", cfg.ConnConfig.Database,
		"host", cfg.ConnConfig.Host,
		"max_conns", cfg.MaxConns)

	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}
		if err := s.applyMigration(ctx, version, string(content)); err != nil {
			return err
		}
	}
	return nil
}

// applyMigration runs one migration under an advisory lock so concurrent
// servers starting against the same database apply it once.
func (s *Store) applyMigration(ctx context.Context, version int, content string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(7343101)`); err != nil {
		return fmt.Errorf("locking migrations: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_version WHERE version = $1)`, version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists {
		return nil
	}
	if _, err := tx.Exec(ctx, content); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	s.logger.Debug("applied migration", "version", version)
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

var errNotFound = storage.ErrNotFound
