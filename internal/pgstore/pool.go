// Package pgstore manages per-project PostgreSQL connection pools and
// the schema bootstrap every project-scoped component depends on. One
// pool is held per project schema; every connection in that pool has
// its search_path pinned at connect time so no query can drift onto
// another project's tables.
package pgstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Config controls pool sizing, mirroring conservative pgxpool defaults
// for a long-lived daemon connection.
type Config struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnIdleTime   time.Duration
	MaxConnLifetime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultConfig returns sane pool sizing for a single local instance.
func DefaultConfig(dsn string) Config {
	return Config{
		DSN:               dsn,
		MaxConns:          10,
		MinConns:          1,
		MaxConnIdleTime:   5 * time.Minute,
		MaxConnLifetime:   time.Hour,
		HealthCheckPeriod: 30 * time.Second,
	}
}

// Manager lazily creates and caches one pgxpool.Pool per project
// schema. Manager is safe for concurrent use.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu    sync.Mutex
	pools map[string]*pgxpool.Pool
}

// NewManager constructs a Manager. No connections are made until a
// schema is first requested via PoolFor.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{cfg: cfg, log: log, pools: make(map[string]*pgxpool.Pool)}
}

// PoolFor returns the pool for schema, creating and bootstrapping it
// on first use. schema must already be a safe identifier (see
// internal/project.SchemaName); PoolFor does not re-derive it.
func (m *Manager) PoolFor(ctx context.Context, schema string) (*pgxpool.Pool, error) {
	m.mu.Lock()
	if pool, ok := m.pools[schema]; ok {
		m.mu.Unlock()
		return pool, nil
	}
	m.mu.Unlock()

	pool, err := m.newPool(ctx, schema)
	if err != nil {
		return nil, err
	}

	if err := Bootstrap(ctx, pool, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap schema %q: %w", schema, err)
	}

	m.mu.Lock()
	if existing, ok := m.pools[schema]; ok {
		m.mu.Unlock()
		pool.Close()
		return existing, nil
	}
	m.pools[schema] = pool
	m.mu.Unlock()

	return pool, nil
}

func (m *Manager) newPool(ctx context.Context, schema string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(m.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	poolCfg.MaxConns = m.cfg.MaxConns
	poolCfg.MinConns = m.cfg.MinConns
	poolCfg.MaxConnIdleTime = m.cfg.MaxConnIdleTime
	poolCfg.MaxConnLifetime = m.cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = m.cfg.HealthCheckPeriod

	ident := pgx.Identifier{schema}.Sanitize()
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", ident))
		if err != nil {
			return fmt.Errorf("create schema %q: %w", schema, err)
		}
		_, err = conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", ident))
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := m.pingWithRetry(ctx, pool, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	m.log.Debug().Str("schema", schema).Msg("opened project connection pool")
	return pool, nil
}

// pingWithRetry retries a transient connection failure (e.g. Postgres
// still accepting connections during daemon startup) with bounded
// exponential backoff before giving up.
func (m *Manager) pingWithRetry(ctx context.Context, pool *pgxpool.Pool, schema string) error {
	attempt := 0
	op := func() error {
		attempt++
		err := pool.Ping(ctx)
		if err != nil && attempt > 1 {
			m.log.Warn().Err(err).Str("schema", schema).Int("attempt", attempt).Msg("postgres ping failed, retrying")
		}
		return err
	}

	b := backoff.WithContext(pingBackoff(), ctx)
	return backoff.Retry(op, b)
}

func pingBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// Close closes every pool this Manager has opened.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for schema, pool := range m.pools {
		pool.Close()
		delete(m.pools, schema)
	}
}
