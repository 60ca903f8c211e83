// Package postgres stores quota limits in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rbaliyan/mailcore/quota"
)

// Default configuration values.
const (
	DefaultTable   = "max_quota"
	DefaultTimeout = 10 * time.Second
)

type options struct {
	table   string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures LimitStore.
type Option func(*options)

// WithTable sets the table name.
func WithTable(name string) Option {
	return func(o *options) {
		if name != "" {
			o.table = name
		}
	}
}

// WithTimeout sets the per-operation timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// LimitStore implements quota.LimitStore on PostgreSQL.
type LimitStore struct {
	db   *sqlx.DB
	opts *options
}

var _ quota.LimitStore = (*LimitStore)(nil)

// New creates a store over db. Call Init to create the table.
func New(db *sqlx.DB, opts ...Option) *LimitStore {
	o := &options{
		table:   DefaultTable,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &LimitStore{db: db, opts: o}
}

// Init creates the limit table if needed.
func (s *LimitStore) Init(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("postgres: db is required")
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			scope VARCHAR(16) NOT NULL,
			key VARCHAR(512) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			value BIGINT NOT NULL,
			PRIMARY KEY (scope, key, kind)
		)
	`, s.opts.table)
	if _, err := s.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	s.opts.logger.Info("quota limit table ready", "table", s.opts.table)
	return nil
}

func (s *LimitStore) SetLimit(ctx context.Context, k quota.LimitKey, value int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (scope, key, kind, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope, key, kind) DO UPDATE SET value = EXCLUDED.value
	`, s.opts.table)
	if _, err := s.db.ExecContext(ctx, query, string(k.Scope), k.Key, string(k.Kind), value); err != nil {
		return fmt.Errorf("postgres: set %s %s limit: %w", k.Scope, k.Kind, err)
	}
	return nil
}

func (s *LimitStore) Limit(ctx context.Context, k quota.LimitKey) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	var v int64
	query := fmt.Sprintf(`SELECT value FROM %s WHERE scope = $1 AND key = $2 AND kind = $3`, s.opts.table)
	if err := s.db.GetContext(ctx, &v, query, string(k.Scope), k.Key, string(k.Kind)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("postgres: get %s %s limit: %w", k.Scope, k.Kind, err)
	}
	return v, true, nil
}

func (s *LimitStore) RemoveLimit(ctx context.Context, k quota.LimitKey) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE scope = $1 AND key = $2 AND kind = $3`, s.opts.table)
	if _, err := s.db.ExecContext(ctx, query, string(k.Scope), k.Key, string(k.Kind)); err != nil {
		return fmt.Errorf("postgres: remove %s %s limit: %w", k.Scope, k.Kind, err)
	}
	return nil
}
