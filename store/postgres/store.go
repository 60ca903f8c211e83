// Package postgres provides a PostgreSQL implementation of store.Store.
//
// Mailbox rows carry the last_uid and highest_modseq counters. Every write
// bumps them with UPDATE ... RETURNING inside the transaction that writes
// the messages, so the row lock serializes allocation per mailbox.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailcore/store"
)

// Compile-time check
var _ store.Store = (*Store)(nil)

// uniqueViolation is the PostgreSQL error code for unique constraint
// violations.
const uniqueViolation = "23505"

// Store implements store.Store using PostgreSQL.
type Store struct {
	db        *sqlx.DB
	opts      *options
	connected int32
	logger    *slog.Logger

	mailboxes string
	messages  string
}

// New creates a new PostgreSQL store with the provided database connection.
// Call Connect() to initialize the schema and indexes.
func New(db *sqlx.DB, opts ...Option) *Store {
	o := newOptions(opts...)
	return &Store{
		db:        db,
		opts:      o,
		logger:    o.logger,
		mailboxes: o.tablePrefix + "mailboxes",
		messages:  o.tablePrefix + "messages",
	}
}

// NewFromDB creates a new PostgreSQL store from a standard sql.DB connection.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Connect initializes the schema and indexes.
func (s *Store) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}

	if s.db == nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres: db is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("postgres ping: %w", err)
	}

	if err := s.ensureSchema(ctx); err != nil {
		atomic.StoreInt32(&s.connected, 0)
		return fmt.Errorf("ensure schema: %w", err)
	}

	s.logger.Info("connected to PostgreSQL", "mailboxes", s.mailboxes, "messages", s.messages)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the database connection.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	createMailboxes := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(64) PRIMARY KEY,
			namespace VARCHAR(64) NOT NULL,
			username VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			uid_validity BIGINT NOT NULL,
			last_uid BIGINT NOT NULL DEFAULT 0,
			highest_modseq BIGINT NOT NULL DEFAULT 0,
			acl JSONB,
			UNIQUE (namespace, username, name)
		)
	`, s.mailboxes)
	if _, err := s.db.ExecContext(ctx, createMailboxes); err != nil {
		return fmt.Errorf("create mailboxes table: %w", err)
	}

	createMessages := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			mailbox_id VARCHAR(64) NOT NULL REFERENCES %s(id) ON DELETE CASCADE,
			uid BIGINT NOT NULL,
			modseq BIGINT NOT NULL,
			flags TEXT[] NOT NULL DEFAULT '{}',
			size BIGINT NOT NULL,
			internal_date TIMESTAMPTZ NOT NULL,
			message_id VARCHAR(64) NOT NULL,
			blob_id VARCHAR(255) NOT NULL,
			thread_id VARCHAR(255) NOT NULL DEFAULT '',
			PRIMARY KEY (mailbox_id, uid)
		)
	`, s.messages, s.mailboxes)
	if _, err := s.db.ExecContext(ctx, createMessages); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}

	indexes := []string{
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_user ON %s(namespace, username)`, s.mailboxes, s.mailboxes),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_blob ON %s(blob_id)`, s.messages, s.messages),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%s_flags ON %s USING GIN(flags)`, s.messages, s.messages),
	}
	for _, idx := range indexes {
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			s.logger.Warn("failed to create index", "error", err, "sql", idx)
		}
	}
	return nil
}

// checkConnected returns error if not connected.
func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) Mailboxes() store.MailboxMapper { return mailboxMapper{s} }
func (s *Store) Messages() store.MessageMapper  { return messageMapper{s} }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// withTx runs fn in a transaction committed when fn succeeds.
func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
