// Package postgres stores blobs in a PostgreSQL BYTEA column.
// It suits small deployments where running an object store is not worth it.
package postgres

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rbaliyan/mailcore/blob"
)

// DAO implements blob.DAO on PostgreSQL.
type DAO struct {
	db     *sqlx.DB
	opts   *options
	logger *slog.Logger
}

var _ blob.DAO = (*DAO)(nil)

// New creates a DAO over db. Call Init to create the table.
func New(db *sqlx.DB, opts ...Option) *DAO {
	o := newOptions(opts...)
	return &DAO{db: db, opts: o, logger: o.logger}
}

// NewFromDB wraps a standard sql.DB.
func NewFromDB(db *sql.DB, opts ...Option) *DAO {
	return New(sqlx.NewDb(db, "postgres"), opts...)
}

// Init creates the blob table if needed.
func (d *DAO) Init(ctx context.Context) error {
	if d.db == nil {
		return fmt.Errorf("postgres: db is required")
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			bucket VARCHAR(63) NOT NULL,
			id VARCHAR(255) NOT NULL,
			data BYTEA NOT NULL,
			size BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (bucket, id)
		)
	`, d.opts.table)
	if _, err := d.db.ExecContext(ctx, createTable); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	d.logger.Info("blob table ready", "table", d.opts.table)
	return nil
}

type row struct {
	Data []byte `db:"data"`
}

func (d *DAO) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) (io.ReadCloser, error) {
	data, err := d.ReadBytes(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (d *DAO) ReadBytes(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	var r row
	query := fmt.Sprintf(`SELECT data FROM %s WHERE bucket = $1 AND id = $2`, d.opts.table)
	if err := d.db.GetContext(ctx, &r, query, string(bucket), string(id)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, blob.NotFound(bucket, id)
		}
		return nil, &blob.ObjectStoreError{Op: "read", Bucket: bucket, ID: id, Err: err}
	}
	return r.Data, nil
}

func (d *DAO) Save(ctx context.Context, bucket blob.BucketName, id blob.ID, data []byte) error {
	if err := id.Validate(); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (bucket, id, data, size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket, id) DO UPDATE SET data = EXCLUDED.data, size = EXCLUDED.size
	`, d.opts.table)
	if _, err := d.db.ExecContext(ctx, query, string(bucket), string(id), data, len(data)); err != nil {
		return &blob.ObjectStoreError{Op: "save", Bucket: bucket, ID: id, Err: err}
	}
	return nil
}

func (d *DAO) SaveStream(ctx context.Context, bucket blob.BucketName, id blob.ID, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return &blob.ObjectStoreError{Op: "save", Bucket: bucket, ID: id, Err: err}
	}
	return d.Save(ctx, bucket, id, data)
}

func (d *DAO) Delete(ctx context.Context, bucket blob.BucketName, ids ...blob.ID) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1 AND id = ANY($2)`, d.opts.table)
	if _, err := d.db.ExecContext(ctx, query, string(bucket), pq.Array(keys)); err != nil {
		return &blob.ObjectStoreError{Op: "delete", Bucket: bucket, Err: err}
	}
	return nil
}

func (d *DAO) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE bucket = $1`, d.opts.table)
	if _, err := d.db.ExecContext(ctx, query, string(bucket)); err != nil {
		return &blob.ObjectStoreError{Op: "delete bucket", Bucket: bucket, Err: err}
	}
	return nil
}

func (d *DAO) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	var names []string
	query := fmt.Sprintf(`SELECT DISTINCT bucket FROM %s ORDER BY bucket`, d.opts.table)
	if err := d.db.SelectContext(ctx, &names, query); err != nil {
		return nil, &blob.ObjectStoreError{Op: "list buckets", Err: err}
	}
	out := make([]blob.BucketName, len(names))
	for i, n := range names {
		out[i] = blob.BucketName(n)
	}
	return out, nil
}

func (d *DAO) ListBlobs(ctx context.Context, bucket blob.BucketName) ([]blob.ID, error) {
	ctx, cancel := context.WithTimeout(ctx, d.opts.timeout)
	defer cancel()

	var keys []string
	query := fmt.Sprintf(`SELECT id FROM %s WHERE bucket = $1 ORDER BY id`, d.opts.table)
	if err := d.db.SelectContext(ctx, &keys, query, string(bucket)); err != nil {
		return nil, &blob.ObjectStoreError{Op: "list", Bucket: bucket, Err: err}
	}
	out := make([]blob.ID, len(keys))
	for i, k := range keys {
		out[i] = blob.ID(k)
	}
	return out, nil
}
