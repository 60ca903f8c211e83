// Package gcs stores blobs in a single Google Cloud Storage bucket.
// Blob buckets become key prefixes: an object is stored as prefix/bucket/id.
package gcs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"cloud.google.com/go/auth/credentials"
	"cloud.google.com/go/storage"
	"github.com/rbaliyan/mailcore/blob"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// DAO implements blob.DAO on Google Cloud Storage.
type DAO struct {
	client            *storage.Client
	bucket            string
	prefix            string
	deleteConcurrency int
	logger            *slog.Logger
}

var _ blob.DAO = (*DAO)(nil)

// New creates a GCS DAO.
func New(ctx context.Context, opts ...Option) (*DAO, error) {
	o := newOptions(opts...)
	if o.bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	clientOpts, err := buildClientOptions(o)
	if err != nil {
		return nil, fmt.Errorf("build client options: %w", err)
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}

	return &DAO{
		client:            client,
		bucket:            o.bucket,
		prefix:            o.prefix,
		deleteConcurrency: o.deleteConcurrency,
		logger:            o.logger,
	}, nil
}

func buildClientOptions(o *options) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	scopes := []string{"https://www.googleapis.com/auth/cloud-platform"}

	switch {
	case o.credentialsJSON != nil:
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          scopes,
			CredentialsJSON: o.credentialsJSON,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from json: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.credentialsFile != "":
		creds, err := credentials.DetectDefault(&credentials.DetectOptions{
			Scopes:          scopes,
			CredentialsFile: o.credentialsFile,
		})
		if err != nil {
			return nil, fmt.Errorf("detect credentials from file: %w", err)
		}
		opts = append(opts, option.WithAuthCredentials(creds))

	case o.apiKey != "":
		opts = append(opts, option.WithAPIKey(o.apiKey))

	default:
		// Application Default Credentials.
	}

	if o.endpoint != "" {
		opts = append(opts, option.WithEndpoint(o.endpoint))
	}
	return opts, nil
}

// Close closes the GCS client.
func (d *DAO) Close() error {
	return d.client.Close()
}

func objectKey(prefix string, bucket blob.BucketName, id blob.ID) string {
	return path.Join(prefix, string(bucket), string(id))
}

func bucketPrefix(prefix string, bucket blob.BucketName) string {
	return path.Join(prefix, string(bucket)) + "/"
}

func (d *DAO) wrap(op string, bucket blob.BucketName, id blob.ID, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		err = errors.Join(blob.ErrNotFound, err)
	}
	return &blob.ObjectStoreError{Op: op, Bucket: bucket, ID: id, Err: err}
}

func (d *DAO) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) (io.ReadCloser, error) {
	r, err := d.client.Bucket(d.bucket).Object(objectKey(d.prefix, bucket, id)).NewReader(ctx)
	if err != nil {
		return nil, d.wrap("read", bucket, id, err)
	}
	return r, nil
}

func (d *DAO) ReadBytes(ctx context.Context, bucket blob.BucketName, id blob.ID) ([]byte, error) {
	rc, err := d.Read(ctx, bucket, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, d.wrap("read", bucket, id, err)
	}
	return data, nil
}

func (d *DAO) Save(ctx context.Context, bucket blob.BucketName, id blob.ID, data []byte) error {
	return d.SaveStream(ctx, bucket, id, bytes.NewReader(data))
}

func (d *DAO) SaveStream(ctx context.Context, bucket blob.BucketName, id blob.ID, r io.Reader) error {
	if err := id.Validate(); err != nil {
		return err
	}
	key := objectKey(d.prefix, bucket, id)
	w := d.client.Bucket(d.bucket).Object(key).NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return d.wrap("save", bucket, id, fmt.Errorf("copy content to gcs: %w", err))
	}
	if err := w.Close(); err != nil {
		return d.wrap("save", bucket, id, fmt.Errorf("close gcs writer: %w", err))
	}
	d.logger.Debug("uploaded blob to gcs", "bucket", d.bucket, "key", key)
	return nil
}

func (d *DAO) Delete(ctx context.Context, bucket blob.BucketName, ids ...blob.ID) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = objectKey(d.prefix, bucket, id)
	}
	if err := d.deleteKeys(ctx, keys); err != nil {
		return d.wrap("delete", bucket, "", err)
	}
	return nil
}

func (d *DAO) deleteKeys(ctx context.Context, keys []string) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.deleteConcurrency)
	for _, key := range keys {
		g.Go(func() error {
			err := d.client.Bucket(d.bucket).Object(key).Delete(ctx)
			if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *DAO) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	keys, err := d.listKeys(ctx, bucketPrefix(d.prefix, bucket))
	if err != nil {
		return d.wrap("delete bucket", bucket, "", err)
	}
	if err := d.deleteKeys(ctx, keys); err != nil {
		return d.wrap("delete bucket", bucket, "", err)
	}
	return nil
}

func (d *DAO) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	root := d.prefix + "/"
	it := d.client.Bucket(d.bucket).Objects(ctx, &storage.Query{Prefix: root, Delimiter: "/"})
	var out []blob.BucketName
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, &blob.ObjectStoreError{Op: "list buckets", Err: err}
		}
		if attrs.Prefix == "" {
			continue
		}
		name := blob.BucketName(strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, root), "/"))
		if name.Validate() == nil {
			out = append(out, name)
		}
	}
	return out, nil
}

func (d *DAO) ListBlobs(ctx context.Context, bucket blob.BucketName) ([]blob.ID, error) {
	p := bucketPrefix(d.prefix, bucket)
	keys, err := d.listKeys(ctx, p)
	if err != nil {
		return nil, d.wrap("list", bucket, "", err)
	}
	ids := make([]blob.ID, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, blob.ID(strings.TrimPrefix(k, p)))
	}
	return ids, nil
}

func (d *DAO) listKeys(ctx context.Context, prefix string) ([]string, error) {
	it := d.client.Bucket(d.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return keys, nil
		}
		if err != nil {
			return nil, err
		}
		keys = append(keys, attrs.Name)
	}
}
