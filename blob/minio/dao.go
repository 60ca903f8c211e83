// Package minio stores blobs on a MinIO server using minio-go.
// Bucket naming follows the S3 backend: namespace+bucket.
package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/rbaliyan/mailcore/blob"
)

// DAO implements blob.DAO on MinIO.
type DAO struct {
	client    *minio.Client
	namespace string
	region    string
	logger    *slog.Logger

	known sync.Map
}

var _ blob.DAO = (*DAO)(nil)

// New connects to the MinIO endpoint (host:port).
func New(endpoint string, opts ...Option) (*DAO, error) {
	o := newOptions(opts...)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  o.creds,
		Secure: o.secure,
		Region: o.region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &DAO{
		client:    client,
		namespace: o.namespace,
		region:    o.region,
		logger:    o.logger,
	}, nil
}

func (d *DAO) resolve(bucket blob.BucketName) string {
	return strings.ReplaceAll(d.namespace+string(bucket), "_", "-")
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

func isNoSuchBucket(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchBucket"
}

func (d *DAO) wrap(op string, bucket blob.BucketName, id blob.ID, err error) error {
	if isNotFound(err) {
		err = errors.Join(blob.ErrNotFound, err)
	}
	return &blob.ObjectStoreError{Op: op, Bucket: bucket, ID: id, Err: err}
}

// Read stats the object first since GetObject defers errors to the first read.
func (d *DAO) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) (io.ReadCloser, error) {
	name := d.resolve(bucket)
	if _, err := d.client.StatObject(ctx, name, string(id), minio.StatObjectOptions{}); err != nil {
		return nil, d.wrap("read", bucket, id, err)
	}
	obj, err := d.client.GetObject(ctx, name, string(id), minio.GetObjectOptions{})
	if err != nil {
		return nil, d.wrap("read", bucket, id, err)
	}
	return obj, nil
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
	return d.put(ctx, bucket, id, bytes.NewReader(data), int64(len(data)))
}

func (d *DAO) SaveStream(ctx context.Context, bucket blob.BucketName, id blob.ID, r io.Reader) error {
	return d.put(ctx, bucket, id, r, -1)
}

func (d *DAO) put(ctx context.Context, bucket blob.BucketName, id blob.ID, r io.Reader, size int64) error {
	if err := id.Validate(); err != nil {
		return err
	}
	name := d.resolve(bucket)
	if err := d.ensureBucket(ctx, name); err != nil {
		return d.wrap("save", bucket, id, err)
	}
	_, err := d.client.PutObject(ctx, name, string(id), r, size, minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		return d.wrap("save", bucket, id, err)
	}
	return nil
}

func (d *DAO) ensureBucket(ctx context.Context, name string) error {
	if _, ok := d.known.Load(name); ok {
		return nil
	}
	exists, err := d.client.BucketExists(ctx, name)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", name, err)
	}
	if !exists {
		err := d.client.MakeBucket(ctx, name, minio.MakeBucketOptions{Region: d.region})
		if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
			return fmt.Errorf("create bucket %s: %w", name, err)
		}
		d.logger.Info("created minio bucket", "bucket", name)
	}
	d.known.Store(name, struct{}{})
	return nil
}

func (d *DAO) Delete(ctx context.Context, bucket blob.BucketName, ids ...blob.ID) error {
	if len(ids) == 0 {
		return nil
	}
	objects := make(chan minio.ObjectInfo, len(ids))
	for _, id := range ids {
		objects <- minio.ObjectInfo{Key: string(id)}
	}
	close(objects)
	if err := d.remove(ctx, d.resolve(bucket), objects); err != nil {
		return d.wrap("delete", bucket, "", err)
	}
	return nil
}

func (d *DAO) remove(ctx context.Context, name string, objects <-chan minio.ObjectInfo) error {
	var errs []error
	for rerr := range d.client.RemoveObjects(ctx, name, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err == nil || isNotFound(rerr.Err) {
			continue
		}
		errs = append(errs, fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err))
	}
	return errors.Join(errs...)
}

func (d *DAO) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	name := d.resolve(bucket)
	exists, err := d.client.BucketExists(ctx, name)
	if err != nil {
		return d.wrap("delete bucket", bucket, "", err)
	}
	if !exists {
		return nil
	}

	objects := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(objects)
		for obj := range d.client.ListObjects(ctx, name, minio.ListObjectsOptions{Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			objects <- obj
		}
	}()
	if err := d.remove(ctx, name, objects); err != nil {
		return d.wrap("delete bucket", bucket, "", err)
	}
	// remove drains objects, so the listing goroutine is done here.
	if listErr != nil {
		return d.wrap("delete bucket", bucket, "", listErr)
	}
	if err := d.client.RemoveBucket(ctx, name); err != nil && !isNoSuchBucket(err) {
		return d.wrap("delete bucket", bucket, "", err)
	}
	d.known.Delete(name)
	return nil
}

func (d *DAO) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	infos, err := d.client.ListBuckets(ctx)
	if err != nil {
		return nil, &blob.ObjectStoreError{Op: "list buckets", Err: err}
	}
	var out []blob.BucketName
	for _, info := range infos {
		if !strings.HasPrefix(info.Name, d.namespace) {
			continue
		}
		name := blob.BucketName(strings.TrimPrefix(info.Name, d.namespace))
		if name.Validate() == nil {
			out = append(out, name)
		}
	}
	return out, nil
}

func (d *DAO) ListBlobs(ctx context.Context, bucket blob.BucketName) ([]blob.ID, error) {
	var ids []blob.ID
	for obj := range d.client.ListObjects(ctx, d.resolve(bucket), minio.ListObjectsOptions{Recursive: true}) {
		if obj.Err != nil {
			if isNoSuchBucket(obj.Err) {
				return nil, nil
			}
			return nil, d.wrap("list", bucket, "", obj.Err)
		}
		ids = append(ids, blob.ID(obj.Key))
	}
	return ids, nil
}
