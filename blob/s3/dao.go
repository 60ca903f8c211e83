// Package s3 stores blobs in AWS S3 or any S3-compatible service.
//
// Each blob bucket maps to its own S3 bucket named namespace+bucket, and each
// blob is an object keyed by its ID. Buckets are created lazily on first
// write.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/retry"
)

// maxDeleteBatch is the DeleteObjects request limit.
const maxDeleteBatch = 1000

// DAO implements blob.DAO on S3.
type DAO struct {
	client    *s3.Client
	tm        *transfermanager.Client
	namespace string
	region    string
	retry     retry.Config
	logger    *slog.Logger

	// S3 bucket names known to exist.
	known sync.Map
}

var _ blob.DAO = (*DAO)(nil)

// New creates an S3 DAO. The context is used to load AWS configuration.
func New(ctx context.Context, opts ...Option) (*DAO, error) {
	o := newOptions(opts...)

	awsCfg, err := buildAWSConfig(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("build aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(so *s3.Options) {
		if o.endpoint != "" {
			so.BaseEndpoint = aws.String(o.endpoint)
			so.UsePathStyle = o.usePathStyle
		}
	})
	return NewWithClient(client, opts...), nil
}

// NewWithClient creates a DAO over an existing client.
func NewWithClient(client *s3.Client, opts ...Option) *DAO {
	o := newOptions(opts...)
	return &DAO{
		client:    client,
		tm:        transfermanager.New(client),
		namespace: o.namespace,
		region:    o.region,
		retry:     o.retry,
		logger:    o.logger,
	}
}

func buildAWSConfig(ctx context.Context, o *options) (aws.Config, error) {
	optFns := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "" && o.secretKey != "":
		creds := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		optFns = append(optFns, config.WithCredentialsProvider(creds))

	case o.roleARN != "":
		baseCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config for role: %w", err)
		}
		optFns = append(optFns, config.WithCredentialsProvider(
			newAssumeRoleProvider(baseCfg, o.roleARN, o.roleSessionName, o.externalID)))

	default:
		// Default credential chain: env, shared config, IRSA, instance role.
	}

	return config.LoadDefaultConfig(ctx, optFns...)
}

// resolve maps a blob bucket onto an S3 bucket name. S3 rejects
// underscores, so they become dashes.
func resolve(namespace string, bucket blob.BucketName) string {
	return strings.ReplaceAll(namespace+string(bucket), "_", "-")
}

// unresolve is the reverse of resolve for buckets listed from S3.
func unresolve(namespace, name string) (blob.BucketName, bool) {
	if !strings.HasPrefix(name, namespace) {
		return "", false
	}
	b := blob.BucketName(strings.TrimPrefix(name, namespace))
	if b.Validate() != nil {
		return "", false
	}
	return b, true
}

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

func isNoSuchBucket(err error) bool {
	return errorCode(err) == "NoSuchBucket"
}

func isNotFound(err error) bool {
	switch errorCode(err) {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}

func (d *DAO) wrap(op string, bucket blob.BucketName, id blob.ID, err error) error {
	if isNotFound(err) {
		err = errors.Join(blob.ErrNotFound, err)
	}
	return &blob.ObjectStoreError{Op: op, Bucket: bucket, ID: id, Err: err}
}

func (d *DAO) Read(ctx context.Context, bucket blob.BucketName, id blob.ID) (io.ReadCloser, error) {
	out, err := d.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(resolve(d.namespace, bucket)),
		Key:    aws.String(string(id)),
	})
	if err != nil {
		return nil, d.wrap("read", bucket, id, err)
	}
	return out.Body, nil
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

// Save writes data, creating the S3 bucket and retrying when it is missing.
func (d *DAO) Save(ctx context.Context, bucket blob.BucketName, id blob.ID, data []byte) error {
	if err := id.Validate(); err != nil {
		return err
	}
	name := resolve(d.namespace, bucket)
	put := func(ctx context.Context) error {
		_, err := d.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(name),
			Key:           aws.String(string(id)),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		return err
	}

	err := put(ctx)
	if isNoSuchBucket(err) {
		if err = d.createBucket(ctx, name); err == nil {
			err = retry.Do(ctx, d.retry, put)
		}
	}
	if err != nil {
		return d.wrap("save", bucket, id, err)
	}
	d.known.Store(name, struct{}{})
	return nil
}

// SaveStream uploads through the transfer manager. A stream cannot be
// replayed, so the bucket is ensured before the upload starts.
func (d *DAO) SaveStream(ctx context.Context, bucket blob.BucketName, id blob.ID, r io.Reader) error {
	if err := id.Validate(); err != nil {
		return err
	}
	name := resolve(d.namespace, bucket)
	if err := d.ensureBucket(ctx, name); err != nil {
		return d.wrap("save", bucket, id, err)
	}
	_, err := d.tm.UploadObject(ctx, &transfermanager.UploadObjectInput{
		Bucket: aws.String(name),
		Key:    aws.String(string(id)),
		Body:   r,
	})
	if err != nil {
		return d.wrap("save", bucket, id, err)
	}
	d.logger.Debug("uploaded blob to s3", "bucket", name, "key", id)
	return nil
}

func (d *DAO) ensureBucket(ctx context.Context, name string) error {
	if _, ok := d.known.Load(name); ok {
		return nil
	}
	_, err := d.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(name)})
	if err == nil {
		d.known.Store(name, struct{}{})
		return nil
	}
	if !isNotFound(err) {
		return err
	}
	return d.createBucket(ctx, name)
}

func (d *DAO) createBucket(ctx context.Context, name string) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(name)}
	if d.region != "" && d.region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(d.region),
		}
	}
	_, err := d.client.CreateBucket(ctx, input)
	if err == nil {
		d.logger.Info("created s3 bucket", "bucket", name)
		d.known.Store(name, struct{}{})
		return nil
	}
	switch errorCode(err) {
	case "BucketAlreadyOwnedByYou", "BucketAlreadyExists":
		d.known.Store(name, struct{}{})
		return nil
	}
	return fmt.Errorf("create bucket %s: %w", name, err)
}

func (d *DAO) Delete(ctx context.Context, bucket blob.BucketName, ids ...blob.ID) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = string(id)
	}
	err := d.deleteKeys(ctx, resolve(d.namespace, bucket), keys)
	if err != nil && !isNoSuchBucket(err) {
		return d.wrap("delete", bucket, "", err)
	}
	return nil
}

func (d *DAO) deleteKeys(ctx context.Context, name string, keys []string) error {
	for _, batch := range chunk(keys, maxDeleteBatch) {
		objects := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		out, err := d.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(name),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return err
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return fmt.Errorf("delete %d object(s) failed, first %s: %s",
				len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message))
		}
	}
	return nil
}

func (d *DAO) DeleteBucket(ctx context.Context, bucket blob.BucketName) error {
	name := resolve(d.namespace, bucket)
	keys, err := d.listKeys(ctx, name)
	if isNoSuchBucket(err) {
		return nil
	}
	if err != nil {
		return d.wrap("delete bucket", bucket, "", err)
	}
	if err := d.deleteKeys(ctx, name, keys); err != nil {
		return d.wrap("delete bucket", bucket, "", err)
	}
	_, err = d.client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(name)})
	if err != nil && !isNoSuchBucket(err) {
		return d.wrap("delete bucket", bucket, "", err)
	}
	d.known.Delete(name)
	return nil
}

func (d *DAO) ListBuckets(ctx context.Context) ([]blob.BucketName, error) {
	out, err := d.client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, &blob.ObjectStoreError{Op: "list buckets", Err: err}
	}
	var buckets []blob.BucketName
	for _, b := range out.Buckets {
		if name, ok := unresolve(d.namespace, aws.ToString(b.Name)); ok {
			buckets = append(buckets, name)
		}
	}
	return buckets, nil
}

func (d *DAO) ListBlobs(ctx context.Context, bucket blob.BucketName) ([]blob.ID, error) {
	keys, err := d.listKeys(ctx, resolve(d.namespace, bucket))
	if isNoSuchBucket(err) {
		return nil, nil
	}
	if err != nil {
		return nil, d.wrap("list", bucket, "", err)
	}
	ids := make([]blob.ID, len(keys))
	for i, k := range keys {
		ids[i] = blob.ID(k)
	}
	return ids, nil
}

func (d *DAO) listKeys(ctx context.Context, name string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(d.client, &s3.ListObjectsV2Input{Bucket: aws.String(name)})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
