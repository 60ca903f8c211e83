package minio

import (
	"log/slog"

	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultNamespace prefixes every bucket created for a blob bucket.
const DefaultNamespace = "mailcore-"

// options holds MinIO DAO configuration.
type options struct {
	namespace string
	region    string
	secure    bool
	creds     *credentials.Credentials
	logger    *slog.Logger
}

// Option configures the MinIO DAO.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		namespace: DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.creds == nil {
		o.creds = credentials.NewIAM("")
	}
	return o
}

// WithNamespace sets the bucket name prefix. Default is "mailcore-".
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithRegion sets the region used when creating buckets.
func WithRegion(region string) Option {
	return func(o *options) {
		o.region = region
	}
}

// WithSSL enables https.
func WithSSL(enabled bool) Option {
	return func(o *options) {
		o.secure = enabled
	}
}

// WithStaticCredentials sets an access key pair. Without it the IAM
// credential chain is used.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		if accessKey != "" {
			o.creds = credentials.NewStaticV4(accessKey, secretKey, "")
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}
