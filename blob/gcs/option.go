package gcs

import (
	"log/slog"
	"strings"
)

// DefaultPrefix is the key prefix under which blob buckets are stored.
const DefaultPrefix = "blobs"

// DefaultDeleteConcurrency bounds parallel object deletions.
const DefaultDeleteConcurrency = 16

// options holds GCS DAO configuration.
type options struct {
	bucket string
	prefix string

	deleteConcurrency int

	// Custom endpoint (for emulators, testing)
	endpoint string

	// Credentials options (mutually exclusive)
	credentialsJSON []byte // Service account JSON key
	credentialsFile string // Path to service account JSON file
	apiKey          string // API key (not recommended)

	// Logger
	logger *slog.Logger
}

// Option configures the GCS DAO.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		prefix:            DefaultPrefix,
		deleteConcurrency: DefaultDeleteConcurrency,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithBucket sets the GCS bucket holding every blob bucket (required).
func WithBucket(bucket string) Option {
	return func(o *options) {
		o.bucket = bucket
	}
}

// WithPrefix sets the key prefix. Objects are stored as prefix/bucket/id.
// Default is "blobs".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = strings.Trim(prefix, "/")
	}
}

// WithDeleteConcurrency bounds parallel deletions. Default is 16.
func WithDeleteConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.deleteConcurrency = n
		}
	}
}

// WithEndpoint sets a custom GCS endpoint (for emulators, testing).
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithCredentialsJSON sets service account credentials from JSON bytes.
// Use this when you have the service account key loaded in memory.
//
// Example:
//
//	keyJSON, _ := os.ReadFile("service-account.json")
//	dao, _ := gcs.New(ctx, gcs.WithBucket("mail-blobs"), gcs.WithCredentialsJSON(keyJSON))
func WithCredentialsJSON(json []byte) Option {
	return func(o *options) {
		o.credentialsJSON = json
	}
}

// WithCredentialsFile sets the path to a service account JSON key file.
// This is equivalent to setting GOOGLE_APPLICATION_CREDENTIALS environment variable.
//
// Example:
//
//	dao, _ := gcs.New(ctx, gcs.WithBucket("mail-blobs"), gcs.WithCredentialsFile("/path/to/sa.json"))
func WithCredentialsFile(path string) Option {
	return func(o *options) {
		o.credentialsFile = path
	}
}

// WithAPIKey sets an API key for authentication.
// Note: API keys have limited functionality and are not recommended for production.
// Prefer service accounts or Workload Identity.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
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
