package blob

import "log/slog"

// options holds BlobStore configuration.
type options struct {
	bucket    BucketName
	hasher    Hasher
	idFactory IDFactory
	logger    *slog.Logger
}

// Option configures a BlobStore.
type Option func(*options)

// WithDefaultBucket sets the bucket returned by DefaultBucket.
// Default is "default".
func WithDefaultBucket(bucket BucketName) Option {
	return func(o *options) {
		if bucket != "" {
			o.bucket = bucket
		}
	}
}

// WithHasher sets the content hash of the deduplicating store.
// Default is SHA256. Unknown hashers are ignored.
func WithHasher(h Hasher) Option {
	return func(o *options) {
		if h.Valid() {
			o.hasher = h
		}
	}
}

// WithIDFactory sets the ID factory.
// Default is a generation aware factory over random UUIDs.
func WithIDFactory(f IDFactory) Option {
	return func(o *options) {
		if f != nil {
			o.idFactory = f
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

func newOptions(opts ...Option) *options {
	o := &options{
		bucket: DefaultBucket,
		hasher: SHA256,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.idFactory == nil {
		o.idFactory = NewGenerationAwareIDFactory(nil)
	}
	return o
}
