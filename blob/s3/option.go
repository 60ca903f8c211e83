package s3

import (
	"log/slog"

	"github.com/rbaliyan/mailcore/retry"
)

// DefaultNamespace prefixes every S3 bucket created for a blob bucket.
const DefaultNamespace = "mailcore-"

// options holds S3 DAO configuration.
type options struct {
	namespace string
	region    string

	// S3-compatible services (MinIO, LocalStack)
	endpoint     string
	usePathStyle bool

	accessKey    string
	secretKey    string
	sessionToken string

	roleARN         string
	roleSessionName string
	externalID      string

	retry  retry.Config
	logger *slog.Logger
}

// Option configures the S3 DAO.
type Option func(*options)

func newOptions(opts ...Option) *options {
	o := &options{
		namespace: DefaultNamespace,
		region:    "us-east-1",
		retry:     retry.DefaultConfig(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithNamespace sets the prefix turning a blob bucket into an S3 bucket
// name. Default is "mailcore-". An empty namespace maps buckets verbatim.
func WithNamespace(namespace string) Option {
	return func(o *options) {
		o.namespace = namespace
	}
}

// WithRegion sets the AWS region.
// Default is "us-east-1".
func WithRegion(region string) Option {
	return func(o *options) {
		if region != "" {
			o.region = region
		}
	}
}

// WithEndpoint sets a custom S3 endpoint for S3-compatible services.
func WithEndpoint(endpoint string) Option {
	return func(o *options) {
		o.endpoint = endpoint
	}
}

// WithPathStyle enables path-style addressing.
func WithPathStyle(enabled bool) Option {
	return func(o *options) {
		o.usePathStyle = enabled
	}
}

// WithStaticCredentials sets long-term access keys.
func WithStaticCredentials(accessKey, secretKey string) Option {
	return func(o *options) {
		o.accessKey = accessKey
		o.secretKey = secretKey
	}
}

// WithSessionToken sets a session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(o *options) {
		o.sessionToken = token
	}
}

// WithAssumeRole obtains credentials through STS AssumeRole.
// sessionName defaults to "mailcore-blobstore".
func WithAssumeRole(roleARN, sessionName string) Option {
	return func(o *options) {
		o.roleARN = roleARN
		o.roleSessionName = sessionName
		if o.roleSessionName == "" {
			o.roleSessionName = "mailcore-blobstore"
		}
	}
}

// WithExternalID sets the external ID required by some cross-account roles.
func WithExternalID(externalID string) Option {
	return func(o *options) {
		o.externalID = externalID
	}
}

// WithRetry sets the retry policy used after creating a missing bucket.
func WithRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.retry = cfg
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
