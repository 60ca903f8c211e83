// Package config loads mailcore settings from a TOML file.
//
// Durations are strings such as "250ms" or "2m". Sizes are strings such as
// "32KiB" or "50 MB".
//
//	[blob]
//	default_bucket = "mails"
//	deduplicate = true
//	hasher = "blake3"
//
//	[blob.cache]
//	enabled = true
//	size_threshold = "32KiB"
//	ttl = "1h"
//
//	[events.retry]
//	max_retries = 3
//	initial_backoff = "100ms"
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/rbaliyan/mailcore"
	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/blob/cached"
	"github.com/rbaliyan/mailcore/blob/gc"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/retry"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Blob backends.
const (
	BackendMemory   = "memory"
	BackendS3       = "s3"
	BackendGCS      = "gcs"
	BackendMinIO    = "minio"
	BackendPostgres = "postgres"
)

// Event transports.
const (
	TransportLocal = "local"
	TransportRedis = "redis"
)

// Config is the whole configuration file.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Blob     BlobConfig     `toml:"blob"`
	Events   EventsConfig   `toml:"events"`
	Redis    RedisConfig    `toml:"redis"`
	Postgres PostgresConfig `toml:"postgres"`
	Mongo    MongoConfig    `toml:"mongo"`
	Task     TaskConfig     `toml:"task"`
	Quota    QuotaConfig    `toml:"quota"`
}

// ServiceConfig holds the mailbox service limits.
type ServiceConfig struct {
	MaxMessageSize       string `toml:"max_message_size"`
	MaxConcurrentAppends int    `toml:"max_concurrent_appends"`
	ListLimit            int    `toml:"list_limit"`
	ShutdownTimeout      string `toml:"shutdown_timeout"`
	EventErrorsFatal     bool   `toml:"event_errors_fatal"`
	Tracing              bool   `toml:"tracing"`
	Metrics              bool   `toml:"metrics"`
	ServiceName          string `toml:"service_name"`
}

// BlobConfig selects and tunes the blob store.
type BlobConfig struct {
	Backend       string          `toml:"backend"`        // memory, s3, gcs, minio or postgres
	DefaultBucket string          `toml:"default_bucket"` // bucket holding message content
	BucketPrefix  string          `toml:"bucket_prefix"`  // prepended to bucket names by object storage backends
	Deduplicate   bool            `toml:"deduplicate"`    // content addressed ids
	Hasher        string          `toml:"hasher"`         // sha256, blake3 or blake2b
	Cache         BlobCacheConfig `toml:"cache"`
	GC            BlobGCConfig    `toml:"gc"`
}

// BlobCacheConfig configures the redis blob cache.
type BlobCacheConfig struct {
	Enabled       bool   `toml:"enabled"`
	SizeThreshold string `toml:"size_threshold"` // larger blobs are not cached
	TTL           string `toml:"ttl"`
	ReadTimeout   string `toml:"read_timeout"`
	KeyPrefix     string `toml:"key_prefix"`
}

// BlobGCConfig holds the garbage collection parameters.
type BlobGCConfig struct {
	ExpectedBlobCount     int     `toml:"expected_blob_count"`
	DeletionWindowSize    int     `toml:"deletion_window_size"`
	AssociatedProbability float64 `toml:"associated_probability"`
}

// EventsConfig configures the event bus.
type EventsConfig struct {
	Workers     int         `toml:"workers"`
	Transport   string      `toml:"transport"`    // local or redis
	BusName     string      `toml:"bus_name"`     // nodes only exchange events on the same bus name
	DeadLetters string      `toml:"dead_letters"` // memory or redis
	Retry       RetryConfig `toml:"retry"`
}

// RetryConfig is the retry policy of listener deliveries.
type RetryConfig struct {
	MaxRetries     *int    `toml:"max_retries"`
	InitialBackoff string  `toml:"initial_backoff"`
	MaxBackoff     string  `toml:"max_backoff"`
	Multiplier     float64 `toml:"multiplier"`
	Jitter         float64 `toml:"jitter"`
}

// RedisConfig locates redis.
type RedisConfig struct {
	Addrs    []string `toml:"addrs"`
	Username string   `toml:"username"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
}

// PostgresConfig locates postgres.
type PostgresConfig struct {
	DSN     string `toml:"dsn"`
	Timeout string `toml:"timeout"`
}

// MongoConfig locates mongo.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
	Timeout  string `toml:"timeout"`
}

// TaskConfig configures the task manager.
type TaskConfig struct {
	AwaitTimeout string `toml:"await_timeout"`
}

// QuotaConfig holds the global limits. Missing limits mean unlimited.
type QuotaConfig struct {
	Backend     string    `toml:"backend"` // memory, redis or postgres
	MaxMessages *int64    `toml:"max_messages"`
	MaxStorage  string    `toml:"max_storage"`
	Thresholds  []float64 `toml:"thresholds"`
}

// Default returns the configuration used when a file sets nothing.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			MaxMessageSize:       "50MiB",
			MaxConcurrentAppends: mailcore.DefaultMaxConcurrentAppends,
			ListLimit:            mailcore.DefaultListLimit,
			ShutdownTimeout:      mailcore.DefaultShutdownTimeout.String(),
		},
		Blob: BlobConfig{
			Backend:     BackendMemory,
			Deduplicate: true,
			Hasher:      string(blob.SHA256),
			Cache: BlobCacheConfig{
				SizeThreshold: "32KiB",
				TTL:           "1h",
				ReadTimeout:   "100ms",
			},
			GC: BlobGCConfig{
				ExpectedBlobCount:     gc.DefaultExpectedBlobCount,
				DeletionWindowSize:    gc.DefaultDeletionWindowSize,
				AssociatedProbability: gc.DefaultAssociatedProbability,
			},
		},
		Events: EventsConfig{
			Workers:     16,
			Transport:   TransportLocal,
			BusName:     "mailcore",
			DeadLetters: BackendMemory,
		},
		Redis: RedisConfig{Addrs: []string{"localhost:6379"}},
		Task:  TaskConfig{AwaitTimeout: "1m"},
		Quota: QuotaConfig{Backend: BackendMemory},
	}
}

// Load reads path over the defaults and validates the result. Unknown keys
// are logged and ignored.
func Load(path string, logger *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(string(data), logger)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(text string, logger *slog.Logger) (*Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := Default()
	md, err := toml.Decode(text, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		logger.Warn("ignoring unknown configuration keys", "keys", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every value, including durations and sizes.
func (c *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
	}

	_, err := parseSize("service.max_message_size", c.Service.MaxMessageSize)
	check(err)
	_, err = parseDuration("service.shutdown_timeout", c.Service.ShutdownTimeout)
	check(err)
	if c.Service.MaxConcurrentAppends < 0 || c.Service.ListLimit < 0 {
		check(invalid("service limits must not be negative"))
	}

	switch c.Blob.Backend {
	case BackendMemory, BackendS3, BackendGCS, BackendMinIO, BackendPostgres:
	default:
		check(invalid("unknown blob.backend %q", c.Blob.Backend))
	}
	if !blob.Hasher(c.Blob.Hasher).Valid() {
		check(invalid("unknown blob.hasher %q", c.Blob.Hasher))
	}
	if c.Blob.DefaultBucket != "" {
		if err := blob.BucketName(c.Blob.DefaultBucket).Validate(); err != nil {
			check(invalid("blob.default_bucket: %v", err))
		}
	}
	if c.Blob.Backend == BackendPostgres && c.Postgres.DSN == "" {
		check(invalid("blob.backend postgres requires postgres.dsn"))
	}
	_, err = c.BlobCacheOptions()
	check(err)
	if c.Blob.Cache.Enabled && len(c.Redis.Addrs) == 0 {
		check(invalid("blob.cache requires redis.addrs"))
	}
	if _, err := c.GCParameters(); err != nil {
		check(invalid("blob.gc: %v", err))
	}

	switch c.Events.Transport {
	case TransportLocal:
	case TransportRedis:
		if len(c.Redis.Addrs) == 0 {
			check(invalid("events.transport redis requires redis.addrs"))
		}
	default:
		check(invalid("unknown events.transport %q", c.Events.Transport))
	}
	switch c.Events.DeadLetters {
	case BackendMemory, TransportRedis:
	default:
		check(invalid("unknown events.dead_letters %q", c.Events.DeadLetters))
	}
	if c.Events.Workers < 0 {
		check(invalid("events.workers must not be negative"))
	}
	_, err = c.RetryConfig()
	check(err)

	_, err = parseDuration("postgres.timeout", c.Postgres.Timeout)
	check(err)
	_, err = parseDuration("mongo.timeout", c.Mongo.Timeout)
	check(err)
	_, err = parseDuration("task.await_timeout", c.Task.AwaitTimeout)
	check(err)

	switch c.Quota.Backend {
	case BackendMemory, TransportRedis, BackendPostgres:
	default:
		check(invalid("unknown quota.backend %q", c.Quota.Backend))
	}
	if c.Quota.MaxMessages != nil {
		if _, err := quota.ParseLimit(*c.Quota.MaxMessages); err != nil {
			check(invalid("quota.max_messages: %v", err))
		}
	}
	_, err = parseSize("quota.max_storage", c.Quota.MaxStorage)
	check(err)
	_, err = c.QuotaThresholds()
	check(err)

	return errors.Join(errs...)
}

// RetryConfig returns the listener retry policy. Unset values keep
// retry.DefaultConfig.
func (c *Config) RetryConfig() (retry.Config, error) {
	cfg := retry.DefaultConfig()
	r := c.Events.Retry
	if r.MaxRetries != nil {
		if *r.MaxRetries < 0 {
			return cfg, fmt.Errorf("%w: events.retry.max_retries must not be negative", ErrInvalidConfig)
		}
		cfg.MaxRetries = *r.MaxRetries
	}
	if d, err := parseDuration("events.retry.initial_backoff", r.InitialBackoff); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.InitialBackoff = d
	}
	if d, err := parseDuration("events.retry.max_backoff", r.MaxBackoff); err != nil {
		return cfg, err
	} else if d > 0 {
		cfg.MaxBackoff = d
	}
	if r.Multiplier != 0 {
		if r.Multiplier < 1 {
			return cfg, fmt.Errorf("%w: events.retry.multiplier must be at least 1", ErrInvalidConfig)
		}
		cfg.Multiplier = r.Multiplier
	}
	if r.Jitter != 0 {
		if r.Jitter < 0 || r.Jitter > 1 {
			return cfg, fmt.Errorf("%w: events.retry.jitter must be in [0, 1]", ErrInvalidConfig)
		}
		cfg.Jitter = r.Jitter
	}
	return cfg, nil
}

// GCParameters returns the blob garbage collection parameters.
func (c *Config) GCParameters() (gc.Parameters, error) {
	p := gc.DefaultParameters()
	g := c.Blob.GC
	if g.ExpectedBlobCount != 0 {
		p.ExpectedBlobCount = g.ExpectedBlobCount
	}
	if g.DeletionWindowSize != 0 {
		p.DeletionWindowSize = g.DeletionWindowSize
	}
	if g.AssociatedProbability != 0 {
		p.AssociatedProbability = g.AssociatedProbability
	}
	return p, p.Validate()
}

// BlobCacheOptions returns the options of the redis blob cache.
func (c *Config) BlobCacheOptions() ([]cached.Option, error) {
	cc := c.Blob.Cache
	var opts []cached.Option
	threshold, err := parseSize("blob.cache.size_threshold", cc.SizeThreshold)
	if err != nil {
		return nil, err
	}
	if threshold > 0 {
		opts = append(opts, cached.WithSizeThreshold(int(threshold)))
	}
	ttl, err := parseDuration("blob.cache.ttl", cc.TTL)
	if err != nil {
		return nil, err
	}
	readTimeout, err := parseDuration("blob.cache.read_timeout", cc.ReadTimeout)
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		opts = append(opts, cached.WithTTL(ttl))
	}
	if readTimeout > 0 {
		opts = append(opts, cached.WithReadTimeout(readTimeout))
	}
	if cc.KeyPrefix != "" {
		opts = append(opts, cached.WithKeyPrefix(cc.KeyPrefix))
	}
	return opts, nil
}

// BlobOptions returns the options of the blob store.
func (c *Config) BlobOptions() []blob.Option {
	return []blob.Option{
		blob.WithDefaultBucket(blob.BucketName(c.Blob.DefaultBucket)),
		blob.WithHasher(blob.Hasher(c.Blob.Hasher)),
	}
}

// NewBlobStore wraps dao in the configured blob store.
func (c *Config) NewBlobStore(dao blob.DAO) (blob.Store, error) {
	if c.Blob.Deduplicate {
		return blob.NewDeduplicating(dao, c.BlobOptions()...)
	}
	return blob.NewPassThrough(dao, c.BlobOptions()...)
}

// QuotaThresholds returns the configured thresholds, nil when none is set.
func (c *Config) QuotaThresholds() (quota.Thresholds, error) {
	var ts quota.Thresholds
	for _, r := range c.Quota.Thresholds {
		t, err := quota.NewThreshold(r)
		if err != nil {
			return nil, fmt.Errorf("%w: quota.thresholds: %v", ErrInvalidConfig, err)
		}
		ts = append(ts, t)
	}
	return ts, nil
}

// ApplyQuotaLimits writes the global limits to m.
func (c *Config) ApplyQuotaLimits(ctx context.Context, m *quota.MaxQuotaManager) error {
	if c.Quota.MaxMessages != nil {
		if err := m.SetGlobalMaxMessage(ctx, quota.CountLimit(*c.Quota.MaxMessages)); err != nil {
			return fmt.Errorf("config: set global max messages: %w", err)
		}
	}
	size, err := parseSize("quota.max_storage", c.Quota.MaxStorage)
	if err != nil {
		return err
	}
	if c.Quota.MaxStorage != "" {
		if err := m.SetGlobalMaxStorage(ctx, quota.SizeLimit(size)); err != nil {
			return fmt.Errorf("config: set global max storage: %w", err)
		}
	}
	return nil
}

// ServiceOptions returns the mailbox service options set by the file.
// Store, blob store and bus still have to be given.
func (c *Config) ServiceOptions() ([]mailcore.Option, error) {
	s := c.Service
	maxSize, err := parseSize("service.max_message_size", s.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	shutdown, err := parseDuration("service.shutdown_timeout", s.ShutdownTimeout)
	if err != nil {
		return nil, err
	}
	thresholds, err := c.QuotaThresholds()
	if err != nil {
		return nil, err
	}
	return []mailcore.Option{
		mailcore.WithMaxMessageSize(int64(maxSize)),
		mailcore.WithMaxConcurrentAppends(s.MaxConcurrentAppends),
		mailcore.WithListLimit(s.ListLimit),
		mailcore.WithShutdownTimeout(shutdown),
		mailcore.WithEventErrorsFatal(s.EventErrorsFatal),
		mailcore.WithTracing(s.Tracing),
		mailcore.WithMetrics(s.Metrics),
		mailcore.WithServiceName(s.ServiceName),
		mailcore.WithQuotaThresholds(thresholds),
	}, nil
}

// RedisClient connects to the configured redis. A single address gives a
// plain client, several a cluster client.
func (c *Config) RedisClient() redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    c.Redis.Addrs,
		Username: c.Redis.Username,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	})
}

// AwaitTimeout is how long callers wait for a submitted task.
func (c *Config) AwaitTimeout() time.Duration {
	d, _ := parseDuration("task.await_timeout", c.Task.AwaitTimeout)
	return d
}

// parseDuration returns zero for an empty value.
func parseDuration(key, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalidConfig, key)
	}
	return d, nil
}

// parseSize returns zero for an empty value.
func parseSize(key, v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, key, err)
	}
	return n, nil
}
