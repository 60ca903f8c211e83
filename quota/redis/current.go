// Package redis tracks current quota usage in Redis hashes.
//
// The usage of a root lives in the hash <prefix><root> with the fields
// count and size.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/rbaliyan/mailcore/quota"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key.
const DefaultKeyPrefix = "quota:"

const (
	fieldCount = "count"
	fieldSize  = "size"
)

type options struct {
	keyPrefix string
	logger    *slog.Logger
}

// Option configures CurrentQuotaManager.
type Option func(*options)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.keyPrefix = prefix
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

// decreaseScript decrements both fields and clamps them at zero.
var decreaseScript = redis.NewScript(`
local count = redis.call('HINCRBY', KEYS[1], 'count', -tonumber(ARGV[1]))
if count < 0 then
  redis.call('HSET', KEYS[1], 'count', 0)
end
local size = redis.call('HINCRBY', KEYS[1], 'size', -tonumber(ARGV[2]))
if size < 0 then
  redis.call('HSET', KEYS[1], 'size', 0)
end
return 0
`)

// CurrentQuotaManager implements quota.CurrentQuotaManager.
type CurrentQuotaManager struct {
	client redis.UniversalClient
	opts   *options
}

var _ quota.CurrentQuotaManager = (*CurrentQuotaManager)(nil)

// New returns a manager storing usage through client.
func New(client redis.UniversalClient, opts ...Option) *CurrentQuotaManager {
	o := &options{
		keyPrefix: DefaultKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &CurrentQuotaManager{client: client, opts: o}
}

func (m *CurrentQuotaManager) key(root quota.Root) string {
	return m.opts.keyPrefix + root.Value
}

func (m *CurrentQuotaManager) Increase(ctx context.Context, root quota.Root, count quota.CountUsage, size quota.SizeUsage) error {
	key := m.key(root)
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldCount, int64(count))
		pipe.HIncrBy(ctx, key, fieldSize, int64(size))
		return nil
	})
	if err != nil {
		return fmt.Errorf("quota: increase %s: %w", root, err)
	}
	return nil
}

func (m *CurrentQuotaManager) Decrease(ctx context.Context, root quota.Root, count quota.CountUsage, size quota.SizeUsage) error {
	if err := decreaseScript.Run(ctx, m.client, []string{m.key(root)}, int64(count), int64(size)).Err(); err != nil {
		return fmt.Errorf("quota: decrease %s: %w", root, err)
	}
	return nil
}

func (m *CurrentQuotaManager) Get(ctx context.Context, root quota.Root) (quota.CurrentQuotas, error) {
	fields, err := m.client.HGetAll(ctx, m.key(root)).Result()
	if err != nil {
		return quota.CurrentQuotas{}, fmt.Errorf("quota: get %s: %w", root, err)
	}
	count, err := parseField(fields, fieldCount)
	if err != nil {
		return quota.CurrentQuotas{}, fmt.Errorf("quota: get %s: %w", root, err)
	}
	size, err := parseField(fields, fieldSize)
	if err != nil {
		return quota.CurrentQuotas{}, fmt.Errorf("quota: get %s: %w", root, err)
	}
	return quota.CurrentQuotas{Count: quota.CountUsage(count), Size: quota.SizeUsage(size)}, nil
}

func (m *CurrentQuotaManager) Set(ctx context.Context, root quota.Root, q quota.CurrentQuotas) error {
	if err := m.client.HSet(ctx, m.key(root), fieldCount, int64(q.Count), fieldSize, int64(q.Size)).Err(); err != nil {
		return fmt.Errorf("quota: set %s: %w", root, err)
	}
	m.opts.logger.Debug("current quota overwritten", "root", root.Value, "count", q.Count, "size", q.Size)
	return nil
}

func parseField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", name, err)
	}
	return v, nil
}
