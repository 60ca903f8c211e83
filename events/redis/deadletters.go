// Package redis stores event dead letters in Redis.
//
// Each group is a hash of insertion id to serialized event. A set indexes
// the groups holding at least one dead letter.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rbaliyan/mailcore/events"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces every key.
const DefaultKeyPrefix = "mailcore:deadletters:"

type options struct {
	keyPrefix string
	logger    *slog.Logger
}

// Option configures DeadLetters.
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

// removeScript deletes a field and drops the group from the index once its
// hash is empty, atomically.
var removeScript = redis.NewScript(`
redis.call('HDEL', KEYS[1], ARGV[1])
if redis.call('HLEN', KEYS[1]) == 0 then
  redis.call('SREM', KEYS[2], ARGV[2])
end
return 0
`)

// DeadLetters implements events.DeadLetters.
type DeadLetters struct {
	client     redis.UniversalClient
	serializer *events.Serializer
	opts       *options
}

var _ events.DeadLetters = (*DeadLetters)(nil)

// New returns dead letters stored through client. serializer must know
// every event type that can fail.
func New(client redis.UniversalClient, serializer *events.Serializer, opts ...Option) *DeadLetters {
	o := &options{
		keyPrefix: DefaultKeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return &DeadLetters{client: client, serializer: serializer, opts: o}
}

func (d *DeadLetters) groupKey(g events.Group) string {
	return d.opts.keyPrefix + "group:" + string(g)
}

func (d *DeadLetters) indexKey() string {
	return d.opts.keyPrefix + "groups"
}

func (d *DeadLetters) Store(ctx context.Context, g events.Group, ev events.Event) (events.InsertionID, error) {
	if g == "" || ev == nil {
		return "", events.ErrInvalidArgument
	}
	data, err := d.serializer.Marshal(ev)
	if err != nil {
		return "", err
	}
	id := events.NewInsertionID()
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, d.groupKey(g), string(id), data)
		pipe.SAdd(ctx, d.indexKey(), string(g))
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store dead letter: %w", err)
	}
	return id, nil
}

func (d *DeadLetters) Remove(ctx context.Context, g events.Group, id events.InsertionID) error {
	if g == "" || id == "" {
		return events.ErrInvalidArgument
	}
	keys := []string{d.groupKey(g), d.indexKey()}
	if err := removeScript.Run(ctx, d.client, keys, string(id), string(g)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return nil
}

func (d *DeadLetters) RemoveEvents(ctx context.Context, g events.Group) error {
	if g == "" {
		return events.ErrInvalidArgument
	}
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, d.groupKey(g))
		pipe.SRem(ctx, d.indexKey(), string(g))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove dead letters: %w", err)
	}
	return nil
}

func (d *DeadLetters) FailedEvent(ctx context.Context, g events.Group, id events.InsertionID) (events.Event, error) {
	if g == "" || id == "" {
		return nil, events.ErrInvalidArgument
	}
	data, err := d.client.HGet(ctx, d.groupKey(g), string(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, events.ErrDeadLetterNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return d.serializer.Unmarshal(data)
}

func (d *DeadLetters) FailedIDs(ctx context.Context, g events.Group) ([]events.InsertionID, error) {
	if g == "" {
		return nil, events.ErrInvalidArgument
	}
	fields, err := d.client.HKeys(ctx, d.groupKey(g)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	ids := make([]events.InsertionID, len(fields))
	for i, f := range fields {
		ids[i] = events.InsertionID(f)
	}
	return ids, nil
}

func (d *DeadLetters) GroupsWithFailedEvents(ctx context.Context) ([]events.Group, error) {
	members, err := d.client.SMembers(ctx, d.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letter groups: %w", err)
	}
	groups := make([]events.Group, len(members))
	for i, m := range members {
		groups[i] = events.Group(m)
	}
	slices.Sort(groups)
	return groups, nil
}

func (d *DeadLetters) ContainEvents(ctx context.Context) (bool, error) {
	n, err := d.client.SCard(ctx, d.indexKey()).Result()
	if err != nil {
		return false, fmt.Errorf("count dead letter groups: %w", err)
	}
	return n > 0, nil
}
