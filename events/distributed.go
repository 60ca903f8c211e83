package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/redis/go-redis/v9"
)

// EventNameDispatch is the name of the wire event carrying dispatches
// between nodes. The bus name is prepended to it.
const EventNameDispatch = "mailcore.events.dispatch"

var busCounter atomic.Int64

// message is what travels on the transport.
type message struct {
	Origin string          `json:"origin"`
	Keys   []string        `json:"keys"`
	Event  json.RawMessage `json:"event"`
}

type distributedOptions struct {
	logger       *slog.Logger
	transport    transport.Transport
	redisClient  redis.UniversalClient
	busName      string
	nodeID       string
	serializer   *Serializer
	local        *Bus
	remoteGroups bool
}

// DistributedOption configures a DistributedBus.
type DistributedOption func(*distributedOptions)

// WithBusLogger sets a custom logger.
func WithBusLogger(logger *slog.Logger) DistributedOption {
	return func(o *distributedOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTransport sets the transport carrying events between nodes.
func WithTransport(t transport.Transport) DistributedOption {
	return func(o *distributedOptions) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithRedisClient carries events over redis when no transport is set.
func WithRedisClient(client redis.UniversalClient) DistributedOption {
	return func(o *distributedOptions) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithBusName sets the cluster wide bus name. Nodes only exchange events
// with nodes using the same name. Default is "mailcore".
func WithBusName(name string) DistributedOption {
	return func(o *distributedOptions) {
		if name != "" {
			o.busName = name
		}
	}
}

// WithNodeID sets this node's identity. Default is a random UUID.
func WithNodeID(id string) DistributedOption {
	return func(o *distributedOptions) {
		if id != "" {
			o.nodeID = id
		}
	}
}

// WithSerializer sets the serializer for events on the wire. Every event
// type dispatched must be registered with it.
func WithSerializer(s *Serializer) DistributedOption {
	return func(o *distributedOptions) {
		if s != nil {
			o.serializer = s
		}
	}
}

// WithLocalBus sets the bus local registrations live on.
func WithLocalBus(b *Bus) DistributedOption {
	return func(o *distributedOptions) {
		if b != nil {
			o.local = b
		}
	}
}

// WithRemoteGroups also delivers remote events to local groups. By default
// groups only see events dispatched on their own node.
func WithRemoteGroups() DistributedOption {
	return func(o *distributedOptions) {
		o.remoteGroups = true
	}
}

// DistributedBus is a Bus whose key listeners also receive events
// dispatched on other nodes.
//
// Group listeners run on the dispatching node only, so each group sees an
// event once per cluster. Key listeners, typically bound to a connected
// client, run on every node.
type DistributedBus struct {
	local      *Bus
	serializer *Serializer
	logger     *slog.Logger
	nodeID     string

	remoteGroups bool
	ownsLocal    bool

	bus  *event.Bus
	wire event.Event[message]

	received atomic.Int64
}

var _ EventBus = (*DistributedBus)(nil)

// NewDistributedBus connects to the transport and starts receiving events
// from other nodes.
func NewDistributedBus(ctx context.Context, opts ...DistributedOption) (*DistributedBus, error) {
	o := &distributedOptions{
		logger:     slog.Default(),
		busName:    "mailcore",
		nodeID:     uuid.NewString(),
		serializer: NewSerializer(),
	}
	for _, opt := range opts {
		opt(o)
	}

	d := &DistributedBus{
		local:        o.local,
		serializer:   o.serializer,
		logger:       o.logger,
		nodeID:       o.nodeID,
		remoteGroups: o.remoteGroups,
	}
	if d.local == nil {
		local, err := NewBus(WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
		d.local = local
		d.ownsLocal = true
	}

	var t transport.Transport
	switch {
	case o.transport != nil:
		d.logger.Info("initializing distributed event bus with custom transport", "node", d.nodeID)
		t = o.transport
	case o.redisClient != nil:
		d.logger.Info("initializing distributed event bus with Redis transport", "node", d.nodeID)
		rt, err := eventredis.New(o.redisClient)
		if err != nil {
			return nil, fmt.Errorf("create redis transport: %w", err)
		}
		t = rt
	default:
		d.logger.Debug("initializing distributed event bus with noop transport", "node", d.nodeID)
		t = noop.New()
	}

	// Bus names must be unique within the process.
	busName := fmt.Sprintf("%s-%s-%d", o.busName, d.nodeID, busCounter.Add(1))
	bus, err := event.NewBus(busName, event.WithTransport(t))
	if err != nil {
		return nil, fmt.Errorf("create event bus: %w", err)
	}
	d.bus = bus
	d.wire = event.New[message](o.busName + "." + EventNameDispatch)
	if err := event.Register(ctx, bus, d.wire); err != nil {
		bus.Close(ctx)
		return nil, fmt.Errorf("register dispatch event: %w", err)
	}
	if err := d.wire.Subscribe(ctx, d.receive); err != nil {
		bus.Close(ctx)
		return nil, fmt.Errorf("subscribe dispatch event: %w", err)
	}
	return d, nil
}

// Local returns the bus holding this node's registrations.
func (d *DistributedBus) Local() *Bus {
	return d.local
}

// Serializer returns the serializer used on the wire.
func (d *DistributedBus) Serializer() *Serializer {
	return d.serializer
}

func (d *DistributedBus) Register(l Listener, g Group) (Registration, error) {
	return d.local.Register(l, g)
}

func (d *DistributedBus) RegisterKey(ctx context.Context, l Listener, key RegistrationKey) (Registration, error) {
	return d.local.RegisterKey(ctx, l, key)
}

// Dispatch delivers ev locally, then publishes it to the other nodes.
func (d *DistributedBus) Dispatch(ctx context.Context, ev Event, keys ...RegistrationKey) error {
	if ev == nil {
		return ErrInvalidArgument
	}
	if ev.IsNoop() {
		return nil
	}
	localErr := d.local.Dispatch(ctx, ev, keys...)
	if errors.Is(localErr, ErrBusClosed) {
		return localErr
	}
	return errors.Join(localErr, d.publish(ctx, ev, keys))
}

// DispatchLocal delivers ev on this node only.
func (d *DistributedBus) DispatchLocal(ctx context.Context, ev Event, keys ...RegistrationKey) error {
	return d.local.Dispatch(ctx, ev, keys...)
}

// ReDeliver stays on this node.
func (d *DistributedBus) ReDeliver(ctx context.Context, g Group, ev Event) error {
	return d.local.ReDeliver(ctx, g, ev)
}

func (d *DistributedBus) publish(ctx context.Context, ev Event, keys []RegistrationKey) error {
	if len(keys) == 0 && !d.remoteGroups {
		return nil
	}
	payload, err := d.serializer.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.EventID(), err)
	}
	msg := message{Origin: d.nodeID, Event: payload}
	for _, k := range keys {
		if k != nil {
			msg.Keys = append(msg.Keys, k.AsString())
		}
	}
	if err := d.wire.Publish(ctx, msg); err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.EventID(), err)
	}
	return nil
}

func (d *DistributedBus) receive(ctx context.Context, _ event.Event[message], msg message) error {
	if msg.Origin == d.nodeID {
		return nil
	}
	ev, err := d.serializer.Unmarshal(msg.Event)
	if err != nil {
		d.logger.Warn("dropping undecodable remote event", "origin", msg.Origin, "error", err)
		return nil
	}
	d.received.Add(1)

	keys := make([]RegistrationKey, len(msg.Keys))
	for i, k := range msg.Keys {
		keys[i] = Key(k)
	}
	if d.remoteGroups {
		return d.local.Dispatch(ctx, ev, keys...)
	}
	return d.local.dispatchKeys(ctx, ev, keys)
}

// Received counts events accepted from other nodes.
func (d *DistributedBus) Received() int64 {
	return d.received.Load()
}

// Close stops the transport and, when owned, the local bus.
func (d *DistributedBus) Close(ctx context.Context) error {
	var errs []error
	if err := d.bus.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}
	if d.ownsLocal {
		if err := d.local.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close local bus: %w", err))
		}
	}
	return errors.Join(errs...)
}
