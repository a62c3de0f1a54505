package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	v1 "parley/contracts/realtime/v1"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultRedisChannel = "parley:deliver"

// redisFrame is the pub/sub message exchanged between nodes.
type redisFrame struct {
	Node     string      `json:"node"`
	UserID   string      `json:"user_id"`
	Envelope v1.Envelope `json:"envelope"`
}

// RedisDeliverer delivers locally when it can and otherwise hands the envelope
// to the other nodes over Redis pub/sub. Each node runs Run to receive them.
type RedisDeliverer struct {
	log     *slog.Logger
	local   *LocalDeliverer
	rdb     redis.UniversalClient
	channel string
	node    string
	ready   chan struct{}
}

// RedisOption configures RedisDeliverer.
type RedisOption func(*RedisDeliverer)

// WithRedisChannel overrides the pub/sub channel (default "parley:deliver").
func WithRedisChannel(channel string) RedisOption {
	return func(d *RedisDeliverer) {
		if c := strings.TrimSpace(channel); c != "" {
			d.channel = c
		}
	}
}

// WithNodeID overrides the generated node id.
func WithNodeID(node string) RedisOption {
	return func(d *RedisDeliverer) {
		if n := strings.TrimSpace(node); n != "" {
			d.node = n
		}
	}
}

// NewRedisDeliverer constructs a RedisDeliverer. It does not own rdb.
func NewRedisDeliverer(log *slog.Logger, local *LocalDeliverer, rdb redis.UniversalClient, opts ...RedisOption) (*RedisDeliverer, error) {
	if local == nil {
		return nil, errors.New("realtime: nil local deliverer")
	}
	if rdb == nil {
		return nil, errors.New("realtime: nil redis client")
	}
	if log == nil {
		log = slog.Default()
	}
	d := &RedisDeliverer{
		log:     log,
		local:   local,
		rdb:     rdb,
		channel: defaultRedisChannel,
		node:    uuid.NewString(),
		ready:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Node returns this node's id.
func (d *RedisDeliverer) Node() string { return d.node }

// Ready is closed once Run has an active subscription.
func (d *RedisDeliverer) Ready() <-chan struct{} { return d.ready }

// Deliver tries the local registry first, then publishes for the other nodes.
// A successful publish counts as delivered: whether a remote node holds the user
// is only known to that node.
func (d *RedisDeliverer) Deliver(ctx context.Context, userID string, env v1.Envelope) bool {
	if d.local.deliverLocal(userID, env) {
		d.local.metrics.delivery("local")
		return true
	}

	b, err := json.Marshal(redisFrame{Node: d.node, UserID: userID, Envelope: env})
	if err != nil {
		d.log.Error("delivery.redis.encode.fail", "user_id", userID, "type", env.Type, "err", err)
		d.local.metrics.delivery("offline")
		return false
	}
	if err := d.rdb.Publish(ctx, d.channel, b).Err(); err != nil {
		d.log.Warn("delivery.redis.publish.fail", "user_id", userID, "type", env.Type, "err", err)
		d.local.metrics.delivery("offline")
		return false
	}
	d.local.metrics.delivery("remote")
	return true
}

// Run subscribes to the delivery channel and pushes frames from other nodes to
// local connections until ctx is done.
func (d *RedisDeliverer) Run(ctx context.Context) error {
	pubsub := d.rdb.Subscribe(ctx, d.channel)
	defer func() { _ = pubsub.Close() }()

	// Wait for the subscription confirmation so Ready means "will receive".
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	close(d.ready)
	d.log.Info("delivery.redis.subscribed", "channel", d.channel, "node", d.node)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			d.handle(msg.Payload)
		}
	}
}

func (d *RedisDeliverer) handle(payload string) {
	var f redisFrame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		d.log.Warn("delivery.redis.decode.fail", "err", err)
		return
	}
	if f.Node == d.node || f.UserID == "" {
		return
	}
	if d.local.deliverLocal(f.UserID, f.Envelope) {
		d.local.metrics.delivery("local")
	}
}
