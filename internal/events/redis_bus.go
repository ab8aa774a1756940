package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBus wraps a LocalBus and additionally publishes every event to a
// Redis Pub/Sub channel, so a second process watching the same Redis
// instance (e.g. a separate admin tool) observes the same feed. It
// never becomes part of the authorization path: if Redis is slow or
// unreachable, publication falls back to local-only delivery and the
// caller sees no error.
type RedisBus struct {
	local   *LocalBus
	client  *redis.Client
	channel string

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRedisBus dials addr and returns a Bus that fans out locally and to
// the given Redis Pub/Sub channel. Connectivity is not verified here;
// a dead Redis degrades Publish to local-only delivery rather than
// failing daemon startup.
func NewRedisBus(addr, channel string) *RedisBus {
	if channel == "" {
		channel = "remoteunlock:events"
	}
	b := &RedisBus{
		local:   NewLocalBus(),
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.listen(ctx)

	return b
}

// Publish fans ev out to local subscribers and best-effort publishes it
// to Redis. A Redis failure is logged, not returned.
func (b *RedisBus) Publish(ctx context.Context, ev *Event) error {
	if err := b.local.Publish(ctx, ev); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("events: failed to marshal event for redis", "error", err)
		return nil
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		slog.Warn("events: redis publish failed, local delivery only", "error", err)
	}
	return nil
}

// Subscribe registers a local handler. It receives events published
// locally in this process and events relayed in from Redis by other
// processes on the same channel.
func (b *RedisBus) Subscribe(h Handler) func() {
	return b.local.Subscribe(h)
}

// History returns the local bus's bounded history buffer.
func (b *RedisBus) History() []Event {
	return b.local.History()
}

// Close stops the Redis subscription loop and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	b.mu.Unlock()
	return b.client.Close()
}

// listen relays messages arriving on the Redis channel from other
// processes into the local fan-out, so a subscriber only ever has to
// watch the LocalBus side.
func (b *RedisBus) listen(ctx context.Context) {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("events: failed to unmarshal redis message", "error", err)
				continue
			}
			b.local.deliverLocal(ctx, &ev)
		}
	}
}
