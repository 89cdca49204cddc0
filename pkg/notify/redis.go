package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel all docket processes share.
const Channel = "docket:events"

// Redis publishes events over Redis pub/sub and mirrors remote events
// into a local hub, so SSE clients attached to any process see the
// whole fleet. Each process tags its events with an origin id and the
// relay skips its own, keeping local delivery single-path.
type Redis struct {
	client *redis.Client
	hub    *Hub
	origin string
	logger *slog.Logger
}

type wireEvent struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// NewRedis connects the bus to a Redis instance and starts the relay.
// The returned stop func detaches the relay subscriber.
func NewRedis(ctx context.Context, addr string, hub *Hub) (*Redis, func(), error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, nil, err
	}
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	r := &Redis{
		client: client,
		hub:    hub,
		origin: hex.EncodeToString(buf),
		logger: slog.Default().With("component", "notify"),
	}

	sub := client.Subscribe(ctx, Channel)
	relayCtx, cancel := context.WithCancel(context.Background())
	go r.relay(relayCtx, sub)

	stop := func() {
		cancel()
		_ = sub.Close()
		_ = client.Close()
	}
	return r, stop, nil
}

// Notify delivers locally and publishes to the shared channel. Publish
// failures are logged and dropped; the local hub already has the event.
func (r *Redis) Notify(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	r.hub.Notify(ctx, event)

	payload, err := json.Marshal(wireEvent{Origin: r.origin, Event: event})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, Channel, payload).Err(); err != nil {
		r.logger.Warn("publish dropped", "kind", event.Kind, "error", err)
	}
}

// relay feeds remote events into the local hub.
func (r *Redis) relay(ctx context.Context, sub *redis.PubSub) {
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				continue
			}
			if we.Origin == r.origin {
				continue
			}
			r.hub.Notify(ctx, we.Event)
		}
	}
}
