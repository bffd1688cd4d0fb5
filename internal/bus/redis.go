package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/skylark-labs/callpilot/internal/logger"
)

// Relay bridges the in-process hub across instances over a redis pub/sub
// channel. Every instance publishes to redis and forwards received payloads
// into its local hub, so overlay subscribers see the same stream regardless
// of which instance served the generation request.
type Relay struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRelay connects to redis and verifies the connection.
func NewRelay(log *logger.Logger, addr, channel string) (*Relay, error) {
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	if channel == "" {
		channel = "overlay"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Relay{
		log:     log.With("component", "RedisRelay"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

// Publish sends the message to the redis channel.
func (r *Relay) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

// Start subscribes to the redis channel and forwards each payload to onMsg
// until the context is cancelled. It returns once the subscription is
// confirmed.
func (r *Relay) Start(ctx context.Context, onMsg func(Message)) error {
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					r.log.Warn("bad relay payload", "error", err)
					continue
				}
				onMsg(msg)
			}
		}
	}()
	return nil
}

// Close releases the redis connection.
func (r *Relay) Close() error {
	return r.rdb.Close()
}

// Broadcaster routes published messages through the relay when one is
// configured, and directly into the hub otherwise. With a relay, local
// delivery happens via the forwarder like on every other instance, so each
// subscriber sees each message exactly once.
type Broadcaster struct {
	log   *logger.Logger
	hub   *Hub
	relay *Relay
}

// NewBroadcaster wires a hub and an optional relay (nil for single-instance
// deployments).
func NewBroadcaster(log *logger.Logger, hub *Hub, relay *Relay) *Broadcaster {
	return &Broadcaster{
		log:   log.With("component", "Broadcaster"),
		hub:   hub,
		relay: relay,
	}
}

// Start begins forwarding relayed messages into the hub, if a relay is
// configured.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}
	return b.relay.Start(ctx, b.hub.Publish)
}

// Publish fans the message out. A relay failure degrades to local-only
// delivery so a redis outage never silences the overlay on this instance.
func (b *Broadcaster) Publish(ctx context.Context, msg Message) {
	if b.relay != nil {
		if err := b.relay.Publish(ctx, msg); err == nil {
			return
		} else {
			b.log.Warn("relay publish failed, delivering locally only", "error", err)
		}
	}
	b.hub.Publish(msg)
}

// Subscribe registers an overlay subscriber on the underlying hub.
func (b *Broadcaster) Subscribe(topic string) *Subscriber {
	return b.hub.Subscribe(topic)
}

// Unsubscribe removes an overlay subscriber.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.hub.Unsubscribe(sub)
}
