package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// channelPrefix namespaces room channels on a shared Redis.
const channelPrefix = "tmt:rooms:"

// RedisBroker distributes room messages across processes with Redis Pub/Sub.
// The underlying client is shared with the rate limiter and the triage queue.
type RedisBroker struct {
	rdb *redis.Client

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedisBroker connects to Redis using a redis:// URL and verifies
// connectivity before returning.
func NewRedisBroker(url string) (*RedisBroker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("redis connected", "addr", opts.Addr, "db", opts.DB)
	return &RedisBroker{rdb: rdb}, nil
}

// Client exposes the shared client for the rate limiter and triage queue.
func (b *RedisBroker) Client() *redis.Client { return b.rdb }

func (b *RedisBroker) Publish(ctx context.Context, room string, data []byte) error {
	return b.rdb.Publish(ctx, channelPrefix+room, data).Err()
}

// Subscribe registers a handler for one room channel. The returned function
// stops the subscription.
func (b *RedisBroker) Subscribe(ctx context.Context, room string, handler func([]byte)) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	sub := b.rdb.Subscribe(ctx, channelPrefix+room)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", room, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	ch := sub.Channel()
	go func() {
		for msg := range ch {
			handler([]byte(msg.Payload))
		}
	}()

	return func() { sub.Close() }, nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.Close()
	}
	b.subs = nil
	return b.rdb.Close()
}
