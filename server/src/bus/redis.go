package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/sevenautumns/niketsu-core/server/src/logger"
)

const (
	dialTimeout  = 5 * time.Second
	opTimeout    = 4 * time.Second
	snapshotTTL  = 24 * time.Hour
)

// RedisBus is the Redis-backed implementation of Bus. Every operation is
// routed through a circuit breaker so that a degraded or unreachable bus
// fails fast instead of piling up blocked goroutines; callers are
// expected to log-and-continue on error per §7 ("Bus / network transient
// — log, continue").
type RedisBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker

	mu    sync.Mutex
	subs  map[string]*redis.PubSub
}

func NewRedisBus(addr string, password string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        addr,
		Password:    password,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to reach message bus at %s: %w", addr, err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "message-bus",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnw("Message bus circuit breaker changed state", "breaker", name, "from", from, "to", to)
		},
	})

	return &RedisBus{client: client, cb: cb, subs: make(map[string]*redis.PubSub)}, nil
}

func (b *RedisBus) Publish(channel string, payload []byte) error {
	_, err := b.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return nil, b.client.Publish(ctx, channel, payload).Err()
	})

	if err == gobreaker.ErrOpenState {
		logger.Warnw("Message bus circuit open, dropping publish", "channel", channel)
		return nil
	}
	return err
}

func (b *RedisBus) Set(key string, payload []byte) error {
	_, err := b.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		return nil, b.client.Set(ctx, key, payload, snapshotTTL).Err()
	})

	if err == gobreaker.ErrOpenState {
		logger.Warnw("Message bus circuit open, dropping snapshot write", "key", key)
		return nil
	}
	return err
}

func (b *RedisBus) Get(key string) ([]byte, error) {
	result, err := b.cb.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		val, err := b.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil, nil
		}
		return val, err
	})

	if err == gobreaker.ErrOpenState {
		logger.Warnw("Message bus circuit open, skipping snapshot read", "key", key)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.([]byte), nil
}

// Subscribe spawns a goroutine that delivers every message received on
// channel to handler until Close is called. Subscribing to the same
// channel twice is a no-op: the gateway only needs one subscription per
// room regardless of how many local clients join it.
func (b *RedisBus) Subscribe(channel string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[channel]; ok {
		return nil
	}

	pubsub := b.client.Subscribe(context.Background(), channel)
	if _, err := pubsub.Receive(context.Background()); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to channel %s: %w", channel, err)
	}

	b.subs[channel] = pubsub

	go func() {
		for msg := range pubsub.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for channel, pubsub := range b.subs {
		if err := pubsub.Close(); err != nil {
			logger.Warnw("Failed to close bus subscription", "channel", channel, "error", err)
		}
	}
	b.subs = make(map[string]*redis.PubSub)

	return b.client.Close()
}
