package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/nainya/scoresync/internal/logger"
)

// RedisBroker fans envelopes out over a Redis pub/sub channel
type RedisBroker struct {
	rdb     *redis.Client
	channel string
	log     *logger.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

// NewRedisBroker publishes and subscribes on channel. The broker owns rdb.
func NewRedisBroker(rdb *redis.Client, channel string, log *logger.Logger) *RedisBroker {
	return &RedisBroker{
		rdb:     rdb,
		channel: channel,
		log:     logger.OrNop(log).Component("relay"),
	}
}

// DialRedis connects to addr and verifies the connection
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("relay: redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Publish encodes env and publishes it on the channel
func (b *RedisBroker) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("relay: encode envelope: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Subscribe starts delivering channel messages to h. Delivery stops when ctx
// is cancelled or the broker is closed.
func (b *RedisBroker) Subscribe(ctx context.Context, h Handler) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	// Wait for the subscription confirmation so publishes right after
	// Subscribe returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("relay: subscribe %s: %w", b.channel, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Warn("Dropping malformed envelope").Err(err).Send()
					continue
				}
				h(env)
			}
		}
	}()
	return nil
}

// Close stops all subscriptions and closes the Redis client
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	b.wg.Wait()
	return b.rdb.Close()
}
