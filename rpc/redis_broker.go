package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults for RedisBroker
const (
	DefaultReplyTTL    = 5 * time.Minute
	DefaultDedupeTTL   = time.Hour
	DefaultClaimPrefix = "gradebox:claimed:"

	// pollInterval slices blocking pops so cancellation is noticed. Redis
	// timeouts have one second resolution.
	pollInterval = time.Second
)

// RedisBroker implements Broker on Redis lists
type RedisBroker struct {
	client      *redis.Client
	replyTTL    time.Duration
	dedupeTTL   time.Duration
	claimPrefix string
}

var _ Broker = (*RedisBroker)(nil)

// RedisBrokerOption defines a functional option for RedisBroker
type RedisBrokerOption func(*RedisBroker)

// WithReplyTTL sets how long an uncollected reply is kept
func WithReplyTTL(ttl time.Duration) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.replyTTL = ttl
	}
}

// WithDedupeTTL sets how long a claimed request ID is remembered
func WithDedupeTTL(ttl time.Duration) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.dedupeTTL = ttl
	}
}

// WithClaimPrefix sets the key prefix of claimed request IDs
func WithClaimPrefix(prefix string) RedisBrokerOption {
	return func(b *RedisBroker) {
		b.claimPrefix = prefix
	}
}

// NewRedisBroker connects to Redis and checks the connection
func NewRedisBroker(addr string, db int, password string, opts ...RedisBrokerOption) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       db,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisBrokerFromClient(client, opts...), nil
}

// NewRedisBrokerFromClient wraps an existing client
func NewRedisBrokerFromClient(client *redis.Client, opts ...RedisBrokerOption) *RedisBroker {
	broker := &RedisBroker{
		client:      client,
		replyTTL:    DefaultReplyTTL,
		dedupeTTL:   DefaultDedupeTTL,
		claimPrefix: DefaultClaimPrefix,
	}

	for _, opt := range opts {
		opt(broker)
	}

	return broker
}

// Publish implements Broker
func (b *RedisBroker) Publish(ctx context.Context, queue string, payload []byte) error {
	if err := b.client.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", queue, err)
	}
	return nil
}

// Reply implements Broker
func (b *RedisBroker) Reply(ctx context.Context, key string, payload []byte) error {
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		if b.replyTTL > 0 {
			pipe.Expire(ctx, key, b.replyTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish reply to %s: %w", key, err)
	}
	return nil
}

// Consume implements Broker
func (b *RedisBroker) Consume(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		// Check context before blocking
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, ErrNoMessage
		}

		result, err := b.client.BLPop(ctx, pollInterval, queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("failed to consume from %s: %w", queue, err)
		}

		// result[0] is the key, result[1] is the value
		if len(result) < 2 {
			continue
		}
		return []byte(result[1]), nil
	}
}

// Claim implements Broker
func (b *RedisBroker) Claim(ctx context.Context, id string) (bool, error) {
	ok, err := b.client.SetNX(ctx, b.claimPrefix+id, 1, b.dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim request %s: %w", id, err)
	}
	return ok, nil
}

// Ping implements Broker
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close implements Broker
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
