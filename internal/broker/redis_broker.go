package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBroker wraps a go-redis client with the queue/pubsub/kv contract spec
// §4.1 names. Grounded on FOTONPHOTOS-PULSEINTEL's pkg/redis/client.go shape
// (options struct, structured-log-on-error, thin method-per-primitive layout).
type RedisBroker struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// Options configures the underlying Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBroker dials Redis and verifies connectivity before returning.
func NewRedisBroker(opts Options, logger zerolog.Logger) (*RedisBroker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker: failed to connect to redis at %s: %w", opts.Addr, err)
	}

	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("broker connected")

	return &RedisBroker{rdb: rdb, logger: logger.With().Str("component", "broker").Logger()}, nil
}

func (b *RedisBroker) Push(ctx context.Context, queue string, payload []byte) error {
	if err := b.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("broker: push to %s: %w", queue, err)
	}
	return nil
}

// PopBlocking removes from the head, blocking up to timeout. Returns (nil, nil)
// on timeout, matching spec's "returns empty on timeout" contract.
func (b *RedisBroker) PopBlocking(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	result, err := b.rdb.BRPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: blocking pop from %s: %w", queue, err)
	}
	// BRPop returns [queue, value]
	if len(result) < 2 {
		return nil, nil
	}
	return []byte(result[1]), nil
}

func (b *RedisBroker) PopNonBlocking(ctx context.Context, queue string) ([]byte, error) {
	result, err := b.rdb.RPop(ctx, queue).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: nonblocking pop from %s: %w", queue, err)
	}
	return result, nil
}

func (b *RedisBroker) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := b.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: len of %s: %w", queue, err)
	}
	return n, nil
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish to %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) PatternSubscribe(ctx context.Context, pattern string) (*Subscription, error) {
	pubsub := b.rdb.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("broker: subscribe to %s: %w", pattern, err)
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			select {
			case out <- Message{Topic: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return &Subscription{C: out, Close: pubsub.Close}, nil
}

func (b *RedisBroker) SetKV(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := b.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("broker: set %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) GetKV(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := b.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("broker: get %s: %w", key, err)
	}
	return value, true, nil
}

func (b *RedisBroker) DeleteKV(ctx context.Context, key string) error {
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("broker: delete %s: %w", key, err)
	}
	return nil
}

func (b *RedisBroker) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := b.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: keys %s: %w", pattern, err)
	}
	return keys, nil
}

func (b *RedisBroker) Close() error {
	if err := b.rdb.Close(); err != nil {
		return fmt.Errorf("broker: close: %w", err)
	}
	return nil
}
