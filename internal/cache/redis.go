package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis implements Cache and Bus on a single go-redis client. One logical
// namespace is assumed; keys are prefixed by their owning component
// (presence:, rate:, missed:).
type Redis struct {
	client *redis.Client
	logger *zap.Logger
}

// New connects to Redis from a URL ("redis://host:6379/0") and verifies the
// connection with a ping, mirroring how the Postgres pool is brought up.
func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	logger.Info("redis connection established", zap.String("addr", opts.Addr))
	return &Redis{client: client, logger: logger}, nil
}

func (r *Redis) Close() error {
	r.logger.Info("closing redis client")
	return r.client.Close()
}

func (r *Redis) Health(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, true, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *Redis) IncrCounter(ctx context.Context, key string) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, nil
}

// decrScript decrements and deletes the key once it is no longer positive,
// in one atomic step. Without the script, a crash between DECR and DEL could
// strand a stale counter that keeps a user "online" forever.
var decrScript = redis.NewScript(`
local v = redis.call('DECR', KEYS[1])
if v <= 0 then
	redis.call('DEL', KEYS[1])
	if v < 0 then v = 0 end
end
return v
`)

func (r *Redis) DecrCounter(ctx context.Context, key string) (int64, error) {
	n, err := decrScript.Run(ctx, r.client, []string{key}).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis decr %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	// INCR, EXPIRE NX, and TTL run in one pipeline. EXPIRE NX only sets the
	// TTL when the key has none, i.e. on the increment that opened the
	// window — later increments inside the window leave it untouched, so
	// the window is fixed, not sliding.
	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, window)
		ttl = pipe.TTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr window %s: %w", key, err)
	}

	remaining := ttl.Val()
	if remaining < 0 {
		remaining = window
	}
	return incr.Val(), remaining, nil
}

func (r *Redis) AppendList(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, value)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	return nil
}

func (r *Redis) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange %s: %w", key, err)
	}
	return vals, nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	n, err := r.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis llen %s: %w", key, err)
	}
	return n, nil
}

func (r *Redis) TrimListFront(ctx context.Context, key string, n int64) error {
	if n <= 0 {
		return nil
	}
	if err := r.client.LTrim(ctx, key, n, -1).Err(); err != nil {
		return fmt.Errorf("redis ltrim %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, pattern string) (<-chan BusMessage, func(), error) {
	pubsub := r.client.PSubscribe(ctx, pattern)

	// Force the subscription to be established before returning so callers
	// never miss messages published right after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("redis psubscribe %s: %w", pattern, err)
	}

	out := make(chan BusMessage, 64)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- BusMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()

	cancel := func() {
		pubsub.Close()
	}
	return out, cancel, nil
}
