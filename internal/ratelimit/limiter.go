// Package ratelimit holds the Redis-backed attempt counter used to budget
// OTP verification and resend traffic. Counters are fixed-window: the key
// gets its TTL on the first hit and expires as a whole.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable marks Redis transport failures. Callers must treat it as
// retryable and never fold it into a wrong-code outcome.
var ErrUnavailable = errors.New("rate limiter unavailable")

// INCR and PEXPIRE must be one round trip so two racing failed attempts
// cannot lose an increment or double-arm the window.
const hitScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`

type Limiter struct {
	client *redis.Client
	script *redis.Script
}

func New(client *redis.Client) *Limiter {
	return &Limiter{
		client: client,
		script: redis.NewScript(hitScript),
	}
}

// Hit atomically increments the counter, arming the window TTL on the
// first hit, and returns the new count.
func (l *Limiter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	ttl := window.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	count, err := l.script.Run(ctx, l.client, []string{key}, ttl).Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

// Count reads the current counter. A missing key reads as zero.
func (l *Limiter) Count(ctx context.Context, key string) (int64, error) {
	count, err := l.client.Get(ctx, key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return count, nil
}

// Reset deletes the counter. Called only after a successful verification.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// RetryAfter returns how long until the window elapses, zero when the key
// has no TTL or does not exist.
func (l *Limiter) RetryAfter(ctx context.Context, key string) (time.Duration, error) {
	d, err := l.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
