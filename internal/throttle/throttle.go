// Package throttle counts consecutive failed login attempts per identity in
// a fixed window and locks the identity out past a threshold.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheUnavailable wraps cache connectivity failures.
var ErrCacheUnavailable = errors.New("throttle: cache unavailable")

// Config tunes the lockout threshold and the counting window.
type Config struct {
	Threshold int
	Window    time.Duration
}

// Throttle is a fixed-window failure counter. The window starts at the first
// failure; natural key expiry resets the count to zero. Overcounting under
// concurrent failures is acceptable — it fails toward more lockout.
type Throttle struct {
	redis  redis.UniversalClient
	config Config
}

// New returns a Throttle with defaults applied (5 failures per hour).
func New(redisClient redis.UniversalClient, cfg Config) *Throttle {
	if cfg.Threshold < 1 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	return &Throttle{redis: redisClient, config: cfg}
}

func key(userID string) string { return "log-" + userID }

// Threshold returns the configured lockout threshold.
func (t *Throttle) Threshold() int { return t.config.Threshold }

// RecordFailure increments the identity's failure counter and returns the
// new count. The first failure starts the window.
func (t *Throttle) RecordFailure(ctx context.Context, userID string) (int64, error) {
	count, err := t.redis.Incr(ctx, key(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	// Fixed-window semantics: TTL is set only for the first hit.
	if count == 1 {
		if err := t.redis.Expire(ctx, key(userID), t.config.Window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
	}

	return count, nil
}

// IsLockedOut reports whether the counter has reached the threshold. A
// missing key reads as zero.
func (t *Throttle) IsLockedOut(ctx context.Context, userID string) (bool, error) {
	count, err := t.redis.Get(ctx, key(userID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return count >= int64(t.config.Threshold), nil
}

// Clear removes the counter immediately, so a successful login is never
// penalized by prior failures.
func (t *Throttle) Clear(ctx context.Context, userID string) error {
	if err := t.redis.Del(ctx, key(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
