// Package ban records ban and unban events against identities. Enforcement
// runs off a TTL'd cache marker; the durable record is the audit trail and
// the eventual-consistency backstop.
package ban

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/voidwire/gatekeep/internal/metrics"
	"github.com/voidwire/gatekeep/internal/store"
)

var (
	// ErrInvalidDuration is returned for a duration outside the enumerated set.
	ErrInvalidDuration = errors.New("ban: invalid ban duration")
	// ErrCacheUnavailable wraps cache connectivity failures.
	ErrCacheUnavailable = errors.New("ban: cache unavailable")
)

// Permanent marks a ban with no expiry.
const Permanent = "forever"

// durations enumerates the accepted ban spans. Zero means permanent.
var durations = map[string]time.Duration{
	"30s":     30 * time.Second,
	"1h":      time.Hour,
	"6h":      6 * time.Hour,
	"7d":      7 * 24 * time.Hour,
	"2w":      14 * 24 * time.Hour,
	"1m":      30 * 24 * time.Hour,
	"3m":      90 * 24 * time.Hour,
	"6m":      180 * 24 * time.Hour,
	Permanent: 0,
}

// Store is the durable-record surface the engine needs. *store.Store
// satisfies it.
type Store interface {
	FindBan(ctx context.Context, userID string) (*store.Ban, error)
	InsertBan(ctx context.Context, ban *store.Ban) error
	ReactivateBan(ctx context.Context, userID string, history []store.BanEvent, expiresAt *time.Time) error
	DeactivateBan(ctx context.Context, userID string) error
	DeactivateExpiredBans(ctx context.Context, cutoff time.Time) (int64, error)
}

// Engine applies bans durable-first, then mirrors them into the cache with a
// matching TTL. Safe for concurrent use; composite operations are not
// transactional, which is acceptable for this low-contention path.
type Engine struct {
	redis redis.UniversalClient
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewEngine builds a ban Engine over the given cache client and durable store.
func NewEngine(redisClient redis.UniversalClient, st Store, log zerolog.Logger) *Engine {
	return &Engine{redis: redisClient, store: st, log: log, now: time.Now}
}

func markerKey(userID string) string { return userID + "-banned" }

// Ban appends a ban event for the identity, creating the durable record on
// first ban, and sets the cache marker with the ban's TTL (none for
// permanent bans).
func (e *Engine) Ban(ctx context.Context, userID, reason, duration string) error {
	span, ok := durations[duration]
	if !ok {
		return ErrInvalidDuration
	}

	createdAt := e.now().UTC()
	event := store.BanEvent{CreatedAt: createdAt, Reason: reason}
	var expiresAt *time.Time
	if span > 0 {
		exp := createdAt.Add(span)
		event.ExpiresAt = &exp
		expiresAt = &exp
	}

	existing, err := e.store.FindBan(ctx, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		record := &store.Ban{
			UserID:    userID,
			History:   []store.BanEvent{event},
			ExpiresAt: expiresAt,
			Active:    true,
			Count:     1,
		}
		if err := e.store.InsertBan(ctx, record); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		history := append(existing.History, event)
		if err := e.store.ReactivateBan(ctx, userID, history, expiresAt); err != nil {
			return err
		}
	}

	// Durable record committed; mirror the deny-marker into the cache.
	if err := e.redis.Set(ctx, markerKey(userID), "true", span).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	metrics.Bans.WithLabelValues("ban").Inc()
	e.log.Info().
		Str("user_id", userID).
		Str("duration", duration).
		Str("reason", reason).
		Msg("identity banned")
	return nil
}

// Unban deactivates the durable record (idempotent) and clears the cache
// marker unconditionally.
func (e *Engine) Unban(ctx context.Context, userID string) error {
	if err := e.store.DeactivateBan(ctx, userID); err != nil {
		return err
	}
	if err := e.redis.Del(ctx, markerKey(userID)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	metrics.Bans.WithLabelValues("unban").Inc()
	e.log.Info().Str("user_id", userID).Msg("identity unbanned")
	return nil
}

// IsBanned reports whether the cache marker is present. The marker is
// authoritative for request rejection; the durable record is for audit.
func (e *Engine) IsBanned(ctx context.Context, userID string) (bool, error) {
	n, err := e.redis.Exists(ctx, markerKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return n > 0, nil
}

// ReconcileExpired flips active durable records whose expiry has passed and
// returns how many changed. The cache marker TTL already lifted enforcement;
// this keeps the durable active flag truthful. Idempotent and safe to run
// concurrently with live traffic and with itself.
func (e *Engine) ReconcileExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	updated, err := e.store.DeactivateExpiredBans(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		metrics.SweepUpdates.Add(float64(updated))
		e.log.Info().Int64("updated", updated).Msg("expired bans reconciled")
	}
	return updated, nil
}

// RunSweeper runs ReconcileExpired on a fixed interval until ctx is
// cancelled. Intended to be launched once from the server command.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.ReconcileExpired(ctx, e.now().UTC()); err != nil {
				e.log.Error().Err(err).Msg("ban sweep failed")
			}
		}
	}
}
