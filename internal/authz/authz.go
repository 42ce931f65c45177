// Package authz answers "may this role invoke this backend operation" from a
// lazily materialized cache set, recomputing from the durable store on miss.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/voidwire/gatekeep/internal/metrics"
	"github.com/voidwire/gatekeep/internal/store"
)

var (
	// ErrRoleNotFound is returned when the role has no durable record.
	ErrRoleNotFound = errors.New("authz: role not found")
	// ErrNoRoutesAssigned is returned when the role's operation set is empty.
	ErrNoRoutesAssigned = errors.New("authz: no routes assigned to role")
	// ErrCacheUnavailable wraps cache connectivity failures.
	ErrCacheUnavailable = errors.New("authz: cache unavailable")
)

// RoleSource is the durable lookup the cache recomputes from. *store.Store
// satisfies it.
type RoleSource interface {
	GetRoleByName(ctx context.Context, name string) (*store.Role, error)
}

// Cache materializes role->operation sets into the fast cache and answers
// membership queries. Entries have no TTL; they live until explicitly
// invalidated (e.g. on role edit).
type Cache struct {
	redis redis.UniversalClient
	roles RoleSource
}

// New builds an authorization Cache.
func New(redisClient redis.UniversalClient, roles RoleSource) *Cache {
	return &Cache{redis: redisClient, roles: roles}
}

func key(role string) string { return role + "-backendRoutes" }

// IsAuthorized reports whether the role may invoke the operation key. The
// admin role is implicitly authorized for everything and never touches the
// cache. A cache entry of an unexpected type is deleted and treated as a
// miss (tolerant read): the authorization path must never hard-fail on
// stale or corrupt cache state.
func (c *Cache) IsAuthorized(ctx context.Context, role, operationKey string) (bool, error) {
	if role == store.AdminRole {
		metrics.AuthzChecks.WithLabelValues("allowed").Inc()
		return true, nil
	}

	keyType, err := c.redis.Type(ctx, key(role)).Result()
	if err != nil {
		metrics.AuthzChecks.WithLabelValues("error").Inc()
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	if keyType != "set" && keyType != "none" {
		if err := c.redis.Del(ctx, key(role)).Err(); err != nil {
			metrics.AuthzChecks.WithLabelValues("error").Inc()
			return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
		}
		keyType = "none"
	}

	if keyType == "none" {
		if err := c.populate(ctx, role); err != nil {
			metrics.AuthzChecks.WithLabelValues("error").Inc()
			return false, err
		}
	}

	member, err := c.redis.SIsMember(ctx, key(role), operationKey).Result()
	if err != nil {
		metrics.AuthzChecks.WithLabelValues("error").Inc()
		return false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}

	if member {
		metrics.AuthzChecks.WithLabelValues("allowed").Inc()
	} else {
		metrics.AuthzChecks.WithLabelValues("denied").Inc()
	}
	return member, nil
}

func (c *Cache) populate(ctx context.Context, role string) error {
	record, err := c.roles.GetRoleByName(ctx, role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRoleNotFound
		}
		return err
	}
	if len(record.BackendRoutes) == 0 {
		return ErrNoRoutesAssigned
	}

	members := make([]interface{}, len(record.BackendRoutes))
	for i, route := range record.BackendRoutes {
		members[i] = route
	}
	if err := c.redis.SAdd(ctx, key(role), members...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}

// Invalidate drops the cached set for a role. Called after role edits so the
// next check recomputes from the durable store.
func (c *Cache) Invalidate(ctx context.Context, role string) error {
	if err := c.redis.Del(ctx, key(role)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	return nil
}
