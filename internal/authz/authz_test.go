package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/voidwire/gatekeep/internal/store"
)

// fakeRoles serves role records from a map and counts durable lookups.
type fakeRoles struct {
	roles   map[string][]string
	lookups int
}

func (f *fakeRoles) GetRoleByName(_ context.Context, name string) (*store.Role, error) {
	f.lookups++
	routes, ok := f.roles[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &store.Role{Name: name, BackendRoutes: routes}, nil
}

func newTestCache(t *testing.T, roles map[string][]string) (*Cache, *fakeRoles, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run failed: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fr := &fakeRoles{roles: roles}
	return New(rdb, fr), fr, mr
}

func TestIsAuthorized_AdminBypassesCache(t *testing.T) {
	cache, fr, mr := newTestCache(t, nil)

	allowed, err := cache.IsAuthorized(context.Background(), store.AdminRole, "Anything")
	if err != nil {
		t.Fatalf("IsAuthorized failed: %v", err)
	}
	if !allowed {
		t.Fatal("admin must be authorized for every operation")
	}
	if fr.lookups != 0 {
		t.Fatalf("admin check must not hit the durable store, got %d lookups", fr.lookups)
	}
	if mr.Exists(key(store.AdminRole)) {
		t.Fatal("admin check must not create a cache entry")
	}
}

func TestIsAuthorized_PopulatesOnMiss(t *testing.T) {
	cache, fr, mr := newTestCache(t, map[string][]string{
		"customer": {"GetUserOrders", "GetProductDetails"},
	})
	ctx := context.Background()

	allowed, err := cache.IsAuthorized(ctx, "customer", "GetUserOrders")
	if err != nil {
		t.Fatalf("IsAuthorized failed: %v", err)
	}
	if !allowed {
		t.Fatal("expected customer allowed for GetUserOrders")
	}
	if fr.lookups != 1 {
		t.Fatalf("expected 1 durable lookup, got %d", fr.lookups)
	}

	// Second check of any operation is served from the cached set.
	allowed, err = cache.IsAuthorized(ctx, "customer", "AddUser")
	if err != nil {
		t.Fatalf("IsAuthorized failed: %v", err)
	}
	if allowed {
		t.Fatal("customer must not be allowed for AddUser")
	}
	if fr.lookups != 1 {
		t.Fatalf("hit must not re-read the durable store, got %d lookups", fr.lookups)
	}

	members, err := mr.Members(key("customer"))
	if err != nil {
		t.Fatalf("Members failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 cached routes, got %v", members)
	}
}

func TestIsAuthorized_UnknownRole(t *testing.T) {
	cache, _, _ := newTestCache(t, nil)

	if _, err := cache.IsAuthorized(context.Background(), "ghost", "GetUserOrders"); !errors.Is(err, ErrRoleNotFound) {
		t.Fatalf("expected ErrRoleNotFound, got %v", err)
	}
}

func TestIsAuthorized_EmptyRouteSet(t *testing.T) {
	cache, _, _ := newTestCache(t, map[string][]string{"intern": {}})

	if _, err := cache.IsAuthorized(context.Background(), "intern", "GetUserOrders"); !errors.Is(err, ErrNoRoutesAssigned) {
		t.Fatalf("expected ErrNoRoutesAssigned, got %v", err)
	}
}

func TestIsAuthorized_RepairsCorruptEntry(t *testing.T) {
	cache, fr, mr := newTestCache(t, map[string][]string{
		"customer": {"GetUserOrders"},
	})
	ctx := context.Background()

	// A string where a set is expected must be treated as a miss, not an error.
	if err := mr.Set(key("customer"), "corrupt"); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	allowed, err := cache.IsAuthorized(ctx, "customer", "GetUserOrders")
	if err != nil {
		t.Fatalf("IsAuthorized failed on corrupt entry: %v", err)
	}
	if !allowed {
		t.Fatal("expected allowed after repair")
	}
	if fr.lookups != 1 {
		t.Fatalf("repair must repopulate from the durable store, got %d lookups", fr.lookups)
	}
}

func TestInvalidate_ForcesRecompute(t *testing.T) {
	cache, _, mr := newTestCache(t, map[string][]string{"customer": {"GetUserOrders"}})
	ctx := context.Background()

	if _, err := cache.IsAuthorized(ctx, "customer", "GetUserOrders"); err != nil {
		t.Fatalf("IsAuthorized failed: %v", err)
	}
	if err := cache.Invalidate(ctx, "customer"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if mr.Exists(key("customer")) {
		t.Fatal("expected cached set removed")
	}

	// Next check recomputes and sees the updated route set.
	if _, err := cache.IsAuthorized(ctx, "customer", "GetUserOrders"); err != nil {
		t.Fatalf("IsAuthorized after Invalidate failed: %v", err)
	}
	if !mr.Exists(key("customer")) {
		t.Fatal("expected cache repopulated")
	}
}
