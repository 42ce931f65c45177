package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// AdminRole is the sentinel role that bypasses every authorization check.
const AdminRole = "admin"

// Role maps a role name to the frontend routes and backend operation keys it
// may use. BackendRoutes is the set the Authorization Cache materializes.
type Role struct {
	ID             string    `bson:"_id" json:"id"`
	Name           string    `bson:"name" json:"name"`
	FrontendRoutes []string  `bson:"frontendRoutes" json:"frontendRoutes"`
	BackendRoutes  []string  `bson:"backendRoutes" json:"backendRoutes"`
	CreatedAt      time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time `bson:"updatedAt" json:"updatedAt"`
}

type appConfig struct {
	ID                      string `bson:"_id"`
	DefaultRolesInitialized bool   `bson:"defaultRolesInitialized"`
}

const defaultRolesFlagID = "defaultRoles"

// GetRoleByName returns a role, or [ErrNotFound] for an unknown name.
func (s *Store) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	if err := s.roles().FindOne(ctx, bson.M{"name": name}).Decode(&role); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &role, nil
}

// CreateRole inserts a new role record.
func (s *Store) CreateRole(ctx context.Context, name string, frontendRoutes, backendRoutes []string) (Role, error) {
	ts := now()
	role := Role{
		ID:             bson.NewObjectID().Hex(),
		Name:           name,
		FrontendRoutes: frontendRoutes,
		BackendRoutes:  backendRoutes,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}
	if _, err := s.roles().InsertOne(ctx, role); err != nil {
		return Role{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return role, nil
}

// DeleteRole removes a role by id. Callers are responsible for invalidating
// the role's authorization cache entry afterwards.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	res, err := s.roles().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// EnsureDefaultRoles seeds the admin and customer roles once. The one-row
// appConfig flag makes the seeding idempotent across restarts and across
// concurrently starting replicas.
func (s *Store) EnsureDefaultRoles(ctx context.Context) error {
	var flag appConfig
	err := s.config().FindOne(ctx, bson.M{"_id": defaultRolesFlagID}).Decode(&flag)
	switch {
	case err == nil && flag.DefaultRolesInitialized:
		s.log.Debug().Msg("default roles already initialized")
		return nil
	case err != nil && !errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	defaults := []Role{
		{Name: AdminRole, FrontendRoutes: []string{"*"}, BackendRoutes: []string{"*"}},
		{Name: "customer", FrontendRoutes: []string{"/home", "/profile", "/orders"}, BackendRoutes: []string{"GetUserOrders", "GetProductDetails"}},
	}
	for _, role := range defaults {
		if _, err := s.GetRoleByName(ctx, role.Name); err == nil {
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, err := s.CreateRole(ctx, role.Name, role.FrontendRoutes, role.BackendRoutes); err != nil {
			return err
		}
		s.log.Info().Str("role", role.Name).Msg("seeded default role")
	}

	_, err = s.config().UpdateOne(ctx,
		bson.M{"_id": defaultRolesFlagID},
		bson.M{"$set": bson.M{"defaultRolesInitialized": true}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
