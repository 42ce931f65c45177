// Package store is the durable-store collaborator: a document database
// holding identities, ban records, roles, and the one-row seeding flag.
//
// Every cache entry in the system is a disposable projection of the data
// here; the store is always safe to recompute from.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var (
	// ErrNotFound is returned when a lookup matches no document.
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicateEmail is returned when an identity's unique email collides.
	ErrDuplicateEmail = errors.New("store: email already taken")
	// ErrUnavailable wraps connectivity failures. The store does not retry;
	// retry policy belongs to the caller.
	ErrUnavailable = errors.New("store: unavailable")
)

const (
	collUsers  = "users"
	collBans   = "bans"
	collRoles  = "roles"
	collConfig = "appConfig"
)

// Store wraps a pooled Mongo client. One Store is created per process and
// shared by every component; it is safe for concurrent use.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

// Connect establishes the pooled client and verifies the deployment is
// reachable. Connect-once, reuse-forever: callers hold the returned Store
// for the process lifetime and Close it on shutdown.
func Connect(ctx context.Context, uri, dbName string, log zerolog.Logger) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri).SetMaxPoolSize(10))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Info().Str("db", dbName).Msg("connected to durable store")
	return &Store{client: client, db: client.Database(dbName), log: log}, nil
}

// Close releases the client's connection pool.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) users() *mongo.Collection  { return s.db.Collection(collUsers) }
func (s *Store) bans() *mongo.Collection   { return s.db.Collection(collBans) }
func (s *Store) roles() *mongo.Collection  { return s.db.Collection(collRoles) }
func (s *Store) config() *mongo.Collection { return s.db.Collection(collConfig) }

// EnsureIndexes creates the indexes the boundary contract requires: identity
// lookup by unique email, one ban record per identity, one role per name.
// Safe to call on every startup.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		coll  *mongo.Collection
		model mongo.IndexModel
	}{
		{s.users(), mongo.IndexModel{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.bans(), mongo.IndexModel{
			Keys:    bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.roles(), mongo.IndexModel{
			Keys:    bson.D{{Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
	}
	for _, spec := range specs {
		if _, err := spec.coll.Indexes().CreateOne(ctx, spec.model); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func now() time.Time { return time.Now().UTC() }
