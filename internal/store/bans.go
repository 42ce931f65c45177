package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// BanEvent is one entry in a ban record's append-only history.
type BanEvent struct {
	CreatedAt time.Time  `bson:"createdAt" json:"createdAt"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	Reason    string     `bson:"reason" json:"reason"`
}

// Ban is the durable record for one identity. At most one record exists per
// identity: re-banning appends to History and increments Count instead of
// inserting. Records are deactivated, never deleted.
type Ban struct {
	ID        string     `bson:"_id" json:"id"`
	UserID    string     `bson:"userId" json:"userId"`
	History   []BanEvent `bson:"history" json:"history"`
	ExpiresAt *time.Time `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`
	Active    bool       `bson:"active" json:"active"`
	Count     int        `bson:"count" json:"count"`
	CreatedAt time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time  `bson:"updatedAt" json:"updatedAt"`
}

// FindBan returns the ban record for an identity, or [ErrNotFound].
func (s *Store) FindBan(ctx context.Context, userID string) (*Ban, error) {
	var ban Ban
	if err := s.bans().FindOne(ctx, bson.M{"userId": userID}).Decode(&ban); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &ban, nil
}

// InsertBan creates the first ban record for an identity.
func (s *Store) InsertBan(ctx context.Context, ban *Ban) error {
	ts := now()
	ban.ID = bson.NewObjectID().Hex()
	ban.CreatedAt = ts
	ban.UpdatedAt = ts

	if _, err := s.bans().InsertOne(ctx, ban); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ReactivateBan appends to an existing record: replaces History with the
// caller-extended slice, sets the mirrored expiry, flips active on, and
// increments the lifetime Count.
func (s *Store) ReactivateBan(ctx context.Context, userID string, history []BanEvent, expiresAt *time.Time) error {
	update := bson.M{
		"$set": bson.M{
			"active":    true,
			"history":   history,
			"expiresAt": expiresAt,
			"updatedAt": now(),
		},
		"$inc": bson.M{"count": 1},
	}

	res, err := s.bans().UpdateOne(ctx, bson.M{"userId": userID}, update)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeactivateBan flips active off. Idempotent: an already-inactive or absent
// record is not an error.
func (s *Store) DeactivateBan(ctx context.Context, userID string) error {
	update := bson.M{"$set": bson.M{"active": false, "updatedAt": now()}}
	if _, err := s.bans().UpdateOne(ctx, bson.M{"userId": userID, "active": true}, update); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// DeactivateExpiredBans flips every active record whose expiry has passed and
// returns how many changed. Last-write-wins with concurrent bans/unbans.
func (s *Store) DeactivateExpiredBans(ctx context.Context, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"active":    true,
		"expiresAt": bson.M{"$lte": cutoff},
	}
	update := bson.M{"$set": bson.M{"active": false, "updatedAt": now()}}

	res, err := s.bans().UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return res.ModifiedCount, nil
}
