package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// User is a durable identity record. It is mutated only through explicit
// update operations and never deleted while a Ban record references it.
type User struct {
	ID           string    `bson:"_id" json:"id"`
	Email        string    `bson:"email" json:"email"`
	PasswordHash string    `bson:"password" json:"-"`
	Name         string    `bson:"name,omitempty" json:"name,omitempty"`
	Role         string    `bson:"role" json:"role"`
	IsVerified   bool      `bson:"isVerified" json:"isVerified"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt" json:"updatedAt"`
}

// NewUser is the input for CreateUser. PasswordHash must already be hashed;
// the store never sees plaintext credentials.
type NewUser struct {
	Email        string
	PasswordHash string
	Name         string
	Role         string
	IsVerified   bool
}

// CreateUser inserts a new identity. A colliding email surfaces as
// [ErrDuplicateEmail] via the unique index.
func (s *Store) CreateUser(ctx context.Context, in NewUser) (User, error) {
	ts := now()
	user := User{
		ID:           bson.NewObjectID().Hex(),
		Email:        in.Email,
		PasswordHash: in.PasswordHash,
		Name:         in.Name,
		Role:         in.Role,
		IsVerified:   in.IsVerified,
		CreatedAt:    ts,
		UpdatedAt:    ts,
	}

	if _, err := s.users().InsertOne(ctx, user); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return user, nil
}

// GetUserByEmail looks an identity up by its unique email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.findUser(ctx, bson.M{"email": email})
}

// GetUserByID looks an identity up by id.
func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

func (s *Store) findUser(ctx context.Context, filter bson.M) (*User, error) {
	var user User
	if err := s.users().FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &user, nil
}

// UserUpdate carries the fields an explicit update may touch. Nil fields are
// left untouched.
type UserUpdate struct {
	Email        *string
	PasswordHash *string
	Name         *string
	Role         *string
	IsVerified   *bool
}

// UpdateUser applies a partial update and bumps updatedAt.
func (s *Store) UpdateUser(ctx context.Context, id string, update UserUpdate) error {
	set := bson.M{"updatedAt": now()}
	if update.Email != nil {
		set["email"] = *update.Email
	}
	if update.PasswordHash != nil {
		set["password"] = *update.PasswordHash
	}
	if update.Name != nil {
		set["name"] = *update.Name
	}
	if update.Role != nil {
		set["role"] = *update.Role
	}
	if update.IsVerified != nil {
		set["isVerified"] = *update.IsVerified
	}

	res, err := s.users().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes an identity. Callers must not delete identities that a
// ban record still references.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.users().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
