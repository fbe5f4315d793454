// Package mongo stores profiles in MongoDB. The unique index on email among
// active profiles is what makes profile creation idempotent by natural key.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jcmexdev/identity-sagas/internal/pkg/errs"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/domain"
	"github.com/jcmexdev/identity-sagas/internal/user-service/core/ports"
)

const collection = "profiles"

type ProfileStore struct {
	col *mongo.Collection
	now func() time.Time
}

var _ ports.ProfileStore = (*ProfileStore)(nil)

// Connect dials uri and verifies the primary is reachable.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(dbCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(dbCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}
	return client, nil
}

// NewProfileStore ensures the indexes of the profiles collection in db.
func NewProfileStore(ctx context.Context, db *mongo.Database) (*ProfileStore, error) {
	col := db.Collection(collection)
	_, err := col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "email", Value: 1}},
		Options: options.Index().
			SetName("email_active_unique").
			SetUnique(true).
			SetPartialFilterExpression(bson.D{{Key: "status", Value: string(domain.StatusActive)}}),
	})
	if err != nil {
		return nil, fmt.Errorf("mongo: ensure profile indexes: %w", err)
	}
	return &ProfileStore{col: col, now: time.Now}, nil
}

func (s *ProfileStore) Create(ctx context.Context, p *domain.Profile) error {
	now := s.now().UTC()
	p.Email = normalizeEmail(p.Email)
	if p.Status == "" {
		p.Status = domain.StatusActive
	}
	p.CreatedAt, p.UpdatedAt = now, now

	if _, err := s.col.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.E(errs.Duplicate, "mongo.CreateProfile", err)
		}
		return classify("mongo.CreateProfile", err)
	}
	return nil
}

func (s *ProfileStore) Get(ctx context.Context, userID string) (*domain.Profile, error) {
	return s.findOne(ctx, "mongo.GetProfile", bson.D{{Key: "_id", Value: userID}})
}

func (s *ProfileStore) GetByEmail(ctx context.Context, email string) (*domain.Profile, error) {
	return s.findOne(ctx, "mongo.GetProfileByEmail", bson.D{
		{Key: "email", Value: normalizeEmail(email)},
		{Key: "status", Value: string(domain.StatusActive)},
	})
}

func (s *ProfileStore) SoftDelete(ctx context.Context, userID string) error {
	now := s.now().UTC()
	res, err := s.col.UpdateByID(ctx, userID, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: string(domain.StatusDeleted)},
		{Key: "deleted_at", Value: now},
		{Key: "updated_at", Value: now},
	}}})
	if err != nil {
		return classify("mongo.SoftDeleteProfile", err)
	}
	if res.MatchedCount == 0 {
		return errs.Errorf(errs.NotFound, "mongo.SoftDeleteProfile", "profile %s not found", userID)
	}
	return nil
}

func (s *ProfileStore) Restore(ctx context.Context, userID string) error {
	res, err := s.col.UpdateByID(ctx, userID, bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "status", Value: string(domain.StatusActive)},
			{Key: "updated_at", Value: s.now().UTC()},
		}},
		{Key: "$unset", Value: bson.D{{Key: "deleted_at", Value: ""}}},
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.E(errs.Conflict, "mongo.RestoreProfile", err)
		}
		return classify("mongo.RestoreProfile", err)
	}
	if res.MatchedCount == 0 {
		return errs.Errorf(errs.NotFound, "mongo.RestoreProfile", "profile %s not found", userID)
	}
	return nil
}

func (s *ProfileStore) HardDelete(ctx context.Context, userID string) error {
	if _, err := s.col.DeleteOne(ctx, bson.D{{Key: "_id", Value: userID}}); err != nil {
		return classify("mongo.HardDeleteProfile", err)
	}
	return nil
}

func (s *ProfileStore) findOne(ctx context.Context, op string, filter bson.D) (*domain.Profile, error) {
	var p domain.Profile
	err := s.col.FindOne(ctx, filter).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.Errorf(errs.NotFound, op, "profile not found")
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return &p, nil
}

func classify(op string, err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return errs.E(errs.Transient, op, err)
	}
	return errs.E(errs.Unknown, op, err)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
