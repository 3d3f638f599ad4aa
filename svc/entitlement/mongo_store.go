// Package entitlement provides the storage-backed implementations of the
// entitlement reconciler's persistence interfaces: MongoDB for user records,
// the plan catalog, and the billing ledger, Redis for event deduplication.
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/quillchat/billing/pkg/entitlement"
)

const (
	usersCollection  = "entitlement_users"
	ledgerCollection = "billing_ledger"
	plansCollection  = "billing_plans"
)

// MongoUserStore persists user entitlement records with optimistic locking.
type MongoUserStore struct {
	col *mongo.Collection
}

// NewMongoUserStore creates a store over the given database.
func NewMongoUserStore(db *mongo.Database) *MongoUserStore {
	return &MongoUserStore{col: db.Collection(usersCollection)}
}

// EnsureIndexes creates the customer lookup index. Sparse since free-tier
// users have no provider customer yet.
func (s *MongoUserStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "provider_customer_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetSparse(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}
	return nil
}

func (s *MongoUserStore) Get(ctx context.Context, id uuid.UUID) (*entitlement.User, error) {
	var u entitlement.User
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &u, nil
}

func (s *MongoUserStore) GetByCustomerID(ctx context.Context, customerID string) (*entitlement.User, error) {
	var u entitlement.User
	err := s.col.FindOne(ctx, bson.M{"provider_customer_id": customerID}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, entitlement.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by customer %s: %w", customerID, err)
	}
	return &u, nil
}

// Save writes the record guarded by the snapshot's version: the replace only
// matches when the stored version equals the snapshot's, and the stored
// version is bumped on success. A miss against an existing record means the
// snapshot is stale.
func (s *MongoUserStore) Save(ctx context.Context, u *entitlement.User) error {
	next := *u
	next.Version = u.Version + 1

	res, err := s.col.ReplaceOne(ctx, bson.M{"_id": u.ID, "version": u.Version}, next)
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	if res.MatchedCount == 1 {
		u.Version = next.Version
		return nil
	}

	count, err := s.col.CountDocuments(ctx, bson.M{"_id": u.ID})
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	if count > 0 {
		return entitlement.ErrVersionConflict
	}

	if _, err := s.col.InsertOne(ctx, next); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entitlement.ErrVersionConflict
		}
		return fmt.Errorf("failed to insert user %s: %w", u.ID, err)
	}
	u.Version = next.Version
	return nil
}

// MongoLedgerStore persists the append-only billing ledger.
type MongoLedgerStore struct {
	col *mongo.Collection
}

// NewMongoLedgerStore creates a store over the given database.
func NewMongoLedgerStore(db *mongo.Database) *MongoLedgerStore {
	return &MongoLedgerStore{col: db.Collection(ledgerCollection)}
}

// EnsureIndexes creates the per-user history index.
func (s *MongoLedgerStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create ledger indexes: %w", err)
	}
	return nil
}

func (s *MongoLedgerStore) Append(ctx context.Context, entry *entitlement.LedgerEntry) error {
	if _, err := s.col.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *MongoLedgerStore) ListByUser(ctx context.Context, userID uuid.UUID, limit int64) ([]entitlement.LedgerEntry, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(limit)
	cursor, err := s.col.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for user %s: %w", userID, err)
	}

	var entries []entitlement.LedgerEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode ledger entries: %w", err)
	}
	return entries, nil
}

// MongoPlanSource loads the plan catalog from the database.
type MongoPlanSource struct {
	col *mongo.Collection
}

// NewMongoPlanSource creates a source over the given database.
func NewMongoPlanSource(db *mongo.Database) *MongoPlanSource {
	return &MongoPlanSource{col: db.Collection(plansCollection)}
}

func (s *MongoPlanSource) Load(ctx context.Context) (map[string]entitlement.Plan, error) {
	cursor, err := s.col.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to load plans: %w", err)
	}

	var plans []entitlement.Plan
	if err := cursor.All(ctx, &plans); err != nil {
		return nil, fmt.Errorf("failed to decode plans: %w", err)
	}

	out := make(map[string]entitlement.Plan, len(plans))
	for _, p := range plans {
		out[p.ID] = p
	}
	return out, nil
}
