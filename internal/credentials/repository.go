package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"courier/internal/constants"
	pkgerrors "courier/pkg/errors"
)

type Repository interface {
	Upsert(ctx context.Context, record *CredentialRecord) error
	Get(ctx context.Context, identityID string) (*CredentialRecord, error)
	List(ctx context.Context) ([]CredentialRecord, error)
	SetStatus(ctx context.Context, identityID string, status CredentialStatus, lastAlert string) (bool, error)
	Renew(ctx context.Context, identityID, secretRef string, expiresAt time.Time) (*CredentialRecord, error)
}

type MongoDBRepository struct {
	collection *mongo.Collection
}

func NewRepository(db *mongo.Database) Repository {
	return &MongoDBRepository{
		collection: db.Collection(constants.CredentialsCollection),
	}
}

func (r *MongoDBRepository) Upsert(ctx context.Context, record *CredentialRecord) error {
	now := time.Now()
	record.UpdatedAt = now

	filter := bson.M{"_id": record.IdentityID}
	update := bson.M{
		"$set": bson.M{
			"secret_ref": record.SecretRef,
			"expires_at": record.ExpiresAt,
			"status":     record.Status,
			"last_alert": record.LastAlert,
			"updated_at": now,
		},
		"$setOnInsert": bson.M{
			"renewal_count": 0,
			"created_at":    now,
		},
	}

	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

func (r *MongoDBRepository) Get(ctx context.Context, identityID string) (*CredentialRecord, error) {
	var record CredentialRecord
	err := r.collection.FindOne(ctx, bson.M{"_id": identityID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, pkgerrors.ErrNotFound.WithDetail("identity_id", identityID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &record, nil
}

func (r *MongoDBRepository) List(ctx context.Context) ([]CredentialRecord, error) {
	cursor, err := r.collection.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer cursor.Close(ctx)

	var records []CredentialRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode credentials: %w", err)
	}
	return records, nil
}

// SetStatus records a detected status transition together with the alert
// tier that was emitted for it. Conditional on the stored status being
// different, so concurrent scanners emit one alert per tier.
func (r *MongoDBRepository) SetStatus(ctx context.Context, identityID string, status CredentialStatus, lastAlert string) (bool, error) {
	filter := bson.M{
		"_id": identityID,
		"$or": []bson.M{
			{"status": bson.M{"$ne": status}},
			{"last_alert": bson.M{"$ne": lastAlert}},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":     status,
		"last_alert": lastAlert,
		"updated_at": time.Now(),
	}}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to update credential status: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (r *MongoDBRepository) Renew(ctx context.Context, identityID, secretRef string, expiresAt time.Time) (*CredentialRecord, error) {
	filter := bson.M{"_id": identityID}
	update := bson.M{
		"$set": bson.M{
			"secret_ref": secretRef,
			"expires_at": expiresAt,
			"status":     StatusValid,
			"last_alert": "",
			"updated_at": time.Now(),
		},
		"$inc": bson.M{"renewal_count": 1},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var record CredentialRecord
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, pkgerrors.ErrNotFound.WithDetail("identity_id", identityID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to renew credential: %w", err)
	}
	return &record, nil
}
