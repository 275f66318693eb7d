package retryqueue

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

// Repository persists queued messages. Every status transition is a
// conditional write filtered on the current status; the boolean return
// reports whether the document matched, which is how callers detect a lost
// race (concurrent drain, administrative cancel) without external locks.
type Repository interface {
	Insert(ctx context.Context, msg *QueuedMessage) error
	RefreshActive(ctx context.Context, identityID, messageID, errorDetail string) (bool, error)

	Get(ctx context.Context, identityID, messageID string) (*QueuedMessage, error)
	ListPending(ctx context.Context, identityID string, limit int) ([]QueuedMessage, error)
	ListByIdentity(ctx context.Context, identityID string, status Status, limit int) ([]QueuedMessage, error)
	PendingIdentities(ctx context.Context) ([]string, error)
	CountPending(ctx context.Context, identityID string) (int64, error)

	MarkProcessing(ctx context.Context, id string) (bool, error)
	RevertToPending(ctx context.Context, id, errorDetail string) (bool, error)
	MarkCompleted(ctx context.Context, id string) (bool, error)
	MarkFailed(ctx context.Context, id, errorDetail string) (bool, error)
	Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, errorDetail string) (bool, error)
	Cancel(ctx context.Context, identityID, messageID string) (bool, error)
}

type MongoDBRepository struct {
	collection *mongo.Collection
}

func NewRepository(db *mongo.Database) Repository {
	return &MongoDBRepository{
		collection: db.Collection(constants.QueuedMessagesCollection),
	}
}

func (r *MongoDBRepository) Insert(ctx context.Context, msg *QueuedMessage) error {
	_, err := r.collection.InsertOne(ctx, msg)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return pkgerrors.ErrConflict.WithCause(err).
				WithDetail("identity_id", msg.IdentityID).
				WithDetail("message_id", msg.MessageID)
		}
		return fmt.Errorf("failed to insert queued message: %w", err)
	}
	return nil
}

// RefreshActive updates error detail and last attempt time on an existing
// Pending or Processing record. A match means the enqueue was a duplicate and
// no new record is needed.
func (r *MongoDBRepository) RefreshActive(ctx context.Context, identityID, messageID, errorDetail string) (bool, error) {
	now := time.Now()
	filter := bson.M{
		"identity_id": identityID,
		"message_id":  messageID,
		"status":      bson.M{"$in": []Status{StatusPending, StatusProcessing}},
	}
	update := bson.M{"$set": bson.M{
		"error_detail":    errorDetail,
		"last_attempt_at": now,
		"updated_at":      now,
	}}

	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to refresh queued message: %w", err)
	}
	return res.MatchedCount > 0, nil
}

func (r *MongoDBRepository) Get(ctx context.Context, identityID, messageID string) (*QueuedMessage, error) {
	filter := bson.M{"identity_id": identityID, "message_id": messageID}

	var msg QueuedMessage
	err := r.collection.FindOne(ctx, filter).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, pkgerrors.ErrNotFound.
			WithDetail("identity_id", identityID).
			WithDetail("message_id", messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queued message: %w", err)
	}
	return &msg, nil
}

func (r *MongoDBRepository) ListPending(ctx context.Context, identityID string, limit int) ([]QueuedMessage, error) {
	filter := bson.M{"identity_id": identityID, "status": StatusPending}
	opts := options.Find().SetSort(bson.D{{Key: "enqueued_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []QueuedMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode pending messages: %w", err)
	}
	return messages, nil
}

func (r *MongoDBRepository) ListByIdentity(ctx context.Context, identityID string, status Status, limit int) ([]QueuedMessage, error) {
	filter := bson.M{"identity_id": identityID}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "enqueued_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []QueuedMessage
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

func (r *MongoDBRepository) PendingIdentities(ctx context.Context) ([]string, error) {
	values, err := r.collection.Distinct(ctx, "identity_id", bson.M{"status": StatusPending})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending identities: %w", err)
	}

	identities := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			identities = append(identities, s)
		}
	}
	return identities, nil
}

func (r *MongoDBRepository) CountPending(ctx context.Context, identityID string) (int64, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"identity_id": identityID, "status": StatusPending})
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return count, nil
}

func (r *MongoDBRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	return r.transition(ctx,
		bson.M{"_id": id, "status": StatusPending},
		bson.M{"$set": bson.M{
			"status":          StatusProcessing,
			"last_attempt_at": now,
			"updated_at":      now,
		}},
	)
}

func (r *MongoDBRepository) RevertToPending(ctx context.Context, id, errorDetail string) (bool, error) {
	return r.transition(ctx,
		bson.M{"_id": id, "status": StatusProcessing},
		bson.M{"$set": bson.M{
			"status":       StatusPending,
			"error_detail": errorDetail,
			"updated_at":   time.Now(),
		}},
	)
}

func (r *MongoDBRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return r.transition(ctx,
		bson.M{"_id": id, "status": StatusProcessing},
		bson.M{"$set": bson.M{
			"status":       StatusCompleted,
			"error_detail": "",
			"updated_at":   time.Now(),
		}},
	)
}

func (r *MongoDBRepository) MarkFailed(ctx context.Context, id, errorDetail string) (bool, error) {
	return r.transition(ctx,
		bson.M{"_id": id, "status": StatusProcessing},
		bson.M{"$set": bson.M{
			"status":       StatusFailed,
			"error_detail": errorDetail,
			"updated_at":   time.Now(),
		}},
	)
}

func (r *MongoDBRepository) Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, errorDetail string) (bool, error) {
	return r.transition(ctx,
		bson.M{"_id": id, "status": StatusProcessing},
		bson.M{"$set": bson.M{
			"status":          StatusPending,
			"retry_count":     retryCount,
			"next_attempt_at": nextAttemptAt,
			"error_detail":    errorDetail,
			"updated_at":      time.Now(),
		}},
	)
}

func (r *MongoDBRepository) Cancel(ctx context.Context, identityID, messageID string) (bool, error) {
	return r.transition(ctx,
		bson.M{
			"identity_id": identityID,
			"message_id":  messageID,
			"status":      bson.M{"$in": []Status{StatusPending, StatusProcessing}},
		},
		bson.M{"$set": bson.M{
			"status":     StatusCancelled,
			"updated_at": time.Now(),
		}},
	)
}

func (r *MongoDBRepository) transition(ctx context.Context, filter, update bson.M) (bool, error) {
	res, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to transition queued message: %w", err)
	}
	return res.MatchedCount > 0, nil
}
