package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"courier/internal/constants"
)

// EnsureQueueCollection creates the indexes the retry queue depends on. The
// unique (identity_id, message_id) index is what makes enqueue idempotent.
func EnsureQueueCollection(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.QueuedMessagesCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "identity_id", Value: 1}, {Key: "message_id", Value: 1}},
			Options: options.Index().SetName("idx_queued_messages_identity_message").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "identity_id", Value: 1}, {Key: "status", Value: 1}, {Key: "enqueued_at", Value: 1}},
			Options: options.Index().SetName("idx_queued_messages_identity_status_enqueued"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}},
			Options: options.Index().SetName("idx_queued_messages_status_next_attempt"),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create queue indexes: %w", err)
		}
	}

	return nil
}

func EnsureCredentialCollection(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.CredentialsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "identity_id", Value: 1}},
			Options: options.Index().SetName("idx_credentials_identity").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("idx_credentials_expires_at"),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create credential indexes: %w", err)
		}
	}

	return nil
}
