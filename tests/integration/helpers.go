package integration

import (
	"time"

	"courier/internal/logger"
	"courier/internal/retryqueue"
	"courier/internal/rules"
	"courier/pkg/models"
)

const (
	containerStartupTimeout = 60
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestRule(pattern string, action models.Action, target string, enabled bool) *rules.RoutingRule {
	return &rules.RoutingRule{
		Pattern: pattern,
		Action:  action,
		Target:  target,
		Enabled: enabled,
	}
}

func createQueuedMessage(identityID, messageID string, enqueuedAt time.Time) *retryqueue.QueuedMessage {
	now := enqueuedAt
	return &retryqueue.QueuedMessage{
		ID:            identityID + "/" + messageID,
		IdentityID:    identityID,
		MessageID:     messageID,
		Recipient:     "user@example.com",
		Destination:   "mailbox@example.com",
		PayloadRef:    models.PayloadRef{Bucket: "mail", Key: messageID},
		Status:        retryqueue.StatusPending,
		EnqueuedAt:    enqueuedAt,
		NextAttemptAt: enqueuedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
