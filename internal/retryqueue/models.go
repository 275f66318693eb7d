package retryqueue

import (
	"time"

	"courier/pkg/models"
)

// Status is the queued-message state machine:
//
//	Pending -> Processing -> Completed | Failed
//	Pending | Processing -> Cancelled (administrative only)
//
// Completed, Failed and Cancelled are terminal. Records are never deleted by
// normal operation; terminal records stay for audit.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// QueuedMessage is one undelivered message parked for an identity whose
// credential failed. (identity_id, message_id) is unique; the conditional
// status writes in the repository are what serialize concurrent drains.
type QueuedMessage struct {
	ID            string            `bson:"_id" json:"id"`
	IdentityID    string            `bson:"identity_id" json:"identity_id"`
	MessageID     string            `bson:"message_id" json:"message_id"`
	Recipient     string            `bson:"recipient" json:"recipient"`
	Destination   string            `bson:"destination" json:"destination"`
	PayloadRef    models.PayloadRef `bson:"payload_ref" json:"payload_ref"`
	Status        Status            `bson:"status" json:"status"`
	RetryCount    int               `bson:"retry_count" json:"retry_count"`
	ErrorDetail   string            `bson:"error_detail,omitempty" json:"error_detail,omitempty"`
	EnqueuedAt    time.Time         `bson:"enqueued_at" json:"enqueued_at"`
	NextAttemptAt time.Time         `bson:"next_attempt_at" json:"next_attempt_at"`
	LastAttemptAt *time.Time        `bson:"last_attempt_at,omitempty" json:"last_attempt_at,omitempty"`
	CreatedAt     time.Time         `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time         `bson:"updated_at" json:"updated_at"`
}
