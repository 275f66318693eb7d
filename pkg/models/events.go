package models

import "time"

// RuleChangeEvent is published to the config-update topic whenever a routing
// rule is created, updated or deleted, so routers can invalidate their caches.
type RuleChangeEvent struct {
	RuleID    string    `json:"rule_id"`
	Pattern   string    `json:"pattern"`
	Change    string    `json:"change"` // "create", "update", "delete"
	ChangedBy string    `json:"changed_by,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// CredentialAlert is emitted to the notification sink when a credential
// approaches or passes its expiry.
type CredentialAlert struct {
	IdentityID string    `json:"identity_id"`
	AlertType  string    `json:"alert_type"`
	ExpiresAt  time.Time `json:"expires_at"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	AlertExpiringSoon = "expiring_soon" // remaining time below the warning threshold
	AlertExpiryUrgent = "expiry_urgent" // remaining time below the urgent threshold
	AlertExpired      = "expired"
)

// DrainResult summarizes one drain pass over a single identity's queue.
type DrainResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

func (r DrainResult) Add(other DrainResult) DrainResult {
	return DrainResult{
		Processed: r.Processed + other.Processed,
		Succeeded: r.Succeeded + other.Succeeded,
		Failed:    r.Failed + other.Failed,
	}
}
