package credentials

import (
	"time"

	"courier/internal/constants"
)

// CredentialStatus moves forward only: Valid -> ExpiringSoon -> Expired.
// Renewal is the single way back to Valid.
type CredentialStatus string

const (
	StatusValid        CredentialStatus = "valid"
	StatusExpiringSoon CredentialStatus = "expiring_soon"
	StatusExpired      CredentialStatus = "expired"
)

// ComputeStatus derives the status purely from remaining lifetime.
func ComputeStatus(expiresAt, now time.Time) CredentialStatus {
	remaining := expiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return StatusExpired
	case remaining < constants.ExpiryWarnThreshold:
		return StatusExpiringSoon
	default:
		return StatusValid
	}
}

// CredentialRecord is one identity's delivery credential. The delivery path
// only reads SecretRef and the derived status; all writes go through the
// lifecycle manager.
type CredentialRecord struct {
	IdentityID   string           `bson:"_id" json:"identity_id"`
	SecretRef    string           `bson:"secret_ref" json:"secret_ref"`
	ExpiresAt    time.Time        `bson:"expires_at" json:"expires_at"`
	Status       CredentialStatus `bson:"status" json:"status"`
	RenewalCount int              `bson:"renewal_count" json:"renewal_count"`
	// LastAlert is the highest alert tier already emitted for the current
	// credential generation, so the scanner alerts once per tier.
	LastAlert string    `bson:"last_alert,omitempty" json:"last_alert,omitempty"`
	CreatedAt time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt time.Time `bson:"updated_at" json:"updated_at"`
}
