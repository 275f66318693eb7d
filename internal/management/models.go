package management

import "time"

type CreateRuleRequest struct {
	Pattern     string `json:"pattern" binding:"required"`
	Action      string `json:"action" binding:"required"`
	Target      string `json:"target"`
	Enabled     *bool  `json:"enabled"`
	Description string `json:"description"`
}

type UpdateRuleRequest struct {
	Pattern     *string `json:"pattern"`
	Action      *string `json:"action"`
	Target      *string `json:"target"`
	Enabled     *bool   `json:"enabled"`
	Description *string `json:"description"`
}

type RegisterCredentialRequest struct {
	IdentityID string    `json:"identity_id" binding:"required"`
	SecretRef  string    `json:"secret_ref" binding:"required"`
	ExpiresAt  time.Time `json:"expires_at" binding:"required"`
}

type RenewCredentialRequest struct {
	SecretRef string    `json:"secret_ref" binding:"required"`
	ExpiresAt time.Time `json:"expires_at" binding:"required"`
}

type DrainResponse struct {
	IdentityID string `json:"identity_id,omitempty"`
	Processed  int    `json:"processed"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
}
