package rules

import (
	"strings"
	"time"

	"courier/pkg/models"
)

// RoutingRule maps an address pattern to a delivery action. The pattern is
// one of four specificity forms: a verbatim address, a normalized address,
// a domain wildcard ("*@domain"), or the global wildcard ("*").
type RoutingRule struct {
	ID          string        `json:"id" db:"id"`
	Pattern     string        `json:"pattern" db:"pattern"`
	Action      models.Action `json:"action" db:"action"`
	Target      string        `json:"target,omitempty" db:"target"`
	Enabled     bool          `json:"enabled" db:"enabled"`
	Description string        `json:"description,omitempty" db:"description"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

const GlobalWildcard = "*"

// NormalizeAddress lowercases an address and strips a "+tag" suffix from the
// local part, so "User+news@Example.com" becomes "user@example.com".
func NormalizeAddress(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))

	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return address
	}

	local, domain := address[:at], address[at+1:]
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}

	return local + "@" + domain
}

// DomainWildcard returns the "*@domain" pattern for an address, or "" when
// the address carries no domain part.
func DomainWildcard(address string) string {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return ""
	}
	return "*@" + strings.ToLower(address[at+1:])
}
