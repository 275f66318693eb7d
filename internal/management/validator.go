package management

import (
	"fmt"
	"strings"

	"courier/internal/rules"
	"courier/pkg/models"
)

// ValidatePattern accepts the four pattern forms: a full address, a
// normalized address, a domain wildcard, or the global wildcard.
func ValidatePattern(pattern string) error {
	if pattern == rules.GlobalWildcard {
		return nil
	}

	at := strings.LastIndex(pattern, "@")
	if at <= 0 || at == len(pattern)-1 {
		return fmt.Errorf("pattern must be '*', '*@domain' or 'local@domain', got %q", pattern)
	}

	local, domain := pattern[:at], pattern[at+1:]
	if strings.ContainsAny(domain, "*@ ") {
		return fmt.Errorf("invalid domain in pattern %q", pattern)
	}
	if local != "*" && strings.ContainsAny(local, "*@ ") {
		return fmt.Errorf("invalid local part in pattern %q", pattern)
	}
	if pattern != strings.ToLower(pattern) {
		return fmt.Errorf("pattern must be lowercase, got %q", pattern)
	}
	return nil
}

func ValidateCreateRule(req CreateRuleRequest) error {
	if err := ValidatePattern(req.Pattern); err != nil {
		return err
	}

	action, err := models.ParseAction(req.Action)
	if err != nil {
		return err
	}
	if action == models.ActionForward && req.Target == "" {
		// Forwarding without an explicit target falls back to the
		// normalized recipient; that only works for address patterns.
		if req.Pattern == rules.GlobalWildcard {
			return fmt.Errorf("a global forward rule requires a target")
		}
	}
	if req.Target != "" {
		if err := validateAddress(req.Target); err != nil {
			return err
		}
	}
	return nil
}

func ValidateUpdateRule(req UpdateRuleRequest) error {
	if req.Pattern != nil {
		if err := ValidatePattern(*req.Pattern); err != nil {
			return err
		}
	}
	if req.Action != nil {
		if _, err := models.ParseAction(*req.Action); err != nil {
			return err
		}
	}
	if req.Target != nil && *req.Target != "" {
		if err := validateAddress(*req.Target); err != nil {
			return err
		}
	}
	return nil
}

func validateAddress(address string) error {
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return fmt.Errorf("invalid address %q", address)
	}
	return nil
}
