package rules

import (
	"context"
	"strings"

	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

const (
	matchExact      = "exact"
	matchNormalized = "normalized"
	matchDomain     = "domain"
	matchGlobal     = "global"
	matchFallback   = "fallback"
)

// Resolver decides a delivery action for a recipient address by walking the
// pattern precedence chain: verbatim address, normalized address, domain
// wildcard, global wildcard. First enabled rule wins; a disabled rule at a
// more specific level does not shadow a less specific one, because only
// enabled rules are looked up at all.
//
// Resolve never returns an error. When the rule store is unreachable it
// degrades to a Bounce decision with the fallback sentinel pattern, and the
// same happens when no rule matches at any level.
type Resolver struct {
	repo   Repository
	logger logger.Logger
}

func NewResolver(repo Repository, log logger.Logger) *Resolver {
	return &Resolver{
		repo:   repo,
		logger: log,
	}
}

func (r *Resolver) Resolve(ctx context.Context, recipient string) models.RoutingDecision {
	exact := strings.ToLower(strings.TrimSpace(recipient))
	normalized := NormalizeAddress(recipient)

	decision := models.RoutingDecision{
		Recipient:           recipient,
		NormalizedRecipient: normalized,
	}

	lookups := []struct {
		pattern string
		match   string
	}{
		{exact, matchExact},
		{normalized, matchNormalized},
		{DomainWildcard(recipient), matchDomain},
		{GlobalWildcard, matchGlobal},
	}

	seen := make(map[string]bool, len(lookups))
	for _, lookup := range lookups {
		if lookup.pattern == "" || seen[lookup.pattern] {
			continue
		}
		seen[lookup.pattern] = true

		rule, err := r.repo.GetEnabled(ctx, lookup.pattern)
		if err != nil {
			if pkgerrors.IsNotFound(err) {
				continue
			}

			r.logger.WarnwCtx(ctx, "Rule store unavailable, degrading to bounce",
				"recipient", recipient,
				"pattern", lookup.pattern,
				"error", err,
			)
			metrics.ResolutionsDegradedTotal.Inc()
			return r.fallback(decision)
		}

		decision.MatchedPattern = rule.Pattern
		decision.Action = rule.Action
		decision.Target = rule.Target
		if decision.Action == models.ActionForward && decision.Target == "" {
			decision.Target = normalized
		}

		metrics.ResolutionsTotal.WithLabelValues(lookup.match).Inc()
		return decision
	}

	r.logger.DebugwCtx(ctx, "No rule matched, applying bounce fallback",
		"recipient", recipient,
	)
	metrics.ResolutionsTotal.WithLabelValues(matchFallback).Inc()
	return r.fallback(decision)
}

func (r *Resolver) fallback(decision models.RoutingDecision) models.RoutingDecision {
	decision.MatchedPattern = models.FallbackPattern
	decision.Action = models.ActionBounce
	decision.Target = ""
	return decision
}
