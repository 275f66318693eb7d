package enricher

import (
	"context"
	"time"

	"courier/internal/logger"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// Resolver decides the delivery action for one recipient address.
type Resolver interface {
	Resolve(ctx context.Context, recipient string) models.RoutingDecision
}

// Service turns one inbound event into an enriched envelope by resolving
// every recipient and grouping the decisions by action. It is a pure
// transform: no side effects, deterministic for a fixed rule snapshot, and
// each recipient lands in exactly one action group.
type Service struct {
	resolver Resolver
	logger   logger.Logger
}

func NewService(resolver Resolver, log logger.Logger) *Service {
	return &Service{
		resolver: resolver,
		logger:   log,
	}
}

func (s *Service) Enrich(ctx context.Context, event *models.InboundEvent) (*models.EnrichedEnvelope, error) {
	start := time.Now()

	if err := models.ValidateInboundEvent(event); err != nil {
		metrics.ObserveEnrichmentDuration(time.Since(start), "invalid")
		return nil, err
	}

	envelope := &models.EnrichedEnvelope{
		MessageID:  event.MessageID,
		Source:     event.Source,
		ReceivedAt: event.Timestamp,
		PayloadRef: event.PayloadRef,
		Verdicts:   event.Verdicts,
		Actions:    make(map[models.Action]models.ActionGroup),
		TraceID:    event.TraceID,
	}

	seen := make(map[string]bool, len(event.Recipients))
	for _, recipient := range event.Recipients {
		// The same address listed twice is still one delivery.
		if seen[recipient] {
			continue
		}
		seen[recipient] = true

		decision := s.resolver.Resolve(ctx, recipient)

		target := models.Target{Recipient: decision.Recipient}
		if decision.Action == models.ActionForward {
			target.Destination = decision.Target
		}

		group := envelope.Actions[decision.Action]
		group.Targets = append(group.Targets, target)
		group.Count = len(group.Targets)
		envelope.Actions[decision.Action] = group

		s.logger.DebugwCtx(ctx, "Recipient resolved",
			"recipient", recipient,
			"matched_pattern", decision.MatchedPattern,
			"action", decision.Action,
		)
	}

	metrics.ObserveEnrichmentDuration(time.Since(start), "ok")

	s.logger.InfowCtx(ctx, "Event enriched",
		"message_id", event.MessageID,
		"recipients", len(seen),
		"action_groups", len(envelope.Actions),
	)

	return envelope, nil
}
