package router

import (
	"context"
	"encoding/json"
	"fmt"

	"courier/internal/broker"
	"courier/internal/enricher"
	"courier/internal/gate"
	"courier/internal/logger"
	"courier/pkg/logging"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
)

// Dispatcher fans an enriched envelope out to the per-action topics.
type Dispatcher interface {
	Dispatch(ctx context.Context, envelope *models.EnrichedEnvelope) (map[models.Action]error, error)
}

// Handler is the routing pipeline for one inbound event: idempotency guard,
// verdict gate, enrichment, dispatch.
type Handler struct {
	guard      Guard
	gate       *gate.Service
	enricher   *enricher.Service
	dispatcher Dispatcher
	logger     logger.Logger
}

func NewHandler(guard Guard, gateSvc *gate.Service, enrichSvc *enricher.Service, dispatcher Dispatcher, log logger.Logger) *Handler {
	return &Handler{
		guard:      guard,
		gate:       gateSvc,
		enricher:   enrichSvc,
		dispatcher: dispatcher,
		logger:     log,
	}
}

func (h *Handler) HandleInbound(ctx context.Context, msg broker.Message) error {
	var event models.InboundEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return retry.NewFatalError(fmt.Errorf("failed to unmarshal inbound event: %w", err))
	}
	if err := models.ValidateInboundEvent(&event); err != nil {
		return retry.NewFatalError(err)
	}

	ctx = logging.WithMessageID(ctx, event.MessageID)
	if event.TraceID != "" {
		ctx = logging.WithTraceID(ctx, event.TraceID)
	}

	first, err := h.guard.FirstSeen(ctx, event.MessageID)
	if err != nil {
		return fmt.Errorf("idempotency check failed: %w", err)
	}
	if !first {
		metrics.InboundDuplicatesTotal.Inc()
		h.logger.InfowCtx(ctx, "Duplicate inbound event skipped")
		return nil
	}

	if !h.gate.Allow(ctx, &event) {
		h.logger.InfowCtx(ctx, "Inbound event denied by verdict gate, bouncing",
			"verdicts", event.Verdicts,
		)
		// A denied event is not routed, but it is not dropped either: every
		// recipient gets a bounce, so the payload blob is still released by
		// the bounce pipeline.
		return h.dispatchGuarded(ctx, &event, deniedEnvelope(&event))
	}

	envelope, err := h.enricher.Enrich(ctx, &event)
	if err != nil {
		h.release(ctx, event.MessageID)
		return retry.NewFatalError(err)
	}

	return h.dispatchGuarded(ctx, &event, envelope)
}

// dispatchGuarded publishes the envelope's action groups under per-action
// claims, so a redelivery after a partial dispatch failure republishes only
// the groups that never made it out.
func (h *Handler) dispatchGuarded(ctx context.Context, event *models.InboundEvent, envelope *models.EnrichedEnvelope) error {
	pending := make(map[models.Action]models.ActionGroup, len(envelope.Actions))
	for action, group := range envelope.Actions {
		if group.Count == 0 {
			continue
		}
		first, err := h.guard.FirstSeen(ctx, actionClaimKey(event.MessageID, action))
		if err != nil {
			h.releaseActions(ctx, event.MessageID, actionsOf(pending))
			h.release(ctx, event.MessageID)
			return fmt.Errorf("action claim failed: %w", err)
		}
		if !first {
			h.logger.InfowCtx(ctx, "Action group already dispatched, skipping",
				"action", action,
			)
			continue
		}
		pending[action] = group
	}
	if len(pending) == 0 {
		return nil
	}

	slice := *envelope
	slice.Actions = pending

	results, err := h.dispatcher.Dispatch(ctx, &slice)
	if err != nil {
		h.releaseActions(ctx, event.MessageID, actionsOf(pending))
		h.release(ctx, event.MessageID)
		return err
	}

	var failed []models.Action
	for action, dispatchErr := range results {
		if dispatchErr != nil {
			failed = append(failed, action)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	// The succeeded groups keep their claims; only the failed ones are
	// released, so the redelivered event reaches exactly them.
	h.releaseActions(ctx, event.MessageID, failed)
	h.release(ctx, event.MessageID)
	return fmt.Errorf("%d of %d action groups failed to dispatch for message %s", len(failed), len(pending), event.MessageID)
}

// deniedEnvelope bounces every recipient of a gate-denied event without
// consulting the routing rules.
func deniedEnvelope(event *models.InboundEvent) *models.EnrichedEnvelope {
	targets := make([]models.Target, 0, len(event.Recipients))
	for _, recipient := range event.Recipients {
		targets = append(targets, models.Target{Recipient: recipient})
	}
	return &models.EnrichedEnvelope{
		MessageID:  event.MessageID,
		Source:     event.Source,
		ReceivedAt: event.Timestamp,
		PayloadRef: event.PayloadRef,
		Verdicts:   event.Verdicts,
		Actions: map[models.Action]models.ActionGroup{
			models.ActionBounce: {Count: len(targets), Targets: targets},
		},
		TraceID: event.TraceID,
	}
}

func actionClaimKey(messageID string, action models.Action) string {
	return messageID + "/" + string(action)
}

func actionsOf(groups map[models.Action]models.ActionGroup) []models.Action {
	actions := make([]models.Action, 0, len(groups))
	for action := range groups {
		actions = append(actions, action)
	}
	return actions
}

func (h *Handler) releaseActions(ctx context.Context, messageID string, actions []models.Action) {
	for _, action := range actions {
		h.release(ctx, actionClaimKey(messageID, action))
	}
}

func (h *Handler) release(ctx context.Context, messageID string) {
	if err := h.guard.Forget(ctx, messageID); err != nil {
		h.logger.WarnwCtx(ctx, "Failed to release idempotency claim",
			"error", err,
		)
	}
}
