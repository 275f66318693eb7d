package delivery

import (
	"context"
	"encoding/json"
	"fmt"

	"courier/internal/broker"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
	"courier/pkg/retry"
)

// Enqueuer parks a message for later replay when the credential failed.
type Enqueuer interface {
	Enqueue(ctx context.Context, identityID, messageID, recipient, destination string, payloadRef models.PayloadRef, errorDetail string) error
}

// Handler consumes forward-action envelopes and attempts delivery per target.
// Credential failures are not consumer errors: the message moves to the retry
// queue and the envelope is acknowledged. Only transient failures propagate,
// so the broker's retry and DLQ machinery sees them.
type Handler struct {
	service *Service
	queue   Enqueuer
	logger  logger.Logger
}

func NewHandler(service *Service, queue Enqueuer, log logger.Logger) *Handler {
	return &Handler{
		service: service,
		queue:   queue,
		logger:  log,
	}
}

func (h *Handler) HandleForward(ctx context.Context, msg broker.Message) error {
	var envelope models.ActionEnvelope
	if err := json.Unmarshal(msg.Value, &envelope); err != nil {
		// Malformed input cannot be retried into shape.
		return retry.NewFatalError(fmt.Errorf("failed to unmarshal action envelope: %w", err))
	}

	var transient []error
	for _, target := range envelope.Group.Targets {
		identityID := target.Destination
		if identityID == "" {
			identityID = target.Recipient
		}

		err := h.service.Deliver(ctx, identityID, envelope.MessageID, envelope.PayloadRef, target.Recipient, identityID)
		switch {
		case err == nil:

		case pkgerrors.IsCredential(err):
			if enqErr := h.queue.Enqueue(ctx, identityID, envelope.MessageID, target.Recipient, identityID, envelope.PayloadRef, err.Error()); enqErr != nil {
				// Losing the message is worse than redelivering the
				// envelope; let the consumer retry.
				transient = append(transient, fmt.Errorf("failed to enqueue for %s: %w", identityID, enqErr))
			}

		case pkgerrors.IsPermanentDelivery(err):
			h.logger.ErrorwCtx(ctx, "Delivery rejected permanently",
				"message_id", envelope.MessageID,
				"recipient", target.Recipient,
				"destination", identityID,
				"error", err,
			)

		default:
			transient = append(transient, fmt.Errorf("delivery to %s: %w", identityID, err))
		}
	}

	if len(transient) > 0 {
		return fmt.Errorf("%d of %d targets failed transiently: %w", len(transient), len(envelope.Group.Targets), transient[0])
	}
	return nil
}
