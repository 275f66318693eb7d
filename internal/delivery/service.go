package delivery

import (
	"context"
	"time"

	"courier/internal/logger"
	"courier/internal/payload"
	"courier/internal/retryqueue"
	"courier/pkg/circuitbreaker"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

const (
	outcomeDelivered  = "delivered"
	outcomeCredential = "credential_failure"
	outcomeTransient  = "transient_failure"
	outcomePermanent  = "permanent_failure"
)

// TokenSource resolves a usable access token for an identity. Credential
// lifecycle owns the records; delivery only ever asks for tokens.
type TokenSource interface {
	AccessToken(ctx context.Context, identityID string) (string, error)
}

// Service is the credential-gated delivery handler: fetch the token, fetch
// the payload, send through the transport behind a circuit breaker, and
// classify the outcome for the caller.
type Service struct {
	tokens          TokenSource
	transport       Transport
	payloads        payload.Store
	breaker         *circuitbreaker.Wrapper
	deleteOnSuccess bool
	logger          logger.Logger
}

func NewService(tokens TokenSource, transport Transport, payloads payload.Store, breaker *circuitbreaker.Wrapper, deleteOnSuccess bool, log logger.Logger) *Service {
	return &Service{
		tokens:          tokens,
		transport:       transport,
		payloads:        payloads,
		breaker:         breaker,
		deleteOnSuccess: deleteOnSuccess,
		logger:          log,
	}
}

// Deliver attempts one message for one recipient. The returned error keeps
// the taxonomy intact: credential failures route to the retry queue,
// permanent failures end the message, everything else may be retried.
func (s *Service) Deliver(ctx context.Context, identityID, messageID string, ref models.PayloadRef, recipient, destination string) error {
	start := time.Now()

	token, err := s.tokens.AccessToken(ctx, identityID)
	if err != nil {
		s.observe(start, err)
		return err
	}

	data, err := s.payloads.Get(ctx, ref)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			// The blob is gone; no retry can bring it back.
			err = pkgerrors.ErrPermanentDelivery.WithCause(err).WithDetail("payload_ref", ref.String())
		}
		s.observe(start, err)
		return err
	}

	attempt := &Attempt{
		IdentityID:  identityID,
		MessageID:   messageID,
		Recipient:   recipient,
		Destination: destination,
		Token:       token,
		Payload:     data,
	}

	_, err = s.breaker.ExecuteWithContext(ctx, func() (interface{}, error) {
		return nil, s.transport.Send(ctx, attempt)
	})
	if err != nil {
		if circuitbreaker.IsOpenError(err) {
			err = pkgerrors.ErrUnavailable.WithCause(err).WithDetail("message", "delivery circuit open")
		}
		s.observe(start, err)
		s.logger.WarnwCtx(ctx, "Delivery attempt failed",
			"identity_id", identityID,
			"message_id", messageID,
			"destination", destination,
			"error", err,
		)
		return err
	}

	s.observe(start, nil)
	s.logger.InfowCtx(ctx, "Message delivered",
		"identity_id", identityID,
		"message_id", messageID,
		"destination", destination,
	)

	if s.deleteOnSuccess {
		if err := s.payloads.Delete(ctx, ref); err != nil {
			// Delivery already happened; an undeleted blob is a retention
			// leak, not a delivery failure.
			s.logger.WarnwCtx(ctx, "Failed to delete payload after delivery",
				"payload_ref", ref.String(),
				"error", err,
			)
		}
	}
	return nil
}

// DeliverQueued replays one parked message from the retry queue.
func (s *Service) DeliverQueued(ctx context.Context, msg *retryqueue.QueuedMessage) error {
	return s.Deliver(ctx, msg.IdentityID, msg.MessageID, msg.PayloadRef, msg.Recipient, msg.Destination)
}

func (s *Service) observe(start time.Time, err error) {
	outcome := outcomeDelivered
	switch {
	case err == nil:
	case pkgerrors.IsCredential(err):
		outcome = outcomeCredential
	case pkgerrors.IsPermanentDelivery(err):
		outcome = outcomePermanent
	default:
		outcome = outcomeTransient
	}
	metrics.DeliveriesTotal.WithLabelValues(outcome).Inc()
	metrics.ObserveDeliveryDuration(time.Since(start), outcome)
}
