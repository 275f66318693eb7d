package retryqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"courier/internal/constants"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/metrics"
	"courier/pkg/models"
	"courier/pkg/retry"
)

// Deliverer replays one queued message through the credential-gated delivery
// path. The error classification drives the drain state machine: credential
// errors abort the drain, permanent errors fail the message immediately,
// anything else is transient and rescheduled with backoff.
type Deliverer interface {
	DeliverQueued(ctx context.Context, msg *QueuedMessage) error
}

// CredentialGate reports whether an identity currently holds a credential
// that can authorize delivery. The periodic sweep skips identities without
// one; their queues drain through the post-renewal path instead.
type CredentialGate interface {
	Usable(ctx context.Context, identityID string) bool
}

type Policy struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: constants.QueueRetryInitialDelay,
		Multiplier:   constants.QueueRetryMultiplier,
		MaxDelay:     constants.QueueRetryMaxDelay,
		MaxAttempts:  constants.QueueRetryMaxAttempts,
	}
}

// Service is the retry queue manager: durable per-identity queues of
// undelivered messages, drained chronologically once the identity's
// credential works again. Drains for distinct identities run in parallel;
// within one identity the conditional Pending->Processing write serializes
// processing.
type Service struct {
	repo        Repository
	deliverer   Deliverer
	creds       CredentialGate
	policy      Policy
	parallelism int
	logger      logger.Logger
}

// NewService builds the queue manager. creds may be nil, in which case the
// periodic sweep attempts every identity with pending messages.
func NewService(repo Repository, deliverer Deliverer, creds CredentialGate, policy Policy, parallelism int, log logger.Logger) *Service {
	if parallelism <= 0 {
		parallelism = constants.DefaultDrainParallelism
	}
	return &Service{
		repo:        repo,
		deliverer:   deliverer,
		creds:       creds,
		policy:      policy,
		parallelism: parallelism,
		logger:      log,
	}
}

// Enqueue parks a message for later replay. Idempotent on
// (identityID, messageID): a duplicate while the record is still active
// refreshes its error detail instead of creating a second record, and a
// duplicate against a terminal record is a no-op.
func (s *Service) Enqueue(ctx context.Context, identityID, messageID, recipient, destination string, payloadRef models.PayloadRef, errorDetail string) error {
	refreshed, err := s.repo.RefreshActive(ctx, identityID, messageID, errorDetail)
	if err != nil {
		return err
	}
	if refreshed {
		s.logger.InfowCtx(ctx, "Duplicate enqueue refreshed existing queued message",
			"identity_id", identityID,
			"message_id", messageID,
		)
		return nil
	}

	now := time.Now()
	msg := &QueuedMessage{
		ID:            uuid.New().String(),
		IdentityID:    identityID,
		MessageID:     messageID,
		Recipient:     recipient,
		Destination:   destination,
		PayloadRef:    payloadRef,
		Status:        StatusPending,
		ErrorDetail:   errorDetail,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.Insert(ctx, msg); err != nil {
		if pkgerrors.IsConflict(err) {
			// A terminal record for this (identity, message) already exists;
			// re-enqueueing it would risk double delivery.
			s.logger.WarnwCtx(ctx, "Enqueue skipped, terminal record exists",
				"identity_id", identityID,
				"message_id", messageID,
			)
			return nil
		}
		return err
	}

	metrics.QueueEnqueuedTotal.Inc()
	metrics.QueueMessagesTotal.WithLabelValues(string(StatusPending)).Inc()
	s.updateDepthGauge(ctx, identityID)

	s.logger.InfowCtx(ctx, "Message enqueued for retry",
		"identity_id", identityID,
		"message_id", messageID,
		"error_detail", errorDetail,
	)
	return nil
}

// Drain replays the identity's pending messages oldest first. It stops at the
// first message whose next attempt time has not arrived, which keeps the
// chronological ordering guarantee intact across backoff delays. A
// credential-type delivery failure aborts the whole drain: the credential
// would fail every remaining message identically.
func (s *Service) Drain(ctx context.Context, identityID string) (models.DrainResult, error) {
	var result models.DrainResult
	defer func() { s.updateDepthGauge(ctx, identityID) }()

	pending, err := s.repo.ListPending(ctx, identityID, 0)
	if err != nil {
		metrics.QueueDrainsTotal.WithLabelValues("error").Inc()
		return result, err
	}

	for i := range pending {
		msg := &pending[i]

		if msg.NextAttemptAt.After(time.Now()) {
			// Not due yet. Later messages must not overtake it.
			break
		}

		claimed, err := s.repo.MarkProcessing(ctx, msg.ID)
		if err != nil {
			metrics.QueueDrainsTotal.WithLabelValues("error").Inc()
			return result, err
		}
		if !claimed {
			// Lost the race to a concurrent drain or an administrative
			// cancel; that other actor owns the queue now.
			s.logger.DebugwCtx(ctx, "Drain yielding, message claimed elsewhere",
				"identity_id", identityID,
				"message_id", msg.MessageID,
			)
			break
		}

		result.Processed++
		halt, err := s.processClaimed(ctx, msg, &result)
		if err != nil {
			metrics.QueueDrainsTotal.WithLabelValues("credential_failure").Inc()
			return result, err
		}
		if halt {
			break
		}
	}

	metrics.QueueDrainsTotal.WithLabelValues("ok").Inc()
	s.logger.InfowCtx(ctx, "Drain finished",
		"identity_id", identityID,
		"processed", result.Processed,
		"succeeded", result.Succeeded,
		"failed", result.Failed,
	)
	return result, nil
}

// processClaimed attempts delivery for one Processing message. The returned
// halt flag stops the drain without error (backoff reschedule); a returned
// error aborts the drain (credential failure).
func (s *Service) processClaimed(ctx context.Context, msg *QueuedMessage, result *models.DrainResult) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, constants.DeliveryTimeout)
	deliverErr := s.deliverer.DeliverQueued(attemptCtx, msg)
	cancel()

	if deliverErr == nil {
		completed, err := s.repo.MarkCompleted(ctx, msg.ID)
		if err != nil {
			return false, err
		}
		if !completed {
			// Cancelled mid-flight; the conditional write lost, which is
			// success from the drain's point of view.
			s.logger.InfowCtx(ctx, "Message cancelled during delivery",
				"identity_id", msg.IdentityID,
				"message_id", msg.MessageID,
			)
			return false, nil
		}
		result.Succeeded++
		metrics.QueueMessagesTotal.WithLabelValues(string(StatusCompleted)).Inc()
		return false, nil
	}

	if pkgerrors.IsCredential(deliverErr) {
		if _, err := s.repo.RevertToPending(ctx, msg.ID, deliverErr.Error()); err != nil {
			return false, err
		}
		result.Processed--
		s.logger.WarnwCtx(ctx, "Drain aborted, credential failure",
			"identity_id", msg.IdentityID,
			"message_id", msg.MessageID,
			"error", deliverErr,
		)
		return false, fmt.Errorf("credential failure draining identity %s: %w", msg.IdentityID, deliverErr)
	}

	if pkgerrors.IsPermanentDelivery(deliverErr) {
		return false, s.failMessage(ctx, msg, result, deliverErr)
	}

	// Transient failure: reschedule with backoff, or fail after the last
	// allowed attempt.
	attempt := msg.RetryCount + 1
	if attempt >= s.policy.MaxAttempts {
		return false, s.failMessage(ctx, msg, result, deliverErr)
	}

	delay := retry.CalculateBackoffDuration(attempt, s.policy.InitialDelay, s.policy.Multiplier, s.policy.MaxDelay)
	rescheduled, err := s.repo.Reschedule(ctx, msg.ID, attempt, time.Now().Add(delay), deliverErr.Error())
	if err != nil {
		return false, err
	}
	if rescheduled {
		metrics.RetryAttemptsTotal.WithLabelValues("retry-queue", msg.IdentityID).Inc()
		s.logger.InfowCtx(ctx, "Message rescheduled after transient failure",
			"identity_id", msg.IdentityID,
			"message_id", msg.MessageID,
			"retry_count", attempt,
			"next_attempt_in", delay.String(),
		)
	}
	// The rescheduled message is now the oldest due item in the future;
	// continuing would process younger messages ahead of it.
	return true, nil
}

func (s *Service) failMessage(ctx context.Context, msg *QueuedMessage, result *models.DrainResult, cause error) error {
	failed, err := s.repo.MarkFailed(ctx, msg.ID, cause.Error())
	if err != nil {
		return err
	}
	if failed {
		result.Failed++
		metrics.QueueMessagesTotal.WithLabelValues(string(StatusFailed)).Inc()
		s.logger.ErrorwCtx(ctx, "Message failed permanently",
			"identity_id", msg.IdentityID,
			"message_id", msg.MessageID,
			"retry_count", msg.RetryCount,
			"error", cause,
		)
	}
	return nil
}

// DrainAll drains every identity that has pending messages and a usable
// credential, with bounded parallelism across identities. One identity's
// failure does not stop the others.
func (s *Service) DrainAll(ctx context.Context) (models.DrainResult, error) {
	identities, err := s.repo.PendingIdentities(ctx)
	if err != nil {
		return models.DrainResult{}, err
	}

	var (
		mu    sync.Mutex
		total models.DrainResult
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)

	for _, identityID := range identities {
		identityID := identityID
		g.Go(func() error {
			if s.creds != nil && !s.creds.Usable(gctx, identityID) {
				// An attempt would only burn a claim/revert round-trip per
				// message; the post-renewal drain picks this queue up.
				s.logger.DebugwCtx(gctx, "Skipping identity without usable credential",
					"identity_id", identityID,
				)
				return nil
			}
			result, err := s.Drain(gctx, identityID)
			mu.Lock()
			total = total.Add(result)
			mu.Unlock()
			if err != nil {
				// Credential failures are expected here; log and keep
				// draining the other identities.
				s.logger.WarnwCtx(gctx, "Identity drain incomplete",
					"identity_id", identityID,
					"error", err,
				)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

// Cancel administratively removes a message from replay. Only Pending and
// Processing messages can be cancelled; a Processing cancel is advisory, the
// in-flight attempt finishes and its terminal write simply loses the race.
func (s *Service) Cancel(ctx context.Context, identityID, messageID string) error {
	cancelled, err := s.repo.Cancel(ctx, identityID, messageID)
	if err != nil {
		return err
	}
	if cancelled {
		metrics.QueueMessagesTotal.WithLabelValues(string(StatusCancelled)).Inc()
		s.updateDepthGauge(ctx, identityID)
		s.logger.InfowCtx(ctx, "Message cancelled",
			"identity_id", identityID,
			"message_id", messageID,
		)
		return nil
	}

	msg, err := s.repo.Get(ctx, identityID, messageID)
	if err != nil {
		return err
	}
	return pkgerrors.ErrConflict.WithDetail("message",
		fmt.Sprintf("message is already %s", msg.Status))
}

func (s *Service) Get(ctx context.Context, identityID, messageID string) (*QueuedMessage, error) {
	return s.repo.Get(ctx, identityID, messageID)
}

func (s *Service) List(ctx context.Context, identityID string, status Status, limit int) ([]QueuedMessage, error) {
	return s.repo.ListByIdentity(ctx, identityID, status, limit)
}

func (s *Service) updateDepthGauge(ctx context.Context, identityID string) {
	count, err := s.repo.CountPending(ctx, identityID)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues(identityID).Set(float64(count))
}
