package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"courier/internal/constants"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// Drainer replays an identity's retry queue. Renewal calls it synchronously
// so parked messages resume without waiting for the next periodic scan.
type Drainer interface {
	Drain(ctx context.Context, identityID string) (models.DrainResult, error)
}

var alertRank = map[string]int{
	"":                        0,
	models.AlertExpiringSoon:  1,
	models.AlertExpiryUrgent:  2,
	models.AlertExpired:       3,
}

// alertTier maps remaining credential lifetime to the alert that should have
// fired by now. Tiers only escalate within one credential generation.
func alertTier(expiresAt, now time.Time) string {
	remaining := expiresAt.Sub(now)
	switch {
	case remaining <= 0:
		return models.AlertExpired
	case remaining < constants.ExpiryUrgentThreshold:
		return models.AlertExpiryUrgent
	case remaining < constants.ExpiryWarnThreshold:
		return models.AlertExpiringSoon
	default:
		return ""
	}
}

type Service struct {
	repo        Repository
	secretStore SecretStore
	notifier    Notifier
	drainer     Drainer
	cache       *redis.Client
	logger      logger.Logger
}

func NewService(repo Repository, secretStore SecretStore, notifier Notifier, drainer Drainer, cache *redis.Client, log logger.Logger) *Service {
	return &Service{
		repo:        repo,
		secretStore: secretStore,
		notifier:    notifier,
		drainer:     drainer,
		cache:       cache,
		logger:      log,
	}
}

// SetDrainer installs the post-renewal drainer. The credential service, the
// retry queue and the delivery service reference each other, so one of the
// edges has to be bound after construction.
func (s *Service) SetDrainer(d Drainer) {
	s.drainer = d
}

// Register creates or replaces an identity's credential record.
func (s *Service) Register(ctx context.Context, identityID, secretRef string, expiresAt time.Time) (*CredentialRecord, error) {
	record := &CredentialRecord{
		IdentityID: identityID,
		SecretRef:  secretRef,
		ExpiresAt:  expiresAt,
		Status:     ComputeStatus(expiresAt, time.Now()),
	}
	if err := s.repo.Upsert(ctx, record); err != nil {
		return nil, err
	}
	s.invalidateToken(ctx, identityID)

	s.logger.InfowCtx(ctx, "Credential registered",
		"identity_id", identityID,
		"expires_at", expiresAt,
		"status", record.Status,
	)
	return record, nil
}

func (s *Service) Get(ctx context.Context, identityID string) (*CredentialRecord, error) {
	return s.repo.Get(ctx, identityID)
}

func (s *Service) List(ctx context.Context) ([]CredentialRecord, error) {
	return s.repo.List(ctx)
}

// CheckExpiration recomputes the identity's credential status from remaining
// lifetime, persists a detected transition, and emits the matching alert tier
// once. The status value is always derived from the clock; the stored status
// exists for inspection and alert bookkeeping.
func (s *Service) CheckExpiration(ctx context.Context, identityID string) (CredentialStatus, error) {
	record, err := s.repo.Get(ctx, identityID)
	if err != nil {
		return "", err
	}
	return s.checkRecord(ctx, record), nil
}

func (s *Service) checkRecord(ctx context.Context, record *CredentialRecord) CredentialStatus {
	now := time.Now()
	status := ComputeStatus(record.ExpiresAt, now)
	tier := alertTier(record.ExpiresAt, now)

	if status == record.Status && tier == record.LastAlert {
		return status
	}
	if alertRank[tier] < alertRank[record.LastAlert] {
		// The record was renewed between listing and checking.
		return status
	}

	changed, err := s.repo.SetStatus(ctx, record.IdentityID, status, tier)
	if err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to persist credential status",
			"identity_id", record.IdentityID,
			"error", err,
		)
		return status
	}
	if !changed || tier == "" || tier == record.LastAlert {
		return status
	}

	if err := s.notifier.Alert(ctx, record.IdentityID, tier, record.ExpiresAt); err != nil {
		s.logger.ErrorwCtx(ctx, "Failed to emit credential alert",
			"identity_id", record.IdentityID,
			"alert_type", tier,
			"error", err,
		)
		return status
	}

	s.logger.InfowCtx(ctx, "Credential alert emitted",
		"identity_id", record.IdentityID,
		"alert_type", tier,
		"expires_at", record.ExpiresAt,
	)
	return status
}

// Renew installs a new secret and expiry, resets the record to Valid, and
// synchronously drains the identity's retry queue. The drain is the point of
// renewal: messages parked behind the bad credential resume immediately.
func (s *Service) Renew(ctx context.Context, identityID, newSecretRef string, newExpiresAt time.Time) (*CredentialRecord, models.DrainResult, error) {
	record, err := s.repo.Renew(ctx, identityID, newSecretRef, newExpiresAt)
	if err != nil {
		return nil, models.DrainResult{}, err
	}

	s.invalidateToken(ctx, identityID)
	metrics.CredentialRenewalsTotal.Inc()

	s.logger.InfowCtx(ctx, "Credential renewed",
		"identity_id", identityID,
		"renewal_count", record.RenewalCount,
		"expires_at", newExpiresAt,
	)

	if s.drainer == nil {
		return record, models.DrainResult{}, nil
	}

	result, err := s.drainer.Drain(ctx, identityID)
	if err != nil {
		// The renewal itself succeeded; a drain failure is reported but does
		// not roll anything back.
		s.logger.ErrorwCtx(ctx, "Post-renewal drain incomplete",
			"identity_id", identityID,
			"error", err,
		)
	}
	return record, result, nil
}

// Usable reports whether the identity holds a credential that AccessToken
// would accept. A lookup failure counts as not usable; the caller loses one
// sweep cycle at worst.
func (s *Service) Usable(ctx context.Context, identityID string) bool {
	record, err := s.repo.Get(ctx, identityID)
	if err != nil {
		if !pkgerrors.IsNotFound(err) {
			s.logger.WarnwCtx(ctx, "Credential lookup failed",
				"identity_id", identityID,
				"error", err,
			)
		}
		return false
	}
	return ComputeStatus(record.ExpiresAt, time.Now()) != StatusExpired
}

// AccessToken returns a usable short-lived token for the identity, caching it
// until shortly before it expires.
func (s *Service) AccessToken(ctx context.Context, identityID string) (string, error) {
	record, err := s.repo.Get(ctx, identityID)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			return "", pkgerrors.ErrCredential.WithCause(err).WithDetail("identity_id", identityID)
		}
		return "", err
	}

	if ComputeStatus(record.ExpiresAt, time.Now()) == StatusExpired {
		return "", pkgerrors.ErrCredential.
			WithDetail("identity_id", identityID).
			WithDetail("message", "credential expired")
	}

	cacheKey := constants.CacheKeyPrefixToken + identityID
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil && cached != "" {
			return cached, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			s.logger.WarnwCtx(ctx, "Token cache read failed",
				"identity_id", identityID,
				"error", err,
			)
		}
	}

	token, err := s.secretStore.Exchange(ctx, record.SecretRef)
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		ttl := time.Duration(token.ExpiresIn) * time.Second
		if remaining := time.Until(record.ExpiresAt); remaining < ttl {
			ttl = remaining
		}
		if ttl > time.Minute {
			// Leave a margin so a cached token never outlives its validity.
			ttl -= time.Minute
		}
		if ttl > 0 {
			if err := s.cache.Set(ctx, cacheKey, token.Token, ttl).Err(); err != nil {
				s.logger.WarnwCtx(ctx, "Token cache write failed",
					"identity_id", identityID,
					"error", err,
				)
			}
		}
	}

	return token.Token, nil
}

func (s *Service) invalidateToken(ctx context.Context, identityID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, constants.CacheKeyPrefixToken+identityID).Err(); err != nil {
		s.logger.WarnwCtx(ctx, "Token cache invalidation failed",
			"identity_id", identityID,
			"error", err,
		)
	}
}
