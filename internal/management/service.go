package management

import (
	"context"
	"time"

	"courier/internal/credentials"
	"courier/internal/logger"
	"courier/internal/retryqueue"
	"courier/internal/rules"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

// QueueManager is the slice of the retry queue the management API exposes.
type QueueManager interface {
	List(ctx context.Context, identityID string, status retryqueue.Status, limit int) ([]retryqueue.QueuedMessage, error)
	Get(ctx context.Context, identityID, messageID string) (*retryqueue.QueuedMessage, error)
	Cancel(ctx context.Context, identityID, messageID string) error
	Drain(ctx context.Context, identityID string) (models.DrainResult, error)
	DrainAll(ctx context.Context) (models.DrainResult, error)
}

// CredentialManager is the credential lifecycle surface the API exposes.
type CredentialManager interface {
	Register(ctx context.Context, identityID, secretRef string, expiresAt time.Time) (*credentials.CredentialRecord, error)
	Get(ctx context.Context, identityID string) (*credentials.CredentialRecord, error)
	List(ctx context.Context) ([]credentials.CredentialRecord, error)
	Renew(ctx context.Context, identityID, newSecretRef string, newExpiresAt time.Time) (*credentials.CredentialRecord, models.DrainResult, error)
}

type Service struct {
	rules  rules.Repository
	queue  QueueManager
	creds  CredentialManager
	events *RuleEventProducer
	logger logger.Logger
}

func NewService(ruleRepo rules.Repository, queue QueueManager, creds CredentialManager, events *RuleEventProducer, log logger.Logger) *Service {
	return &Service{
		rules:  ruleRepo,
		queue:  queue,
		creds:  creds,
		events: events,
		logger: log,
	}
}

func (s *Service) CreateRule(ctx context.Context, req CreateRuleRequest, changedBy string) (*rules.RoutingRule, error) {
	if err := ValidateCreateRule(req); err != nil {
		return nil, pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error())
	}

	action, _ := models.ParseAction(req.Action)
	rule := &rules.RoutingRule{
		Pattern:     req.Pattern,
		Action:      action,
		Target:      req.Target,
		Enabled:     enabledValue(req.Enabled),
		Description: req.Description,
	}

	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}

	s.publishChange(ctx, models.ChangeCreate, rule.ID, rule.Pattern, changedBy)
	return rule, nil
}

func (s *Service) GetRule(ctx context.Context, id string) (*rules.RoutingRule, error) {
	return s.rules.Get(ctx, id)
}

func (s *Service) ListRules(ctx context.Context) ([]rules.RoutingRule, error) {
	return s.rules.List(ctx)
}

func (s *Service) UpdateRule(ctx context.Context, id string, req UpdateRuleRequest, changedBy string) (*rules.RoutingRule, error) {
	if err := ValidateUpdateRule(req); err != nil {
		return nil, pkgerrors.ErrValidation.WithCause(err).WithDetail("message", err.Error())
	}

	rule, err := s.rules.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	oldPattern := rule.Pattern
	if req.Pattern != nil {
		rule.Pattern = *req.Pattern
	}
	if req.Action != nil {
		action, _ := models.ParseAction(*req.Action)
		rule.Action = action
	}
	if req.Target != nil {
		rule.Target = *req.Target
	}
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	if req.Description != nil {
		rule.Description = *req.Description
	}

	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}

	s.publishChange(ctx, models.ChangeUpdate, rule.ID, rule.Pattern, changedBy)
	if oldPattern != rule.Pattern {
		// Routers cache by pattern, so the old key needs invalidation too.
		s.publishChange(ctx, models.ChangeUpdate, rule.ID, oldPattern, changedBy)
	}
	return rule, nil
}

func (s *Service) DeleteRule(ctx context.Context, id, changedBy string) error {
	rule, err := s.rules.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.rules.Delete(ctx, id); err != nil {
		return err
	}

	s.publishChange(ctx, models.ChangeDelete, id, rule.Pattern, changedBy)
	return nil
}

func (s *Service) publishChange(ctx context.Context, change, ruleID, pattern, changedBy string) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishRuleChange(ctx, change, ruleID, pattern, changedBy); err != nil {
		// The write already committed; routers fall back to cache TTL expiry.
		s.logger.ErrorwCtx(ctx, "Failed to publish rule change event",
			"rule_id", ruleID,
			"change", change,
			"error", err,
		)
	}
}

func (s *Service) ListQueue(ctx context.Context, identityID string, status retryqueue.Status, limit int) ([]retryqueue.QueuedMessage, error) {
	return s.queue.List(ctx, identityID, status, limit)
}

func (s *Service) GetQueuedMessage(ctx context.Context, identityID, messageID string) (*retryqueue.QueuedMessage, error) {
	return s.queue.Get(ctx, identityID, messageID)
}

func (s *Service) CancelQueuedMessage(ctx context.Context, identityID, messageID string) error {
	return s.queue.Cancel(ctx, identityID, messageID)
}

func (s *Service) DrainIdentity(ctx context.Context, identityID string) (models.DrainResult, error) {
	return s.queue.Drain(ctx, identityID)
}

func (s *Service) DrainAll(ctx context.Context) (models.DrainResult, error) {
	return s.queue.DrainAll(ctx)
}

func (s *Service) RegisterCredential(ctx context.Context, req RegisterCredentialRequest) (*credentials.CredentialRecord, error) {
	return s.creds.Register(ctx, req.IdentityID, req.SecretRef, req.ExpiresAt)
}

func (s *Service) GetCredential(ctx context.Context, identityID string) (*credentials.CredentialRecord, error) {
	return s.creds.Get(ctx, identityID)
}

func (s *Service) ListCredentials(ctx context.Context) ([]credentials.CredentialRecord, error) {
	return s.creds.List(ctx)
}

func (s *Service) RenewCredential(ctx context.Context, identityID string, req RenewCredentialRequest) (*credentials.CredentialRecord, models.DrainResult, error) {
	return s.creds.Renew(ctx, identityID, req.SecretRef, req.ExpiresAt)
}

func enabledValue(enabled *bool) bool {
	if enabled == nil {
		return true
	}
	return *enabled
}
