package gate

import (
	"context"

	"courier/internal/config"
	"courier/internal/constants"
	"courier/internal/logger"
	pkgcel "courier/pkg/cel"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

const (
	decisionAllow = "allow"
	decisionDeny  = "deny"
	decisionError = "error"
)

// Service is the verdict gate: a single configured CEL expression that
// decides whether an inbound event proceeds to routing at all. Events the
// gate denies are bounced without any rule resolution.
//
// An empty expression disables the gate (everything passes). When the
// expression fails to evaluate, the configured on-error policy decides.
type Service struct {
	program *pkgcel.Program
	onError string
	logger  logger.Logger
}

func NewService(cfg config.GateConfig, log logger.Logger) (*Service, error) {
	svc := &Service{
		onError: cfg.OnError,
		logger:  log,
	}
	if svc.onError == "" {
		svc.onError = constants.GateFallbackDeny
	}

	if cfg.Expression != "" {
		evaluator, err := pkgcel.NewEvaluator()
		if err != nil {
			return nil, err
		}
		program, err := evaluator.Compile(cfg.Expression)
		if err != nil {
			return nil, err
		}
		svc.program = program
	}

	return svc, nil
}

// Allow reports whether the event may enter the routing pipeline.
func (s *Service) Allow(ctx context.Context, event *models.InboundEvent) bool {
	if s.program == nil {
		metrics.GateDecisionsTotal.WithLabelValues(decisionAllow).Inc()
		return true
	}

	allowed, err := s.program.Evaluate(ctx, event)
	if err != nil {
		metrics.GateDecisionsTotal.WithLabelValues(decisionError).Inc()
		fallbackAllow := s.onError == constants.GateFallbackAllow
		s.logger.WarnwCtx(ctx, "Gate expression evaluation failed, applying fallback policy",
			"message_id", event.MessageID,
			"fallback_allow", fallbackAllow,
			"error", err,
		)
		return fallbackAllow
	}

	if allowed {
		metrics.GateDecisionsTotal.WithLabelValues(decisionAllow).Inc()
	} else {
		metrics.GateDecisionsTotal.WithLabelValues(decisionDeny).Inc()
	}
	return allowed
}
