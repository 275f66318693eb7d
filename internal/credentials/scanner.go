package credentials

import (
	"context"
	"time"

	"courier/internal/logger"
)

// Scanner periodically walks every credential record and applies the expiry
// check, which emits the tiered alerts as credentials approach expiry.
type Scanner struct {
	service  *Service
	interval time.Duration
	logger   logger.Logger
}

func NewScanner(service *Service, interval time.Duration, log logger.Logger) *Scanner {
	return &Scanner{
		service:  service,
		interval: interval,
		logger:   log,
	}
}

func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Infow("Credential expiry scanner started", "interval", s.interval.String())

	// One pass at startup so a restart never delays overdue alerts by a
	// full interval.
	s.scan(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Credential expiry scanner stopped")
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scanner) scan(ctx context.Context) {
	records, err := s.service.List(ctx)
	if err != nil {
		s.logger.Errorw("Credential scan failed", "error", err)
		return
	}

	for i := range records {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.service.checkRecord(ctx, &records[i])
	}

	s.logger.Debugw("Credential scan finished", "records", len(records))
}
