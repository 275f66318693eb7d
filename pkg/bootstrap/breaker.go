package bootstrap

import (
	"github.com/sony/gobreaker"

	"courier/internal/config"
	"courier/pkg/circuitbreaker"
)

// NewDeliveryBreaker builds the breaker guarding the delivery transport. A
// disabled breaker still wraps the call so the metrics stay wired, it just
// never trips.
func NewDeliveryBreaker(cfg config.CircuitBreakerConfig) *circuitbreaker.Wrapper {
	bc := circuitbreaker.DefaultConfig("delivery")

	if !cfg.Enabled {
		bc.ReadyToTrip = func(counts gobreaker.Counts) bool { return false }
		return circuitbreaker.NewWrapper(bc)
	}

	if cfg.MaxRequests > 0 {
		bc.MaxRequests = cfg.MaxRequests
	}
	if cfg.Interval > 0 {
		bc.Interval = cfg.Interval
	}
	if cfg.Timeout > 0 {
		bc.Timeout = cfg.Timeout
	}
	if cfg.FailureRatio > 0 {
		minRequests := cfg.MinRequests
		if minRequests == 0 {
			minRequests = 3
		}
		bc.ReadyToTrip = func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= minRequests && failureRatio >= cfg.FailureRatio
		}
	}

	return circuitbreaker.NewWrapper(bc)
}
