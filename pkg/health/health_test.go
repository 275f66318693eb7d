package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticChecker struct {
	name string
	err  error
}

func (c staticChecker) Name() string                    { return c.name }
func (c staticChecker) Check(ctx context.Context) error { return c.err }

func TestCheck_AllHealthy(t *testing.T) {
	registry := NewCheckerRegistry()
	registry.Register(staticChecker{name: "postgresql"})
	registry.RegisterOptional(staticChecker{name: "redis"})

	h := registry.Check(context.Background())

	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, StatusHealthy, h.Checks["postgresql"].Status)
	assert.Equal(t, StatusHealthy, h.Checks["redis"].Status)
}

func TestCheck_OptionalFailureDegrades(t *testing.T) {
	registry := NewCheckerRegistry()
	registry.Register(staticChecker{name: "postgresql"})
	registry.RegisterOptional(staticChecker{name: "redis", err: errors.New("redis ping failed")})

	h := registry.Check(context.Background())

	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, StatusDegraded, h.Checks["redis"].Status)
	assert.Equal(t, "redis ping failed", h.Checks["redis"].Message)
}

func TestCheck_RequiredFailureWins(t *testing.T) {
	registry := NewCheckerRegistry()
	registry.Register(staticChecker{name: "postgresql", err: errors.New("postgresql ping failed")})
	registry.RegisterOptional(staticChecker{name: "redis", err: errors.New("redis ping failed")})

	h := registry.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Equal(t, StatusUnhealthy, h.Checks["postgresql"].Status)
	assert.Equal(t, StatusDegraded, h.Checks["redis"].Status)
}
