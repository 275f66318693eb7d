package rules

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type fakeRepository struct {
	mu      sync.Mutex
	rules   map[string]*RoutingRule
	failAll bool
	lookups []string
}

func newFakeRepository(rules ...*RoutingRule) *fakeRepository {
	repo := &fakeRepository{rules: make(map[string]*RoutingRule)}
	for _, rule := range rules {
		repo.rules[rule.Pattern] = rule
	}
	return repo
}

func (f *fakeRepository) GetEnabled(ctx context.Context, pattern string) (*RoutingRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lookups = append(f.lookups, pattern)
	if f.failAll {
		return nil, errors.New("connection refused")
	}

	rule, ok := f.rules[pattern]
	if !ok || !rule.Enabled {
		return nil, pkgerrors.ErrNotFound.WithDetail("pattern", pattern)
	}
	return rule, nil
}

func (f *fakeRepository) Create(ctx context.Context, rule *RoutingRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.Pattern] = rule
	return nil
}

func (f *fakeRepository) Get(ctx context.Context, id string) (*RoutingRule, error) {
	return nil, pkgerrors.ErrNotFound
}

func (f *fakeRepository) List(ctx context.Context) ([]RoutingRule, error) {
	return nil, nil
}

func (f *fakeRepository) Update(ctx context.Context, rule *RoutingRule) error {
	return nil
}

func (f *fakeRepository) Delete(ctx context.Context, id string) error {
	return nil
}

func enabledRule(pattern string, action models.Action, target string) *RoutingRule {
	return &RoutingRule{ID: pattern, Pattern: pattern, Action: action, Target: target, Enabled: true}
}

func disabledRule(pattern string, action models.Action) *RoutingRule {
	return &RoutingRule{ID: pattern, Pattern: pattern, Action: action, Enabled: false}
}

func TestResolver_ExactMatchWins(t *testing.T) {
	repo := newFakeRepository(
		enabledRule("user+x@example.com", models.ActionStore, ""),
		enabledRule("user@example.com", models.ActionForward, "other@example.com"),
		enabledRule("*@example.com", models.ActionForward, "catchall@example.com"),
		enabledRule("*", models.ActionBounce, ""),
	)
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "user+x@example.com")

	assert.Equal(t, "user+x@example.com", decision.MatchedPattern)
	assert.Equal(t, models.ActionStore, decision.Action)
}

func TestResolver_DisabledRuleFallsThrough(t *testing.T) {
	repo := newFakeRepository(
		disabledRule("user+x@example.com", models.ActionStore),
		enabledRule("user@example.com", models.ActionForward, "other@example.com"),
		enabledRule("*@example.com", models.ActionForward, "catchall@example.com"),
		enabledRule("*", models.ActionBounce, ""),
	)
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "user+x@example.com")

	assert.Equal(t, "user@example.com", decision.MatchedPattern)
	assert.Equal(t, models.ActionForward, decision.Action)
	assert.Equal(t, "other@example.com", decision.Target)
}

func TestResolver_TwoDisabledLevelsFallToDomainWildcard(t *testing.T) {
	repo := newFakeRepository(
		disabledRule("user+x@example.com", models.ActionStore),
		disabledRule("user@example.com", models.ActionForward),
		enabledRule("*@example.com", models.ActionForward, "catchall@example.com"),
		enabledRule("*", models.ActionBounce, ""),
	)
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "user+x@example.com")

	assert.Equal(t, "*@example.com", decision.MatchedPattern)
	assert.Equal(t, "catchall@example.com", decision.Target)
}

func TestResolver_GlobalWildcardFallback(t *testing.T) {
	repo := newFakeRepository(
		enabledRule("*", models.ActionBounce, ""),
	)
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "new@unknown-domain.com")

	assert.Equal(t, "*", decision.MatchedPattern)
	assert.Equal(t, models.ActionBounce, decision.Action)
}

func TestResolver_PlusAddressingNormalization(t *testing.T) {
	repo := newFakeRepository(
		enabledRule("user@example.com", models.ActionForward, "dest@example.com"),
	)
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "user+newsletter@example.com")

	assert.Equal(t, "user+newsletter@example.com", decision.Recipient)
	assert.Equal(t, "user@example.com", decision.NormalizedRecipient)
	assert.Equal(t, "user@example.com", decision.MatchedPattern)
	assert.Equal(t, models.ActionForward, decision.Action)
}

func TestResolver_StoreUnavailableDegradesToBounce(t *testing.T) {
	repo := newFakeRepository()
	repo.failAll = true
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "user@example.com")

	assert.Equal(t, models.FallbackPattern, decision.MatchedPattern)
	assert.Equal(t, models.ActionBounce, decision.Action)
	// The chain stops at the first failed lookup.
	assert.Len(t, repo.lookups, 1)
}

func TestResolver_NoRuleAnywhereBouncesWithFallbackSentinel(t *testing.T) {
	repo := newFakeRepository()
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "user@example.com")

	assert.Equal(t, models.FallbackPattern, decision.MatchedPattern)
	assert.Equal(t, models.ActionBounce, decision.Action)
	assert.NotEmpty(t, decision.Action, "resolution must be total")
}

func TestResolver_ForwardWithoutTargetDefaultsToNormalizedRecipient(t *testing.T) {
	repo := newFakeRepository(
		enabledRule("*@example.com", models.ActionForward, ""),
	)
	resolver := NewResolver(repo, logger.NopLogger())

	decision := resolver.Resolve(context.Background(), "User+tag@Example.com")

	assert.Equal(t, models.ActionForward, decision.Action)
	assert.Equal(t, "user@example.com", decision.Target)
}

func TestResolver_SkipsDuplicateLookups(t *testing.T) {
	repo := newFakeRepository(
		enabledRule("*", models.ActionBounce, ""),
	)
	resolver := NewResolver(repo, logger.NopLogger())

	resolver.Resolve(context.Background(), "plain@example.com")

	require.Equal(t, []string{"plain@example.com", "*@example.com", "*"}, repo.lookups)
}

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"user+tag@example.com", "user@example.com"},
		{"User@Example.COM", "user@example.com"},
		{"  user@example.com  ", "user@example.com"},
		{"user+a+b@example.com", "user@example.com"},
		{"+weird@example.com", "+weird@example.com"},
		{"no-at-sign", "no-at-sign"},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeAddress(tc.in), "input %q", tc.in)
	}
}

func TestDomainWildcard(t *testing.T) {
	assert.Equal(t, "*@example.com", DomainWildcard("user@Example.com"))
	assert.Equal(t, "", DomainWildcard("no-at-sign"))
	assert.Equal(t, "", DomainWildcard("trailing@"))
}
