package rules

import (
	"context"
	"sync"
	"time"

	pkgerrors "courier/pkg/errors"
)

type cacheEntry struct {
	rule      *RoutingRule
	miss      bool
	expiresAt time.Time
}

// CachedRepository is a bounded-TTL read-through cache over a Repository.
// Only the GetEnabled resolution path is cached; misses are cached too, since
// most lookups in the precedence chain find nothing. Write operations
// delegate to the inner repository and invalidate the affected pattern.
// Cross-process invalidation happens via rule change events handled by the
// consuming service, which calls InvalidateAll.
type CachedRepository struct {
	inner Repository
	ttl   time.Duration

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCachedRepository(inner Repository, ttl time.Duration) *CachedRepository {
	return &CachedRepository{
		inner:   inner,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *CachedRepository) GetEnabled(ctx context.Context, pattern string) (*RoutingRule, error) {
	c.mu.RLock()
	entry, ok := c.entries[pattern]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		if entry.miss {
			return nil, pkgerrors.ErrNotFound.WithDetail("pattern", pattern)
		}
		copied := *entry.rule
		return &copied, nil
	}

	rule, err := c.inner.GetEnabled(ctx, pattern)
	if err != nil {
		if pkgerrors.IsNotFound(err) {
			c.store(pattern, cacheEntry{miss: true, expiresAt: time.Now().Add(c.ttl)})
		}
		// Store errors are never cached, the next lookup retries.
		return nil, err
	}

	copied := *rule
	c.store(pattern, cacheEntry{rule: &copied, expiresAt: time.Now().Add(c.ttl)})
	return rule, nil
}

func (c *CachedRepository) store(pattern string, entry cacheEntry) {
	c.mu.Lock()
	c.entries[pattern] = entry
	c.mu.Unlock()
}

func (c *CachedRepository) Invalidate(pattern string) {
	c.mu.Lock()
	delete(c.entries, pattern)
	c.mu.Unlock()
}

func (c *CachedRepository) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

func (c *CachedRepository) Create(ctx context.Context, rule *RoutingRule) error {
	if err := c.inner.Create(ctx, rule); err != nil {
		return err
	}
	c.Invalidate(rule.Pattern)
	return nil
}

func (c *CachedRepository) Get(ctx context.Context, id string) (*RoutingRule, error) {
	return c.inner.Get(ctx, id)
}

func (c *CachedRepository) List(ctx context.Context) ([]RoutingRule, error) {
	return c.inner.List(ctx)
}

func (c *CachedRepository) Update(ctx context.Context, rule *RoutingRule) error {
	if err := c.inner.Update(ctx, rule); err != nil {
		return err
	}
	// The update may have changed the pattern, so drop everything.
	c.InvalidateAll()
	return nil
}

func (c *CachedRepository) Delete(ctx context.Context, id string) error {
	if err := c.inner.Delete(ctx, id); err != nil {
		return err
	}
	c.InvalidateAll()
	return nil
}
