package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

func TestCachedRepository_ServesFromCache(t *testing.T) {
	inner := newFakeRepository(
		enabledRule("user@example.com", models.ActionForward, "dest@example.com"),
	)
	cached := NewCachedRepository(inner, time.Minute)
	ctx := context.Background()

	first, err := cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)

	second, err := cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, inner.lookups, 1)
}

func TestCachedRepository_CachesMisses(t *testing.T) {
	inner := newFakeRepository()
	cached := NewCachedRepository(inner, time.Minute)
	ctx := context.Background()

	_, err := cached.GetEnabled(ctx, "user@example.com")
	assert.True(t, pkgerrors.IsNotFound(err))

	_, err = cached.GetEnabled(ctx, "user@example.com")
	assert.True(t, pkgerrors.IsNotFound(err))

	assert.Len(t, inner.lookups, 1)
}

func TestCachedRepository_DoesNotCacheStoreErrors(t *testing.T) {
	inner := newFakeRepository()
	inner.failAll = true
	cached := NewCachedRepository(inner, time.Minute)
	ctx := context.Background()

	_, err := cached.GetEnabled(ctx, "user@example.com")
	require.Error(t, err)
	assert.False(t, pkgerrors.IsNotFound(err))

	_, err = cached.GetEnabled(ctx, "user@example.com")
	require.Error(t, err)

	assert.Len(t, inner.lookups, 2)
}

func TestCachedRepository_InvalidatePattern(t *testing.T) {
	inner := newFakeRepository(
		enabledRule("user@example.com", models.ActionForward, "dest@example.com"),
	)
	cached := NewCachedRepository(inner, time.Minute)
	ctx := context.Background()

	_, err := cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)

	cached.Invalidate("user@example.com")

	_, err = cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Len(t, inner.lookups, 2)
}

func TestCachedRepository_ExpiredEntryRefetches(t *testing.T) {
	inner := newFakeRepository(
		enabledRule("user@example.com", models.ActionForward, "dest@example.com"),
	)
	cached := NewCachedRepository(inner, time.Millisecond)
	ctx := context.Background()

	_, err := cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Len(t, inner.lookups, 2)
}

func TestCachedRepository_WritesInvalidate(t *testing.T) {
	rule := enabledRule("user@example.com", models.ActionForward, "dest@example.com")
	inner := newFakeRepository(rule)
	cached := NewCachedRepository(inner, time.Minute)
	ctx := context.Background()

	_, err := cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)

	require.NoError(t, cached.Update(ctx, rule))

	_, err = cached.GetEnabled(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Len(t, inner.lookups, 2)
}
