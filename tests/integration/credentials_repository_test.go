package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/credentials"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

func TestCredentialRepository_UpsertPreservesHistory(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	ctx := context.Background()
	repo := credentials.NewRepository(infra.MongoDB)

	expiresAt := time.Now().Add(72 * time.Hour)
	record := &credentials.CredentialRecord{
		IdentityID: "acct-1",
		SecretRef:  "vault:acct-1:v1",
		ExpiresAt:  expiresAt,
		Status:     credentials.StatusValid,
	}
	require.NoError(t, repo.Upsert(ctx, record))

	renewed, err := repo.Renew(ctx, "acct-1", "vault:acct-1:v2", time.Now().Add(96*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewalCount)

	// Re-registering replaces the secret but keeps the renewal count.
	record.SecretRef = "vault:acct-1:v3"
	require.NoError(t, repo.Upsert(ctx, record))

	stored, err := repo.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "vault:acct-1:v3", stored.SecretRef)
	assert.Equal(t, 1, stored.RenewalCount)
}

func TestCredentialRepository_SetStatusAlertOncePerTier(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	ctx := context.Background()
	repo := credentials.NewRepository(infra.MongoDB)

	require.NoError(t, repo.Upsert(ctx, &credentials.CredentialRecord{
		IdentityID: "acct-1",
		SecretRef:  "vault:acct-1:v1",
		ExpiresAt:  time.Now().Add(12 * time.Hour),
		Status:     credentials.StatusValid,
	}))

	changed, err := repo.SetStatus(ctx, "acct-1", credentials.StatusExpiringSoon, models.AlertExpiringSoon)
	require.NoError(t, err)
	assert.True(t, changed)

	// A concurrent scanner observing the same tier loses the write.
	changed, err = repo.SetStatus(ctx, "acct-1", credentials.StatusExpiringSoon, models.AlertExpiringSoon)
	require.NoError(t, err)
	assert.False(t, changed)

	// A new tier matches again.
	changed, err = repo.SetStatus(ctx, "acct-1", credentials.StatusExpiringSoon, models.AlertExpiryUrgent)
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestCredentialRepository_RenewResetsAlertState(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	ctx := context.Background()
	repo := credentials.NewRepository(infra.MongoDB)

	require.NoError(t, repo.Upsert(ctx, &credentials.CredentialRecord{
		IdentityID: "acct-1",
		SecretRef:  "vault:acct-1:v1",
		ExpiresAt:  time.Now().Add(-time.Hour),
		Status:     credentials.StatusExpired,
	}))

	_, err := repo.SetStatus(ctx, "acct-1", credentials.StatusExpired, models.AlertExpired)
	require.NoError(t, err)

	newExpiry := time.Now().Add(30 * 24 * time.Hour)
	renewed, err := repo.Renew(ctx, "acct-1", "vault:acct-1:v2", newExpiry)
	require.NoError(t, err)
	assert.Equal(t, credentials.StatusValid, renewed.Status)
	assert.Equal(t, "vault:acct-1:v2", renewed.SecretRef)
	assert.Empty(t, renewed.LastAlert)
	assert.WithinDuration(t, newExpiry, renewed.ExpiresAt, time.Second)
}

func TestCredentialRepository_RenewUnknownIdentity(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, false, true, false)

	ctx := context.Background()
	repo := credentials.NewRepository(infra.MongoDB)

	_, err := repo.Renew(ctx, "ghost", "vault:ghost:v1", time.Now().Add(time.Hour))
	assert.True(t, pkgerrors.IsNotFound(err))
}
