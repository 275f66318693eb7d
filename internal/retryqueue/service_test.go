package retryqueue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type memoryRepository struct {
	mu       sync.Mutex
	byID     map[string]*QueuedMessage
	uniqueID map[string]string // identity_id+message_id -> _id
}

func newMemoryRepository() *memoryRepository {
	return &memoryRepository{
		byID:     make(map[string]*QueuedMessage),
		uniqueID: make(map[string]string),
	}
}

func uniqueKey(identityID, messageID string) string {
	return identityID + "\x00" + messageID
}

func (m *memoryRepository) Insert(ctx context.Context, msg *QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := uniqueKey(msg.IdentityID, msg.MessageID)
	if _, exists := m.uniqueID[key]; exists {
		return pkgerrors.ErrConflict
	}
	copied := *msg
	m.byID[msg.ID] = &copied
	m.uniqueID[key] = msg.ID
	return nil
}

func (m *memoryRepository) RefreshActive(ctx context.Context, identityID, messageID, errorDetail string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.uniqueID[uniqueKey(identityID, messageID)]
	if !ok {
		return false, nil
	}
	msg := m.byID[id]
	if msg.Status != StatusPending && msg.Status != StatusProcessing {
		return false, nil
	}
	now := time.Now()
	msg.ErrorDetail = errorDetail
	msg.LastAttemptAt = &now
	msg.UpdatedAt = now
	return true, nil
}

func (m *memoryRepository) Get(ctx context.Context, identityID, messageID string) (*QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.uniqueID[uniqueKey(identityID, messageID)]
	if !ok {
		return nil, pkgerrors.ErrNotFound
	}
	copied := *m.byID[id]
	return &copied, nil
}

func (m *memoryRepository) ListPending(ctx context.Context, identityID string, limit int) ([]QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []QueuedMessage
	for _, msg := range m.byID {
		if msg.IdentityID == identityID && msg.Status == StatusPending {
			result = append(result, *msg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EnqueuedAt.Before(result[j].EnqueuedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryRepository) ListByIdentity(ctx context.Context, identityID string, status Status, limit int) ([]QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []QueuedMessage
	for _, msg := range m.byID {
		if msg.IdentityID != identityID {
			continue
		}
		if status != "" && msg.Status != status {
			continue
		}
		result = append(result, *msg)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EnqueuedAt.Before(result[j].EnqueuedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *memoryRepository) PendingIdentities(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var identities []string
	for _, msg := range m.byID {
		if msg.Status == StatusPending && !seen[msg.IdentityID] {
			seen[msg.IdentityID] = true
			identities = append(identities, msg.IdentityID)
		}
	}
	sort.Strings(identities)
	return identities, nil
}

func (m *memoryRepository) CountPending(ctx context.Context, identityID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for _, msg := range m.byID {
		if msg.IdentityID == identityID && msg.Status == StatusPending {
			count++
		}
	}
	return count, nil
}

func (m *memoryRepository) conditional(id string, from Status, mutate func(*QueuedMessage)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.byID[id]
	if !ok || msg.Status != from {
		return false, nil
	}
	mutate(msg)
	msg.UpdatedAt = time.Now()
	return true, nil
}

func (m *memoryRepository) MarkProcessing(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	return m.conditional(id, StatusPending, func(msg *QueuedMessage) {
		msg.Status = StatusProcessing
		msg.LastAttemptAt = &now
	})
}

func (m *memoryRepository) RevertToPending(ctx context.Context, id, errorDetail string) (bool, error) {
	return m.conditional(id, StatusProcessing, func(msg *QueuedMessage) {
		msg.Status = StatusPending
		msg.ErrorDetail = errorDetail
	})
}

func (m *memoryRepository) MarkCompleted(ctx context.Context, id string) (bool, error) {
	return m.conditional(id, StatusProcessing, func(msg *QueuedMessage) {
		msg.Status = StatusCompleted
		msg.ErrorDetail = ""
	})
}

func (m *memoryRepository) MarkFailed(ctx context.Context, id, errorDetail string) (bool, error) {
	return m.conditional(id, StatusProcessing, func(msg *QueuedMessage) {
		msg.Status = StatusFailed
		msg.ErrorDetail = errorDetail
	})
}

func (m *memoryRepository) Reschedule(ctx context.Context, id string, retryCount int, nextAttemptAt time.Time, errorDetail string) (bool, error) {
	return m.conditional(id, StatusProcessing, func(msg *QueuedMessage) {
		msg.Status = StatusPending
		msg.RetryCount = retryCount
		msg.NextAttemptAt = nextAttemptAt
		msg.ErrorDetail = errorDetail
	})
}

func (m *memoryRepository) Cancel(ctx context.Context, identityID, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.uniqueID[uniqueKey(identityID, messageID)]
	if !ok {
		return false, nil
	}
	msg := m.byID[id]
	if msg.Status != StatusPending && msg.Status != StatusProcessing {
		return false, nil
	}
	msg.Status = StatusCancelled
	msg.UpdatedAt = time.Now()
	return true, nil
}

type scriptedDeliverer struct {
	mu        sync.Mutex
	errors    map[string][]error // messageID -> errors returned per attempt
	delivered []string
}

func (d *scriptedDeliverer) DeliverQueued(ctx context.Context, msg *QueuedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.delivered = append(d.delivered, msg.MessageID)
	queue := d.errors[msg.MessageID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	d.errors[msg.MessageID] = queue[1:]
	return err
}

// staticGate marks the listed identities as holding a usable credential.
// A nil map allows everything.
type staticGate map[string]bool

func (g staticGate) Usable(ctx context.Context, identityID string) bool {
	if g == nil {
		return true
	}
	return g[identityID]
}

func newTestService(repo Repository, deliverer Deliverer) *Service {
	policy := Policy{
		InitialDelay: 30 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     15 * time.Minute,
		MaxAttempts:  3,
	}
	return NewService(repo, deliverer, staticGate(nil), policy, 2, logger.NopLogger())
}

func enqueueAt(t *testing.T, repo *memoryRepository, identityID, messageID string, enqueuedAt time.Time) {
	t.Helper()
	err := repo.Insert(context.Background(), &QueuedMessage{
		ID:            identityID + "/" + messageID,
		IdentityID:    identityID,
		MessageID:     messageID,
		Recipient:     "user@example.com",
		Destination:   "dest@example.com",
		PayloadRef:    models.PayloadRef{Bucket: "mail", Key: "raw/" + messageID},
		Status:        StatusPending,
		EnqueuedAt:    enqueuedAt,
		NextAttemptAt: enqueuedAt,
		CreatedAt:     enqueuedAt,
		UpdatedAt:     enqueuedAt,
	})
	require.NoError(t, err)
}

func TestEnqueue_Idempotent(t *testing.T) {
	repo := newMemoryRepository()
	svc := newTestService(repo, &scriptedDeliverer{})
	ctx := context.Background()
	ref := models.PayloadRef{Bucket: "mail", Key: "raw/m1"}

	require.NoError(t, svc.Enqueue(ctx, "u1", "m1", "user@example.com", "dest@example.com", ref, "token expired"))
	require.NoError(t, svc.Enqueue(ctx, "u1", "m1", "user@example.com", "dest@example.com", ref, "token still expired"))

	messages, err := repo.ListByIdentity(ctx, "u1", "", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "token still expired", messages[0].ErrorDetail)
	assert.Equal(t, StatusPending, messages[0].Status)
}

func TestEnqueue_TerminalRecordIsNoOp(t *testing.T) {
	repo := newMemoryRepository()
	svc := newTestService(repo, &scriptedDeliverer{})
	ctx := context.Background()

	enqueueAt(t, repo, "u1", "m1", time.Now().Add(-time.Hour))
	_, err := repo.MarkProcessing(ctx, "u1/m1")
	require.NoError(t, err)
	_, err = repo.MarkCompleted(ctx, "u1/m1")
	require.NoError(t, err)

	err = svc.Enqueue(ctx, "u1", "m1", "user@example.com", "dest@example.com", models.PayloadRef{Bucket: "mail", Key: "raw/m1"}, "late failure")
	require.NoError(t, err)

	msg, err := repo.Get(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, msg.Status, "completed record is never resurrected")
}

func TestDrain_ChronologicalOrder(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{}
	svc := newTestService(repo, deliverer)

	base := time.Now().Add(-time.Hour)
	enqueueAt(t, repo, "u1", "m2", base.Add(2*time.Minute))
	enqueueAt(t, repo, "u1", "m1", base.Add(time.Minute))
	enqueueAt(t, repo, "u1", "m3", base.Add(3*time.Minute))

	result, err := svc.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, models.DrainResult{Processed: 3, Succeeded: 3}, result)
	assert.Equal(t, []string{"m1", "m2", "m3"}, deliverer.delivered)
}

func TestDrain_CredentialFailureShortCircuits(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{errors: map[string][]error{
		"m2": {pkgerrors.ErrCredential.WithDetail("reason", "token revoked")},
	}}
	svc := newTestService(repo, deliverer)

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		enqueueAt(t, repo, "u1", id, base.Add(time.Duration(i)*time.Minute))
	}

	result, err := svc.Drain(context.Background(), "u1")
	require.Error(t, err)

	assert.Equal(t, []string{"m1", "m2"}, deliverer.delivered, "m3-m5 are never attempted")
	assert.Equal(t, 1, result.Succeeded)

	ctx := context.Background()
	for _, id := range []string{"m2", "m3", "m4", "m5"} {
		msg, err := repo.Get(ctx, "u1", id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, msg.Status, "message %s stays pending", id)
	}
	m1, err := repo.Get(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, m1.Status)
}

func TestDrain_TransientFailureReschedulesWithBackoff(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{errors: map[string][]error{
		"m1": {errors.New("rate limited")},
	}}
	svc := newTestService(repo, deliverer)

	base := time.Now().Add(-time.Hour)
	enqueueAt(t, repo, "u1", "m1", base)
	enqueueAt(t, repo, "u1", "m2", base.Add(time.Minute))

	result, err := svc.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"m1"}, deliverer.delivered, "drain halts behind the rescheduled head")
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Failed)

	msg, err := repo.Get(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)

	delay := time.Until(msg.NextAttemptAt)
	assert.InDelta(t, (30 * time.Second).Seconds(), delay.Seconds(), 2.0, "first retry backs off 30s")
}

func TestDrain_FailsAfterMaxAttempts(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{errors: map[string][]error{
		"m1": {errors.New("attempt 3 also fails")},
	}}
	svc := newTestService(repo, deliverer)

	enqueueAt(t, repo, "u1", "m1", time.Now().Add(-time.Hour))
	// Two transient failures already happened in earlier drains.
	m := repo.byID["u1/m1"]
	m.RetryCount = 2
	m.NextAttemptAt = time.Now().Add(-time.Minute)

	result, err := svc.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	msg, err := repo.Get(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, msg.Status, "a third failure is terminal, no fourth attempt")

	deliverer.delivered = nil
	result, err = svc.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Zero(t, result.Processed)
	assert.Empty(t, deliverer.delivered)
}

func TestDrain_PermanentFailureFailsImmediately(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{errors: map[string][]error{
		"m1": {pkgerrors.ErrPermanentDelivery.WithDetail("reason", "payload rejected")},
	}}
	svc := newTestService(repo, deliverer)

	base := time.Now().Add(-time.Hour)
	enqueueAt(t, repo, "u1", "m1", base)
	enqueueAt(t, repo, "u1", "m2", base.Add(time.Minute))

	result, err := svc.Drain(context.Background(), "u1")
	require.NoError(t, err)

	msg, err := repo.Get(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, msg.Status)
	assert.Zero(t, msg.RetryCount, "permanent failures skip the backoff schedule")

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Succeeded, "m2 still drains after m1 fails permanently")
}

func TestDrain_SkipsNotYetDueMessages(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{}
	svc := newTestService(repo, deliverer)

	enqueueAt(t, repo, "u1", "m1", time.Now().Add(-time.Hour))
	repo.byID["u1/m1"].NextAttemptAt = time.Now().Add(10 * time.Minute)
	enqueueAt(t, repo, "u1", "m2", time.Now().Add(-30*time.Minute))

	result, err := svc.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Zero(t, result.Processed, "drain waits behind the backed-off head of the queue")
	assert.Empty(t, deliverer.delivered)
}

func TestDrainAll_CoversEveryPendingIdentity(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{}
	svc := newTestService(repo, deliverer)

	base := time.Now().Add(-time.Hour)
	enqueueAt(t, repo, "u1", "m1", base)
	enqueueAt(t, repo, "u2", "m2", base)
	enqueueAt(t, repo, "u3", "m3", base)

	result, err := svc.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.DrainResult{Processed: 3, Succeeded: 3}, result)
}

func TestDrainAll_SkipsIdentitiesWithoutUsableCredential(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{}
	svc := newTestService(repo, deliverer)
	svc.creds = staticGate{"u1": true}

	base := time.Now().Add(-time.Hour)
	enqueueAt(t, repo, "u1", "m1", base)
	enqueueAt(t, repo, "u2", "m2", base)

	result, err := svc.DrainAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.DrainResult{Processed: 1, Succeeded: 1}, result)
	assert.Equal(t, []string{"m1"}, deliverer.delivered, "the expired identity is never attempted")

	m2, err := repo.Get(context.Background(), "u2", "m2")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m2.Status, "untouched until its credential is renewed")
}

func TestDrainAll_OneIdentityFailureDoesNotBlockOthers(t *testing.T) {
	repo := newMemoryRepository()
	deliverer := &scriptedDeliverer{errors: map[string][]error{
		"m1": {pkgerrors.ErrCredential},
	}}
	svc := newTestService(repo, deliverer)

	base := time.Now().Add(-time.Hour)
	enqueueAt(t, repo, "u1", "m1", base)
	enqueueAt(t, repo, "u2", "m2", base)

	result, err := svc.DrainAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)

	m2, err := repo.Get(context.Background(), "u2", "m2")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, m2.Status)
}

func TestCancel(t *testing.T) {
	repo := newMemoryRepository()
	svc := newTestService(repo, &scriptedDeliverer{})
	ctx := context.Background()

	enqueueAt(t, repo, "u1", "m1", time.Now().Add(-time.Hour))

	require.NoError(t, svc.Cancel(ctx, "u1", "m1"))
	msg, err := repo.Get(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, msg.Status)

	err = svc.Cancel(ctx, "u1", "m1")
	assert.True(t, pkgerrors.IsConflict(err), "terminal messages cannot be cancelled again")

	err = svc.Cancel(ctx, "u1", "missing")
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestDrain_CancelledMidFlightTreatedAsSuccess(t *testing.T) {
	repo := newMemoryRepository()
	cancelling := &cancellingDeliverer{repo: repo}
	svc := newTestService(repo, cancelling)

	enqueueAt(t, repo, "u1", "m1", time.Now().Add(-time.Hour))

	result, err := svc.Drain(context.Background(), "u1")
	require.NoError(t, err, "losing the terminal conditional write to a cancel is not an error")
	assert.Equal(t, 1, result.Processed)
	assert.Zero(t, result.Succeeded)

	msg, err := repo.Get(context.Background(), "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, msg.Status)
}

// cancellingDeliverer simulates an administrative cancel racing an in-flight
// delivery: the delivery succeeds but the message was cancelled meanwhile.
type cancellingDeliverer struct {
	repo *memoryRepository
}

func (d *cancellingDeliverer) DeliverQueued(ctx context.Context, msg *QueuedMessage) error {
	d.repo.mu.Lock()
	d.repo.byID[msg.ID].Status = StatusCancelled
	d.repo.mu.Unlock()
	return nil
}
