package delivery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/broker"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
	"courier/pkg/retry"
)

type recordingEnqueuer struct {
	mu       sync.Mutex
	enqueued []string // identityID
	err      error
}

func (r *recordingEnqueuer) Enqueue(ctx context.Context, identityID, messageID, recipient, destination string, payloadRef models.PayloadRef, errorDetail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.enqueued = append(r.enqueued, identityID)
	return nil
}

func forwardMessage(t *testing.T, targets ...models.Target) broker.Message {
	t.Helper()
	envelope := models.ActionEnvelope{
		MessageID:  "m1",
		Action:     models.ActionForward,
		ReceivedAt: time.Now(),
		PayloadRef: testRef(),
		Group:      models.ActionGroup{Count: len(targets), Targets: targets},
	}
	value, err := json.Marshal(envelope)
	require.NoError(t, err)
	return broker.Message{Topic: "deliver_forward", Key: "m1", Value: value}
}

func newTestHandler(transportErr error, queue Enqueuer) (*Handler, *fakeTransport, *fakePayloads) {
	payloads := newFakePayloads()
	_ = payloads.Put(context.Background(), testRef(), []byte("raw"), "")
	transport := &fakeTransport{err: transportErr}
	svc := newTestDeliveryService(&fakeTokens{token: "tok"}, transport, payloads, false)
	return NewHandler(svc, queue, logger.NopLogger()), transport, payloads
}

func TestHandleForward_DeliversAllTargets(t *testing.T) {
	queue := &recordingEnqueuer{}
	handler, transport, _ := newTestHandler(nil, queue)

	msg := forwardMessage(t,
		models.Target{Recipient: "a@example.com", Destination: "x@example.com"},
		models.Target{Recipient: "b@example.com", Destination: "y@example.com"},
	)

	require.NoError(t, handler.HandleForward(context.Background(), msg))
	assert.Len(t, transport.attempts, 2)
	assert.Empty(t, queue.enqueued)
}

func TestHandleForward_CredentialFailureEnqueues(t *testing.T) {
	queue := &recordingEnqueuer{}
	handler, _, _ := newTestHandler(pkgerrors.ErrCredential, queue)

	msg := forwardMessage(t, models.Target{Recipient: "a@example.com", Destination: "x@example.com"})

	err := handler.HandleForward(context.Background(), msg)
	require.NoError(t, err, "a parked message is a handled message")
	assert.Equal(t, []string{"x@example.com"}, queue.enqueued)
}

func TestHandleForward_EnqueueFailurePropagates(t *testing.T) {
	queue := &recordingEnqueuer{err: pkgerrors.ErrInternal}
	handler, _, _ := newTestHandler(pkgerrors.ErrCredential, queue)

	msg := forwardMessage(t, models.Target{Recipient: "a@example.com", Destination: "x@example.com"})

	err := handler.HandleForward(context.Background(), msg)
	assert.Error(t, err, "the envelope must be redelivered rather than lost")
}

func TestHandleForward_TransientFailurePropagates(t *testing.T) {
	handler, _, _ := newTestHandler(pkgerrors.ErrUnavailable, &recordingEnqueuer{})

	msg := forwardMessage(t, models.Target{Recipient: "a@example.com", Destination: "x@example.com"})

	assert.Error(t, handler.HandleForward(context.Background(), msg))
}

func TestHandleForward_PermanentFailureAcknowledged(t *testing.T) {
	queue := &recordingEnqueuer{}
	handler, _, _ := newTestHandler(pkgerrors.ErrPermanentDelivery, queue)

	msg := forwardMessage(t, models.Target{Recipient: "a@example.com", Destination: "x@example.com"})

	require.NoError(t, handler.HandleForward(context.Background(), msg))
	assert.Empty(t, queue.enqueued, "permanent failures do not enter the retry queue")
}

func TestHandleForward_MalformedEnvelopeIsFatal(t *testing.T) {
	handler, _, _ := newTestHandler(nil, &recordingEnqueuer{})

	err := handler.HandleForward(context.Background(), broker.Message{Value: []byte("{not json")})
	require.Error(t, err)

	var fatal retry.FatalError
	assert.ErrorAs(t, err, &fatal)
}

func TestHandleForward_FallsBackToRecipientIdentity(t *testing.T) {
	queue := &recordingEnqueuer{}
	handler, transport, _ := newTestHandler(nil, queue)

	msg := forwardMessage(t, models.Target{Recipient: "a@example.com"})

	require.NoError(t, handler.HandleForward(context.Background(), msg))
	require.Len(t, transport.attempts, 1)
	assert.Equal(t, "a@example.com", transport.attempts[0].Destination)
}
