package delivery

import (
	"context"
	"net/http"
	"sync"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/logger"
	"courier/pkg/circuitbreaker"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) AccessToken(ctx context.Context, identityID string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

type fakePayloads struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	deleted []string
}

func newFakePayloads() *fakePayloads {
	return &fakePayloads{blobs: make(map[string][]byte)}
}

func (f *fakePayloads) Get(ctx context.Context, ref models.PayloadRef) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[ref.String()]
	if !ok {
		return nil, pkgerrors.ErrNotFound.WithDetail("payload_ref", ref.String())
	}
	return data, nil
}

func (f *fakePayloads) Put(ctx context.Context, ref models.PayloadRef, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blobs[ref.String()] = data
	return nil
}

func (f *fakePayloads) Delete(ctx context.Context, ref models.PayloadRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, ref.String())
	f.deleted = append(f.deleted, ref.String())
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	err      error
	attempts []*Attempt
}

func (f *fakeTransport) Send(ctx context.Context, attempt *Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return f.err
}

func newTestBreaker() *circuitbreaker.Wrapper {
	cfg := circuitbreaker.DefaultConfig("delivery-test")
	cfg.ReadyToTrip = func(counts gobreaker.Counts) bool { return false }
	return circuitbreaker.NewWrapper(cfg)
}

func newTestDeliveryService(tokens TokenSource, transport Transport, payloads *fakePayloads, deleteOnSuccess bool) *Service {
	return NewService(tokens, transport, payloads, newTestBreaker(), deleteOnSuccess, logger.NopLogger())
}

func testRef() models.PayloadRef {
	return models.PayloadRef{Bucket: "mail", Key: "raw/m1"}
}

func TestDeliver_Success(t *testing.T) {
	payloads := newFakePayloads()
	require.NoError(t, payloads.Put(context.Background(), testRef(), []byte("raw mail"), "message/rfc822"))
	transport := &fakeTransport{}
	svc := newTestDeliveryService(&fakeTokens{token: "tok"}, transport, payloads, false)

	err := svc.Deliver(context.Background(), "u1", "m1", testRef(), "user@example.com", "dest@example.com")
	require.NoError(t, err)

	require.Len(t, transport.attempts, 1)
	attempt := transport.attempts[0]
	assert.Equal(t, "tok", attempt.Token)
	assert.Equal(t, []byte("raw mail"), attempt.Payload)
	assert.Equal(t, "dest@example.com", attempt.Destination)
	assert.Empty(t, payloads.deleted)
}

func TestDeliver_DeleteOnSuccess(t *testing.T) {
	payloads := newFakePayloads()
	require.NoError(t, payloads.Put(context.Background(), testRef(), []byte("raw mail"), "message/rfc822"))
	svc := newTestDeliveryService(&fakeTokens{token: "tok"}, &fakeTransport{}, payloads, true)

	err := svc.Deliver(context.Background(), "u1", "m1", testRef(), "user@example.com", "dest@example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{testRef().String()}, payloads.deleted)
}

func TestDeliver_TokenFailureSkipsTransport(t *testing.T) {
	payloads := newFakePayloads()
	transport := &fakeTransport{}
	svc := newTestDeliveryService(&fakeTokens{err: pkgerrors.ErrCredential}, transport, payloads, false)

	err := svc.Deliver(context.Background(), "u1", "m1", testRef(), "user@example.com", "dest@example.com")
	assert.True(t, pkgerrors.IsCredential(err))
	assert.Empty(t, transport.attempts)
}

func TestDeliver_MissingPayloadIsPermanent(t *testing.T) {
	svc := newTestDeliveryService(&fakeTokens{token: "tok"}, &fakeTransport{}, newFakePayloads(), false)

	err := svc.Deliver(context.Background(), "u1", "m1", testRef(), "user@example.com", "dest@example.com")
	assert.True(t, pkgerrors.IsPermanentDelivery(err))
}

func TestDeliver_TransportErrorPropagatesTaxonomy(t *testing.T) {
	payloads := newFakePayloads()
	require.NoError(t, payloads.Put(context.Background(), testRef(), []byte("raw"), ""))

	for _, tc := range []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"credential", pkgerrors.ErrCredential, pkgerrors.IsCredential},
		{"permanent", pkgerrors.ErrPermanentDelivery, pkgerrors.IsPermanentDelivery},
		{"transient", pkgerrors.ErrUnavailable, pkgerrors.IsUnavailable},
	} {
		t.Run(tc.name, func(t *testing.T) {
			svc := newTestDeliveryService(&fakeTokens{token: "tok"}, &fakeTransport{err: tc.err}, payloads, true)

			err := svc.Deliver(context.Background(), "u1", "m1", testRef(), "user@example.com", "dest@example.com")
			assert.True(t, tc.check(err))
			assert.Empty(t, payloads.deleted, "failed deliveries never delete the payload")
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, classifyStatus(http.StatusOK, "d"))
	assert.NoError(t, classifyStatus(http.StatusCreated, "d"))

	assert.True(t, pkgerrors.IsCredential(classifyStatus(http.StatusUnauthorized, "d")))
	assert.True(t, pkgerrors.IsCredential(classifyStatus(http.StatusForbidden, "d")))

	assert.True(t, pkgerrors.IsUnavailable(classifyStatus(http.StatusTooManyRequests, "d")))
	assert.True(t, pkgerrors.IsUnavailable(classifyStatus(http.StatusBadGateway, "d")))
	assert.True(t, pkgerrors.IsUnavailable(classifyStatus(http.StatusInternalServerError, "d")))

	assert.True(t, pkgerrors.IsPermanentDelivery(classifyStatus(http.StatusBadRequest, "d")))
	assert.True(t, pkgerrors.IsPermanentDelivery(classifyStatus(http.StatusUnprocessableEntity, "d")))
}
