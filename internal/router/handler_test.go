package router

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/enricher"
	"courier/internal/gate"
	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type memoryGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{seen: make(map[string]bool)}
}

func (g *memoryGuard) FirstSeen(ctx context.Context, messageID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen[messageID] {
		return false, nil
	}
	g.seen[messageID] = true
	return true, nil
}

func (g *memoryGuard) Forget(ctx context.Context, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, messageID)
	return nil
}

type staticResolver struct{}

func (staticResolver) Resolve(ctx context.Context, recipient string) models.RoutingDecision {
	if strings.HasPrefix(recipient, "archive@") {
		return models.RoutingDecision{
			Recipient:      recipient,
			MatchedPattern: "archive@example.com",
			Action:         models.ActionStore,
		}
	}
	return models.RoutingDecision{
		Recipient:      recipient,
		MatchedPattern: "*",
		Action:         models.ActionForward,
		Target:         "dest@example.com",
	}
}

type recordingDispatcher struct {
	mu        sync.Mutex
	envelopes []*models.EnrichedEnvelope
	err       error
	actionErr map[models.Action]error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, envelope *models.EnrichedEnvelope) (map[models.Action]error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	d.envelopes = append(d.envelopes, envelope)
	results := make(map[models.Action]error, len(envelope.Actions))
	for action := range envelope.Actions {
		results[action] = d.actionErr[action]
	}
	return results, nil
}

func newTestRouter(t *testing.T, gateExpr string, dispatcher Dispatcher) (*Handler, *memoryGuard) {
	t.Helper()
	guard := newMemoryGuard()
	gateSvc, err := gate.NewService(config.GateConfig{Expression: gateExpr}, logger.NopLogger())
	require.NoError(t, err)
	enrichSvc := enricher.NewService(staticResolver{}, logger.NopLogger())
	return NewHandler(guard, gateSvc, enrichSvc, dispatcher, logger.NopLogger()), guard
}

func inboundMessage(t *testing.T, messageID string, verdicts models.Verdicts, recipients ...string) broker.Message {
	t.Helper()
	if len(recipients) == 0 {
		recipients = []string{"user@example.com"}
	}
	event := models.InboundEvent{
		MessageID:  messageID,
		Source:     "inbound-smtp",
		Timestamp:  time.Now(),
		Recipients: recipients,
		PayloadRef: models.PayloadRef{Bucket: "mail", Key: "raw/" + messageID},
		Verdicts:   verdicts,
	}
	value, err := json.Marshal(event)
	require.NoError(t, err)
	return broker.Message{Topic: "inbound_mail", Key: messageID, Value: value}
}

func TestHandleInbound_RoutesEvent(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	handler, _ := newTestRouter(t, "", dispatcher)

	err := handler.HandleInbound(context.Background(), inboundMessage(t, "m1", models.Verdicts{}))
	require.NoError(t, err)

	require.Len(t, dispatcher.envelopes, 1)
	assert.Equal(t, "m1", dispatcher.envelopes[0].MessageID)
	assert.Equal(t, 1, dispatcher.envelopes[0].RecipientCount())
}

func TestHandleInbound_DuplicateSkipped(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	handler, _ := newTestRouter(t, "", dispatcher)
	ctx := context.Background()

	msg := inboundMessage(t, "m1", models.Verdicts{})
	require.NoError(t, handler.HandleInbound(ctx, msg))
	require.NoError(t, handler.HandleInbound(ctx, msg))

	assert.Len(t, dispatcher.envelopes, 1, "redelivery routes nothing")
}

func TestHandleInbound_GateDeniedEventBounces(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	handler, _ := newTestRouter(t, `verdicts.spam != "FAIL"`, dispatcher)

	err := handler.HandleInbound(context.Background(), inboundMessage(t, "m1", models.Verdicts{Spam: "FAIL"}))
	require.NoError(t, err, "a denied event is handled, not retried")

	require.Len(t, dispatcher.envelopes, 1)
	envelope := dispatcher.envelopes[0]
	require.Len(t, envelope.Actions, 1, "no rule resolution for denied events")
	group, ok := envelope.Actions[models.ActionBounce]
	require.True(t, ok)
	require.Len(t, group.Targets, 1)
	assert.Equal(t, "user@example.com", group.Targets[0].Recipient)
	assert.Equal(t, "raw/m1", envelope.PayloadRef.Key, "bounce pipeline still owns the payload")
}

func TestHandleInbound_PartialDispatchFailureRedelivers(t *testing.T) {
	dispatcher := &recordingDispatcher{
		actionErr: map[models.Action]error{models.ActionForward: pkgerrors.ErrUnavailable},
	}
	handler, _ := newTestRouter(t, "", dispatcher)
	ctx := context.Background()

	msg := inboundMessage(t, "m1", models.Verdicts{}, "user@example.com", "archive@example.com")
	err := handler.HandleInbound(ctx, msg)
	require.Error(t, err, "a partially dispatched event must not be acked")

	// Redelivery: the forward publish works now. Only the failed group may go
	// out again, the store group already reached its topic.
	dispatcher.mu.Lock()
	dispatcher.actionErr = nil
	dispatcher.mu.Unlock()

	require.NoError(t, handler.HandleInbound(ctx, msg))
	require.Len(t, dispatcher.envelopes, 2)

	first := dispatcher.envelopes[0]
	assert.Contains(t, first.Actions, models.ActionForward)
	assert.Contains(t, first.Actions, models.ActionStore)

	second := dispatcher.envelopes[1]
	require.Len(t, second.Actions, 1)
	assert.Contains(t, second.Actions, models.ActionForward)
}

func TestHandleInbound_DispatchFailureReleasesClaim(t *testing.T) {
	dispatcher := &recordingDispatcher{err: pkgerrors.ErrUnavailable}
	handler, guard := newTestRouter(t, "", dispatcher)
	ctx := context.Background()

	err := handler.HandleInbound(ctx, inboundMessage(t, "m1", models.Verdicts{}))
	require.Error(t, err)

	first, err := guard.FirstSeen(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, first, "the claim is released so redelivery can route again")
}

func TestHandleInbound_MalformedEventNotRetried(t *testing.T) {
	handler, _ := newTestRouter(t, "", &recordingDispatcher{})

	err := handler.HandleInbound(context.Background(), broker.Message{Value: []byte("not json")})
	require.Error(t, err)

	err = handler.HandleInbound(context.Background(), broker.Message{Value: []byte(`{"message_id":""}`)})
	require.Error(t, err)
}
