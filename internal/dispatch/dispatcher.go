package dispatch

import (
	"context"
	"fmt"
	"sort"

	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/logger"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// Dispatcher routes each action group of an enriched envelope to its
// downstream topic. It performs no business logic: the only work is the
// action-to-topic mapping and the publish. A failed publish for one action
// group never blocks the other groups of the same envelope.
type Dispatcher struct {
	producer broker.Producer
	topics   map[models.Action]string
	logger   logger.Logger
}

func NewDispatcher(producer broker.Producer, cfg config.KafkaConfig, log logger.Logger) *Dispatcher {
	return &Dispatcher{
		producer: producer,
		topics: map[models.Action]string{
			models.ActionForward: cfg.ForwardTopic,
			models.ActionBounce:  cfg.BounceTopic,
			models.ActionStore:   cfg.StoreTopic,
		},
		logger: log,
	}
}

// Dispatch publishes one ActionEnvelope per action group, keyed by message ID
// so all slices of one message land on the same partition. It returns an
// error only if every group failed; partial failures are reported per group
// in the returned map and logged.
func (d *Dispatcher) Dispatch(ctx context.Context, envelope *models.EnrichedEnvelope) (map[models.Action]error, error) {
	results := make(map[models.Action]error, len(envelope.Actions))

	// Map iteration order is random; sort for deterministic logs.
	actions := make([]models.Action, 0, len(envelope.Actions))
	for action := range envelope.Actions {
		actions = append(actions, action)
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })

	failures := 0
	for _, action := range actions {
		group := envelope.Actions[action]
		if group.Count == 0 {
			continue
		}

		err := d.dispatchGroup(ctx, envelope, action, group)
		results[action] = err
		if err != nil {
			failures++
			metrics.DispatchesTotal.WithLabelValues(string(action), "error").Inc()
			d.logger.ErrorwCtx(ctx, "Failed to dispatch action group",
				"message_id", envelope.MessageID,
				"action", action,
				"recipients", group.Count,
				"error", err,
			)
			continue
		}

		metrics.DispatchesTotal.WithLabelValues(string(action), "ok").Inc()
		d.logger.DebugwCtx(ctx, "Action group dispatched",
			"message_id", envelope.MessageID,
			"action", action,
			"recipients", group.Count,
		)
	}

	if failures > 0 && failures == len(results) {
		return results, fmt.Errorf("all %d action groups failed to dispatch for message %s", failures, envelope.MessageID)
	}
	return results, nil
}

func (d *Dispatcher) dispatchGroup(ctx context.Context, envelope *models.EnrichedEnvelope, action models.Action, group models.ActionGroup) error {
	topic, ok := d.topics[action]
	if !ok || topic == "" {
		return fmt.Errorf("no topic configured for action %q", action)
	}

	msg := models.ActionEnvelope{
		MessageID:  envelope.MessageID,
		Action:     action,
		ReceivedAt: envelope.ReceivedAt,
		PayloadRef: envelope.PayloadRef,
		Verdicts:   envelope.Verdicts,
		Group:      group,
		TraceID:    envelope.TraceID,
	}

	return d.producer.Publish(ctx, topic, envelope.MessageID, msg)
}
