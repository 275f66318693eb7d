package management

import (
	"context"
	"time"

	"courier/internal/broker"
	"courier/pkg/models"
)

// RuleEventProducer broadcasts rule changes so router instances can
// invalidate their caches immediately.
type RuleEventProducer struct {
	producer broker.Producer
	topic    string
}

func NewRuleEventProducer(producer broker.Producer, topic string) *RuleEventProducer {
	return &RuleEventProducer{
		producer: producer,
		topic:    topic,
	}
}

func (p *RuleEventProducer) PublishRuleChange(ctx context.Context, change, ruleID, pattern, changedBy string) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}

	event := models.RuleChangeEvent{
		RuleID:    ruleID,
		Pattern:   pattern,
		Change:    change,
		ChangedBy: changedBy,
		Timestamp: time.Now(),
	}
	return p.producer.Publish(ctx, p.topic, ruleID, event)
}
