package credentials

import (
	"context"
	"time"

	"courier/internal/broker"
	"courier/pkg/metrics"
	"courier/pkg/models"
)

// Notifier delivers expiry alerts to the external notification sink.
type Notifier interface {
	Alert(ctx context.Context, identityID, alertType string, expiresAt time.Time) error
}

type KafkaNotifier struct {
	producer broker.Producer
	topic    string
}

func NewKafkaNotifier(producer broker.Producer, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
	}
}

func (n *KafkaNotifier) Alert(ctx context.Context, identityID, alertType string, expiresAt time.Time) error {
	if n.producer == nil || n.topic == "" {
		return nil
	}

	alert := models.CredentialAlert{
		IdentityID: identityID,
		AlertType:  alertType,
		ExpiresAt:  expiresAt,
		Timestamp:  time.Now(),
	}

	if err := n.producer.Publish(ctx, n.topic, identityID, alert); err != nil {
		return err
	}

	metrics.CredentialAlertsTotal.WithLabelValues(alertType).Inc()
	return nil
}
