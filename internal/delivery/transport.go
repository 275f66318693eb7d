package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"courier/internal/config"
	pkgerrors "courier/pkg/errors"
)

// Attempt is one outbound delivery: the raw payload plus where it goes and
// the token authorizing it.
type Attempt struct {
	IdentityID  string
	MessageID   string
	Recipient   string
	Destination string
	Token       string
	Payload     []byte
}

// Transport physically hands a message to the downstream mailbox API.
// Returned errors carry the delivery taxonomy: credential errors for auth
// rejections, permanent errors for payload rejections, anything else is
// treated as transient.
type Transport interface {
	Send(ctx context.Context, attempt *Attempt) error
}

// HTTPTransport posts the raw message to a mailbox import endpoint, one
// request per recipient.
type HTTPTransport struct {
	client   *http.Client
	endpoint string
}

func NewHTTPTransport(cfg config.DeliveryConfig) *HTTPTransport {
	return &HTTPTransport{
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: cfg.Endpoint,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, attempt *Attempt) error {
	url := fmt.Sprintf("%s/v1/mailboxes/%s/messages", t.endpoint, attempt.Destination)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(attempt.Payload))
	if err != nil {
		return fmt.Errorf("failed to create delivery request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+attempt.Token)
	req.Header.Set("Content-Type", "message/rfc822")
	req.Header.Set("X-Message-ID", attempt.MessageID)
	req.Header.Set("X-Original-Recipient", attempt.Recipient)

	resp, err := t.client.Do(req)
	if err != nil {
		return pkgerrors.ErrUnavailable.WithCause(err).WithDetail("destination", attempt.Destination)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	return classifyStatus(resp.StatusCode, attempt.Destination)
}

// classifyStatus maps an HTTP response to the delivery error taxonomy.
func classifyStatus(status int, destination string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return pkgerrors.ErrCredential.
			WithDetail("destination", destination).
			WithDetail("status", status)
	case status == http.StatusTooManyRequests || status >= 500:
		return pkgerrors.ErrUnavailable.
			WithDetail("destination", destination).
			WithDetail("status", status)
	default:
		// Remaining 4xx codes mean the payload or target was rejected;
		// retrying the same request cannot succeed.
		return pkgerrors.ErrPermanentDelivery.
			WithDetail("destination", destination).
			WithDetail("status", status)
	}
}
