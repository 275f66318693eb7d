package models

import "time"

// PayloadRef is an opaque locator for a raw message blob. The core never
// interprets the blob; only the delivery handler reads it.
type PayloadRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (r PayloadRef) IsZero() bool {
	return r.Bucket == "" && r.Key == ""
}

func (r PayloadRef) String() string {
	return r.Bucket + "/" + r.Key
}

// Verdicts carries the security scan results attached to an inbound event.
// They are passed through the pipeline untouched; routing never inspects them
// directly (the verdict gate does, via a configured expression).
type Verdicts struct {
	Spam  string `json:"spam,omitempty"`
	Virus string `json:"virus,omitempty"`
	DKIM  string `json:"dkim,omitempty"`
	SPF   string `json:"spf,omitempty"`
}

// InboundEvent is one received email as reported by the ingress, before any
// routing decision has been made.
type InboundEvent struct {
	MessageID  string     `json:"message_id"`
	Source     string     `json:"source"`
	Timestamp  time.Time  `json:"timestamp"`
	Recipients []string   `json:"recipients"`
	PayloadRef PayloadRef `json:"payload_ref"`
	Verdicts   Verdicts   `json:"verdicts"`
	TraceID    string     `json:"trace_id,omitempty"`
}

type EventValidationError struct {
	Field   string
	Message string
}

func (e *EventValidationError) Error() string {
	return "invalid inbound event: " + e.Field + ": " + e.Message
}

func ValidateInboundEvent(ev *InboundEvent) error {
	if ev == nil {
		return &EventValidationError{Field: "event", Message: "must not be nil"}
	}
	if ev.MessageID == "" {
		return &EventValidationError{Field: "message_id", Message: "required"}
	}
	if len(ev.Recipients) == 0 {
		return &EventValidationError{Field: "recipients", Message: "at least one recipient required"}
	}
	if ev.PayloadRef.IsZero() {
		return &EventValidationError{Field: "payload_ref", Message: "required"}
	}
	return nil
}
