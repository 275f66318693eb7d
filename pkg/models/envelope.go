package models

import "time"

// RoutingDecision is the outcome of resolving a single recipient. It is
// ephemeral: computed per resolution and embedded into an envelope, never
// stored on its own.
type RoutingDecision struct {
	Recipient           string `json:"recipient"`
	NormalizedRecipient string `json:"normalized_recipient"`
	MatchedPattern      string `json:"matched_pattern"`
	Action              Action `json:"action"`
	Target              string `json:"target,omitempty"`
}

// FallbackPattern is the sentinel MatchedPattern reported when the rule store
// was unreachable and the resolver degraded to its bounce policy.
const FallbackPattern = "<fallback>"

// Target is one recipient inside an action group. Destination is only set for
// forwarding actions and may differ from the recipient address.
type Target struct {
	Recipient   string `json:"recipient"`
	Destination string `json:"destination,omitempty"`
}

type ActionGroup struct {
	Count   int      `json:"count"`
	Targets []Target `json:"targets"`
}

// EnrichedEnvelope is the routable form of one inbound event: every recipient
// resolved and partitioned by action. The union of all group targets equals
// the event's recipient set, each recipient exactly once.
type EnrichedEnvelope struct {
	MessageID  string                 `json:"message_id"`
	Source     string                 `json:"source"`
	ReceivedAt time.Time              `json:"received_at"`
	PayloadRef PayloadRef             `json:"payload_ref"`
	Verdicts   Verdicts               `json:"verdicts"`
	Actions    map[Action]ActionGroup `json:"actions"`
	TraceID    string                 `json:"trace_id,omitempty"`
}

// RecipientCount is the number of recipients across all action groups.
func (e *EnrichedEnvelope) RecipientCount() int {
	n := 0
	for _, g := range e.Actions {
		n += len(g.Targets)
	}
	return n
}

// ActionEnvelope is what the dispatcher publishes to a per-action topic: the
// slice of one envelope that belongs to a single action.
type ActionEnvelope struct {
	MessageID  string      `json:"message_id"`
	Action     Action      `json:"action"`
	ReceivedAt time.Time   `json:"received_at"`
	PayloadRef PayloadRef  `json:"payload_ref"`
	Verdicts   Verdicts    `json:"verdicts"`
	Group      ActionGroup `json:"group"`
	TraceID    string      `json:"trace_id,omitempty"`
}
