package eventbus

import "time"

// Event is one item posted to the bus. Type is the topic it is
// dispatched under; CorrelationID is optional and carried through to
// subscribers for tracing a causal chain of events.
type Event struct {
	Type          string
	Timestamp     time.Time
	SourceID      string
	CorrelationID string
	Payload       any
}

// New builds an Event stamped with the current time.
func New(eventType, sourceID string, payload any) Event {
	return Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SourceID:  sourceID,
		Payload:   payload,
	}
}

// Handler processes one dispatched event. A returned error is recorded
// against the dispatch result but never stops later handlers from
// running for the same event.
type Handler func(Event) error

// Well-known event types shared by the registry and coordination store.
const (
	EventAgentRegistered     = "agent:registered"
	EventAgentReconnected    = "agent:reconnected"
	EventAgentDisconnected   = "agent:disconnected"
	EventAgentHeartbeat      = "agent:heartbeat"
	EventAgentStateChanged   = "agent:state_changed"
	EventAgentTimeout        = "agent:timeout"
	EventCoordinationMessage = "coordination:message"
	EventCoordinationClaim   = "coordination:claim"
	EventCoordinationHelp    = "coordination:help"
	EventIngestBatch         = "ingest:batch"
)
