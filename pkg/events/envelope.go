package events

import (
	"encoding/json"
	"fmt"
)

// Direction markers distinguish client-originated from server-originated frames.
const (
	DirectionClient = "client"
	DirectionServer = "server"
)

// Client-originated envelope kinds.
const (
	KindSubscribe   = "subscribe"
	KindUnsubscribe = "unsubscribe"
	KindReplay      = "replay"
	KindAck         = "ack"
)

// Server-originated envelope kinds.
const (
	KindEvent          = "event"
	KindError          = "error"
	KindSubscribed     = "subscribed"
	KindReplayComplete = "replay_complete"
)

var clientKinds = map[string]bool{
	KindSubscribe:   true,
	KindUnsubscribe: true,
	KindReplay:      true,
	KindAck:         true,
}

var serverKinds = map[string]bool{
	KindEvent:          true,
	KindError:          true,
	KindSubscribed:     true,
	KindReplayComplete: true,
}

// ValidationError represents an envelope validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s (value: %v)", e.Field, e.Message, e.Value)
}

// Envelope is the wire format for all WebSocket messages. Malformed envelopes
// are rejected with an error frame; they never tear down the connection.
type Envelope struct {
	Kind          string          `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	Direction     string          `json:"direction"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp,omitempty"`
}

// Validate checks the envelope against the expected direction. The kind must
// be known for that direction and the correlation id must be present.
func (e *Envelope) Validate(expectedDirection string) error {
	if e.Kind == "" {
		return ValidationError{Field: "kind", Message: "kind is required", Value: e.Kind}
	}
	if e.CorrelationID == "" {
		return ValidationError{Field: "correlation_id", Message: "correlation id is required", Value: e.CorrelationID}
	}
	if e.Direction != expectedDirection {
		return ValidationError{
			Field:   "direction",
			Message: fmt.Sprintf("direction must be %q", expectedDirection),
			Value:   e.Direction,
		}
	}
	switch expectedDirection {
	case DirectionClient:
		if !clientKinds[e.Kind] {
			return ValidationError{Field: "kind", Message: "unknown client envelope kind", Value: e.Kind}
		}
	case DirectionServer:
		if !serverKinds[e.Kind] {
			return ValidationError{Field: "kind", Message: "unknown server envelope kind", Value: e.Kind}
		}
	default:
		return ValidationError{Field: "direction", Message: "unknown direction", Value: expectedDirection}
	}
	return nil
}
