package events

import (
	"encoding/json"
	"time"
)

// Envelope is the event shape carried on the in-process bus.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	SourceService  string          `json:"source_service"`
	OccurredAtUTC  time.Time       `json:"occurred_at_utc"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id"`
	PayloadVersion int             `json:"payload_version"`
	Payload        json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into target.
func (e Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}
