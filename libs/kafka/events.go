package kafka

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is embedded in every event published or consumed by the ledger.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEnvelope stamps an envelope. An empty eventID gets a random one; pass a
// DeterministicEventID when consumers must be able to dedupe redeliveries.
func NewEnvelope(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case strings.TrimSpace(e.EventID) == "":
		return fmt.Errorf("event_id is required")
	case strings.TrimSpace(e.EventType) == "":
		return fmt.Errorf("event_type is required")
	case e.EventVersion <= 0:
		return fmt.Errorf("event_version must be positive")
	case e.Timestamp.IsZero():
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// EventEnvelope exposes the envelope of any event that embeds it; the
// producer copies type and id into record headers.
func (e Envelope) EventEnvelope() Envelope { return e }
