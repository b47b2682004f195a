package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// wireEnvelope mirrors Envelope with loose field types so that malformed
// identifiers surface as decode errors instead of zero values.
type wireEnvelope struct {
	EventID    string     `json:"eventId"`
	TenantID   string     `json:"tenantId"`
	Type       Type       `json:"type"`
	Payload    *Payload   `json:"payload"`
	OccurredAt *time.Time `json:"occurredAt"`
}

// Encode serialises an envelope as JSON. No type metadata is embedded;
// consumers bind to Envelope explicitly.
func Encode(e Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %s: %w", e.EventID, err)
	}
	return data, nil
}

// Decode parses and re-validates a wire envelope. Every failure is returned
// as a *DecodeError.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, &DecodeError{Err: errors.New("empty record value")}
	}

	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	if w.Payload == nil {
		return Envelope{}, &DecodeError{Err: errors.New("payload is required")}
	}

	id, err := uuid.Parse(w.EventID)
	if err != nil {
		return Envelope{}, &DecodeError{Err: fmt.Errorf("eventId: %w", err)}
	}

	var occurredAt time.Time
	if w.OccurredAt != nil {
		occurredAt = *w.OccurredAt
	}

	env, err := NewEnvelope(id, w.TenantID, w.Type, *w.Payload, occurredAt)
	if err != nil {
		return Envelope{}, &DecodeError{Err: err}
	}
	return env, nil
}
