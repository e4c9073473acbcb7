package shared

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the frame every socket message travels in. Timestamp is in
// milliseconds on the sender's clock.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload and wraps it in a current-version envelope.
func NewEnvelope(msgType string, payload interface{}) (*Envelope, error) {
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	env.Payload = data
	return env, nil
}

// EncodeMessage builds and marshals an envelope in one step.
func EncodeMessage(msgType string, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return MarshalEnvelope(env)
}

// MarshalEnvelope converts an Envelope to JSON bytes
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into v. An empty payload
// leaves v untouched.
func (e *Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, e.Type, err)
	}
	return nil
}

// validateEnvelope checks that the envelope has all required fields and valid version
func validateEnvelope(env *Envelope) error {
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}
