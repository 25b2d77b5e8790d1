package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformed marks a frame whose outer or inner JSON could not be parsed.
	ErrMalformed = errors.New("malformed frame")
	// ErrUnrecognized marks a well-formed frame whose event name is not modeled.
	// This is expected for platform events and Pusher control frames and
	// should be logged and ignored.
	ErrUnrecognized = errors.New("unrecognized event")
)

// DecodeError describes why a frame did not produce an Event.
// It matches ErrMalformed or ErrUnrecognized with errors.Is.
type DecodeError struct {
	Name   string
	Reason error
	Err    error
}

func (e *DecodeError) Error() string {
	switch {
	case e.Err != nil && e.Name != "":
		return fmt.Sprintf("%v (%s): %v", e.Reason, e.Name, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Reason, e.Err)
	case e.Name != "":
		return fmt.Sprintf("%v: %s", e.Reason, e.Name)
	default:
		return e.Reason.Error()
	}
}

func (e *DecodeError) Is(target error) bool { return target == e.Reason }

func (e *DecodeError) Unwrap() error { return e.Err }

// Envelope is the outer Pusher frame.
type Envelope struct {
	Name    string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Event is a decoded domain event.
type Event struct {
	Kind    Kind
	Name    string
	Payload Payload
}

// ParseEnvelope performs the first decoding stage.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, &DecodeError{Reason: ErrMalformed, Err: err}
	}
	return env, nil
}

// DecodeEnvelope maps env to its kind and performs the second decoding stage
// on the string-encoded data field.
func DecodeEnvelope(env Envelope) (Event, error) {
	kind, ok := KindForWireName(env.Name)
	if !ok {
		return Event{}, &DecodeError{Name: env.Name, Reason: ErrUnrecognized}
	}
	var inner string
	if err := json.Unmarshal(env.Data, &inner); err != nil {
		return Event{}, &DecodeError{Name: env.Name, Reason: ErrMalformed, Err: fmt.Errorf("data is not a JSON string: %w", err)}
	}
	p, err := kindTable[kind].decode([]byte(inner))
	if err != nil {
		return Event{}, &DecodeError{Name: env.Name, Reason: ErrMalformed, Err: err}
	}
	return Event{Kind: kind, Name: env.Name, Payload: p}, nil
}

// Decode runs both stages on one raw frame.
func Decode(raw []byte) (Event, error) {
	env, err := ParseEnvelope(raw)
	if err != nil {
		return Event{}, err
	}
	return DecodeEnvelope(env)
}

func decodeAs[P Payload](data []byte) (Payload, error) {
	var p P
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// Encode builds a wire frame for p, double encoding the payload. It is the
// inverse of Decode and is used by tests and fixtures.
func Encode(p Payload) ([]byte, error) {
	inner, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(string(inner))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Name: p.Kind().WireName(), Data: data})
}
