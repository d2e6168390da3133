// ABOUTME: JSON codec for wire messages
// ABOUTME: Decodes each frame once into its typed variant at the boundary

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrMalformed indicates a frame that is not valid JSON or misses required fields
	ErrMalformed = errors.New("protocol: malformed message")

	// ErrUnknownType indicates a frame whose type is not part of the protocol
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Encode writes m as a flat JSON object with its "type" field first
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", m.Type(), err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("%w: %s does not encode as an object", ErrMalformed, m.Type())
	}

	head := []byte(fmt.Sprintf(`{"type":%q`, string(m.Type())))
	if len(body) == 2 {
		return append(head, '}'), nil
	}
	head = append(head, ',')
	return append(head, body[1:]...), nil
}

// Decode parses one frame. Returned messages are pointers to the variant
// structs (e.g. *Subscribe).
func Decode(data []byte) (Message, error) {
	var head struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	m := newMessage(head.Type)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, head.Type, err)
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func newMessage(t Type) Message {
	switch t {
	case TypeSubscribe:
		return &Subscribe{}
	case TypeUnsubscribe:
		return &Unsubscribe{}
	case TypeStreamStart:
		return &StreamStart{}
	case TypeStreamChunk:
		return &StreamChunk{}
	case TypeStreamComplete:
		return &StreamComplete{}
	case TypeStreamStop:
		return &StreamStop{}
	case TypeStreamError:
		return &StreamError{}
	case TypeBroadcast:
		return &Broadcast{}
	case TypeResolveConflict:
		return &ResolveConflict{}
	case TypePing:
		return &Ping{}
	case TypePong:
		return &Pong{}
	case TypeEvent:
		return &Event{}
	case TypeError:
		return &Error{}
	case TypeConflict:
		return &Conflict{}
	default:
		return nil
	}
}

func validate(m Message) error {
	missing := ""
	switch v := m.(type) {
	case *Subscribe:
		if v.ID == "" {
			missing = "id"
		} else if v.Event == "" {
			missing = "event"
		}
	case *Unsubscribe:
		if v.SubscriptionID == "" {
			missing = "subscriptionId"
		}
	case *StreamStart:
		if v.RequestID == "" {
			missing = "requestId"
		} else if v.StreamType == "" {
			missing = "streamType"
		}
	case *StreamChunk:
		missing = requireRequestID(v.RequestID)
	case *StreamComplete:
		missing = requireRequestID(v.RequestID)
	case *StreamStop:
		missing = requireRequestID(v.RequestID)
	case *StreamError:
		missing = requireRequestID(v.RequestID)
	case *Broadcast:
		if v.Event == "" {
			missing = "event"
		}
	case *ResolveConflict:
		if v.ConflictID == "" {
			missing = "conflictId"
		}
	case *Event:
		if v.RealtimeEvent.Event == "" {
			missing = "event"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s requires %s", ErrMalformed, m.Type(), missing)
	}
	return nil
}

func requireRequestID(id string) string {
	if id == "" {
		return "requestId"
	}
	return ""
}

// RawData marshals v for a Data/Parameters/Resolution field. Nil stays nil and
// json.RawMessage passes through untouched.
func RawData(v any) (json.RawMessage, error) {
	switch d := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return b, nil
}

// NewEvent builds an Event message stamped with the current time
func NewEvent(id string, name string, data json.RawMessage, source string) *Event {
	return &Event{RealtimeEvent{
		ID:        id,
		Event:     name,
		Data:      data,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
	}}
}
