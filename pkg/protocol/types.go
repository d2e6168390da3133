// ABOUTME: Wire message data model for the realtime protocol
// ABOUTME: One struct per message type, discriminated by the "type" field

package protocol

import (
	"encoding/json"
	"time"
)

// Type discriminates wire messages
type Type string

const (
	TypeSubscribe       Type = "subscribe"
	TypeUnsubscribe     Type = "unsubscribe"
	TypeStreamStart     Type = "stream_start"
	TypeStreamChunk     Type = "stream_chunk"
	TypeStreamComplete  Type = "stream_complete"
	TypeStreamStop      Type = "stream_stop"
	TypeStreamError     Type = "stream_error"
	TypeBroadcast       Type = "broadcast"
	TypeResolveConflict Type = "resolve_conflict"
	TypePing            Type = "ping"
	TypePong            Type = "pong"
	TypeEvent           Type = "event"
	TypeError           Type = "error"
	TypeConflict        Type = "conflict"
)

// Message is implemented by every wire message variant
type Message interface {
	Type() Type
}

// RealtimeEvent is a named server-pushed event
type RealtimeEvent struct {
	ID        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Source    string          `json:"source,omitempty"`
	Timestamp int64           `json:"timestamp"` // Unix milliseconds
}

// Time returns the event timestamp
func (e RealtimeEvent) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// Subscribe registers interest in an event name (or "*")
type Subscribe struct {
	ID    string `json:"id"`
	Event string `json:"event"`
}

// Unsubscribe removes a subscription
type Unsubscribe struct {
	SubscriptionID string `json:"subscriptionId"`
}

// StreamStart opens a multi-chunk request
type StreamStart struct {
	RequestID  string          `json:"requestId"`
	StreamType string          `json:"streamType"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

// StreamChunk carries one piece of a streaming response
type StreamChunk struct {
	RequestID string          `json:"requestId"`
	Sequence  int             `json:"sequence"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StreamComplete terminates a stream successfully
type StreamComplete struct {
	RequestID string          `json:"requestId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StreamStop asks the peer to stop a stream
type StreamStop struct {
	RequestID string `json:"requestId"`
}

// StreamError terminates a stream with a failure
type StreamError struct {
	RequestID string `json:"requestId"`
	Message   string `json:"error"`
}

// Broadcast asks the peer to relay data to other subscribers of Event
type Broadcast struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ResolveConflict carries a conflict resolution to other clients
type ResolveConflict struct {
	SessionID  string          `json:"sessionId,omitempty"`
	ConflictID string          `json:"conflictId"`
	Resolution json.RawMessage `json:"resolution"`
}

// Ping is a liveness probe
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a Ping
type Pong struct {
	Timestamp int64 `json:"timestamp"`
}

// Event delivers a RealtimeEvent to a subscriber
type Event struct {
	RealtimeEvent
}

// Error is a server-reported failure
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Conflict is a server-detected collaboration conflict
type Conflict struct {
	SessionID string          `json:"sessionId,omitempty"`
	Conflict  json.RawMessage `json:"conflict"`
}

func (Subscribe) Type() Type       { return TypeSubscribe }
func (Unsubscribe) Type() Type     { return TypeUnsubscribe }
func (StreamStart) Type() Type     { return TypeStreamStart }
func (StreamChunk) Type() Type     { return TypeStreamChunk }
func (StreamComplete) Type() Type  { return TypeStreamComplete }
func (StreamStop) Type() Type      { return TypeStreamStop }
func (StreamError) Type() Type     { return TypeStreamError }
func (Broadcast) Type() Type       { return TypeBroadcast }
func (ResolveConflict) Type() Type { return TypeResolveConflict }
func (Ping) Type() Type            { return TypePing }
func (Pong) Type() Type            { return TypePong }
func (Event) Type() Type           { return TypeEvent }
func (Error) Type() Type           { return TypeError }
func (Conflict) Type() Type        { return TypeConflict }
