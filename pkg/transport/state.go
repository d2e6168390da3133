package transport

import "time"

// Status is the connection state machine position
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// ConnectionState is the observable state of a Transport
type ConnectionState struct {
	Status            Status     `json:"status"`
	ReconnectAttempts int        `json:"reconnectAttempts"`
	LastConnected     *time.Time `json:"lastConnected,omitempty"`
	Error             string     `json:"error,omitempty"`
}

func (s ConnectionState) copy() ConnectionState {
	if s.LastConnected != nil {
		t := *s.LastConnected
		s.LastConnected = &t
	}
	return s
}

// Local bus events
const (
	EventStateChanged = "connectionStateChanged" // ConnectionState
	EventRealtime     = "event"                  // protocol.RealtimeEvent
	EventError        = "error"                  // error
	EventConflict     = "conflict"               // *protocol.Conflict
	EventPong         = "pong"                   // time.Time
)
