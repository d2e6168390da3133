package collab

import (
	"time"

	"github.com/nainya/scoresync/pkg/document"
)

// Events emitted on the store's bus
const (
	EventSessionCreated    = "sessionCreated"    // *Session
	EventSessionRemoved    = "sessionRemoved"    // SessionEvent
	EventParticipantJoined = "participantJoined" // ParticipantEvent
	EventParticipantLeft   = "participantLeft"   // ParticipantEvent
	EventOperationApplied  = "operationApplied"  // OperationEvent
	EventConflictDetected  = "conflictDetected"  // *Conflict
	EventConflictResolved  = "conflictResolved"  // ResolutionEvent
	EventCursorUpdated     = "cursorUpdated"     // CursorEvent
)

// SessionEvent identifies a session
type SessionEvent struct {
	SessionID string `json:"sessionId"`
}

// ParticipantEvent carries a participant joining or leaving
type ParticipantEvent struct {
	SessionID   string      `json:"sessionId"`
	Participant Participant `json:"participant"`
}

// OperationEvent carries an applied operation
type OperationEvent struct {
	SessionID string             `json:"sessionId"`
	Operation document.Operation `json:"operation"`
	Version   int64              `json:"version"` // Version after applying
}

// ResolutionEvent carries a resolved conflict
type ResolutionEvent struct {
	SessionID  string     `json:"sessionId"`
	ConflictID string     `json:"conflictId"`
	Resolution Resolution `json:"resolution"`
	Version    int64      `json:"version"`
}

// CursorEvent carries a presence update
type CursorEvent struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Cursor    Cursor    `json:"cursor"`
	At        time.Time `json:"at"`
}
