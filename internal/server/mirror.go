// ABOUTME: Authoritative session mirror kept by the relay
// ABOUTME: Applies relayed collaboration events and rejects conflicting operations

package server

import (
	"encoding/json"
	"errors"

	"github.com/nainya/scoresync/internal/relay"
	"github.com/nainya/scoresync/pkg/collab"
	"github.com/nainya/scoresync/pkg/protocol"
)

// verdict is the mirror's decision about one broadcast
type verdict int

const (
	relayEvent verdict = iota // forward to other clients
	holdEvent                 // do not forward
)

// handleBroadcast mirrors a client broadcast and relays it unless the mirror
// rejected it
func (h *Hub) handleBroadcast(c *conn, m *protocol.Broadcast) {
	if h.mirror(c, m.Event, m.Data) == relayEvent {
		h.publish(c, m.Event, m.Data)
	}
}

// mirror applies a collaboration event to the store. c is nil for events
// that arrived from another relay node; those are applied best effort.
func (h *Hub) mirror(c *conn, event string, data json.RawMessage) verdict {
	reject := func(code string, err error) verdict {
		if c != nil {
			c.log.Warn("Broadcast rejected").Str("event", event).Err(err).Send()
			c.sendError(code, err.Error())
		}
		return holdEvent
	}

	switch event {
	case collab.EventSessionCreated:
		var session collab.Session
		if err := json.Unmarshal(data, &session); err != nil {
			return reject("invalid_payload", err)
		}
		if h.store.HasSession(session.ID) {
			return relayEvent
		}
		if _, err := h.store.ImportSession(&session); err != nil {
			return reject("invalid_session", err)
		}

	case collab.EventParticipantJoined:
		var pe collab.ParticipantEvent
		if err := json.Unmarshal(data, &pe); err != nil {
			return reject("invalid_payload", err)
		}
		if _, err := h.store.JoinSession(pe.SessionID, pe.Participant); err != nil && !errors.Is(err, collab.ErrNotFound) {
			return reject("invalid_participant", err)
		}

	case collab.EventParticipantLeft:
		var pe collab.ParticipantEvent
		if err := json.Unmarshal(data, &pe); err != nil {
			return reject("invalid_payload", err)
		}
		_ = h.store.LeaveSession(pe.SessionID, pe.Participant.ID)

	case collab.EventOperationApplied:
		var oe collab.OperationEvent
		if err := json.Unmarshal(data, &oe); err != nil {
			return reject("invalid_payload", err)
		}
		res, err := h.store.ApplyOperation(oe.SessionID, oe.Operation)
		if errors.Is(err, collab.ErrNotFound) {
			// Session predates this relay; nothing to check against.
			return relayEvent
		}
		if err != nil {
			return reject("operation_failed", err)
		}
		if len(res.Conflicts) > 0 {
			if c != nil {
				h.pushConflicts(c, oe.SessionID, res.Conflicts)
			}
			return holdEvent
		}
		if !res.Success {
			return reject("operation_rejected", errors.New(joinWarnings(res.Warnings)))
		}

	case collab.EventCursorUpdated:
		var ce collab.CursorEvent
		if err := json.Unmarshal(data, &ce); err != nil {
			return reject("invalid_payload", err)
		}
		h.store.UpdateCursor(ce.SessionID, ce.UserID, ce.Cursor)

	case collab.EventConflictResolved:
		var re collab.ResolutionEvent
		if err := json.Unmarshal(data, &re); err != nil {
			return reject("invalid_payload", err)
		}
		if _, err := h.store.AdoptResolution(re.SessionID, re.ConflictID, re.Resolution); err != nil && !errors.Is(err, collab.ErrNotFound) {
			return reject("invalid_resolution", err)
		}
	}
	return relayEvent
}

// mirrorRemote applies an envelope published by another relay node
func (h *Hub) mirrorRemote(env relay.Envelope) {
	h.mirror(nil, env.Event, env.Data)
}

func (h *Hub) pushConflicts(c *conn, sessionID string, conflicts []*collab.Conflict) {
	for _, conflict := range conflicts {
		raw, err := protocol.RawData(conflict)
		if err != nil {
			c.log.Error("Failed to encode conflict").Err(err).Send()
			continue
		}
		c.log.Info("Conflict pushed to client").
			Str("session_id", sessionID).
			Str("conflict_id", conflict.ID).
			Str("path", conflict.Path).
			Send()
		c.sendMessage(&protocol.Conflict{SessionID: sessionID, Conflict: raw})
	}
}

// handleResolve settles a conflict in the mirror and relays the resolution
// as a conflictResolved event
func (h *Hub) handleResolve(c *conn, m *protocol.ResolveConflict) {
	var res collab.Resolution
	if err := json.Unmarshal(m.Resolution, &res); err != nil {
		c.sendError("invalid_resolution", err.Error())
		return
	}
	if res.ResolvedBy == "" {
		res.ResolvedBy = c.identity.ID
	}

	sessionID := m.SessionID
	var version int64
	if conflict, err := h.store.GetConflict(m.ConflictID); err == nil {
		sessionID = conflict.SessionID
		doc, err := h.store.ResolveConflict(m.ConflictID, res)
		if err != nil {
			c.sendError("invalid_resolution", err.Error())
			return
		}
		version = doc.Version
	} else if sessionID != "" {
		doc, err := h.store.AdoptResolution(sessionID, m.ConflictID, res)
		switch {
		case err == nil:
			version = doc.Version
		case errors.Is(err, collab.ErrNotFound):
		default:
			c.sendError("invalid_resolution", err.Error())
			return
		}
	}

	data, err := json.Marshal(collab.ResolutionEvent{
		SessionID:  sessionID,
		ConflictID: m.ConflictID,
		Resolution: res,
		Version:    version,
	})
	if err != nil {
		c.sendError("invalid_resolution", err.Error())
		return
	}
	h.publish(c, collab.EventConflictResolved, data)
}

func joinWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return "operation rejected"
	}
	out := warnings[0]
	for _, w := range warnings[1:] {
		out += "; " + w
	}
	return out
}
