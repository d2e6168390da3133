// ABOUTME: Operation applier with optimistic concurrency
// ABOUTME: Applies path operations or records a concurrent-edit conflict

package collab

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nainya/scoresync/pkg/document"
	"github.com/nainya/scoresync/pkg/version"
)

// ApplyOperation applies op to the session document. The only error is an
// unknown session; a participant without edit rights, an unresolvable path or
// a stale version is reported in the result and leaves the document untouched.
func (s *Store) ApplyOperation(sessionID string, op document.Operation) (*ApplyResult, error) {
	now := s.now()

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, sessionNotFound(sessionID)
	}
	doc := session.Document

	if p, member := session.Participants[op.UserID]; member && !p.CanEdit(op.Path) {
		current := doc.Version
		s.mu.Unlock()

		s.metrics.RecordOperation("forbidden")
		s.log.Warn("Operation not permitted").
			Str("session_id", sessionID).
			Str("user_id", op.UserID).
			Str("role", string(p.Role)).
			Str("path", op.Path).
			Send()
		return &ApplyResult{
			Success:  false,
			Version:  current,
			Warnings: []string{fmt.Sprintf("Permission denied: %s cannot edit %s", op.UserID, op.Path)},
		}, nil
	}

	if err := document.Resolve(doc.Content, op); err != nil {
		current := doc.Version
		s.mu.Unlock()

		warning := "Path not found: " + op.Path
		if errors.Is(err, document.ErrInvalidOperation) {
			warning = fmt.Sprintf("Invalid operation: %v", err)
		}
		s.metrics.RecordOperation("path_not_found")
		s.log.Debug("Operation not applied").
			Str("session_id", sessionID).
			Str("path", op.Path).
			Err(err).
			Send()
		return &ApplyResult{Success: false, Version: current, Warnings: []string{warning}}, nil
	}

	if op.Version != doc.Version {
		conflict := s.detectConflict(session, op)
		session.Conflicts[conflict.ID] = conflict
		s.conflicts[conflict.ID] = sessionID
		s.touchLocked(session, op.UserID)
		out := copyConflict(conflict)
		event := copyConflict(conflict)
		current := doc.Version
		s.mu.Unlock()

		s.metrics.RecordOperation("conflict")
		s.log.Info("Conflict detected").
			Str("session_id", sessionID).
			Str("conflict_id", out.ID).
			Str("path", out.Path).
			Int64("base_version", out.BaseVersion).
			Int64("current_version", out.CurrentVersion).
			Strs("participants", out.Participants).
			Send()

		s.emit(pending{EventConflictDetected, event})
		return &ApplyResult{Success: false, Version: current, Conflicts: []*Conflict{out}}, nil
	}

	// Content and the operation log never share nested values
	applied := op.Clone()
	old, err := document.Apply(doc.Content, applied)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("collab: apply %s: %w", op.Path, err)
	}

	logged := op.Clone()
	if logged.ID == "" {
		logged.ID = uuid.NewString()
	}
	if logged.Timestamp.IsZero() {
		logged.Timestamp = now
	}
	if logged.OldValue == nil {
		logged.OldValue = document.CloneValue(old)
	}
	doc.Operations = append(doc.Operations, logged)
	doc.Version++
	session.LastModified = now
	s.touchLocked(session, op.UserID)
	s.recordVersion(session, op.UserID, version.TagOperation, fmt.Sprintf("%s %s", op.Type, op.Path), nil)

	result := logged.Clone()
	event := OperationEvent{SessionID: sessionID, Operation: logged.Clone(), Version: doc.Version}
	newVersion := doc.Version
	s.mu.Unlock()

	s.metrics.RecordOperation("applied")
	s.emit(pending{EventOperationApplied, event})
	return &ApplyResult{Success: true, Version: newVersion, Operation: &result}, nil
}

// detectConflict builds a conflict for an operation authored against a stale
// version. Competing operations are the overlapping ones applied since the
// author's version, followed by the incoming one.
func (s *Store) detectConflict(session *Session, op document.Operation) *Conflict {
	doc := session.Document

	var (
		competing    []document.Operation
		participants []string
		seen         = make(map[string]bool)
	)
	addParticipant := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		participants = append(participants, id)
	}

	for _, prev := range doc.Operations {
		if prev.Version < op.Version || !document.Overlaps(prev.Path, op.Path) {
			continue
		}
		competing = append(competing, prev.Clone())
		addParticipant(prev.UserID)
	}

	incoming := op.Clone()
	if incoming.Timestamp.IsZero() {
		incoming.Timestamp = s.now()
	}
	competing = append(competing, incoming)
	addParticipant(op.UserID)

	return &Conflict{
		ID:                  uuid.NewString(),
		SessionID:           session.ID,
		Type:                ConflictConcurrentEdit,
		Path:                op.Path,
		Participants:        participants,
		CompetingOperations: competing,
		BaseVersion:         op.Version,
		CurrentVersion:      doc.Version,
		CreatedAt:           s.now(),
	}
}

func (s *Store) touchLocked(session *Session, userID string) {
	if p, ok := session.Participants[userID]; ok {
		p.LastActive = s.now()
	}
}

// UpdateCursor records a participant's cursor. Unknown sessions and
// participants are ignored; the result reports whether anything changed.
func (s *Store) UpdateCursor(sessionID, userID string, cursor Cursor) bool {
	now := s.now()

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	p, ok := session.Participants[userID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	c := cursor
	p.Cursor = &c
	p.LastActive = now
	s.mu.Unlock()

	s.emit(pending{EventCursorUpdated, CursorEvent{SessionID: sessionID, UserID: userID, Cursor: cursor, At: now}})
	return true
}
