// ABOUTME: Conflict resolution for collaboration sessions
// ABOUTME: Applies externally decided resolutions and pluggable resolution policies

package collab

import (
	"context"
	"fmt"
	"sort"

	"github.com/nainya/scoresync/pkg/document"
	"github.com/nainya/scoresync/pkg/version"
)

// ResolveConflict settles a pending conflict. For every strategy the document
// content is replaced by a copy of ResolvedData and the version advances.
// The conflict is removed, so resolving it again returns a NotFoundError.
func (s *Store) ResolveConflict(conflictID string, res Resolution) (*document.Document, error) {
	if err := validateResolution(res); err != nil {
		return nil, err
	}

	s.mu.Lock()
	sessionID, ok := s.conflicts[conflictID]
	if !ok {
		s.mu.Unlock()
		return nil, conflictNotFound(conflictID)
	}
	out, event := s.settleLocked(s.sessions[sessionID], conflictID, res)
	s.mu.Unlock()

	s.resolved(event)
	return out, nil
}

// AdoptResolution applies a resolution decided elsewhere to a session, whether
// or not the conflict is pending here. A matching pending conflict is removed.
func (s *Store) AdoptResolution(sessionID, conflictID string, res Resolution) (*document.Document, error) {
	if err := validateResolution(res); err != nil {
		return nil, err
	}

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, sessionNotFound(sessionID)
	}
	out, event := s.settleLocked(session, conflictID, res)
	s.mu.Unlock()

	s.resolved(event)
	return out, nil
}

func validateResolution(res Resolution) error {
	if !res.Strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStrategy, res.Strategy)
	}
	if res.ResolvedData == nil {
		return ErrInvalidResolution
	}
	return nil
}

// settleLocked replaces the document content with the resolution and records it
func (s *Store) settleLocked(session *Session, conflictID string, res Resolution) (*document.Document, ResolutionEvent) {
	now := s.now()
	if res.Timestamp.IsZero() {
		res.Timestamp = now
	}

	path := ""
	if conflict, ok := session.Conflicts[conflictID]; ok {
		path = conflict.Path
		delete(session.Conflicts, conflictID)
		delete(s.conflicts, conflictID)
	}

	doc := session.Document
	doc.Content = document.CloneContent(res.ResolvedData)
	doc.Version++
	session.LastModified = now
	session.Resolutions = append(session.Resolutions, ResolutionRecord{
		ConflictID: conflictID,
		Path:       path,
		Strategy:   res.Strategy,
		ResolvedBy: res.ResolvedBy,
		Reasoning:  res.Reasoning,
		Version:    doc.Version,
		ResolvedAt: res.Timestamp,
	})
	s.touchLocked(session, res.ResolvedBy)
	s.recordVersion(session, res.ResolvedBy, version.TagResolution,
		fmt.Sprintf("resolved conflict %s by %s", conflictID, res.Strategy),
		map[string]string{"conflict_id": conflictID, "strategy": string(res.Strategy)})

	return doc.Clone(), ResolutionEvent{
		SessionID:  session.ID,
		ConflictID: conflictID,
		Resolution: copyResolution(res),
		Version:    doc.Version,
	}
}

func (s *Store) resolved(event ResolutionEvent) {
	s.metrics.RecordResolution(string(event.Resolution.Strategy))
	s.log.Info("Conflict resolved").
		Str("session_id", event.SessionID).
		Str("conflict_id", event.ConflictID).
		Str("strategy", string(event.Resolution.Strategy)).
		Int64("version", event.Version).
		Send()

	s.emit(pending{EventConflictResolved, event})
}

// AutoResolve asks policy for a resolution and applies it
func (s *Store) AutoResolve(ctx context.Context, conflictID string, policy ResolutionPolicy) (*document.Document, error) {
	conflict, current, err := s.conflictState(conflictID)
	if err != nil {
		return nil, err
	}
	res, err := policy.Resolve(ctx, conflict, current)
	if err != nil {
		return nil, fmt.Errorf("collab: resolution policy: %w", err)
	}
	return s.ResolveConflict(conflictID, res)
}

// GetConflict returns a pending conflict
func (s *Store) GetConflict(conflictID string) (*Conflict, error) {
	conflict, _, err := s.conflictState(conflictID)
	return conflict, err
}

// PendingConflicts lists a session's unresolved conflicts, oldest first
func (s *Store) PendingConflicts(sessionID string) ([]*Conflict, error) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, sessionNotFound(sessionID)
	}
	out := make([]*Conflict, 0, len(session.Conflicts))
	for _, c := range session.Conflicts {
		out = append(out, copyConflict(c))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) conflictState(conflictID string) (*Conflict, *document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.conflicts[conflictID]
	if !ok {
		return nil, nil, conflictNotFound(conflictID)
	}
	session := s.sessions[sessionID]
	return copyConflict(session.Conflicts[conflictID]), session.Document.Clone(), nil
}

func copyResolution(res Resolution) Resolution {
	res.ResolvedData = document.CloneContent(res.ResolvedData)
	return res
}
