// ABOUTME: In-memory collaboration session store
// ABOUTME: Session lifecycle, membership, snapshots, idle sweeping and history

package collab

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/internal/metrics"
	"github.com/nainya/scoresync/pkg/document"
	"github.com/nainya/scoresync/pkg/eventbus"
	"github.com/nainya/scoresync/pkg/version"
)

// DefaultDocumentType tags documents created without one
const DefaultDocumentType = "composition"

// Store holds collaboration sessions. Every call runs to completion under the
// store lock and events are emitted after the lock is released.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	conflicts map[string]string // conflict id -> session id

	history *version.VersionStore
	bus     *eventbus.Bus
	log     *logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = logger.OrNop(l).Component("collab") }
}

// WithMetrics records operation and session metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithHistory records a version snapshot on every document change
func WithHistory(vs *version.VersionStore) Option {
	return func(s *Store) { s.history = vs }
}

// WithEventBus emits store events on an existing bus
func WithEventBus(b *eventbus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions:  make(map[string]*Session),
		conflicts: make(map[string]string),
		log:       logger.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = eventbus.New(s.log)
	}
	return s
}

// Events returns the bus the store emits on
func (s *Store) Events() *eventbus.Bus {
	return s.bus
}

// pending is an event collected under the lock and emitted after it
type pending struct {
	name    string
	payload any
}

func (s *Store) emit(events ...pending) {
	for _, e := range events {
		s.bus.Emit(e.name, e.payload)
	}
}

// CreateSession creates a session around doc, which becomes owned by the
// store. A nil doc starts an empty composition.
func (s *Store) CreateSession(name string, doc *document.Document) *Session {
	now := s.now()

	if doc == nil {
		doc = document.New("", DefaultDocumentType, nil)
	} else {
		doc = doc.Clone()
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		if doc.Content == nil {
			doc.Content = map[string]any{}
		}
	}
	if doc.Version < document.InitialVersion {
		doc.Version = document.InitialVersion
	}

	session := &Session{
		ID:           uuid.NewString(),
		Name:         name,
		Participants: make(map[string]*Participant),
		Document:     doc,
		Conflicts:    make(map[string]*Conflict),
		CreatedAt:    now,
		LastModified: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.recordVersion(session, "", version.TagInitial, "session created", nil)
	snapshot := snapshotSession(session)
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetSessionsActive(count)
	s.log.Info("Session created").
		Str("session_id", snapshot.ID).
		Str("document_id", doc.ID).
		Int64("version", doc.Version).
		Send()

	s.emit(pending{EventSessionCreated, snapshot})
	return snapshot
}

// ImportSession adopts a session created elsewhere, keeping its id and state
func (s *Store) ImportSession(in *Session) (*Session, error) {
	if in == nil || in.ID == "" {
		return nil, fmt.Errorf("collab: import requires a session id")
	}

	session := snapshotSession(in)
	now := s.now()
	if session.Document == nil {
		session.Document = document.New("", DefaultDocumentType, nil)
	}
	if session.Document.Content == nil {
		session.Document.Content = map[string]any{}
	}
	if session.Document.Version < document.InitialVersion {
		session.Document.Version = document.InitialVersion
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.LastModified.IsZero() {
		session.LastModified = now
	}

	s.mu.Lock()
	if _, exists := s.sessions[session.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, session.ID)
	}
	s.sessions[session.ID] = session
	for id := range session.Conflicts {
		s.conflicts[id] = session.ID
	}
	s.recordVersion(session, "", version.TagInitial, "session imported", nil)
	snapshot := snapshotSession(session)
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetSessionsActive(count)
	s.emit(pending{EventSessionCreated, snapshot})
	return snapshot, nil
}

// GetSession returns a deep snapshot of a session
func (s *Store) GetSession(sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	return snapshotSession(session), nil
}

// HasSession reports whether a session is held by the store
func (s *Store) HasSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// ListSessions returns snapshots of every session, oldest first
func (s *Store) ListSessions() []*Session {
	s.mu.Lock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, snapshotSession(session))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RemoveSession drops a session, its pending conflicts and its history
func (s *Store) RemoveSession(sessionID string) error {
	s.mu.Lock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.mu.Unlock()
		return sessionNotFound(sessionID)
	}
	s.removeLocked(sessionID)
	count := len(s.sessions)
	s.mu.Unlock()

	s.metrics.SetSessionsActive(count)
	s.emit(pending{EventSessionRemoved, SessionEvent{SessionID: sessionID}})
	return nil
}

func (s *Store) removeLocked(sessionID string) {
	session := s.sessions[sessionID]
	for id := range session.Conflicts {
		delete(s.conflicts, id)
	}
	delete(s.sessions, sessionID)
	if s.history != nil {
		s.history.DeleteHistory(historyKey(session))
	}
}

// JoinSession adds a participant. JoinedAt and LastActive default to now and
// a missing role defaults to editor. Joining again replaces the entry.
func (s *Store) JoinSession(sessionID string, p Participant) (*Participant, error) {
	if p.ID == "" {
		return nil, ErrInvalidParticipant
	}

	now := s.now()
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, sessionNotFound(sessionID)
	}

	joined := copyParticipant(&p)
	if joined.Role == "" {
		joined.Role = RoleEditor
	}
	if joined.JoinedAt.IsZero() {
		joined.JoinedAt = now
	}
	if joined.LastActive.IsZero() {
		joined.LastActive = now
	}
	session.Participants[joined.ID] = joined
	session.LastModified = now
	out := copyParticipant(joined)
	s.mu.Unlock()

	s.log.Debug("Participant joined").
		Str("session_id", sessionID).
		Str("user_id", out.ID).
		Send()

	s.emit(pending{EventParticipantJoined, ParticipantEvent{SessionID: sessionID, Participant: *copyParticipant(out)}})
	return out, nil
}

// LeaveSession removes a participant. Leaving a session one is not a member of is a no-op.
func (s *Store) LeaveSession(sessionID, userID string) error {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return sessionNotFound(sessionID)
	}
	p, member := session.Participants[userID]
	if !member {
		s.mu.Unlock()
		return nil
	}
	delete(session.Participants, userID)
	session.LastModified = s.now()
	left := copyParticipant(p)
	s.mu.Unlock()

	s.emit(pending{EventParticipantLeft, ParticipantEvent{SessionID: sessionID, Participant: *left}})
	return nil
}

// Touch marks a participant active. It reports whether the participant exists.
func (s *Store) Touch(sessionID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return false
	}
	p, ok := session.Participants[userID]
	if !ok {
		return false
	}
	p.LastActive = s.now()
	return true
}

// SweepIdle removes sessions whose document and participants have all been
// idle for longer than maxIdle. It returns the removed session ids.
func (s *Store) SweepIdle(maxIdle time.Duration) []string {
	if maxIdle <= 0 {
		return nil
	}
	cutoff := s.now().Add(-maxIdle)

	s.mu.Lock()
	var removed []string
	for id, session := range s.sessions {
		if lastActivity(session).Before(cutoff) {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		s.removeLocked(id)
	}
	count := len(s.sessions)
	s.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}

	s.metrics.SetSessionsActive(count)
	s.log.Info("Swept idle sessions").
		Int("removed", len(removed)).
		Dur("max_idle", maxIdle).
		Send()

	events := make([]pending, len(removed))
	for i, id := range removed {
		events[i] = pending{EventSessionRemoved, SessionEvent{SessionID: id}}
	}
	s.emit(events...)
	return removed
}

func lastActivity(session *Session) time.Time {
	last := session.LastModified
	for _, p := range session.Participants {
		if p.LastActive.After(last) {
			last = p.LastActive
		}
	}
	return last
}

// History returns the recorded versions of a session's document
func (s *Store) History(sessionID string) (*version.VersionHistory, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return nil, sessionNotFound(sessionID)
	}
	key := historyKey(session)
	s.mu.Unlock()

	return s.history.GetVersionHistory(key)
}

// historyKey scopes snapshots to the session, since several sessions may be
// built around documents carrying the same id
func historyKey(session *Session) string {
	return session.ID + "/" + session.Document.ID
}

// recordVersion snapshots the session document; the lock must be held
func (s *Store) recordVersion(session *Session, createdBy, tag, description string, meta map[string]string) {
	if s.history == nil {
		return
	}
	doc := session.Document
	v := &version.Version{
		DocumentID:  historyKey(session),
		Number:      doc.Version,
		Content:     doc.Content,
		CreatedAt:   s.now(),
		CreatedBy:   createdBy,
		Description: description,
		Tags:        []string{tag},
		Metadata:    meta,
	}
	if tag == version.TagOperation && len(doc.Operations) > 0 {
		v.OperationID = doc.Operations[len(doc.Operations)-1].ID
	}
	if err := s.history.CreateVersion(v); err != nil {
		s.log.Warn("Failed to record version").
			Err(err).
			Str("session_id", session.ID).
			Int64("version", doc.Version).
			Send()
	}
}

func snapshotSession(in *Session) *Session {
	out := &Session{
		ID:           in.ID,
		Name:         in.Name,
		Participants: make(map[string]*Participant, len(in.Participants)),
		Document:     in.Document.Clone(),
		Conflicts:    make(map[string]*Conflict, len(in.Conflicts)),
		Resolutions:  append([]ResolutionRecord(nil), in.Resolutions...),
		CreatedAt:    in.CreatedAt,
		LastModified: in.LastModified,
	}
	for id, p := range in.Participants {
		out.Participants[id] = copyParticipant(p)
	}
	for id, c := range in.Conflicts {
		out.Conflicts[id] = copyConflict(c)
	}
	return out
}

func copyParticipant(p *Participant) *Participant {
	c := *p
	c.Permissions = append([]Permission(nil), p.Permissions...)
	if p.Cursor != nil {
		cursor := *p.Cursor
		c.Cursor = &cursor
	}
	return &c
}

func copyConflict(c *Conflict) *Conflict {
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	out.CompetingOperations = make([]document.Operation, len(c.CompetingOperations))
	for i, op := range c.CompetingOperations {
		out.CompetingOperations[i] = op.Clone()
	}
	return &out
}
