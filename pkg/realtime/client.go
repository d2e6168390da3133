// ABOUTME: Realtime collaboration client
// ABOUTME: Binds the transport to a local session store and relays changes

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/pkg/collab"
	"github.com/nainya/scoresync/pkg/document"
	"github.com/nainya/scoresync/pkg/eventbus"
	"github.com/nainya/scoresync/pkg/protocol"
	"github.com/nainya/scoresync/pkg/transport"
)

// Public events
const (
	EventConnectionStateChanged = "connectionStateChanged"      // transport.ConnectionState
	EventRealtime               = "realtimeEvent"               // protocol.RealtimeEvent
	EventCollaborationConflict  = "collaborationConflict"       // *collab.Conflict
	EventSessionCreated         = "collaborationSessionCreated" // *collab.Session
	EventError                  = "error"                       // error
)

// relayedEvents are the store events exchanged with other clients
var relayedEvents = []string{
	collab.EventSessionCreated,
	collab.EventParticipantJoined,
	collab.EventParticipantLeft,
	collab.EventOperationApplied,
	collab.EventCursorUpdated,
	collab.EventConflictResolved,
}

// Client is the application-facing entry point
type Client struct {
	transport *transport.Transport
	store     *collab.Store
	bus       *eventbus.Bus
	log       *logger.Logger

	mu             sync.Mutex
	links          map[string]*conflictLink // by local and by server conflict id
	transportHooks []string
	storeHooks     []string
	subscriptions  []string
}

// Option configures a Client
type Option func(*Client)

// WithLogger sets the client logger
func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.log = logger.OrNop(l).Component("realtime") }
}

// New wires t and store together. Both stay owned by the caller until Close.
func New(t *transport.Transport, store *collab.Store, opts ...Option) *Client {
	c := &Client{
		transport: t,
		store:     store,
		log:       logger.Nop(),
		links:     make(map[string]*conflictLink),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.bus = eventbus.New(c.log)

	tb := t.Events()
	c.transportHooks = []string{
		tb.On(transport.EventStateChanged, func(p any) { c.bus.Emit(EventConnectionStateChanged, p) }),
		tb.On(transport.EventRealtime, func(p any) { c.bus.Emit(EventRealtime, p) }),
		tb.On(transport.EventError, func(p any) { c.bus.Emit(EventError, p) }),
		tb.On(transport.EventConflict, c.handleServerConflict),
	}

	sb := store.Events()
	c.storeHooks = []string{
		sb.On(collab.EventSessionCreated, func(p any) { c.bus.Emit(EventSessionCreated, p) }),
		sb.On(collab.EventConflictDetected, c.handleLocalConflict),
	}

	for _, name := range relayedEvents {
		c.subscriptions = append(c.subscriptions, t.Subscribe(name, c.handleRemote, nil))
	}
	return c
}

// Events returns the public event bus
func (c *Client) Events() *eventbus.Bus {
	return c.bus
}

// Store returns the local session store
func (c *Client) Store() *collab.Store {
	return c.store
}

// Transport returns the underlying transport
func (c *Client) Transport() *transport.Transport {
	return c.transport
}

// Connect opens the transport
func (c *Client) Connect(ctx context.Context, token string) error {
	return c.transport.Connect(ctx, token)
}

// Disconnect closes the transport without reconnecting
func (c *Client) Disconnect() {
	c.transport.Disconnect()
}

// State returns the transport connection state
func (c *Client) State() transport.ConnectionState {
	return c.transport.State()
}

// Close disconnects and detaches from the transport and store
func (c *Client) Close() error {
	c.transport.Disconnect()
	for _, id := range c.subscriptions {
		c.transport.Unsubscribe(id)
	}
	for _, id := range c.transportHooks {
		c.transport.Events().Off(id)
	}
	for _, id := range c.storeHooks {
		c.store.Events().Off(id)
	}
	c.bus.Clear()
	return nil
}

// CreateSession creates a local session and announces it
func (c *Client) CreateSession(name string, doc *document.Document) (*collab.Session, error) {
	session := c.store.CreateSession(name, doc)
	if err := c.transport.BroadcastUpdate(collab.EventSessionCreated, session); err != nil {
		return session, err
	}
	return session, nil
}

// JoinSession joins a local session and announces the participant
func (c *Client) JoinSession(sessionID string, p collab.Participant) (*collab.Participant, error) {
	joined, err := c.store.JoinSession(sessionID, p)
	if err != nil {
		return nil, err
	}
	event := collab.ParticipantEvent{SessionID: sessionID, Participant: *joined}
	return joined, c.transport.BroadcastUpdate(collab.EventParticipantJoined, event)
}

// LeaveSession leaves a local session and announces it
func (c *Client) LeaveSession(sessionID, userID string) error {
	if err := c.store.LeaveSession(sessionID, userID); err != nil {
		return err
	}
	event := collab.ParticipantEvent{SessionID: sessionID, Participant: collab.Participant{ID: userID}}
	return c.transport.BroadcastUpdate(collab.EventParticipantLeft, event)
}

// ApplyOperation applies op locally and relays it when it succeeded. Conflicts
// surface as collaborationConflict events as well as in the result.
func (c *Client) ApplyOperation(sessionID string, op document.Operation) (*collab.ApplyResult, error) {
	res, err := c.store.ApplyOperation(sessionID, op)
	if err != nil || !res.Success {
		return res, err
	}
	event := collab.OperationEvent{SessionID: sessionID, Operation: *res.Operation, Version: res.Version}
	return res, c.transport.BroadcastUpdate(collab.EventOperationApplied, event)
}

// ResolveConflict settles a conflict detected locally or pushed by the server
// and sends the resolution to the server. When the same collision was
// reported both ways, either id settles both.
func (c *Client) ResolveConflict(conflictID string, res collab.Resolution) (*document.Document, error) {
	c.mu.Lock()
	link := c.links[conflictID]
	c.mu.Unlock()

	localID, remoteID := conflictID, conflictID
	var sessionID string
	if link != nil {
		sessionID = link.sessionID
		if link.local != "" {
			localID = link.local
		}
		if link.remote != "" {
			remoteID = link.remote
		}
	} else {
		conflict, err := c.store.GetConflict(conflictID)
		if err != nil {
			return nil, err
		}
		sessionID = conflict.SessionID
	}

	doc, err := c.store.AdoptResolution(sessionID, localID, res)
	if err != nil {
		return nil, err
	}
	c.unlink(link)

	raw, err := protocol.RawData(res)
	if err != nil {
		return doc, fmt.Errorf("realtime: encode resolution: %w", err)
	}
	return doc, c.transport.Send(&protocol.ResolveConflict{SessionID: sessionID, ConflictID: remoteID, Resolution: raw})
}

// PendingConflicts lists the unresolved conflicts of a session, one entry per
// collision whether it was detected here, by the server, or both
func (c *Client) PendingConflicts(sessionID string) ([]*collab.Conflict, error) {
	out, err := c.store.PendingConflicts(sessionID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[*conflictLink]bool)
	for _, link := range c.links {
		if link.sessionID != sessionID || link.local != "" || seen[link] {
			continue
		}
		seen[link] = true
		out = append(out, copyConflictRef(link.reported))
	}
	return out, nil
}

// UpdateCursor records presence locally and relays it. Unknown sessions and
// participants are ignored.
func (c *Client) UpdateCursor(sessionID, userID string, cursor collab.Cursor) {
	if !c.store.UpdateCursor(sessionID, userID, cursor) {
		return
	}
	event := collab.CursorEvent{SessionID: sessionID, UserID: userID, Cursor: cursor}
	if err := c.transport.BroadcastUpdate(collab.EventCursorUpdated, event); err != nil {
		c.log.Debug("Cursor not relayed").Err(err).Send()
	}
}

// Subscribe registers an application callback for server events
func (c *Client) Subscribe(event string, callback transport.EventCallback, filter transport.EventFilter) string {
	return c.transport.Subscribe(event, callback, filter)
}

// Unsubscribe removes an application subscription
func (c *Client) Unsubscribe(id string) bool {
	return c.transport.Unsubscribe(id)
}

// StartStreaming opens a server stream
func (c *Client) StartStreaming(req transport.StreamRequest) (string, error) {
	return c.transport.StartStreaming(req)
}

// StopStreaming stops a server stream
func (c *Client) StopStreaming(id string) bool {
	return c.transport.StopStreaming(id)
}

// handleRemote applies changes relayed from other clients to the local store
func (c *Client) handleRemote(ev protocol.RealtimeEvent) {
	if err := c.applyRemote(ev); err != nil {
		c.log.Warn("Remote change not applied").
			Str("event", ev.Event).
			Str("source", ev.Source).
			Err(err).
			Send()
	}
}

func (c *Client) applyRemote(ev protocol.RealtimeEvent) error {
	switch ev.Event {
	case collab.EventSessionCreated:
		var session collab.Session
		if err := json.Unmarshal(ev.Data, &session); err != nil {
			return err
		}
		if c.store.HasSession(session.ID) {
			return nil
		}
		_, err := c.store.ImportSession(&session)
		return err

	case collab.EventParticipantJoined:
		var pe collab.ParticipantEvent
		if err := json.Unmarshal(ev.Data, &pe); err != nil {
			return err
		}
		_, err := c.store.JoinSession(pe.SessionID, pe.Participant)
		return ignoreNotFound(err)

	case collab.EventParticipantLeft:
		var pe collab.ParticipantEvent
		if err := json.Unmarshal(ev.Data, &pe); err != nil {
			return err
		}
		return ignoreNotFound(c.store.LeaveSession(pe.SessionID, pe.Participant.ID))

	case collab.EventOperationApplied:
		var oe collab.OperationEvent
		if err := json.Unmarshal(ev.Data, &oe); err != nil {
			return err
		}
		_, err := c.store.ApplyOperation(oe.SessionID, oe.Operation)
		return ignoreNotFound(err)

	case collab.EventCursorUpdated:
		var ce collab.CursorEvent
		if err := json.Unmarshal(ev.Data, &ce); err != nil {
			return err
		}
		c.store.UpdateCursor(ce.SessionID, ce.UserID, ce.Cursor)
		return nil

	case collab.EventConflictResolved:
		var re collab.ResolutionEvent
		if err := json.Unmarshal(ev.Data, &re); err != nil {
			return err
		}
		conflictID := re.ConflictID
		c.mu.Lock()
		link := c.links[conflictID]
		c.mu.Unlock()
		if link != nil && link.local != "" {
			conflictID = link.local
		}
		_, err := c.store.AdoptResolution(re.SessionID, conflictID, re.Resolution)
		if err == nil {
			c.unlink(link)
		}
		return ignoreNotFound(err)
	}
	return nil
}

// conflictLink ties together the reports of one collision. The loser of a
// race sees it twice: its store flags the winner's relayed operation as
// stale, and the server pushes the conflict it recorded for the losing
// operation. Only the first report reaches the application.
type conflictLink struct {
	sessionID string
	path      string
	local     string // id in the local store
	remote    string // id known to the server
	reported  *collab.Conflict
}

// handleLocalConflict surfaces a conflict detected by the local store unless
// the server already reported the same collision
func (c *Client) handleLocalConflict(payload any) {
	conflict, ok := payload.(*collab.Conflict)
	if !ok {
		return
	}

	c.mu.Lock()
	if link := c.matchLocked(conflict.SessionID, conflict.Path, false); link != nil {
		link.local = conflict.ID
		c.links[conflict.ID] = link
		c.mu.Unlock()
		c.log.Debug("Local conflict matches server conflict").
			Str("conflict_id", conflict.ID).
			Str("server_conflict_id", link.remote).
			Send()
		return
	}
	c.links[conflict.ID] = &conflictLink{sessionID: conflict.SessionID, path: conflict.Path, local: conflict.ID, reported: conflict}
	c.mu.Unlock()

	c.bus.Emit(EventCollaborationConflict, conflict)
}

// handleServerConflict surfaces a conflict detected by the server unless the
// local store already reported the same collision
func (c *Client) handleServerConflict(payload any) {
	frame, ok := payload.(*protocol.Conflict)
	if !ok {
		return
	}
	var conflict collab.Conflict
	if err := json.Unmarshal(frame.Conflict, &conflict); err != nil {
		c.log.Warn("Invalid conflict from server").Err(err).Send()
		return
	}
	if conflict.SessionID == "" {
		conflict.SessionID = frame.SessionID
	}

	c.mu.Lock()
	if link := c.matchLocked(conflict.SessionID, conflict.Path, true); link != nil {
		link.remote = conflict.ID
		c.links[conflict.ID] = link
		c.mu.Unlock()
		c.log.Debug("Server conflict matches local conflict").
			Str("conflict_id", link.local).
			Str("server_conflict_id", conflict.ID).
			Send()
		return
	}
	c.links[conflict.ID] = &conflictLink{sessionID: conflict.SessionID, path: conflict.Path, remote: conflict.ID, reported: &conflict}
	c.mu.Unlock()

	c.bus.Emit(EventCollaborationConflict, &conflict)
}

// matchLocked finds an unpaired report of a collision on an overlapping path.
// local selects reports from the local store that are still pending there,
// otherwise reports from the server.
func (c *Client) matchLocked(sessionID, path string, local bool) *conflictLink {
	for _, link := range c.links {
		if link.sessionID != sessionID || !document.Overlaps(link.path, path) {
			continue
		}
		if local && link.local != "" && link.remote == "" {
			if _, err := c.store.GetConflict(link.local); err == nil {
				return link
			}
		}
		if !local && link.remote != "" && link.local == "" {
			return link
		}
	}
	return nil
}

func (c *Client) unlink(link *conflictLink) {
	if link == nil {
		return
	}
	c.mu.Lock()
	delete(c.links, link.local)
	delete(c.links, link.remote)
	c.mu.Unlock()
}

func copyConflictRef(in *collab.Conflict) *collab.Conflict {
	out := *in
	out.Participants = append([]string(nil), in.Participants...)
	out.CompetingOperations = append([]document.Operation(nil), in.CompetingOperations...)
	return &out
}

func ignoreNotFound(err error) error {
	if errors.Is(err, collab.ErrNotFound) {
		return nil
	}
	return err
}
