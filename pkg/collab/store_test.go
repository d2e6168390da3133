// ABOUTME: Tests for the collaboration session store
// ABOUTME: Covers lifecycle, membership, presence, snapshots and idle sweeping

package collab

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nainya/scoresync/pkg/document"
	"github.com/nainya/scoresync/pkg/version"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	store := NewStore(
		WithClock(clock.Now),
		WithHistory(version.NewVersionStore(0)),
	)
	return store, clock
}

func compositionDoc() *document.Document {
	return document.New("", "composition", map[string]any{
		"tempo": 100,
		"key":   "C",
		"sections": []any{
			map[string]any{"name": "intro", "bars": 4},
		},
	})
}

func TestCreateSession(t *testing.T) {
	store, clock := setupTestStore(t)

	var created *Session
	store.Events().On(EventSessionCreated, func(payload any) {
		created = payload.(*Session)
	})

	session := store.CreateSession("Jam", compositionDoc())

	if session.ID == "" {
		t.Fatal("Expected generated session id")
	}
	if len(session.Participants) != 0 {
		t.Errorf("Expected no participants, got %d", len(session.Participants))
	}
	if session.Document.Version != document.InitialVersion {
		t.Errorf("Expected version %d, got %d", document.InitialVersion, session.Document.Version)
	}
	if !session.CreatedAt.Equal(clock.Now()) {
		t.Errorf("Expected createdAt %v, got %v", clock.Now(), session.CreatedAt)
	}
	if created == nil || created.ID != session.ID {
		t.Fatalf("Expected sessionCreated event for %s", session.ID)
	}
}

func TestCreateSessionNormalisesVersion(t *testing.T) {
	store, _ := setupTestStore(t)

	doc := compositionDoc()
	doc.Version = 0
	session := store.CreateSession("Zero", doc)
	if session.Document.Version != 1 {
		t.Errorf("Expected version 0 to normalise to 1, got %d", session.Document.Version)
	}

	empty := store.CreateSession("Empty", nil)
	if empty.Document == nil || empty.Document.Type != DefaultDocumentType {
		t.Fatalf("Expected default composition document, got %+v", empty.Document)
	}
}

func TestSessionOwnsDocument(t *testing.T) {
	store, _ := setupTestStore(t)

	doc := compositionDoc()
	session := store.CreateSession("Jam", doc)
	doc.Content["tempo"] = 1

	got, err := store.GetSession(session.ID)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if got.Document.Content["tempo"] != 100 {
		t.Errorf("Expected caller mutation not to leak, got %v", got.Document.Content["tempo"])
	}

	got.Document.Content["tempo"] = 2
	again, _ := store.GetSession(session.ID)
	if again.Document.Content["tempo"] != 100 {
		t.Errorf("Expected snapshots to be independent, got %v", again.Document.Content["tempo"])
	}
}

func TestJoinAndLeaveSession(t *testing.T) {
	store, clock := setupTestStore(t)
	session := store.CreateSession("Jam", compositionDoc())

	var joined, left []string
	store.Events().On(EventParticipantJoined, func(payload any) {
		joined = append(joined, payload.(ParticipantEvent).Participant.ID)
	})
	store.Events().On(EventParticipantLeft, func(payload any) {
		left = append(left, payload.(ParticipantEvent).Participant.ID)
	})

	p, err := store.JoinSession(session.ID, Participant{ID: "A", Name: "Alice"})
	if err != nil {
		t.Fatalf("Failed to join: %v", err)
	}
	if p.Role != RoleEditor {
		t.Errorf("Expected default role editor, got %s", p.Role)
	}
	if !p.JoinedAt.Equal(clock.Now()) || !p.LastActive.Equal(clock.Now()) {
		t.Errorf("Expected joinedAt and lastActive to default to now")
	}

	if _, err := store.JoinSession(session.ID, Participant{ID: "B", Role: RoleObserver}); err != nil {
		t.Fatalf("Failed to join: %v", err)
	}

	got, _ := store.GetSession(session.ID)
	if len(got.Participants) != 2 {
		t.Fatalf("Expected 2 participants, got %d", len(got.Participants))
	}

	if err := store.LeaveSession(session.ID, "A"); err != nil {
		t.Fatalf("Failed to leave: %v", err)
	}
	// Not a member any more
	if err := store.LeaveSession(session.ID, "A"); err != nil {
		t.Errorf("Expected leaving twice to be a no-op, got %v", err)
	}

	got, _ = store.GetSession(session.ID)
	if _, ok := got.Participants["A"]; ok {
		t.Error("Expected A to be removed")
	}
	if len(joined) != 2 || len(left) != 1 || left[0] != "A" {
		t.Errorf("Unexpected events joined=%v left=%v", joined, left)
	}
}

func TestUnknownSession(t *testing.T) {
	store, _ := setupTestStore(t)

	_, err := store.JoinSession("missing", Participant{ID: "A"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from join, got %v", err)
	}
	var nf *NotFoundError
	if !errors.As(err, &nf) || nf.Kind != "session" || nf.ID != "missing" {
		t.Errorf("Expected NotFoundError for session missing, got %v", err)
	}

	if err := store.LeaveSession("missing", "A"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from leave, got %v", err)
	}
	if _, err := store.ApplyOperation("missing", document.Operation{Type: document.OpUpdate, Path: "tempo", Version: 1}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from apply, got %v", err)
	}
	if _, err := store.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from get, got %v", err)
	}
	if err := store.RemoveSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound from remove, got %v", err)
	}
}

func TestJoinRequiresParticipantID(t *testing.T) {
	store, _ := setupTestStore(t)
	session := store.CreateSession("Jam", nil)

	if _, err := store.JoinSession(session.ID, Participant{Name: "nobody"}); !errors.Is(err, ErrInvalidParticipant) {
		t.Errorf("Expected ErrInvalidParticipant, got %v", err)
	}
}

func TestUpdateCursor(t *testing.T) {
	store, clock := setupTestStore(t)
	session := store.CreateSession("Jam", compositionDoc())
	store.JoinSession(session.ID, Participant{ID: "A"})

	var events []CursorEvent
	store.Events().On(EventCursorUpdated, func(payload any) {
		events = append(events, payload.(CursorEvent))
	})

	before, _ := store.GetSession(session.ID)
	clock.Advance(time.Minute)

	if !store.UpdateCursor(session.ID, "A", Cursor{Section: "intro", Position: 3}) {
		t.Fatal("Expected cursor update to apply")
	}

	got, _ := store.GetSession(session.ID)
	p := got.Participants["A"]
	if p.Cursor == nil || p.Cursor.Section != "intro" || p.Cursor.Position != 3 {
		t.Errorf("Unexpected cursor %+v", p.Cursor)
	}
	if !p.LastActive.Equal(clock.Now()) {
		t.Errorf("Expected lastActive to be refreshed")
	}
	if got.Document.Version != before.Document.Version {
		t.Errorf("Expected cursor updates not to change the version")
	}

	// Unknown session or participant is ignored
	if store.UpdateCursor("missing", "A", Cursor{}) {
		t.Error("Expected unknown session to be ignored")
	}
	if store.UpdateCursor(session.ID, "ghost", Cursor{}) {
		t.Error("Expected unknown participant to be ignored")
	}
	if len(events) != 1 {
		t.Errorf("Expected 1 cursor event, got %d", len(events))
	}
}

func TestImportSession(t *testing.T) {
	source, _ := setupTestStore(t)
	original := source.CreateSession("Jam", compositionDoc())

	mirror, _ := setupTestStore(t)
	imported, err := mirror.ImportSession(original)
	if err != nil {
		t.Fatalf("Failed to import: %v", err)
	}
	if imported.ID != original.ID || imported.Document.ID != original.Document.ID {
		t.Errorf("Expected ids to be preserved")
	}

	if _, err := mirror.ImportSession(original); !errors.Is(err, ErrSessionExists) {
		t.Errorf("Expected ErrSessionExists, got %v", err)
	}
	if _, err := mirror.ImportSession(&Session{}); err == nil {
		t.Error("Expected error for session without id")
	}
}

func TestListAndRemoveSessions(t *testing.T) {
	store, clock := setupTestStore(t)

	first := store.CreateSession("first", nil)
	clock.Advance(time.Second)
	second := store.CreateSession("second", nil)

	list := store.ListSessions()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("Expected sessions in creation order")
	}

	var removed []string
	store.Events().On(EventSessionRemoved, func(payload any) {
		removed = append(removed, payload.(SessionEvent).SessionID)
	})

	if err := store.RemoveSession(first.ID); err != nil {
		t.Fatalf("Failed to remove: %v", err)
	}
	if store.HasSession(first.ID) {
		t.Error("Expected session to be gone")
	}
	if _, err := store.History(first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected history lookup to fail after removal, got %v", err)
	}
	if len(removed) != 1 || removed[0] != first.ID {
		t.Errorf("Unexpected removed events %v", removed)
	}
}

func TestSweepIdle(t *testing.T) {
	store, clock := setupTestStore(t)

	idle := store.CreateSession("idle", nil)
	active := store.CreateSession("active", nil)
	store.JoinSession(active.ID, Participant{ID: "A"})

	clock.Advance(20 * time.Minute)
	store.Touch(active.ID, "A")
	clock.Advance(20 * time.Minute)

	removed := store.SweepIdle(30 * time.Minute)
	if len(removed) != 1 || removed[0] != idle.ID {
		t.Fatalf("Expected only the idle session to be swept, got %v", removed)
	}
	if !store.HasSession(active.ID) {
		t.Error("Expected active session to be kept")
	}
	if store.SweepIdle(0) != nil {
		t.Error("Expected zero max idle to disable sweeping")
	}
}

func TestHistoryRecordsVersions(t *testing.T) {
	store, _ := setupTestStore(t)
	session := store.CreateSession("Jam", compositionDoc())

	store.ApplyOperation(session.ID, document.Operation{Type: document.OpUpdate, Path: "tempo", Value: 110, UserID: "A", Version: 1})
	store.ApplyOperation(session.ID, document.Operation{Type: document.OpUpdate, Path: "key", Value: "G", UserID: "A", Version: 2})

	history, err := store.History(session.ID)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history.Versions) != 3 {
		t.Fatalf("Expected 3 versions, got %d", len(history.Versions))
	}
	if history.Versions[0].Content["tempo"] != 100 || history.Versions[1].Content["tempo"] != 110 {
		t.Errorf("Expected snapshots to capture each version")
	}
	if history.Versions[2].OperationID == "" {
		t.Error("Expected operation versions to reference the operation id")
	}

	plain := NewStore()
	s := plain.CreateSession("no history", nil)
	if _, err := plain.History(s.ID); !errors.Is(err, ErrHistoryDisabled) {
		t.Errorf("Expected ErrHistoryDisabled, got %v", err)
	}
}

func TestHistoryIsPerSession(t *testing.T) {
	store, _ := setupTestStore(t)
	a := store.CreateSession("A", document.New("score-1", "composition", map[string]any{"tempo": 120}))
	b := store.CreateSession("B", document.New("score-1", "composition", map[string]any{"tempo": 90}))

	store.ApplyOperation(a.ID, document.Operation{Type: document.OpUpdate, Path: "tempo", Value: 140, UserID: "A", Version: 1})

	history, err := store.History(b.ID)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history.Versions) != 1 || history.Versions[0].Content["tempo"] != 90 {
		t.Fatalf("Expected B's own single snapshot, got %+v", history.Versions)
	}

	if err := store.RemoveSession(a.ID); err != nil {
		t.Fatalf("Failed to remove session: %v", err)
	}
	history, err = store.History(b.ID)
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	if len(history.Versions) != 1 {
		t.Errorf("Expected B's history to survive removing A, got %d versions", len(history.Versions))
	}
}

func TestPanickingListenerDoesNotBreakStore(t *testing.T) {
	store, _ := setupTestStore(t)
	store.Events().On(EventSessionCreated, func(any) { panic("listener bug") })

	var delivered bool
	store.Events().On(EventSessionCreated, func(any) { delivered = true })

	session := store.CreateSession("Jam", nil)
	if !delivered {
		t.Error("Expected later listeners to still run")
	}
	if !store.HasSession(session.ID) {
		t.Error("Expected session to exist")
	}
}
