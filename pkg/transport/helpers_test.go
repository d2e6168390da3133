package transport

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nainya/scoresync/pkg/protocol"
)

// testServer is a scripted websocket peer
type testServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	writeMu sync.Mutex
	conns   []*websocket.Conn
	tokens  []string

	received chan protocol.Message
	accepts  atomic.Int32
	pings    atomic.Int32
	reject   atomic.Bool
	mute     atomic.Bool // Stop answering pings
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		t:        t,
		received: make(chan protocol.Message, 256),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(ts.handle))
	t.Cleanup(func() {
		ts.mu.Lock()
		for _, c := range ts.conns {
			c.Close()
		}
		ts.mu.Unlock()
		ts.srv.Close()
	})
	return ts
}

func (ts *testServer) url() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/realtime"
}

func (ts *testServer) handle(w http.ResponseWriter, r *http.Request) {
	ts.accepts.Add(1)
	if ts.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := ts.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ts.mu.Lock()
	ts.conns = append(ts.conns, conn)
	ts.tokens = append(ts.tokens, r.URL.Query().Get("token"))
	ts.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			continue
		}
		if ping, ok := msg.(*protocol.Ping); ok {
			ts.pings.Add(1)
			if !ts.mute.Load() {
				ts.write(conn, &protocol.Pong{Timestamp: ping.Timestamp})
			}
			continue
		}
		ts.received <- msg
	}
}

func (ts *testServer) write(conn *websocket.Conn, m protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		ts.t.Errorf("encode %s: %v", m.Type(), err)
		return
	}
	ts.writeRaw(conn, data)
}

func (ts *testServer) writeRaw(conn *websocket.Conn, data []byte) {
	ts.writeMu.Lock()
	defer ts.writeMu.Unlock()
	conn.WriteMessage(websocket.TextMessage, data)
}

func (ts *testServer) latest() *websocket.Conn {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.conns) == 0 {
		ts.t.Fatal("no server connection")
	}
	return ts.conns[len(ts.conns)-1]
}

func (ts *testServer) connCount() int {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.conns)
}

func (ts *testServer) send(m protocol.Message) {
	ts.write(ts.latest(), m)
}

func (ts *testServer) sendRaw(data string) {
	ts.writeRaw(ts.latest(), []byte(data))
}

// closeLatest sends a close frame with code and closes the socket
func (ts *testServer) closeLatest(code int) {
	conn := ts.latest()
	ts.writeMu.Lock()
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, "bye"), time.Now().Add(time.Second))
	ts.writeMu.Unlock()
	time.Sleep(20 * time.Millisecond)
	conn.Close()
}

// dropLatest closes the socket without a close frame
func (ts *testServer) dropLatest() {
	ts.latest().Close()
}

func (ts *testServer) next(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case m := <-ts.received:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a client message")
		return nil
	}
}

func (ts *testServer) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-ts.received:
		t.Fatalf("unexpected client message %s", m.Type())
	case <-time.After(d):
	}
}

func fastConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Timeout = time.Second
	cfg.ReconnectInterval = 10 * time.Millisecond
	cfg.MaxReconnectInterval = 10 * time.Millisecond
	cfg.BackoffMultiplier = 1
	cfg.BackoffJitter = 0
	cfg.MaxReconnectAttempts = 3
	return cfg
}

func connectTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	tr := New(cfg)
	t.Cleanup(func() { tr.Close() })
	if err := tr.Connect(context.Background(), ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// stateRecorder collects connection state changes
type stateRecorder struct {
	mu     sync.Mutex
	states []ConnectionState
}

func recordStates(tr *Transport) *stateRecorder {
	r := &stateRecorder{}
	tr.Events().On(EventStateChanged, func(payload any) {
		r.mu.Lock()
		r.states = append(r.states, payload.(ConnectionState))
		r.mu.Unlock()
	})
	return r
}

func (r *stateRecorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, len(r.states))
	for i, s := range r.states {
		out[i] = s.Status
	}
	return out
}

func (r *stateRecorder) count(status Status) int {
	n := 0
	for _, s := range r.statuses() {
		if s == status {
			n++
		}
	}
	return n
}

// blockingDialer never completes a dial before the context ends
type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _ string, _ http.Header) (*websocket.Conn, *http.Response, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

// syncBuffer collects log output written from several goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
