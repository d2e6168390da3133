package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nainya/scoresync/pkg/collab"
	"github.com/nainya/scoresync/pkg/protocol"
	"github.com/nainya/scoresync/pkg/version"
)

func testHubConfig() HubConfig {
	return HubConfig{
		PongWait:   5 * time.Second,
		PingPeriod: time.Second,
		WriteWait:  time.Second,
		SendBuffer: 64,
	}
}

func newHistoryStore() *collab.Store {
	return collab.NewStore(collab.WithHistory(version.NewVersionStore(0)))
}

// startHub serves a hub on an httptest server and returns the websocket url
func startHub(t *testing.T, opts ...HubOption) (*Hub, string) {
	t.Helper()
	hub, err := NewHub(testHubConfig(), opts...)
	if err != nil {
		t.Fatalf("NewHub() error = %v", err)
	}
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/realtime"
}

type testClient struct {
	t  *testing.T
	ws *websocket.Conn
}

func dialHub(t *testing.T, url string) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

func (c *testClient) write(m protocol.Message) {
	c.t.Helper()
	frame, err := protocol.Encode(m)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	c.writeRaw(string(frame))
}

func (c *testClient) writeRaw(frame string) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) read() protocol.Message {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

// sync round-trips a ping so every frame written before it has been handled
func (c *testClient) sync() {
	c.t.Helper()
	stamp := time.Now().UnixNano()
	c.write(&protocol.Ping{Timestamp: stamp})
	msg := c.read()
	pong, ok := msg.(*protocol.Pong)
	if !ok {
		c.t.Fatalf("expected pong, got %T %+v", msg, msg)
	}
	if pong.Timestamp != stamp {
		c.t.Fatalf("expected pong %d, got %d", stamp, pong.Timestamp)
	}
}

func (c *testClient) subscribe(id, event string) {
	c.t.Helper()
	c.write(&protocol.Subscribe{ID: id, Event: event})
	c.sync()
}

func (c *testClient) broadcast(event string, data any) {
	c.t.Helper()
	raw, err := protocol.RawData(data)
	if err != nil {
		c.t.Fatalf("encode data: %v", err)
	}
	c.write(&protocol.Broadcast{Event: event, Data: raw})
}

func (c *testClient) readEvent() *protocol.Event {
	c.t.Helper()
	msg := c.read()
	ev, ok := msg.(*protocol.Event)
	if !ok {
		c.t.Fatalf("expected event, got %T %+v", msg, msg)
	}
	return ev
}
