package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nainya/scoresync/internal/auth"
	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/pkg/protocol"
)

// wildcard subscriptions receive every event
const wildcard = "*"

// conn is one client websocket. Only writeLoop writes data frames; control
// frames go through WriteControl, which gorilla allows concurrently.
type conn struct {
	hub      *Hub
	id       string
	ws       *websocket.Conn
	identity *auth.Identity
	log      *logger.Logger
	send     chan []byte

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	subs    map[string]string // subscription id -> event
	events  map[string]int    // event -> live subscription count
	streams map[string]context.CancelFunc
}

func newConn(h *Hub, ws *websocket.Conn, identity *auth.Identity, remote string) *conn {
	ctx, cancel := context.WithCancel(h.ctx)
	id := uuid.NewString()
	return &conn{
		hub:      h,
		id:       id,
		ws:       ws,
		identity: identity,
		log:      h.base.ConnLogger(id, remote),
		send:     make(chan []byte, h.cfg.SendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]string),
		events:   make(map[string]int),
		streams:  make(map[string]context.CancelFunc),
	}
}

func (c *conn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close()

		c.mu.Lock()
		for id, stop := range c.streams {
			stop()
			delete(c.streams, id)
		}
		c.mu.Unlock()
	})
}

// shutdown sends a close frame and tears the connection down
func (c *conn) shutdown(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(c.hub.cfg.WriteWait))
	c.close()
}

func (c *conn) readLoop() {
	cfg := c.hub.cfg
	c.ws.SetReadLimit(cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("Read failed").Err(err).Send()
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.PongWait))
		if messageType != websocket.TextMessage {
			continue
		}
		c.handleFrame(data)
	}
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *conn) handleFrame(data []byte) {
	if err := validateFrame(data); err != nil {
		c.hub.metrics.RecordProtocolError("invalid")
		c.sendError("invalid_frame", err.Error())
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		c.hub.metrics.RecordProtocolError("malformed")
		c.sendError("invalid_frame", err.Error())
		return
	}
	c.hub.metrics.RecordMessage("in", string(msg.Type()))

	switch m := msg.(type) {
	case *protocol.Subscribe:
		c.subscribe(m.ID, m.Event)
	case *protocol.Unsubscribe:
		c.unsubscribe(m.SubscriptionID)
	case *protocol.Ping:
		c.sendMessage(&protocol.Pong{Timestamp: m.Timestamp})
	case *protocol.Pong:
	case *protocol.Broadcast:
		c.hub.handleBroadcast(c, m)
	case *protocol.ResolveConflict:
		c.hub.handleResolve(c, m)
	case *protocol.StreamStart:
		c.hub.startStream(c, m)
	case *protocol.StreamStop:
		c.stopStream(m.RequestID)
	default:
		c.sendError("unsupported", fmt.Sprintf("unsupported message type %q", msg.Type()))
	}
}

// enqueue hands a frame to the write loop. A client that cannot keep up is
// disconnected with 1013 so it reconnects and resubscribes.
func (c *conn) enqueue(frame []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	default:
		c.log.Warn("Send buffer full, closing connection").Send()
		c.shutdown(websocket.CloseTryAgainLater, "send buffer full")
	}
}

func (c *conn) sendMessage(m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		c.log.Error("Failed to encode message").Str("type", string(m.Type())).Err(err).Send()
		return
	}
	c.hub.metrics.RecordMessage("out", string(m.Type()))
	c.enqueue(frame)
}

func (c *conn) sendError(code, message string) {
	c.sendMessage(&protocol.Error{Message: message, Code: code})
}

func (c *conn) subscribe(id, event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.subs[id]; ok {
		c.events[prev]--
	}
	c.subs[id] = event
	c.events[event]++
}

func (c *conn) unsubscribe(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	event, ok := c.subs[id]
	if !ok {
		return
	}
	delete(c.subs, id)
	if c.events[event]--; c.events[event] <= 0 {
		delete(c.events, event)
	}
}

func (c *conn) subscribed(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events[event] > 0 || c.events[wildcard] > 0
}

func (c *conn) trackStream(requestID string, stop context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.streams[requestID]; dup {
		return false
	}
	c.streams[requestID] = stop
	return true
}

func (c *conn) untrackStream(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if stop, ok := c.streams[requestID]; ok {
		stop()
		delete(c.streams, requestID)
	}
}

func (c *conn) stopStream(requestID string) {
	c.untrackStream(requestID)
}
