// Package server implements the scoresync relay: a websocket hub speaking the
// realtime protocol, an authoritative session mirror, and the gRPC health and
// observability endpoints that run beside it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nainya/scoresync/internal/auth"
	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/internal/metrics"
	"github.com/nainya/scoresync/internal/relay"
	"github.com/nainya/scoresync/pkg/collab"
	"github.com/nainya/scoresync/pkg/protocol"
)

// HubConfig bounds per-connection resources
type HubConfig struct {
	ReadLimit  int64
	PongWait   time.Duration // read deadline, refreshed by any inbound frame or pong
	PingPeriod time.Duration // websocket control pings; must be shorter than PongWait
	WriteWait  time.Duration
	SendBuffer int
}

// DefaultHubConfig returns the production limits
func DefaultHubConfig() HubConfig {
	return HubConfig{
		ReadLimit:  1 << 20,
		PongWait:   60 * time.Second,
		PingPeriod: 25 * time.Second,
		WriteWait:  10 * time.Second,
		SendBuffer: 256,
	}
}

func (c *HubConfig) normalize() {
	def := DefaultHubConfig()
	if c.ReadLimit <= 0 {
		c.ReadLimit = def.ReadLimit
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = def.SendBuffer
	}
}

// Hub accepts realtime connections and relays broadcasts between them
type Hub struct {
	cfg            HubConfig
	jwt            *auth.JWTService
	allowAnonymous bool
	store          *collab.Store
	broker         relay.Broker
	node           string
	base           *logger.Logger
	log            *logger.Logger
	metrics        *metrics.Metrics
	upgrader       websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conns   map[string]*conn
	streams map[string]StreamHandler
	closed  bool
}

// HubOption configures a Hub
type HubOption func(*Hub)

// WithHubLogger sets the hub logger
func WithHubLogger(l *logger.Logger) HubOption {
	return func(h *Hub) { h.base = logger.OrNop(l) }
}

// WithHubMetrics sets the hub metrics
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithAuth requires tokens signed by svc. Connections without a token are
// accepted only when allowAnonymous is set.
func WithAuth(svc *auth.JWTService, allowAnonymous bool) HubOption {
	return func(h *Hub) {
		h.jwt = svc
		h.allowAnonymous = allowAnonymous
	}
}

// WithBroker replaces the in-memory broker, e.g. with a Redis broker
func WithBroker(b relay.Broker) HubOption {
	return func(h *Hub) { h.broker = b }
}

// WithStore sets the session mirror
func WithStore(s *collab.Store) HubOption {
	return func(h *Hub) { h.store = s }
}

// WithStreamHandler registers a handler for stream_start requests of streamType
func WithStreamHandler(streamType string, handler StreamHandler) HubOption {
	return func(h *Hub) { h.streams[streamType] = handler }
}

// NewHub creates a hub and subscribes it to its broker
func NewHub(cfg HubConfig, opts ...HubOption) (*Hub, error) {
	cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:            cfg,
		allowAnonymous: true,
		node:           relay.NodeID(),
		base:           logger.Nop(),
		ctx:            ctx,
		cancel:         cancel,
		conns:          make(map[string]*conn),
		streams:        make(map[string]StreamHandler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = h.base.Component("hub")
	if h.store == nil {
		h.store = collab.NewStore(collab.WithLogger(h.base), collab.WithMetrics(h.metrics))
	}
	if h.broker == nil {
		h.broker = relay.NewMemoryBroker()
	}
	if _, ok := h.streams[StreamSessionHistory]; !ok {
		h.streams[StreamSessionHistory] = SessionHistoryHandler(h.store)
	}
	if _, ok := h.streams[StreamSessionSnapshot]; !ok {
		h.streams[StreamSessionSnapshot] = SessionSnapshotHandler(h.store)
	}

	if err := h.broker.Subscribe(ctx, h.deliver); err != nil {
		cancel()
		return nil, fmt.Errorf("server: subscribe to broker: %w", err)
	}
	return h, nil
}

// Store returns the session mirror
func (h *Hub) Store() *collab.Store {
	return h.store
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// ConnCount returns the number of open connections
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP authenticates and upgrades a realtime connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, err := h.authenticate(r)
	if err != nil {
		h.log.Warn("Rejected connection").
			Str("remote", r.RemoteAddr).
			Err(err).
			Send()
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newConn(h, ws, identity, r.RemoteAddr)
	if !h.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		_ = ws.Close()
		return
	}
	c.run()
	h.unregister(c)
}

var errUnauthenticated = errors.New("authentication required")

func (h *Hub) authenticate(r *http.Request) (*auth.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if h.allowAnonymous {
			return &auth.Identity{ID: "anonymous-" + uuid.NewString()[:8]}, nil
		}
		return nil, errUnauthenticated
	}
	if !h.jwt.Enabled() {
		if h.allowAnonymous {
			return &auth.Identity{ID: "anonymous-" + uuid.NewString()[:8]}, nil
		}
		return nil, auth.ErrAuthDisabled
	}
	return h.jwt.Validate(token)
}

func (h *Hub) register(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[c.id] = c
	h.metrics.ConnectionOpened()
	c.log.Info("Connection opened").Str("user_id", c.identity.ID).Send()
	return true
}

func (h *Hub) unregister(c *conn) {
	h.mu.Lock()
	if _, ok := h.conns[c.id]; ok {
		delete(h.conns, c.id)
		h.metrics.ConnectionClosed()
	}
	h.mu.Unlock()
	c.log.Info("Connection closed").Send()
}

// deliver fans an envelope out to every matching connection except its origin
func (h *Hub) deliver(env relay.Envelope) {
	if env.Node != h.node {
		h.mirrorRemote(env)
	}

	frame, err := protocol.Encode(protocol.NewEvent(uuid.NewString(), env.Event, env.Data, env.Source))
	if err != nil {
		h.log.Error("Failed to encode event").Str("event", env.Event).Err(err).Send()
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for id, c := range h.conns {
		if id == env.Origin {
			continue
		}
		if c.subscribed(env.Event) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// publish hands a broadcast to the broker
func (h *Hub) publish(origin *conn, event string, data []byte) {
	env := relay.Envelope{
		Node:   h.node,
		Origin: origin.id,
		Event:  event,
		Data:   data,
		Source: origin.identity.ID,
	}
	if err := h.broker.Publish(h.ctx, env); err != nil {
		origin.log.Error("Broadcast failed").Str("event", event).Err(err).Send()
		origin.sendError("broadcast_failed", err.Error())
		return
	}
	h.metrics.RecordBroadcast()
}

// Close disconnects every client and releases the broker
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	h.cancel()
	return h.broker.Close()
}
