// ABOUTME: Resilient websocket client transport
// ABOUTME: Connection state machine, reconnect backoff, heartbeat and outbound queue

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/nainya/scoresync/internal/logger"
	"github.com/nainya/scoresync/internal/metrics"
	"github.com/nainya/scoresync/pkg/eventbus"
	"github.com/nainya/scoresync/pkg/protocol"
)

var (
	// ErrClosed indicates a connect that was superseded by Disconnect
	ErrClosed = errors.New("transport: closed")

	// ErrConnecting is returned by Connect while another connect is in flight
	ErrConnecting = errors.New("transport: connect already in progress")

	// ErrStreamInterrupted is passed to OnError for streams whose connection ended
	ErrStreamInterrupted = errors.New("transport: stream interrupted by connection loss")

	errNotConnected     = errors.New("transport: not connected")
	errHeartbeatTimeout = errors.New("transport: heartbeat timeout")
)

// ServerError is an error frame pushed by the server
type ServerError struct {
	Message string
	Code    string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// Dialer opens websocket connections; *websocket.Dialer satisfies it
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Option configures a Transport
type Option func(*Transport)

// WithLogger sets the transport logger
func WithLogger(l *logger.Logger) Option {
	return func(t *Transport) { t.log = logger.OrNop(l).Component("transport") }
}

// WithMetrics records transport metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithDialer replaces the websocket dialer
func WithDialer(d Dialer) Option {
	return func(t *Transport) { t.dialer = d }
}

type outbound struct {
	kind protocol.Type
	ref  string // Subscription or stream id
	data []byte
}

type event struct {
	name    string
	payload any
}

// Transport is a websocket client that survives connection loss. All state is
// guarded by one mutex; events are emitted on the bus after it is released.
type Transport struct {
	cfg     Config
	dialer  Dialer
	log     *logger.Logger
	metrics *metrics.Metrics
	bus     *eventbus.Bus

	mu             sync.Mutex
	state          ConnectionState
	conn           *websocket.Conn
	gen            uint64 // Bumped whenever the current connection becomes invalid
	token          string
	closed         bool // Disconnect requested
	hasConnected   bool
	backoff        *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	pongTimer      *time.Timer
	pongSeq        uint64
	queue          []outbound
	subs           []*subscription
	streams        map[string]*stream
}

// New creates a disconnected transport
func New(cfg Config, opts ...Option) *Transport {
	cfg = cfg.normalize()
	t := &Transport{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.Timeout},
		log:     logger.Nop(),
		state:   ConnectionState{Status: StatusDisconnected},
		backoff: cfg.newBackOff(),
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.bus = eventbus.New(t.log)
	return t
}

// Events returns the local event bus
func (t *Transport) Events() *eventbus.Bus {
	return t.bus
}

// Config returns the effective configuration
func (t *Transport) Config() Config {
	return t.cfg
}

// State returns a copy of the connection state
func (t *Transport) State() ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.copy()
}

// QueueLen returns the number of messages waiting for a connection
func (t *Transport) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Connect dials the server. It fails when the first attempt fails or does not
// complete within the configured timeout; later connection loss is retried
// automatically.
func (t *Transport) Connect(ctx context.Context, token string) error {
	t.mu.Lock()
	switch t.state.Status {
	case StatusConnected:
		t.mu.Unlock()
		return nil
	case StatusConnecting:
		t.mu.Unlock()
		return ErrConnecting
	}
	t.closed = false
	t.token = token
	t.stopReconnectLocked()
	t.gen++
	gen := t.gen
	events := t.setStateLocked(ConnectionState{Status: StatusConnecting, LastConnected: t.state.LastConnected})
	t.mu.Unlock()
	t.dispatch(events)

	conn, err := t.dial(ctx, token)

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	if err != nil {
		err = fmt.Errorf("transport: connect %s: %w", t.cfg.URL, err)
		events = t.setStateLocked(ConnectionState{
			Status:        StatusError,
			LastConnected: t.state.LastConnected,
			Error:         err.Error(),
		})
		events = append(events, event{EventError, err})
		t.mu.Unlock()
		t.dispatch(events)
		return err
	}
	events = t.openLocked(conn)
	t.mu.Unlock()
	t.dispatch(events)
	return nil
}

// Disconnect closes the connection with a normal closure and stops every
// timer. It never triggers a reconnect.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	t.closed = true
	t.stopReconnectLocked()
	if t.conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		if err := t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.WriteTimeout)); err != nil {
			t.log.Debug("Close frame not sent").Err(err).Send()
		}
	}
	lost := t.teardownLocked()

	var events []event
	if t.state.Status != StatusDisconnected {
		events = t.setStateLocked(ConnectionState{Status: StatusDisconnected, LastConnected: t.state.LastConnected})
	}
	events = append(events, lost...)
	t.mu.Unlock()
	t.dispatch(events)
}

// Close disconnects and removes every bus listener
func (t *Transport) Close() error {
	t.Disconnect()
	t.bus.Clear()
	return nil
}

// Send writes m now when connected, otherwise queues it for the next connection
func (t *Transport) Send(m protocol.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sendLocked(m, "")
}

func (t *Transport) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	target, err := t.dialURL(token)
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	conn, resp, err := t.dialer.DialContext(dctx, target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(t.cfg.ReadLimit)
	return conn, nil
}

func (t *Transport) dialURL(token string) (string, error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", t.cfg.URL, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// openLocked adopts a fresh connection: replays subscriptions after a
// reconnect, flushes the queue in order and starts the heartbeat and reader.
func (t *Transport) openLocked(conn *websocket.Conn) []event {
	t.gen++
	gen := t.gen
	t.conn = conn
	replay := t.hasConnected
	t.hasConnected = true
	t.backoff.Reset()

	now := time.Now()
	events := t.setStateLocked(ConnectionState{Status: StatusConnected, LastConnected: &now})

	if replay {
		t.replaySubscriptionsLocked()
	}
	t.flushLocked()
	t.startHeartbeatLocked(gen)

	go t.readLoop(conn, gen)
	return events
}

// teardownLocked invalidates the current connection and its timers. Streams
// started on that connection are ended; the returned events report them.
func (t *Transport) teardownLocked() []event {
	t.gen++
	t.stopHeartbeatLocked()
	if t.conn == nil {
		return nil
	}
	t.conn.Close()
	t.conn = nil
	return t.interruptStreamsLocked()
}

// dropLocked handles an abnormal connection loss
func (t *Transport) dropLocked(cause error) []event {
	lost := t.teardownLocked()
	if t.closed {
		events := t.setStateLocked(ConnectionState{Status: StatusDisconnected, LastConnected: t.state.LastConnected})
		return append(events, lost...)
	}
	return append(t.scheduleReconnectLocked(cause), lost...)
}

func (t *Transport) scheduleReconnectLocked(cause error) []event {
	attempts := t.state.ReconnectAttempts
	if attempts >= t.cfg.MaxReconnectAttempts {
		msg := fmt.Sprintf("reconnect failed after %d attempts: %v", attempts, cause)
		events := t.setStateLocked(ConnectionState{
			Status:            StatusError,
			ReconnectAttempts: attempts,
			LastConnected:     t.state.LastConnected,
			Error:             msg,
		})
		return append(events, event{EventError, errors.New("transport: " + msg)})
	}

	delay := t.backoff.NextBackOff()
	events := t.setStateLocked(ConnectionState{
		Status:            StatusReconnecting,
		ReconnectAttempts: attempts + 1,
		LastConnected:     t.state.LastConnected,
		Error:             cause.Error(),
	})
	t.metrics.RecordReconnectAttempt()
	t.log.Warn("Reconnect scheduled").
		Int("attempt", attempts+1).
		Int("max_attempts", t.cfg.MaxReconnectAttempts).
		Dur("delay", delay).
		Err(cause).
		Send()

	gen := t.gen
	t.reconnectTimer = time.AfterFunc(delay, func() { t.reconnect(gen) })
	return events
}

func (t *Transport) reconnect(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		return
	}
	t.reconnectTimer = nil
	token := t.token
	t.mu.Unlock()

	conn, err := t.dial(context.Background(), token)

	t.mu.Lock()
	if gen != t.gen || t.closed {
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	var events []event
	if err != nil {
		t.log.Warn("Reconnect attempt failed").
			Int("attempt", t.state.ReconnectAttempts).
			Err(err).
			Send()
		events = t.scheduleReconnectLocked(err)
	} else {
		events = t.openLocked(conn)
	}
	t.mu.Unlock()
	t.dispatch(events)
}

func (t *Transport) stopReconnectLocked() {
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
}

func (t *Transport) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.connectionLost(gen, err)
			return
		}
		t.handleFrame(gen, data)
	}
}

func (t *Transport) connectionLost(gen uint64, err error) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}

	var events []event
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.log.Info("Server closed the connection").Send()
		lost := t.teardownLocked()
		events = t.setStateLocked(ConnectionState{Status: StatusDisconnected, LastConnected: t.state.LastConnected})
		events = append(events, lost...)
	} else {
		events = t.dropLocked(err)
	}
	t.mu.Unlock()
	t.dispatch(events)
}

func (t *Transport) startHeartbeatLocked(gen uint64) {
	stop := make(chan struct{})
	t.heartbeatStop = stop

	go func() {
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				t.beat(gen)
			}
		}
	}()
}

func (t *Transport) stopHeartbeatLocked() {
	if t.heartbeatStop != nil {
		close(t.heartbeatStop)
		t.heartbeatStop = nil
	}
	if t.pongTimer != nil {
		t.pongTimer.Stop()
		t.pongTimer = nil
	}
	t.pongSeq++
}

// beat sends a ping and arms the pong deadline if it is not already armed
func (t *Transport) beat(gen uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if gen != t.gen || t.conn == nil {
		return
	}
	if err := t.writeMessageLocked(&protocol.Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
		t.log.Debug("Ping not sent").Err(err).Send()
	}
	if t.pongTimer == nil {
		seq := t.pongSeq
		t.pongTimer = time.AfterFunc(t.cfg.PongTimeout, func() { t.pongTimeout(gen, seq) })
	}
}

func (t *Transport) pongTimeout(gen, seq uint64) {
	t.mu.Lock()
	if gen != t.gen || seq != t.pongSeq {
		t.mu.Unlock()
		return
	}
	t.log.Warn("Heartbeat timeout").Dur("pong_timeout", t.cfg.PongTimeout).Send()
	t.pongTimer = nil
	events := t.dropLocked(errHeartbeatTimeout)
	t.mu.Unlock()
	t.dispatch(events)
}

func (t *Transport) handlePong(gen uint64) {
	t.mu.Lock()
	if gen == t.gen {
		if t.pongTimer != nil {
			t.pongTimer.Stop()
			t.pongTimer = nil
		}
		t.pongSeq++
	}
	t.mu.Unlock()
	t.bus.Emit(EventPong, time.Now())
}

func (t *Transport) handleFrame(gen uint64, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, protocol.ErrUnknownType) {
			reason = "unknown_type"
		}
		t.metrics.RecordProtocolError(reason)
		t.log.Warn("Dropping inbound frame").
			Err(err).
			Int("bytes", len(data)).
			Send()
		return
	}
	t.metrics.RecordMessage("in", string(msg.Type()))

	switch m := msg.(type) {
	case *protocol.Event:
		t.dispatchEvent(m.RealtimeEvent)
	case *protocol.StreamChunk:
		t.handleStreamChunk(m)
	case *protocol.StreamComplete:
		t.handleStreamComplete(m)
	case *protocol.StreamError:
		t.handleStreamError(m)
	case *protocol.Pong:
		t.handlePong(gen)
	case *protocol.Ping:
		t.mu.Lock()
		if gen == t.gen {
			if err := t.writeMessageLocked(&protocol.Pong{Timestamp: m.Timestamp}); err != nil {
				t.log.Debug("Pong not sent").Err(err).Send()
			}
		}
		t.mu.Unlock()
	case *protocol.Error:
		t.bus.Emit(EventError, &ServerError{Message: m.Message, Code: m.Code})
	case *protocol.Conflict:
		t.bus.Emit(EventConflict, m)
	default:
		t.log.Debug("Ignoring server-bound message").Str("type", string(msg.Type())).Send()
	}
}

// sendLocked writes m when connected and queues it otherwise. A failed live
// write is queued as well; the reader notices the broken connection.
func (t *Transport) sendLocked(m protocol.Message, ref string) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	if t.state.Status == StatusConnected && t.conn != nil {
		err := t.writeLocked(data)
		if err == nil {
			t.metrics.RecordMessage("out", string(m.Type()))
			return nil
		}
		t.log.Debug("Write failed, queueing").Err(err).Str("type", string(m.Type())).Send()
	}

	t.queue = append(t.queue, outbound{kind: m.Type(), ref: ref, data: data})
	t.metrics.SetQueueDepth(len(t.queue))
	return nil
}

func (t *Transport) writeMessageLocked(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := t.writeLocked(data); err != nil {
		return err
	}
	t.metrics.RecordMessage("out", string(m.Type()))
	return nil
}

func (t *Transport) writeLocked(data []byte) error {
	if t.conn == nil {
		return errNotConnected
	}
	t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) flushLocked() {
	sent := 0
	for _, out := range t.queue {
		if err := t.writeLocked(out.data); err != nil {
			t.log.Warn("Queue flush interrupted").
				Err(err).
				Int("remaining", len(t.queue)-sent).
				Send()
			break
		}
		t.metrics.RecordMessage("out", string(out.kind))
		sent++
	}
	if sent == len(t.queue) {
		t.queue = nil
	} else {
		t.queue = append([]outbound(nil), t.queue[sent:]...)
	}
	t.metrics.SetQueueDepth(len(t.queue))
}

func (t *Transport) isQueuedLocked(kind protocol.Type, ref string) bool {
	for _, out := range t.queue {
		if out.kind == kind && out.ref == ref {
			return true
		}
	}
	return false
}

// dropQueuedLocked removes a queued message and reports whether it was found
func (t *Transport) dropQueuedLocked(kind protocol.Type, ref string) bool {
	for i, out := range t.queue {
		if out.kind == kind && out.ref == ref {
			t.queue = append(t.queue[:i:i], t.queue[i+1:]...)
			t.metrics.SetQueueDepth(len(t.queue))
			return true
		}
	}
	return false
}

func (t *Transport) setStateLocked(next ConnectionState) []event {
	prev := t.state.Status
	t.state = next

	var cause error
	if next.Error != "" {
		cause = errors.New(next.Error)
	}
	t.metrics.RecordStateTransition(string(next.Status))
	t.log.LogStateTransition(string(prev), string(next.Status), next.ReconnectAttempts, cause)
	return []event{{EventStateChanged, next.copy()}}
}

func (t *Transport) dispatch(events []event) {
	for _, e := range events {
		if s, ok := e.payload.(*stream); ok && e.name == eventStreamLost {
			t.failStream(s)
			continue
		}
		t.bus.Emit(e.name, e.payload)
	}
}

// safeCall runs a user callback, logging instead of propagating panics
func (t *Transport) safeCall(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			t.log.Error("Callback panicked").
				Str("callback", what).
				Interface("panic", rec).
				Send()
		}
	}()
	fn()
}
