// Package channel implements the reconnecting WebSocket channel that binds
// the client to one interview session: connection state machine, heartbeat
// liveness, exponential-backoff reconnection, and typed message dispatch.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/interviewkit/coachchat/internal/protocol"
)

const writeTimeout = 10 * time.Second

// ErrNoIdentity is returned when a dial is requested without a bound session.
var ErrNoIdentity = errors.New("no session identity")

// Config holds the channel's endpoint and timer settings.
type Config struct {
	Host   string
	Port   int
	Secure bool // dial wss instead of ws

	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	ReconnectFloor       time.Duration
	ReconnectCeiling     time.Duration
	MaxReconnectAttempts int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ReconnectFloor == 0 {
		c.ReconnectFloor = time.Second
	}
	if c.ReconnectCeiling == 0 {
		c.ReconnectCeiling = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Handlers is the fixed set of typed callback slots populated once per
// connection lifecycle. Application frames arriving before SetHandlers go
// to the pending buffer and are replayed in arrival order.
type Handlers struct {
	ConnectionStateChanged func(ConnectionState)
	AIResponse             func(protocol.Message)
	SessionStateUpdate     func(protocol.Message)
	AIProcessingStatus     func(protocol.Message)
	Error                  func(protocol.Message)
}

// identity is the session the channel is currently bound to. The
// reconnection path closes over the identity valid at disconnect time.
type identity struct {
	sessionID int64
	token     string
}

// Channel owns the underlying socket and runs the connection state machine.
// One Channel serves one session at a time; a superseding Connect always
// wins by force-closing the previous socket.
type Channel struct {
	cfg Config
	log *slog.Logger

	mu         sync.Mutex
	state      ConnectionState
	conn       *websocket.Conn
	id         *identity
	handlers   *Handlers
	pending    []protocol.Message
	draining   bool // a goroutine is replaying pending; new arrivals queue behind it
	clean      bool // close was caller-initiated; reconnection must not fire
	readCancel context.CancelFunc
	retryTimer *time.Timer
	gen        uint64 // connection generation; stale watchdogs compare against it

	heartbeat *heartbeatMonitor
	policy    *reconnectPolicy
}

// New creates a channel instance. Nothing is dialed until Connect.
func New(cfg Config) *Channel {
	cfg = cfg.withDefaults()
	return &Channel{
		cfg:       cfg,
		log:       cfg.Logger,
		state:     StateDisconnected,
		heartbeat: newHeartbeatMonitor(cfg.HeartbeatInterval),
		policy:    newReconnectPolicy(cfg.ReconnectFloor, cfg.ReconnectCeiling, cfg.MaxReconnectAttempts),
	}
}

// SetHandlers registers the callback slots and replays any buffered
// messages if the channel is already connected.
func (c *Channel) SetHandlers(h *Handlers) {
	c.mu.Lock()
	c.handlers = h
	c.mu.Unlock()
	c.drainPending()
}

// State returns the current connection state.
func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the bound session id, or 0 when no identity is set.
func (c *Channel) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == nil {
		return 0
	}
	return c.id.sessionID
}

// Connect binds the channel to a session identity and dials. Any existing
// connection is torn down first, so concurrent calls serialize with the
// last one winning. An explicit Connect also resets the retry budget,
// which is how callers recover from an exhausted StateError.
func (c *Channel) Connect(ctx context.Context, sessionID int64, token string) error {
	c.teardown(true)

	c.mu.Lock()
	c.id = &identity{sessionID: sessionID, token: token}
	c.policy.reset()
	c.mu.Unlock()

	return c.dial(ctx)
}

func (c *Channel) dial(ctx context.Context) error {
	c.mu.Lock()
	id := c.id
	dialGen := c.gen
	c.mu.Unlock()
	if id == nil {
		return ErrNoIdentity
	}

	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	endpoint := c.endpoint(*id)
	conn, resp, err := websocket.Dial(dialCtx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if c.superseded(dialGen) {
			// Torn down while the dial was in flight; the teardown
			// already settled the state.
			return nil
		}
		c.setState(StateError)
		return fmt.Errorf("dial chat channel: %w", err)
	}

	readCtx, readCancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.gen != dialGen || c.id == nil {
		// A teardown or a superseding connect ran while the dial was
		// in flight. Installing this socket would resurrect a channel
		// the caller already stopped, so discard it instead.
		c.mu.Unlock()
		readCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		c.log.Debug("discarding socket dialed before teardown")
		return nil
	}
	c.conn = conn
	c.clean = false
	c.readCancel = readCancel
	c.gen++
	gen := c.gen
	c.policy.reset()
	c.mu.Unlock()

	c.log.Info("channel connected", "session_id", id.sessionID)
	c.setState(StateConnected)

	c.heartbeat.Start(
		func() { c.Send(protocol.Ping()) },
		func() { c.handleUncleanClose(gen, "heartbeat timeout") },
	)
	go c.readLoop(readCtx, conn, gen)

	c.drainPending()
	return nil
}

func (c *Channel) endpoint(id identity) string {
	scheme := "ws"
	if c.cfg.Secure {
		scheme = "wss"
	}
	q := url.Values{}
	q.Set("token", id.token)
	q.Set("sessionId", strconv.FormatInt(id.sessionID, 10))
	return fmt.Sprintf("%s://%s:%d/ws/chat?%s", scheme, c.cfg.Host, c.cfg.Port, q.Encode())
}

// Send serializes and writes one message. It returns false without side
// effects when the channel is not connected or the message lacks a type;
// it never blocks on state and never queues.
func (c *Channel) Send(msg protocol.Message) bool {
	c.mu.Lock()
	conn := c.conn
	ok := c.state == StateConnected && conn != nil && msg.Type != ""
	c.mu.Unlock()
	if !ok {
		return false
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		c.log.Error("encode frame", "type", string(msg.Type), "error", err)
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.log.Debug("channel write failed", "type", string(msg.Type), "error", err)
		return false
	}
	return true
}

// Disconnect closes the channel cleanly: heartbeat stopped, any pending
// retry cancelled, identity cleared, reconnection suppressed. Calling it
// when already disconnected is a no-op.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.id = nil
	c.mu.Unlock()

	c.teardown(true)
	c.setState(StateDisconnected)
}

// teardown is the single authoritative stop for timers and the socket.
// Every exit path (disconnect, unclean close, superseding connect) funnels
// through here or through handleUncleanClose, which mirrors it.
func (c *Channel) teardown(clean bool) {
	c.heartbeat.Stop()

	c.mu.Lock()
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	if clean {
		c.clean = true
	}
	conn := c.conn
	c.conn = nil
	cancel := c.readCancel
	c.readCancel = nil
	// Buffered frames belong to the identity that received them and must
	// not replay into a later session.
	c.pending = nil
	c.gen++
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// superseded reports whether the generation captured at dial time has been
// invalidated by a teardown, an unclean close, or another connect.
func (c *Channel) superseded(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen != c.gen || c.id == nil
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			stale := c.clean || gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}
			if websocket.CloseStatus(err) != -1 {
				c.log.Debug("channel closed by peer", "error", err)
			} else {
				c.log.Warn("channel read error", "error", err)
			}
			c.handleUncleanClose(gen, err.Error())
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			// Protocol errors drop the single frame, nothing else.
			c.log.Warn("dropping malformed frame", "error", err)
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *Channel) handleMessage(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePong:
		c.heartbeat.Ack()
		return
	case protocol.TypeConnectionEstablished:
		c.log.Info("channel established", "session_id", msg.SessionID)
		return
	}
	c.dispatch(msg)
}

// dispatch appends the message to the pending queue and, when the channel
// is deliverable, replays the queue. Routing every frame through the queue
// keeps delivery in arrival order even when a frame lands while an earlier
// replay is still running.
func (c *Channel) dispatch(msg protocol.Message) {
	c.mu.Lock()
	c.pending = append(c.pending, msg)
	if c.handlers == nil || c.state != StateConnected || c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	c.replayPending()
}

// deliver routes one message to its typed slot. A panicking handler is
// logged and must not stop subsequent messages from being processed.
func (c *Channel) deliver(h *Handlers, msg protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("message handler panicked", "type", string(msg.Type), "panic", r)
		}
	}()

	switch msg.Type {
	case protocol.TypeAIResponse:
		if h.AIResponse != nil {
			h.AIResponse(msg)
		}
	case protocol.TypeSessionStateUpdate:
		if h.SessionStateUpdate != nil {
			h.SessionStateUpdate(msg)
		}
	case protocol.TypeAIProcessingStatus:
		if h.AIProcessingStatus != nil {
			h.AIProcessingStatus(msg)
		}
	case protocol.TypeError:
		if h.Error != nil {
			h.Error(msg)
		}
	default:
		c.log.Debug("ignoring frame of unhandled type", "type", string(msg.Type))
	}
}

func (c *Channel) drainPending() {
	c.mu.Lock()
	if c.handlers == nil || c.state != StateConnected || c.draining || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.draining = true
	c.mu.Unlock()

	c.replayPending()
}

// replayPending delivers queued messages until the queue is empty. The
// caller must have set the draining flag; frames arriving mid-replay are
// appended by dispatch and picked up by the next loop iteration, so order
// holds end to end.
func (c *Channel) replayPending() {
	c.mu.Lock()
	for c.handlers != nil && len(c.pending) > 0 {
		h := c.handlers
		queued := c.pending
		c.pending = nil
		c.mu.Unlock()

		for _, msg := range queued {
			c.deliver(h, msg)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// handleUncleanClose runs the shared failure path for read errors and
// heartbeat timeouts. The generation check makes the transition out of
// Connected fire exactly once even when both watchdogs race.
func (c *Channel) handleUncleanClose(gen uint64, reason string) {
	c.mu.Lock()
	if c.clean || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.gen++
	conn := c.conn
	c.conn = nil
	cancel := c.readCancel
	c.readCancel = nil
	c.mu.Unlock()

	c.heartbeat.Stop()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.CloseNow()
	}

	c.log.Warn("channel lost", "reason", reason)
	c.setState(StateDisconnected)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.id == nil {
		c.mu.Unlock()
		return
	}
	if !c.policy.canRetry() {
		c.mu.Unlock()
		c.log.Error("reconnect attempts exhausted")
		c.setState(StateError)
		return
	}
	delay := c.policy.next()
	attempt := c.policy.attempts
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	c.retryTimer = time.AfterFunc(delay, c.retry)
	c.mu.Unlock()

	c.setState(StateReconnecting)
	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (c *Channel) retry() {
	c.mu.Lock()
	id := c.id
	c.mu.Unlock()
	if id == nil {
		// Disconnected while the retry was pending.
		return
	}

	if err := c.dial(context.Background()); err != nil {
		c.log.Warn("reconnect attempt failed", "error", err)
		c.scheduleReconnect()
	}
}

// setState applies a transition and notifies observers. Re-entering the
// current state is suppressed, so every real transition produces exactly
// one notification.
func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	var notify func(ConnectionState)
	if c.handlers != nil {
		notify = c.handlers.ConnectionStateChanged
	}
	c.mu.Unlock()

	c.log.Debug("connection state changed", "state", s.String())
	if notify != nil {
		notify(s)
	}
}
