package channel_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/interviewkit/coachchat/internal/channel"
	"github.com/interviewkit/coachchat/internal/devserver"
	"github.com/interviewkit/coachchat/internal/domain"
	"github.com/interviewkit/coachchat/internal/protocol"
)

const (
	testToken   = "test-token"
	testSession = int64(7)
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startService runs the loopback interview service and returns a channel
// config pointing at it.
func startService(t *testing.T) (*devserver.Server, *httptest.Server, channel.Config) {
	t.Helper()

	srv := devserver.New(devserver.Options{
		Token:  testToken,
		Logger: quietLogger(),
	})
	srv.SeedSession(&domain.Session{
		ID:                    testSession,
		UserID:                1,
		Title:                 "test interview",
		Mode:                  domain.ModeComprehensive,
		ExpectedQuestionCount: 3,
		StartedAt:             time.Now(),
		IsActive:              true,
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	host, port := hostPort(t, ts.URL)

	cfg := channel.Config{
		Host:                 host,
		Port:                 port,
		HeartbeatInterval:    50 * time.Millisecond,
		DialTimeout:          2 * time.Second,
		ReconnectFloor:       10 * time.Millisecond,
		ReconnectCeiling:     40 * time.Millisecond,
		MaxReconnectAttempts: 5,
		Logger:               quietLogger(),
	}
	return srv, ts, cfg
}

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split test server host: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// stateRecorder collects connection state transitions for assertions.
type stateRecorder struct {
	mu     sync.Mutex
	states []channel.ConnectionState
	ch     chan channel.ConnectionState
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan channel.ConnectionState, 64)}
}

func (r *stateRecorder) record(s channel.ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
	r.ch <- s
}

func (r *stateRecorder) seen() []channel.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channel.ConnectionState, len(r.states))
	copy(out, r.states)
	return out
}

// waitFor blocks until the given state is observed.
func (r *stateRecorder) waitFor(t *testing.T, want channel.ConnectionState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("never reached state %v, saw %v", want, r.seen())
		}
	}
}

func TestConnectDeliversOpeningQuestion(t *testing.T) {
	_, _, cfg := startService(t)
	ch := channel.New(cfg)
	defer ch.Disconnect()

	rec := newStateRecorder()
	responses := make(chan protocol.Message, 8)
	ch.SetHandlers(&channel.Handlers{
		ConnectionStateChanged: rec.record,
		AIResponse:             func(m protocol.Message) { responses <- m },
	})

	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	rec.waitFor(t, channel.StateConnected)

	states := rec.seen()
	if states[0] != channel.StateConnecting {
		t.Errorf("first transition = %v, want Connecting", states[0])
	}

	select {
	case msg := <-responses:
		if msg.Text != devserver.DefaultScript[0] {
			t.Errorf("opening question = %q, want %q", msg.Text, devserver.DefaultScript[0])
		}
		if msg.CurrentState != protocol.StateWaitingForUserAnswer {
			t.Errorf("state = %q, want %q", msg.CurrentState, protocol.StateWaitingForUserAnswer)
		}
		if msg.ChatInputEnabled == nil || !*msg.ChatInputEnabled {
			t.Error("chat input not enabled with the opening question")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("opening question never arrived")
	}

	if got := ch.SessionID(); got != testSession {
		t.Errorf("SessionID() = %d, want %d", got, testSession)
	}
}

func TestSendRequiresConnection(t *testing.T) {
	_, _, cfg := startService(t)
	ch := channel.New(cfg)

	if ch.Send(protocol.Ping()) {
		t.Error("Send() = true while disconnected, want false")
	}
	if got := ch.State(); got != channel.StateDisconnected {
		t.Errorf("State() = %v, want Disconnected", got)
	}
}

func TestSendRejectsUntypedMessage(t *testing.T) {
	_, _, cfg := startService(t)
	ch := channel.New(cfg)
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if ch.Send(protocol.Message{Text: "no type"}) {
		t.Error("Send() accepted a message without a type")
	}
	if !ch.Send(protocol.Ping()) {
		t.Error("Send(ping) = false while connected, want true")
	}
}

func TestMessagesBufferUntilHandlersSet(t *testing.T) {
	_, _, cfg := startService(t)
	ch := channel.New(cfg)
	defer ch.Disconnect()

	// No handlers yet: the scripted opening frames must be buffered.
	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}

	// Give the server time to push the opening sequence.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && ch.State() != channel.StateConnected {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	got := make(chan protocol.Message, 8)
	ch.SetHandlers(&channel.Handlers{
		AIProcessingStatus: func(m protocol.Message) { got <- m },
		AIResponse:         func(m protocol.Message) { got <- m },
	})

	// Replay must preserve arrival order: status first, then the question.
	first := receive(t, got)
	if first.Type != protocol.TypeAIProcessingStatus {
		t.Errorf("first replayed type = %q, want %q", first.Type, protocol.TypeAIProcessingStatus)
	}
	second := receive(t, got)
	if second.Type != protocol.TypeAIResponse {
		t.Errorf("second replayed type = %q, want %q", second.Type, protocol.TypeAIResponse)
	}

	// Buffered messages are delivered exactly once.
	select {
	case m := <-got:
		t.Errorf("unexpected extra replayed message of type %q", m.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func receive(t *testing.T, ch chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived")
		return protocol.Message{}
	}
}

func TestReconnectAfterDroppedConnection(t *testing.T) {
	srv, _, cfg := startService(t)
	ch := channel.New(cfg)
	defer ch.Disconnect()

	rec := newStateRecorder()
	ch.SetHandlers(&channel.Handlers{ConnectionStateChanged: rec.record})

	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	rec.waitFor(t, channel.StateConnected)

	if !srv.DropConnection(testSession) {
		t.Fatal("no server-side connection to drop")
	}

	rec.waitFor(t, channel.StateReconnecting)
	rec.waitFor(t, channel.StateConnected)

	if !srv.Connected(testSession) {
		t.Error("server does not see the re-established connection")
	}
}

func TestHeartbeatTimeoutForcesReconnect(t *testing.T) {
	srv, _, cfg := startService(t)
	cfg.HeartbeatInterval = 10 * time.Millisecond

	ch := channel.New(cfg)
	defer ch.Disconnect()

	rec := newStateRecorder()
	ch.SetHandlers(&channel.Handlers{ConnectionStateChanged: rec.record})

	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	rec.waitFor(t, channel.StateConnected)

	srv.SilencePings(true)
	rec.waitFor(t, channel.StateReconnecting)

	srv.SilencePings(false)
	rec.waitFor(t, channel.StateConnected)
}

func TestRetryExhaustionEndsInError(t *testing.T) {
	srv, ts, cfg := startService(t)
	cfg.MaxReconnectAttempts = 3
	cfg.ReconnectFloor = 5 * time.Millisecond
	cfg.ReconnectCeiling = 10 * time.Millisecond

	ch := channel.New(cfg)
	defer ch.Disconnect()

	rec := newStateRecorder()
	ch.SetHandlers(&channel.Handlers{ConnectionStateChanged: rec.record})

	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	rec.waitFor(t, channel.StateConnected)

	// Stop the listener so every retry fails, then sever the live socket.
	// Closing the test server alone leaves hijacked connections open.
	ts.Close()
	srv.DropConnection(testSession)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && ch.State() != channel.StateError {
		time.Sleep(5 * time.Millisecond)
	}
	if got := ch.State(); got != channel.StateError {
		t.Fatalf("State() = %v after retry exhaustion, want Error", got)
	}

	// No further attempts once the budget is spent.
	time.Sleep(100 * time.Millisecond)
	if got := ch.State(); got != channel.StateError {
		t.Errorf("State() = %v, want Error to be final", got)
	}

	reconnects := 0
	for _, s := range rec.seen() {
		if s == channel.StateReconnecting {
			reconnects++
		}
	}
	if reconnects != 3 {
		t.Errorf("observed %d reconnect attempts, want 3", reconnects)
	}
}

func TestDisconnectSuppressesReconnect(t *testing.T) {
	srv, _, cfg := startService(t)
	ch := channel.New(cfg)

	rec := newStateRecorder()
	ch.SetHandlers(&channel.Handlers{ConnectionStateChanged: rec.record})

	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	rec.waitFor(t, channel.StateConnected)

	ch.Disconnect()
	rec.waitFor(t, channel.StateDisconnected)

	// A clean disconnect never schedules a retry.
	time.Sleep(150 * time.Millisecond)
	if got := ch.State(); got != channel.StateDisconnected {
		t.Errorf("State() = %v after Disconnect, want Disconnected", got)
	}
	if srv.Connected(testSession) {
		t.Error("server still sees a connection after Disconnect")
	}
	if got := ch.SessionID(); got != 0 {
		t.Errorf("SessionID() = %d after Disconnect, want 0", got)
	}

	// Idempotent.
	ch.Disconnect()
}

func TestConnectRejectedByServer(t *testing.T) {
	_, _, cfg := startService(t)
	ch := channel.New(cfg)

	err := ch.Connect(context.Background(), testSession, "wrong-token")
	if err == nil {
		t.Fatal("Connect() with bad token succeeded, want error")
	}
	if got := ch.State(); got != channel.StateError {
		t.Errorf("State() = %v after rejected dial, want Error", got)
	}
}

// TestDisconnectDuringDial races a Disconnect against an in-flight dial.
// The socket that finishes the handshake afterwards must be discarded, not
// installed over the clean disconnect.
func TestDisconnectDuringDial(t *testing.T) {
	inFlight := make(chan struct{}, 1)
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight <- struct{}{}
		<-release
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Hold the socket open until the client side closes it.
		_, _, _ = conn.Read(r.Context())
		_ = conn.CloseNow()
	}))
	defer ts.Close()

	host, port := hostPort(t, ts.URL)
	ch := channel.New(channel.Config{
		Host:        host,
		Port:        port,
		DialTimeout: 5 * time.Second,
		Logger:      quietLogger(),
	})

	done := make(chan error, 1)
	go func() { done <- ch.Connect(context.Background(), testSession, testToken) }()

	<-inFlight
	ch.Disconnect()
	close(release)

	if err := <-done; err != nil {
		t.Fatalf("Connect() racing Disconnect returned error: %v", err)
	}
	if got := ch.State(); got != channel.StateDisconnected {
		t.Fatalf("State() = %v after Disconnect during dial, want Disconnected", got)
	}
	if got := ch.SessionID(); got != 0 {
		t.Errorf("SessionID() = %d after Disconnect, want 0", got)
	}

	// Nothing may revive the channel afterwards, heartbeat included.
	time.Sleep(150 * time.Millisecond)
	if got := ch.State(); got != channel.StateDisconnected {
		t.Errorf("State() = %v, want Disconnected to be final", got)
	}
	if ch.Send(protocol.Ping()) {
		t.Error("Send() succeeded on a channel disconnected mid-dial")
	}
}

// A disconnect discards frames buffered under the old identity; they must
// not replay into a later connection.
func TestDisconnectClearsBufferedMessages(t *testing.T) {
	_, _, cfg := startService(t)
	ch := channel.New(cfg)
	defer ch.Disconnect()

	// No handlers: the opening sequence lands in the buffer.
	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitState(t, ch, channel.StateConnected)
	time.Sleep(100 * time.Millisecond)

	ch.Disconnect()

	// Reconnect and attach handlers. The server does not resend the opening
	// sequence, so anything delivered now is a stale replay.
	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("second Connect() failed: %v", err)
	}
	waitState(t, ch, channel.StateConnected)

	got := make(chan protocol.Message, 8)
	ch.SetHandlers(&channel.Handlers{
		AIProcessingStatus: func(m protocol.Message) { got <- m },
		AIResponse:         func(m protocol.Message) { got <- m },
	})

	select {
	case m := <-got:
		t.Errorf("stale message of type %q replayed after disconnect", m.Type)
	case <-time.After(250 * time.Millisecond):
	}
}

// Frames read while a buffered replay is still running must queue behind it
// so delivery stays in arrival order.
func TestReplayKeepsOrderAgainstLiveFrames(t *testing.T) {
	srv, _, cfg := startService(t)
	ch := channel.New(cfg)
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), testSession, testToken); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	waitState(t, ch, channel.StateConnected)
	time.Sleep(100 * time.Millisecond)

	var mu sync.Mutex
	var order []protocol.MessageType
	pushed := make(chan struct{})
	record := func(m protocol.Message) {
		mu.Lock()
		first := len(order) == 0
		order = append(order, m.Type)
		mu.Unlock()
		if first {
			// Inject a live frame while the replay of the buffered
			// opening sequence is still in progress.
			srv.Push(testSession, protocol.Message{
				Type: protocol.TypeSessionStateUpdate,
				Text: "late frame",
			})
			close(pushed)
			// Leave the replay goroutine busy long enough for the
			// read loop to pick the pushed frame up.
			time.Sleep(100 * time.Millisecond)
		}
	}
	ch.SetHandlers(&channel.Handlers{
		AIProcessingStatus: record,
		AIResponse:         record,
		SessionStateUpdate: record,
	})

	<-pushed
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []protocol.MessageType{
		protocol.TypeAIProcessingStatus,
		protocol.TypeAIResponse,
		protocol.TypeSessionStateUpdate,
	}
	if len(order) != len(want) {
		t.Fatalf("delivered %d messages %v, want %d", len(order), order, len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", order, want)
		}
	}
}

// waitState polls until the channel reaches the wanted state.
func waitState(t *testing.T, ch *channel.Channel, want channel.ConnectionState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ch.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("State() = %v, never reached %v", ch.State(), want)
}
