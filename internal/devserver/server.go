// Package devserver runs a loopback interview service speaking the same
// REST and channel protocol as the real backend: a scripted interviewer for
// offline demos and for exercising the channel in tests.
package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/interviewkit/coachchat/internal/domain"
	"github.com/interviewkit/coachchat/internal/protocol"
)

// DefaultScript is the question list used when none is configured.
var DefaultScript = []string{
	"Walk me through a system you designed end to end. What were the hard trade-offs?",
	"Tell me about a production incident you debugged. How did you narrow it down?",
	"How would you design a rate limiter shared by multiple API servers?",
}

const defaultClosing = "That concludes the interview. Thanks for your time!"

// Options configures the loopback service.
type Options struct {
	Script  []string // interviewer questions, asked in order
	Closing string   // final message before the session completes
	Token   string   // expected credential; empty accepts any non-empty token
	Logger  *slog.Logger
}

// Server is the in-process interview service.
type Server struct {
	log     *slog.Logger
	script  []string
	closing string
	token   string

	mu           sync.Mutex
	sessions     map[int64]*domain.Session
	messages     map[int64][]domain.Message
	conns        map[int64]*websocket.Conn
	asked        map[int64]int
	nextID       int64
	silencePings bool
}

// New creates a loopback service.
func New(opts Options) *Server {
	if len(opts.Script) == 0 {
		opts.Script = DefaultScript
	}
	if opts.Closing == "" {
		opts.Closing = defaultClosing
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		log:      opts.Logger,
		script:   opts.Script,
		closing:  opts.Closing,
		token:    opts.Token,
		sessions: make(map[int64]*domain.Session),
		messages: make(map[int64][]domain.Message),
		conns:    make(map[int64]*websocket.Conn),
		asked:    make(map[int64]int),
	}
}

// Router returns the HTTP handler: the channel endpoint plus the REST
// surface the client expects.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)

	r.Get("/ws/chat", s.handleChat)

	r.Route("/api", func(r chi.Router) {
		r.Post("/users/login", s.handleLogin)
		r.Route("/chat/sessions", func(r chi.Router) {
			r.Get("/", s.handleListSessions)
			r.Post("/", s.handleCreateSession)
			r.Get("/{sessionID}", s.handleGetSession)
			r.Delete("/{sessionID}", s.handleDeleteSession)
			r.Patch("/{sessionID}/restore", s.handleRestoreSession)
			r.Get("/{sessionID}/messages", s.handleListMessages)
			r.Post("/{sessionID}/messages", s.handleSendMessage)
		})
	})

	return r
}

// SilencePings makes the server stop answering pings, so tests can force a
// heartbeat timeout.
func (s *Server) SilencePings(v bool) {
	s.mu.Lock()
	s.silencePings = v
	s.mu.Unlock()
}

// DropConnection severs the session's socket without a close frame, which
// the client observes as an unclean close.
func (s *Server) DropConnection(sessionID int64) bool {
	s.mu.Lock()
	conn := s.conns[sessionID]
	delete(s.conns, sessionID)
	s.mu.Unlock()

	if conn == nil {
		return false
	}
	_ = conn.CloseNow()
	return true
}

// Push writes one frame to the session's socket. Returns false when no
// connection is registered for the session.
func (s *Server) Push(sessionID int64, msg protocol.Message) bool {
	s.mu.Lock()
	conn := s.conns[sessionID]
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	return s.write(conn, msg)
}

// SeedSession registers a session directly, bypassing the REST surface.
func (s *Server) SeedSession(sess *domain.Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	if sess.ID > s.nextID {
		s.nextID = sess.ID
	}
	s.mu.Unlock()
}

// Connected reports whether a channel is registered for the session.
func (s *Server) Connected(sessionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[sessionID] != nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	expected := s.token
	s.mu.Unlock()
	token := r.URL.Query().Get("token")
	if token == "" || (expected != "" && token != expected) {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	sessionID, err := strconv.ParseInt(r.URL.Query().Get("sessionId"), 10, 64)
	if err != nil || sessionID <= 0 {
		http.Error(w, "invalid sessionId", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error("failed to accept channel", "error", err, "session_id", sessionID)
		return
	}

	connID := uuid.NewString()
	s.log.Info("channel accepted", "session_id", sessionID, "conn_id", connID)

	s.mu.Lock()
	if old := s.conns[sessionID]; old != nil {
		_ = old.Close(websocket.StatusPolicyViolation, "superseded")
	}
	s.conns[sessionID] = conn
	firstContact := s.asked[sessionID] == 0 && s.sessions[sessionID] != nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conns[sessionID] == conn {
			delete(s.conns, sessionID)
		}
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		s.log.Info("channel closed", "session_id", sessionID, "conn_id", connID)
	}()

	s.write(conn, protocol.Message{
		Type:      protocol.TypeConnectionEstablished,
		SessionID: sessionID,
		Text:      "connected to interview session",
	})

	if firstContact {
		s.askNext(sessionID)
	}

	s.readLoop(r.Context(), conn, sessionID)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID int64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			s.log.Warn("dropping malformed client frame", "error", err, "session_id", sessionID)
			continue
		}
		if msg.Type == protocol.TypePing {
			s.mu.Lock()
			silenced := s.silencePings
			s.mu.Unlock()
			if !silenced {
				s.write(conn, protocol.Pong())
			}
		}
	}
}

// askNext emits the scripted processing-then-question sequence, or the
// closing exchange when the script is exhausted.
func (s *Server) askNext(sessionID int64) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	n := s.asked[sessionID]
	s.mu.Unlock()
	if sess == nil {
		return
	}

	if n >= len(s.script) {
		s.finish(sessionID)
		return
	}

	question := s.script[n]
	s.Push(sessionID, protocol.Message{
		Type:      protocol.TypeAIProcessingStatus,
		SessionID: sessionID,
		Status:    protocol.ProcessingGenerating,
		Progress:  "preparing the next question",
	})
	s.Push(sessionID, protocol.Message{
		Type:             protocol.TypeAIResponse,
		SessionID:        sessionID,
		Text:             question,
		CurrentState:     protocol.StateWaitingForUserAnswer,
		ChatInputEnabled: protocol.Bool(true),
	})

	s.mu.Lock()
	s.asked[sessionID] = n + 1
	sess.AskedQuestionCount = n + 1
	s.messages[sessionID] = append(s.messages[sessionID], domain.Message{
		ID:        int64(len(s.messages[sessionID]) + 1),
		SessionID: sessionID,
		Type:      domain.OriginAI,
		Text:      question,
		CreatedAt: time.Now(),
	})
	s.mu.Unlock()
}

func (s *Server) finish(sessionID int64) {
	s.Push(sessionID, protocol.Message{
		Type:             protocol.TypeAIResponse,
		SessionID:        sessionID,
		Text:             s.closing,
		CurrentState:     protocol.StateInterviewCompleted,
		ChatInputEnabled: protocol.Bool(false),
	})
	s.Push(sessionID, protocol.Message{
		Type:             protocol.TypeSessionStateUpdate,
		SessionID:        sessionID,
		CurrentState:     protocol.StateInterviewCompleted,
		ChatInputEnabled: protocol.Bool(false),
	})

	s.mu.Lock()
	if sess := s.sessions[sessionID]; sess != nil {
		now := time.Now()
		sess.EndedAt = &now
		sess.Complete()
	}
	s.mu.Unlock()
}

func (s *Server) write(conn *websocket.Conn, msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.log.Error("encode frame", "error", err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.log.Debug("channel write failed", "error", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}
