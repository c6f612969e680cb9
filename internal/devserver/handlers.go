package devserver

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/interviewkit/coachchat/internal/domain"
	"github.com/interviewkit/coachchat/internal/protocol"
)

type sessionJSON struct {
	ID                     int64   `json:"id"`
	UserID                 int64   `json:"userId"`
	Title                  string  `json:"title"`
	Mode                   string  `json:"mode"`
	ExpectedQuestionCount  int     `json:"expectedQuestionCount"`
	AskedQuestionCount     int     `json:"askedQuestionCount"`
	CompletedQuestionCount int     `json:"completedQuestionCount"`
	StartedAt              string  `json:"startedAt"`
	EndedAt                *string `json:"endedAt"`
	IsActive               bool    `json:"isActive"`
	Completed              bool    `json:"completed"`
}

type messageJSON struct {
	ID        int64  `json:"id"`
	SessionID int64  `json:"sessionId"`
	Type      string `json:"type"`
	Text      string `json:"text"`
	CreatedAt string `json:"createdAt"`
}

func sessionToJSON(s *domain.Session) sessionJSON {
	out := sessionJSON{
		ID:                     s.ID,
		UserID:                 s.UserID,
		Title:                  s.Title,
		Mode:                   s.Mode,
		ExpectedQuestionCount:  s.ExpectedQuestionCount,
		AskedQuestionCount:     s.AskedQuestionCount,
		CompletedQuestionCount: s.CompletedQuestionCount,
		StartedAt:              s.StartedAt.Format(time.RFC3339),
		IsActive:               s.IsActive,
		Completed:              s.Completed,
	}
	if s.EndedAt != nil {
		ended := s.EndedAt.Format(time.RFC3339)
		out.EndedAt = &ended
	}
	return out
}

func messageToJSON(m domain.Message) messageJSON {
	return messageJSON{
		ID:        m.ID,
		SessionID: m.SessionID,
		Type:      string(m.Type),
		Text:      m.Text,
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"success": false, "message": "email and password are required",
		})
		return
	}

	s.mu.Lock()
	if s.token == "" {
		s.token = "dev-" + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	token := s.token
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
		"user": map[string]any{
			"id":          int64(1),
			"email":       req.Email,
			"displayName": strings.SplitN(req.Email, "@", 2)[0],
		},
	})
}

func (s *Server) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token == "" || token == s.token
}

func (s *Server) requireAuth(w http.ResponseWriter, r *http.Request) bool {
	if s.authorized(r) {
		return true
	}
	writeJSON(w, http.StatusUnauthorized, map[string]any{
		"success": false, "message": "invalid or missing token",
	})
	return false
}

func sessionIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	return id, err == nil && id > 0
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	s.mu.Lock()
	out := make([]sessionJSON, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sessionToJSON(sess))
	}
	s.mu.Unlock()

	// Newest first, matching the real service's ordering.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	var req struct {
		Mode                  string `json:"mode"`
		ExpectedQuestionCount int    `json:"expectedQuestionCount"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Mode == "" {
		req.Mode = domain.ModeComprehensive
	}
	expected := req.ExpectedQuestionCount
	if expected <= 0 || expected > len(s.script) {
		expected = len(s.script)
	}

	s.mu.Lock()
	s.nextID++
	sess := &domain.Session{
		ID:                    s.nextID,
		UserID:                1,
		Title:                 "Practice interview " + strconv.FormatInt(s.nextID, 10),
		Mode:                  req.Mode,
		ExpectedQuestionCount: expected,
		StartedAt:             time.Now(),
		IsActive:              true,
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.log.Info("session created", "session_id", sess.ID, "mode", sess.Mode)
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true, "session": sessionToJSON(sess),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id, ok := sessionIDParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid session id"})
		return
	}
	s.mu.Lock()
	sess := s.sessions[id]
	s.mu.Unlock()
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": sessionToJSON(sess)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id, ok := sessionIDParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid session id"})
		return
	}
	s.mu.Lock()
	delete(s.sessions, id)
	delete(s.messages, id)
	delete(s.asked, id)
	conn := s.conns[id]
	delete(s.conns, id)
	s.mu.Unlock()
	if conn != nil {
		_ = conn.CloseNow()
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "session deleted"})
}

func (s *Server) handleRestoreSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id, ok := sessionIDParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid session id"})
		return
	}
	s.mu.Lock()
	sess := s.sessions[id]
	if sess != nil && !sess.Completed {
		sess.IsActive = true
		sess.EndedAt = nil
	}
	s.mu.Unlock()
	if sess == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "session not found"})
		return
	}
	if sess.Completed {
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": "completed sessions cannot be restored"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": sessionToJSON(sess)})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id, ok := sessionIDParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid session id"})
		return
	}
	s.mu.Lock()
	msgs := s.messages[id]
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageToJSON(m))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": out})
}

// handleSendMessage records the answer and moves the interview forward.
// With a live channel the next question is pushed asynchronously; without
// one the reply is returned inline so the caller can still make progress.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if !s.requireAuth(w, r) {
		return
	}
	id, ok := sessionIDParam(r)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "invalid session id"})
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "message": "text is required"})
		return
	}

	s.mu.Lock()
	sess := s.sessions[id]
	if sess == nil {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "message": "session not found"})
		return
	}
	if sess.Completed {
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]any{"success": false, "message": "interview is already completed"})
		return
	}
	sess.CompletedQuestionCount++
	s.messages[id] = append(s.messages[id], domain.Message{
		ID:        int64(len(s.messages[id]) + 1),
		SessionID: id,
		Type:      domain.OriginUser,
		Text:      req.Text,
		CreatedAt: time.Now(),
	})
	live := s.conns[id] != nil
	s.mu.Unlock()

	if live {
		go s.askNext(id)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true, "message": "answer received",
		})
		return
	}

	// Synchronous fallback for callers without a channel.
	reply, state, inputEnabled := s.nextReply(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          "answer received",
		"aiMessage":        messageToJSON(reply),
		"currentState":     state,
		"chatInputEnabled": inputEnabled,
		"session":          sessionToJSON(s.snapshotSession(id)),
	})
}

// nextReply advances the script without a channel and returns the reply inline.
func (s *Server) nextReply(sessionID int64) (domain.Message, protocol.SessionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.sessions[sessionID]
	n := s.asked[sessionID]

	var text string
	state := protocol.StateWaitingForUserAnswer
	inputEnabled := true
	if n < len(s.script) {
		text = s.script[n]
		s.asked[sessionID] = n + 1
		sess.AskedQuestionCount = n + 1
	} else {
		text = s.closing
		state = protocol.StateInterviewCompleted
		inputEnabled = false
		now := time.Now()
		sess.EndedAt = &now
		sess.Complete()
	}

	reply := domain.Message{
		ID:        int64(len(s.messages[sessionID]) + 1),
		SessionID: sessionID,
		Type:      domain.OriginAI,
		Text:      text,
		CreatedAt: time.Now(),
	}
	s.messages[sessionID] = append(s.messages[sessionID], reply)
	return reply, state, inputEnabled
}

func (s *Server) snapshotSession(sessionID int64) *domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	dup := *s.sessions[sessionID]
	return &dup
}
