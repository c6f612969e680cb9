// Package api is the HTTP client for the interview service's REST surface:
// authentication, session CRUD, message history, and the request/response
// answer path that complements the chat channel.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/interviewkit/coachchat/internal/domain"
	"github.com/interviewkit/coachchat/internal/protocol"
)

// ErrUnauthorized is returned on 401 responses; the stored credential is
// stale and must be discarded.
var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the service's /api routes using a bearer token.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger

	mu    sync.RWMutex
	token string

	// onAuthFailure runs once per 401 so the caller can clear persisted
	// credentials.
	onAuthFailure func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithAuthFailureHook sets the callback invoked when the service rejects
// the credential.
func WithAuthFailureHook(fn func()) Option {
	return func(c *Client) { c.onAuthFailure = fn }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// New creates a client for the given base URL, e.g. "http://localhost:8080/api".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: baseURL,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken installs the bearer token used on subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Login authenticates and installs the returned token on the client.
func (c *Client) Login(ctx context.Context, email, password string) (*domain.Credential, error) {
	body := map[string]string{"email": email, "password": password}
	var payload struct {
		Token string  `json:"token"`
		User  userDTO `json:"user"`
	}
	if err := c.do(ctx, http.MethodPost, "/users/login", body, &payload); err != nil {
		return nil, err
	}
	if payload.Token == "" {
		return nil, fmt.Errorf("login response missing token")
	}
	c.SetToken(payload.Token)
	return &domain.Credential{
		Token:   payload.Token,
		User:    payload.User.toDomain(),
		SavedAt: time.Now(),
	}, nil
}

// Sessions lists the caller's interview sessions, newest first.
func (c *Client) Sessions(ctx context.Context) ([]*domain.Session, error) {
	var dtos []sessionDTO
	if err := c.do(ctx, http.MethodGet, "/chat/sessions", nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, dto.toDomain())
	}
	return out, nil
}

// Session fetches one session by id.
func (c *Client) Session(ctx context.Context, id int64) (*domain.Session, error) {
	var dto sessionDTO
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/chat/sessions/%d", id), nil, &dto); err != nil {
		return nil, err
	}
	return dto.toDomain(), nil
}

// StartInterviewRequest creates a new interview session.
type StartInterviewRequest struct {
	Mode                  string `json:"mode"`
	TagID                 int64  `json:"tagId,omitempty"`
	QuestionSetID         int64  `json:"questionSetId,omitempty"`
	ExpectedQuestionCount int    `json:"expectedQuestionCount,omitempty"`
}

// CreateSession starts a new interview and returns the created session.
func (c *Client) CreateSession(ctx context.Context, req StartInterviewRequest) (*domain.Session, error) {
	var dto sessionDTO
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", req, &dto); err != nil {
		return nil, err
	}
	return dto.toDomain(), nil
}

// DeleteSession removes a session and its messages.
func (c *Client) DeleteSession(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/chat/sessions/%d", id), nil, nil)
}

// RestoreSession reactivates a previously ended session.
func (c *Client) RestoreSession(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodPatch, fmt.Sprintf("/chat/sessions/%d/restore", id), nil, nil)
}

// Messages fetches the full message history for a session.
func (c *Client) Messages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	var dtos []messageDTO
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/chat/sessions/%d/messages", sessionID), nil, &dtos); err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(dtos))
	for _, dto := range dtos {
		out = append(out, dto.toDomain())
	}
	return out, nil
}

// ChatResponse is the submit-answer result. When the channel is down the
// service answers synchronously and AIMessage is set; otherwise the reply
// arrives later as an ai_response frame.
type ChatResponse struct {
	Success          bool                  `json:"success"`
	Message          string                `json:"message"`
	AIMessage        *messageDTO           `json:"aiMessage"`
	CurrentState     protocol.SessionState `json:"currentState"`
	ChatInputEnabled *bool                 `json:"chatInputEnabled"`
	Session          *sessionDTO           `json:"session"`
}

// AIReply returns the synchronous fallback reply, if any.
func (r *ChatResponse) AIReply() (domain.Message, bool) {
	if r.AIMessage == nil {
		return domain.Message{}, false
	}
	return r.AIMessage.toDomain(), true
}

// SendMessage submits a user answer over the request/response path.
func (c *Client) SendMessage(ctx context.Context, sessionID int64, text string) (*ChatResponse, error) {
	req, err := c.newRequest(ctx, http.MethodPost, fmt.Sprintf("/chat/sessions/%d/messages", sessionID), map[string]string{"text": text})
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}
	if !out.Success {
		return nil, fmt.Errorf("service rejected message: %s", out.Message)
	}
	return &out, nil
}

// envelope is the service's standard response wrapper. List endpoints put
// their result under data; session creation uses a dedicated field.
type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Session json.RawMessage `json:"session"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.checkStatus(resp); err != nil {
		return err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return fmt.Errorf("%s %s: %s", method, path, env.Message)
	}
	if out == nil {
		return nil
	}

	payload := env.Data
	if len(payload) == 0 {
		payload = env.Session
	}
	if len(payload) == 0 {
		// Some endpoints inline the payload next to the envelope fields.
		payload = raw
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		c.SetToken("")
		if c.onAuthFailure != nil {
			c.onAuthFailure()
		}
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("service returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
