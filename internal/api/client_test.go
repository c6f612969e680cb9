package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/interviewkit/coachchat/internal/protocol"
)

func TestLoginStoresToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/users/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "me@example.com", req["email"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"token":   "tok-123",
			"user": map[string]any{
				"id": 7, "email": "me@example.com", "displayName": "Me",
			},
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	cred, err := c.Login(context.Background(), "me@example.com", "secret")
	require.NoError(t, err)

	assert.Equal(t, "tok-123", cred.Token)
	assert.Equal(t, int64(7), cred.User.ID)
	assert.Equal(t, "Me", cred.User.DisplayName)
	assert.False(t, cred.SavedAt.IsZero())
}

func TestLoginMissingToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Login(context.Background(), "me@example.com", "secret")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing token")
}

func TestSessionsDecodesEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": []map[string]any{
				{
					"id": 2, "userId": 7, "title": "Second", "mode": "COMPREHENSIVE",
					"startedAt": "2026-08-29T10:00:00", "completed": false,
				},
				{
					"id": 1, "userId": 7, "title": "First", "mode": "SINGLE_TOPIC",
					"startedAt": "2026-08-28T09:00:00Z",
					"endedAt":   "2026-08-28T10:00:00Z",
					"isActive":  false, "completed": false,
				},
			},
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	c.SetToken("tok-123")

	sessions, err := c.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	assert.Equal(t, int64(2), sessions[0].ID)
	assert.True(t, sessions[0].IsActive, "absent isActive defaults to active")
	assert.False(t, sessions[0].Completed)

	// Ended and inactive reconciles to completed.
	assert.True(t, sessions[1].Completed)
	require.NotNil(t, sessions[1].EndedAt)
}

func TestCreateSessionUsesSessionField(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req StartInterviewRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "COMPREHENSIVE", req.Mode)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"session": map[string]any{
				"id": 5, "userId": 7, "title": "New interview",
				"mode": "COMPREHENSIVE", "startedAt": "2026-08-29T10:00:00Z",
			},
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	sess, err := c.CreateSession(context.Background(), StartInterviewRequest{Mode: "COMPREHENSIVE"})
	require.NoError(t, err)
	assert.Equal(t, int64(5), sess.ID)
	assert.True(t, sess.IsActive)
}

func TestUnauthorizedClearsTokenAndFiresHook(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	hookFired := false
	c := New(ts.URL, WithAuthFailureHook(func() { hookFired = true }))
	c.SetToken("stale")

	_, err := c.Sessions(context.Background())
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, hookFired)

	// The stale token must not ride along on later requests.
	c.mu.RLock()
	defer c.mu.RUnlock()
	assert.Empty(t, c.token)
}

func TestEnvelopeFailureSurfacesMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "session belongs to another user",
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Session(context.Background(), 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session belongs to another user")
}

func TestSendMessageInlineReply(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":          true,
			"message":          "answer received",
			"aiMessage":        map[string]any{"id": 3, "sessionId": 5, "type": "AI", "text": "next question", "createdAt": "2026-08-29T10:01:00Z"},
			"currentState":     "WAITING_FOR_USER_ANSWER",
			"chatInputEnabled": true,
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	resp, err := c.SendMessage(context.Background(), 5, "my answer")
	require.NoError(t, err)

	reply, ok := resp.AIReply()
	require.True(t, ok)
	assert.Equal(t, "next question", reply.Text)
	assert.Equal(t, protocol.StateWaitingForUserAnswer, resp.CurrentState)
	require.NotNil(t, resp.ChatInputEnabled)
	assert.True(t, *resp.ChatInputEnabled)
}

func TestSendMessageRejection(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "interview is already completed",
		})
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.SendMessage(context.Background(), 5, "late answer")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already completed")
}

func TestServerErrorIncludesBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(ts.URL)
	_, err := c.Messages(context.Background(), 5)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthorized))
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
}

func TestTimestampFormatsAccepted(t *testing.T) {
	tests := []struct {
		name string
		in   string
		zero bool
	}{
		{"rfc3339", `"2026-08-29T10:00:00Z"`, false},
		{"rfc3339 nano", `"2026-08-29T10:00:00.123456789Z"`, false},
		{"local date time", `"2026-08-29T10:00:00"`, false},
		{"local with fraction", `"2026-08-29T10:00:00.5"`, false},
		{"null", `null`, true},
		{"empty", `""`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts apiTime
			require.NoError(t, json.Unmarshal([]byte(tt.in), &ts))
			assert.Equal(t, tt.zero, ts.IsZero())
		})
	}
}
