package devserver_test

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/interviewkit/coachchat/internal/api"
	"github.com/interviewkit/coachchat/internal/devserver"
	"github.com/interviewkit/coachchat/internal/domain"
)

// The loopback service is exercised through the real client so both sides
// of the REST contract are covered at once.
func newClient(t *testing.T) *api.Client {
	t.Helper()
	srv := devserver.New(devserver.Options{
		Script: []string{"question one", "question two"},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return api.New(ts.URL + "/api")
}

func login(t *testing.T, c *api.Client) {
	t.Helper()
	cred, err := c.Login(context.Background(), "me@example.com", "secret")
	if err != nil {
		t.Fatalf("Login() failed: %v", err)
	}
	if cred.Token == "" {
		t.Fatal("Login() returned an empty token")
	}
}

func TestRequestsRequireLogin(t *testing.T) {
	c := newClient(t)
	if _, err := c.Sessions(context.Background()); err == nil {
		t.Fatal("Sessions() without a token succeeded, want error")
	}
}

func TestInterviewOverRequestPath(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	login(t, c)

	sess, err := c.CreateSession(ctx, api.StartInterviewRequest{Mode: domain.ModeComprehensive})
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if sess.ID == 0 || !sess.IsActive {
		t.Fatalf("created session = %+v, want active with an id", sess)
	}

	// Without a channel the reply rides on the response.
	resp, err := c.SendMessage(ctx, sess.ID, "answer one")
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	reply, ok := resp.AIReply()
	if !ok {
		t.Fatal("no inline reply on the request path")
	}
	if reply.Text != "question one" {
		t.Errorf("inline reply = %q, want the first scripted question", reply.Text)
	}

	if _, err := c.SendMessage(ctx, sess.ID, "answer two"); err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}

	// The script is exhausted: the closing reply completes the interview.
	resp, err = c.SendMessage(ctx, sess.ID, "answer three")
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	if resp.Session == nil {
		t.Fatal("final response carries no session")
	}

	final, err := c.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session() failed: %v", err)
	}
	if !final.Completed {
		t.Error("session not completed after the closing reply")
	}

	// Completed interviews reject further answers.
	if _, err := c.SendMessage(ctx, sess.ID, "too late"); err == nil {
		t.Error("SendMessage() on a completed session succeeded, want error")
	}

	// And cannot be restored.
	if err := c.RestoreSession(ctx, sess.ID); err == nil {
		t.Error("RestoreSession() on a completed session succeeded, want error")
	}

	msgs, err := c.Messages(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Messages() failed: %v", err)
	}
	// Three answers plus two questions plus the closing message.
	if len(msgs) != 6 {
		t.Errorf("transcript has %d messages, want 6", len(msgs))
	}
}

func TestDeleteSession(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()
	login(t, c)

	sess, err := c.CreateSession(ctx, api.StartInterviewRequest{Mode: domain.ModeSingleTopic})
	if err != nil {
		t.Fatalf("CreateSession() failed: %v", err)
	}
	if err := c.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession() failed: %v", err)
	}

	sessions, err := c.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() failed: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("Sessions() returned %d sessions after delete, want 0", len(sessions))
	}
}
