package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/interviewkit/coachchat/internal/domain"
)

// apiTime accepts the service's LocalDateTime serialization ("2006-01-02T15:04:05",
// optionally with fractional seconds) as well as RFC 3339.
type apiTime struct {
	time.Time
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (t *apiTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	for _, layout := range timeLayouts {
		parsed, err := time.Parse(layout, s)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", s)
}

func (t apiTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.Format(time.RFC3339) + `"`), nil
}

type userDTO struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

func (u userDTO) toDomain() domain.User {
	return domain.User{ID: u.ID, Email: u.Email, DisplayName: u.DisplayName}
}

type sessionDTO struct {
	ID                     int64    `json:"id"`
	UserID                 int64    `json:"userId"`
	Title                  string   `json:"title"`
	Mode                   string   `json:"mode"`
	ExpectedQuestionCount  int      `json:"expectedQuestionCount"`
	AskedQuestionCount     int      `json:"askedQuestionCount"`
	CompletedQuestionCount int      `json:"completedQuestionCount"`
	StartedAt              apiTime  `json:"startedAt"`
	EndedAt                *apiTime `json:"endedAt"`
	IsActive               *bool    `json:"isActive"`
	Completed              bool     `json:"completed"`
}

func (s sessionDTO) toDomain() *domain.Session {
	out := &domain.Session{
		ID:                     s.ID,
		UserID:                 s.UserID,
		Title:                  s.Title,
		Mode:                   s.Mode,
		ExpectedQuestionCount:  s.ExpectedQuestionCount,
		AskedQuestionCount:     s.AskedQuestionCount,
		CompletedQuestionCount: s.CompletedQuestionCount,
		StartedAt:              s.StartedAt.Time,
		IsActive:               s.IsActive == nil || *s.IsActive,
		Completed:              s.Completed,
	}
	if s.EndedAt != nil && !s.EndedAt.IsZero() {
		t := s.EndedAt.Time
		out.EndedAt = &t
	}
	out.Reconcile()
	return out
}

type messageDTO struct {
	ID        int64   `json:"id"`
	SessionID int64   `json:"sessionId"`
	Type      string  `json:"type"`
	Text      string  `json:"text"`
	CreatedAt apiTime `json:"createdAt"`
}

func (m messageDTO) toDomain() domain.Message {
	return domain.Message{
		ID:        m.ID,
		SessionID: m.SessionID,
		Type:      domain.MessageOrigin(m.Type),
		Text:      m.Text,
		CreatedAt: m.CreatedAt.Time,
	}
}
