package domain

import (
	"time"
)

// Session modes supported by the interview service.
const (
	ModeSingleTopic   = "SINGLE_TOPIC"
	ModeComprehensive = "COMPREHENSIVE"
)

// Session is one interview conversation. Its lifecycle spans possibly many
// channel reconnects; the integer ID is the session identity the channel
// binds to.
type Session struct {
	ID                     int64
	UserID                 int64
	Title                  string
	Mode                   string
	ExpectedQuestionCount  int
	AskedQuestionCount     int
	CompletedQuestionCount int
	StartedAt              time.Time
	EndedAt                *time.Time
	IsActive               bool
	Completed              bool
}

// Reconcile folds the service's completion signals into Completed. Server
// revisions disagree on whether isActive=false or a set endedAt marks a
// finished session, so either signal counts.
func (s *Session) Reconcile() {
	if s.EndedAt != nil || !s.IsActive {
		s.Completed = true
	}
}

// Complete marks the session finished. Idempotent, one-way.
func (s *Session) Complete() {
	s.Completed = true
	s.IsActive = false
}
