package domain

import (
	"time"
)

// MessageOrigin identifies who produced a transcript message.
type MessageOrigin string

const (
	OriginUser MessageOrigin = "USER"
	OriginAI   MessageOrigin = "AI"
)

// Message is one persisted transcript row as the service stores it.
type Message struct {
	ID        int64
	SessionID int64
	Type      MessageOrigin
	Text      string
	CreatedAt time.Time
}
