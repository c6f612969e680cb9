// Package protocol defines the JSON wire messages exchanged over the chat
// channel. Messages are pure data; all behavior lives in the channel and
// session packages.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType discriminates the wire message variants.
type MessageType string

const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypePing                  MessageType = "ping"
	TypePong                  MessageType = "pong"
	TypeAIResponse            MessageType = "ai_response"
	TypeSessionStateUpdate    MessageType = "session_state_update"
	TypeAIProcessingStatus    MessageType = "ai_processing_status"
	TypeError                 MessageType = "error"
)

// SessionState is the application-level interview state carried in
// ai_response and session_state_update frames.
type SessionState string

const (
	StateInitializing         SessionState = "INITIALIZING"
	StateWaitingForUserAnswer SessionState = "WAITING_FOR_USER_ANSWER"
	StateAIProcessing         SessionState = "AI_PROCESSING"
	StateInterviewCompleted   SessionState = "INTERVIEW_COMPLETED"
	StateSessionEnded         SessionState = "SESSION_ENDED"
	StateError                SessionState = "ERROR"
)

// Terminal reports whether no further application messages are expected to
// change session semantics.
func (s SessionState) Terminal() bool {
	return s == StateInterviewCompleted || s == StateSessionEnded
}

// AI processing status values carried in ai_processing_status frames.
const (
	ProcessingGenerating = "generating"
	ProcessingProcessing = "processing"
	ProcessingCompleted  = "completed"
	ProcessingError      = "error"
)

// ErrMissingType is returned when a frame carries no type discriminant.
var ErrMissingType = errors.New("frame missing type")

// Message is the wire envelope: one JSON object per frame, discriminated by
// Type. Fields not used by a variant stay zero and are omitted on the wire.
// ChatInputEnabled is a pointer so that "absent" and "false" can be told
// apart, matching the service's push payloads.
type Message struct {
	Type             MessageType  `json:"type"`
	Timestamp        int64        `json:"timestamp,omitempty"`
	SessionID        int64        `json:"sessionId,omitempty"`
	Text             string       `json:"message,omitempty"`
	CurrentState     SessionState `json:"currentState,omitempty"`
	ChatInputEnabled *bool        `json:"chatInputEnabled,omitempty"`
	Status           string       `json:"status,omitempty"`
	Progress         string       `json:"progress,omitempty"`
	Error            string       `json:"error,omitempty"`
	Code             string       `json:"code,omitempty"`
}

// Decode parses one inbound frame. Unknown type values decode fine and are
// left to the dispatcher to ignore; only malformed JSON and a missing type
// are rejected.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type == "" {
		return Message{}, ErrMissingType
	}
	return msg, nil
}

// Encode serializes an outbound frame, stamping the timestamp when the
// caller left it unset.
func Encode(msg Message) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Ping returns a liveness probe frame.
func Ping() Message {
	return Message{Type: TypePing}
}

// Pong returns a liveness acknowledgment frame.
func Pong() Message {
	return Message{Type: TypePong}
}

// Bool is a helper for building frames with an explicit chatInputEnabled.
func Bool(v bool) *bool {
	return &v
}
