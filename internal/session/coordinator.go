// Package session keeps the application view of one interview session in
// sync with frames delivered over the chat channel, and derives the
// UI-facing state (can-send, status text) from it.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/interviewkit/coachchat/internal/channel"
	"github.com/interviewkit/coachchat/internal/domain"
	"github.com/interviewkit/coachchat/internal/protocol"
)

// duplicateWindow bounds duplicate AI delivery after a reconnect replay: an
// AI message with identical text recorded within this window is dropped.
const duplicateWindow = time.Second

// Entry is one line of the visible transcript. The ID is client-side; it is
// not the service's row id.
type Entry struct {
	ID        string
	SessionID int64
	Origin    domain.MessageOrigin
	Text      string
	CreatedAt time.Time
}

// Snapshot is the derived state handed to external collaborators.
type Snapshot struct {
	SessionID    int64
	State        protocol.SessionState
	InputEnabled bool
	Sending      bool
	Processing   string
	LastError    string
	Completed    bool
	CanSend      bool
}

// Coordinator consumes dispatched channel messages plus local optimistic
// transitions and owns the resulting SessionState. The channel never
// inspects this state; the coordinator never touches the socket.
type Coordinator struct {
	log *slog.Logger

	mu           sync.Mutex
	active       *domain.Session
	transcript   []Entry
	state        protocol.SessionState
	inputEnabled bool
	sending      bool
	processing   string
	lastError    string
	subs         []subscriber
	nextSubID    int

	now func() time.Time
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// NewCoordinator creates a coordinator with no active session.
func NewCoordinator(log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		log:          log,
		inputEnabled: true,
		now:          time.Now,
	}
}

// Handlers wires the coordinator into the channel's typed callback slots.
// The connection-state slot is left for the caller to fill.
func (c *Coordinator) Handlers() *channel.Handlers {
	return &channel.Handlers{
		AIResponse:         c.handleAIResponse,
		SessionStateUpdate: c.handleStateUpdate,
		AIProcessingStatus: c.handleProcessingStatus,
		Error:              c.handleError,
	}
}

// Subscribe registers a callback invoked after every state change with a
// fresh snapshot. The returned func removes the subscription.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	c.subs = append(c.subs, subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
	}
}

// SetActive binds the coordinator to a session and seeds the transcript
// from fetched history. Previous state is discarded.
func (c *Coordinator) SetActive(s *domain.Session, history []domain.Message) {
	c.mu.Lock()
	c.active = s
	c.transcript = c.transcript[:0]
	for _, m := range history {
		c.transcript = append(c.transcript, Entry{
			ID:        uuid.NewString(),
			SessionID: m.SessionID,
			Origin:    m.Type,
			Text:      m.Text,
			CreatedAt: m.CreatedAt,
		})
	}
	c.sending = false
	c.processing = ""
	c.lastError = ""
	if s != nil && s.Completed {
		c.state = protocol.StateInterviewCompleted
		c.inputEnabled = false
	} else {
		c.state = protocol.StateInitializing
		c.inputEnabled = true
	}
	c.mu.Unlock()
	c.notify()
}

// Transcript returns a copy of the visible transcript.
func (c *Coordinator) Transcript() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Snapshot returns the current derived state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// CanSend reports whether the composition surface should accept input:
// input enabled, session not completed, no answer in flight, AI idle.
func (c *Coordinator) CanSend() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canSendLocked()
}

// MarkAnswerSent applies the optimistic local transition taken immediately
// after the caller submits an answer, before any server confirmation:
// the user message joins the transcript, sending is set, and the state is
// assumed to be AI processing.
func (c *Coordinator) MarkAnswerSent(text string) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	c.transcript = append(c.transcript, Entry{
		ID:        uuid.NewString(),
		SessionID: c.active.ID,
		Origin:    domain.OriginUser,
		Text:      text,
		CreatedAt: c.now(),
	})
	c.sending = true
	c.state = protocol.StateAIProcessing
	c.inputEnabled = false
	c.processing = "waiting for the interviewer"
	c.mu.Unlock()
	c.notify()
}

// AnswerFailed rolls back MarkAnswerSent after the submit request errored:
// the optimistic user entry is removed and input re-enabled.
func (c *Coordinator) AnswerFailed(text string, reason string) {
	c.mu.Lock()
	if n := len(c.transcript); n > 0 {
		last := c.transcript[n-1]
		if last.Origin == domain.OriginUser && last.Text == text {
			c.transcript = c.transcript[:n-1]
		}
	}
	c.sending = false
	c.inputEnabled = true
	c.processing = ""
	c.lastError = reason
	if c.state == protocol.StateAIProcessing {
		c.state = protocol.StateWaitingForUserAnswer
	}
	c.mu.Unlock()
	c.notify()
}

// ApplyImmediateReply handles the no-channel fallback where the submit
// request itself carried the AI message and resulting state.
func (c *Coordinator) ApplyImmediateReply(aiText string, state protocol.SessionState, inputEnabled *bool) {
	c.mu.Lock()
	if c.active == nil {
		c.mu.Unlock()
		return
	}
	if aiText != "" && !c.isDuplicateAILocked(aiText) {
		c.transcript = append(c.transcript, Entry{
			ID:        uuid.NewString(),
			SessionID: c.active.ID,
			Origin:    domain.OriginAI,
			Text:      aiText,
			CreatedAt: c.now(),
		})
	}
	c.applyConfirmedLocked(state, inputEnabled)
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) handleAIResponse(msg protocol.Message) {
	c.mu.Lock()
	if !c.matchesActiveLocked(msg.SessionID) {
		c.mu.Unlock()
		return
	}
	if c.isDuplicateAILocked(msg.Text) {
		c.log.Debug("suppressing duplicate ai response", "session_id", msg.SessionID)
		c.mu.Unlock()
		return
	}
	c.transcript = append(c.transcript, Entry{
		ID:        uuid.NewString(),
		SessionID: msg.SessionID,
		Origin:    domain.OriginAI,
		Text:      msg.Text,
		CreatedAt: c.now(),
	})
	c.applyConfirmedLocked(msg.CurrentState, msg.ChatInputEnabled)
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) handleStateUpdate(msg protocol.Message) {
	c.mu.Lock()
	if !c.matchesActiveLocked(msg.SessionID) {
		c.mu.Unlock()
		return
	}
	c.applyConfirmedLocked(msg.CurrentState, msg.ChatInputEnabled)
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) handleProcessingStatus(msg protocol.Message) {
	c.mu.Lock()
	if !c.matchesActiveLocked(msg.SessionID) {
		c.mu.Unlock()
		return
	}
	c.state = protocol.StateAIProcessing
	c.inputEnabled = false
	if msg.Progress != "" {
		c.processing = msg.Progress
	} else {
		c.processing = msg.Status
	}
	c.mu.Unlock()
	c.notify()
}

// handleError fails open: the user must never be stuck with a disabled
// input after a server-side error.
func (c *Coordinator) handleError(msg protocol.Message) {
	c.mu.Lock()
	if msg.SessionID != 0 && !c.matchesActiveLocked(msg.SessionID) {
		c.mu.Unlock()
		return
	}
	c.lastError = msg.Error
	c.processing = ""
	c.sending = false
	c.inputEnabled = true
	c.mu.Unlock()
	c.notify()
}

// applyConfirmedLocked adopts a server-confirmed state. Terminal states mark
// the session record completed, one-way and idempotent.
func (c *Coordinator) applyConfirmedLocked(state protocol.SessionState, inputEnabled *bool) {
	if state != "" {
		c.state = state
	}
	if inputEnabled != nil {
		c.inputEnabled = *inputEnabled
	}
	c.processing = ""
	c.sending = false

	if c.state.Terminal() && c.active != nil {
		c.active.Complete()
		c.inputEnabled = false
	}
}

func (c *Coordinator) matchesActiveLocked(sessionID int64) bool {
	return c.active != nil && c.active.ID == sessionID
}

func (c *Coordinator) isDuplicateAILocked(text string) bool {
	cutoff := c.now().Add(-duplicateWindow)
	for i := len(c.transcript) - 1; i >= 0; i-- {
		e := c.transcript[i]
		if e.CreatedAt.Before(cutoff) {
			return false
		}
		if e.Origin == domain.OriginAI && e.Text == text {
			return true
		}
	}
	return false
}

func (c *Coordinator) canSendLocked() bool {
	completed := c.active != nil && c.active.Completed
	return c.inputEnabled && !completed && !c.sending && c.state != protocol.StateAIProcessing
}

func (c *Coordinator) snapshotLocked() Snapshot {
	var id int64
	completed := false
	if c.active != nil {
		id = c.active.ID
		completed = c.active.Completed
	}
	return Snapshot{
		SessionID:    id,
		State:        c.state,
		InputEnabled: c.inputEnabled,
		Sending:      c.sending,
		Processing:   c.processing,
		LastError:    c.lastError,
		Completed:    completed,
		CanSend:      c.canSendLocked(),
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	snap := c.snapshotLocked()
	subs := make([]subscriber, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(snap)
	}
}
