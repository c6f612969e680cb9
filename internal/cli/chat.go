package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/interviewkit/coachchat/internal/api"
	"github.com/interviewkit/coachchat/internal/channel"
	"github.com/interviewkit/coachchat/internal/domain"
	"github.com/interviewkit/coachchat/internal/session"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		mode      string
		questions int
	)

	cmd := &cobra.Command{
		Use:   "chat [session-id]",
		Short: "Run an interactive interview",
		Long:  "Opens the chat channel for a session and runs the question/answer loop. Without a session id a new interview is started.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			token, err := a.token(ctx)
			if err != nil {
				return err
			}

			sess, err := a.resolveSession(ctx, args, mode, questions)
			if err != nil {
				return err
			}
			history, err := a.api.Messages(ctx, sess.ID)
			if err != nil {
				return fmt.Errorf("fetch history: %w", err)
			}
			if err := a.repo.UpsertSession(ctx, sess); err != nil {
				a.log.Warn("failed to cache session", "error", err, "session_id", sess.ID)
			}

			return a.runChat(ctx, sess, history, token)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", domain.ModeComprehensive, "Interview mode for a new session")
	cmd.Flags().IntVar(&questions, "questions", 0, "Expected question count for a new session (0 = service default)")
	return cmd
}

func (a *app) resolveSession(ctx context.Context, args []string, mode string, questions int) (*domain.Session, error) {
	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid session id %q", args[0])
		}
		sess, err := a.api.Session(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch session %d: %w", id, err)
		}
		return sess, nil
	}

	sess, err := a.api.CreateSession(ctx, api.StartInterviewRequest{
		Mode:                  mode,
		ExpectedQuestionCount: questions,
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	fmt.Printf("Started interview session %d (%s)\n", sess.ID, sess.Mode)
	return sess, nil
}

func (a *app) runChat(ctx context.Context, sess *domain.Session, history []domain.Message, token string) error {
	coord := session.NewCoordinator(a.log)
	coord.SetActive(sess, history)

	ui := newChatUI(coord)
	ui.replay(coord.Transcript())

	done := make(chan struct{})
	var once sync.Once
	coord.Subscribe(func(snap session.Snapshot) {
		ui.render(snap, coord.Transcript())
		if snap.Completed {
			once.Do(func() { close(done) })
		}
	})
	coord.Subscribe(a.persistEntries(coord, sess.ID))

	ch := channel.New(channel.Config{
		Host:                 a.cfg.ServerHost,
		Port:                 a.cfg.ServerPort,
		Secure:               a.cfg.Secure,
		HeartbeatInterval:    a.cfg.Channel.HeartbeatInterval,
		DialTimeout:          a.cfg.Channel.DialTimeout,
		ReconnectFloor:       a.cfg.Channel.ReconnectFloor,
		ReconnectCeiling:     a.cfg.Channel.ReconnectCeiling,
		MaxReconnectAttempts: a.cfg.Channel.MaxReconnectAttempts,
		Logger:               a.log,
	})
	handlers := coord.Handlers()
	handlers.ConnectionStateChanged = ui.connectionState
	ch.SetHandlers(handlers)

	if err := ch.Connect(ctx, sess.ID, token); err != nil {
		ui.notice("Live channel unavailable, answers will use the request path: " + err.Error())
	}
	defer ch.Disconnect()

	if sess.Completed {
		ui.notice("This interview is already completed. Transcript shown above.")
		return nil
	}

	go a.inputLoop(ctx, coord, sess.ID, ui)

	select {
	case <-done:
		ui.finished()
		if err := a.repo.MarkSessionCompleted(context.Background(), sess.ID); err != nil {
			a.log.Warn("failed to mark cached session completed", "error", err, "session_id", sess.ID)
		}
	case <-ctx.Done():
		fmt.Println()
		ui.notice("Leaving the interview, resume with \"coachchat chat " + strconv.FormatInt(sess.ID, 10) + "\"")
	}
	return nil
}

// inputLoop reads answers from stdin and submits them over the request
// path. The confirmed reply arrives through the channel when it is up, or
// inline in the response when it is not.
func (a *app) inputLoop(ctx context.Context, coord *session.Coordinator, sessionID int64, ui *chatUI) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
			return
		}
		if !coord.CanSend() {
			ui.notice("Hold on, the interviewer is not ready for an answer yet.")
			continue
		}

		coord.MarkAnswerSent(text)
		resp, err := a.api.SendMessage(ctx, sessionID, text)
		if err != nil {
			coord.AnswerFailed(text, err.Error())
			continue
		}
		if reply, ok := resp.AIReply(); ok {
			coord.ApplyImmediateReply(reply.Text, resp.CurrentState, resp.ChatInputEnabled)
		}
	}
}

// persistEntries caches transcript lines it has not seen before. The
// transcript only grows, so re-reading it per notification is fine.
func (a *app) persistEntries(coord *session.Coordinator, sessionID int64) func(session.Snapshot) {
	seen := make(map[string]bool)
	var mu sync.Mutex
	return func(session.Snapshot) {
		for _, e := range coord.Transcript() {
			mu.Lock()
			cached := seen[e.ID]
			if !cached {
				seen[e.ID] = true
			}
			mu.Unlock()
			if cached {
				continue
			}
			m := domain.Message{
				SessionID: sessionID,
				Type:      e.Origin,
				Text:      e.Text,
				CreatedAt: e.CreatedAt,
			}
			if err := a.repo.AppendMessage(context.Background(), &m); err != nil {
				a.log.Warn("failed to cache message", "error", err, "session_id", sessionID)
			}
		}
	}
}

// --- terminal rendering ---

var (
	aiColor     = color.New(color.FgCyan)
	userColor   = color.New(color.FgGreen)
	statusColor = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
	dimColor    = color.New(color.Faint)
)

// chatUI prints transcript growth and state transitions. All methods may be
// called from channel goroutines; a mutex keeps lines whole.
type chatUI struct {
	coord *session.Coordinator

	mu         sync.Mutex
	printed    int
	processing string
	lastErr    string
	prompted   bool
}

func newChatUI(coord *session.Coordinator) *chatUI {
	return &chatUI{coord: coord}
}

// replay prints the transcript fetched from history before the loop starts.
func (u *chatUI) replay(entries []session.Entry) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, e := range entries {
		u.printEntryLocked(e)
	}
	u.printed = len(entries)
}

func (u *chatUI) render(snap session.Snapshot, transcript []session.Entry) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, e := range transcript[min(u.printed, len(transcript)):] {
		u.printEntryLocked(e)
	}
	u.printed = len(transcript)

	if snap.Processing != "" && snap.Processing != u.processing {
		dimColor.Printf("  … %s\n", snap.Processing)
	}
	u.processing = snap.Processing

	if snap.LastError != "" && snap.LastError != u.lastErr {
		errColor.Printf("! %s\n", snap.LastError)
	}
	u.lastErr = snap.LastError

	if snap.CanSend && !u.prompted {
		userColor.Print("you> ")
		u.prompted = true
	} else if !snap.CanSend {
		u.prompted = false
	}
}

func (u *chatUI) printEntryLocked(e session.Entry) {
	switch e.Origin {
	case domain.OriginAI:
		aiColor.Printf("coach> %s\n", e.Text)
	default:
		userColor.Printf("you> %s\n", e.Text)
	}
}

func (u *chatUI) connectionState(state channel.ConnectionState) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch state {
	case channel.StateConnected:
		statusColor.Println("[connected]")
	case channel.StateReconnecting:
		statusColor.Println("[connection lost, reconnecting]")
	case channel.StateError:
		errColor.Println("[connection failed]")
	case channel.StateDisconnected:
		dimColor.Println("[disconnected]")
	}
}

func (u *chatUI) notice(msg string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	statusColor.Println(msg)
}

func (u *chatUI) finished() {
	u.mu.Lock()
	defer u.mu.Unlock()
	color.New(color.FgGreen, color.Bold).Println("\nInterview completed. Review it any time with \"coachchat sessions list\".")
}
