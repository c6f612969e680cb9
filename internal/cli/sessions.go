package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/interviewkit/coachchat/internal/domain"
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List and manage interview sessions",
	}
	cmd.AddCommand(
		newSessionsListCmd(a),
		newSessionsDeleteCmd(a),
		newSessionsRestoreCmd(a),
	)
	return cmd
}

func newSessionsListCmd(a *app) *cobra.Command {
	var cached bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List interview sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			var sessions []*domain.Session
			var err error
			if cached {
				sessions, err = a.repo.Sessions(ctx)
			} else {
				sessions, err = a.fetchSessions(ctx)
			}
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions. Start one with \"coachchat chat\".")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMODE\tPROGRESS\tSTATUS\tSTARTED")
			for _, s := range sessions {
				status := "active"
				if s.Completed {
					status = "completed"
				} else if !s.IsActive {
					status = "ended"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%s\t%s\n",
					s.ID, s.Title, s.Mode,
					s.CompletedQuestionCount, s.ExpectedQuestionCount,
					status, s.StartedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&cached, "cached", false, "List the local cache instead of asking the service")
	return cmd
}

// fetchSessions lists from the service and refreshes the local cache.
func (a *app) fetchSessions(ctx context.Context) ([]*domain.Session, error) {
	sessions, err := a.api.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if err := a.repo.UpsertSession(ctx, s); err != nil {
			a.log.Warn("failed to cache session", "error", err, "session_id", s.ID)
		}
	}
	return sessions, nil
}

func newSessionsDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			if err := a.api.DeleteSession(ctx, id); err != nil {
				return fmt.Errorf("delete session %d: %w", id, err)
			}
			fmt.Printf("Session %d deleted\n", id)
			return nil
		},
	}
}

func newSessionsRestoreCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id>",
		Short: "Reactivate an ended session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			if err := a.api.RestoreSession(ctx, id); err != nil {
				return fmt.Errorf("restore session %d: %w", id, err)
			}
			color.New(color.FgGreen).Printf("Session %d restored, resume it with \"coachchat chat %d\"\n", id, id)
			return nil
		},
	}
}
