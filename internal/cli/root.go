// Package cli wires the coachchat commands: login, session management, the
// interactive chat loop, and the loopback dev server.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/interviewkit/coachchat/internal/api"
	"github.com/interviewkit/coachchat/internal/config"
	"github.com/interviewkit/coachchat/internal/store"
)

// version vars injected via ldflags at build time
var (
	version = "dev"
	commit  = "unknown"
)

// app bundles the dependencies shared by all commands.
type app struct {
	cfg  *config.Config
	repo store.Repository
	api  *api.Client
	log  *slog.Logger

	verbose bool
}

// setup initializes config, the local database, and the API client. Called
// from each command's RunE so that flag parsing and help never touch disk.
func (a *app) setup(ctx context.Context) error {
	if a.verbose {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}
	a.log = slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open local database: %w", err)
	}
	a.repo = repo

	a.api = api.New(cfg.APIBaseURL(),
		api.WithLogger(a.log),
		api.WithAuthFailureHook(func() {
			if err := repo.ClearCredential(context.Background()); err != nil {
				a.log.Warn("failed to clear stale credential", "error", err)
			}
		}),
	)

	if cred, err := repo.Credential(ctx); err != nil {
		a.log.Warn("failed to read stored credential", "error", err)
	} else if cred != nil {
		a.api.SetToken(cred.Token)
	}
	return nil
}

func (a *app) close() {
	if a.repo == nil {
		return
	}
	if err := a.repo.Close(); err != nil {
		a.log.Warn("failed to close local database", "error", err)
	}
}

// token returns the stored credential token or an error telling the user to
// log in first.
func (a *app) token(ctx context.Context) (string, error) {
	cred, err := a.repo.Credential(ctx)
	if err != nil {
		return "", fmt.Errorf("read credential: %w", err)
	}
	if cred == nil {
		return "", fmt.Errorf("not logged in, run %q first", "coachchat login")
	}
	return cred.Token, nil
}

// Execute runs the root command.
func Execute() error {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:     "coachchat",
		Short:   "Terminal client for AI-powered mock interviews",
		Long:    "coachchat connects to an interview coach service and runs multi-turn practice interviews from the terminal.",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),

		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			color.NoColor = true
		}
	}

	rootCmd.AddCommand(
		newLoginCmd(a),
		newLogoutCmd(a),
		newSessionsCmd(a),
		newChatCmd(a),
		newDevCmd(a),
	)

	if err := rootCmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}
