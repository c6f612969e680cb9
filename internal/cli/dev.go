package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/interviewkit/coachchat/internal/devserver"
)

func newDevCmd(a *app) *cobra.Command {
	var (
		port  int
		token string
	)

	cmd := &cobra.Command{
		Use:   "dev",
		Short: "Run a loopback interview service for offline practice",
		Long:  "Starts an in-process interview service with a scripted interviewer. Point the client at it with COACHCHAT_PORT, then log in with any email.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()
			if a.verbose {
				logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
					Level: slog.LevelDebug,
				}))
			}

			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", port),
				Handler:      devserver.New(devserver.Options{Token: token, Logger: logger}).Router(),
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0, // channel connections stay open indefinitely
				IdleTimeout:  120 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("dev service listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			color.New(color.FgGreen).Printf("Dev interview service on http://localhost:%d\n", port)
			fmt.Printf("In another terminal: COACHCHAT_PORT=%d coachchat login you@example.com\n", port)

			select {
			case err := <-errCh:
				return fmt.Errorf("dev service failed: %w", err)
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("dev service stopped")
			return nil
		},
	}
	cmd.Flags().IntVar(&port, "port", 8080, "Port to listen on")
	cmd.Flags().StringVar(&token, "token", "", "Require this exact token (empty generates one at login)")
	return cmd
}
