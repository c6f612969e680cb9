// coachchat - terminal client for the AI interview coach
package main

import (
	"log/slog"
	"os"

	"github.com/interviewkit/coachchat/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
