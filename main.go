package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/puretik/modmail-relay/handler"
)

func init() {
	_ = godotenv.Load()

	requiredEnv := []string{
		"SLACK_BOT_TOKEN",
		"SLACK_APP_TOKEN",
		"MODMAIL_CHANNEL",
	}
	for _, env := range requiredEnv {
		if os.Getenv(env) == "" {
			slog.Error("required environment variable not set", slog.String("env", env))
			os.Exit(1)
		}
	}
}

func main() {
	h, err := handler.NewHandler()
	if err != nil {
		slog.Error("NewHandler failed", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.StartSweeper(ctx)

	slog.Info("modmail relay starting")
	if err := h.Handle(); err != nil {
		slog.Error("Server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
