package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"syncboard/internal/client"
	"syncboard/internal/models"
)

// A headless mirror: converges on the server's record set the same way a
// dashboard process would, and logs what it sees.
func main() {
	if err := run(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	server := flag.String("server", envOr("SERVER_URL", "http://127.0.0.1:8080"), "server base URL")
	flag.Parse()

	c, err := client.New(client.Options{
		ServerURL: *server,
		OnStateChange: func(st client.Status) {
			slog.Info("connection state changed", "state", st.State, "attempts", st.Attempts)
		},
		OnRecordNew: func(rec *models.Record) {
			slog.Info("new record", "id", rec.ID, "createdAt", rec.CreatedAt)
		},
		OnSyncError: func(err error) {
			slog.Warn("sync failed, will retry", "err", err)
		},
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		return err
	}
	slog.Info("mirroring records", "server", *server)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("stopping")
			return c.Stop()
		case <-ticker.C:
			st := c.Status()
			slog.Info("replica status", "state", st.State, "records", c.Len(), "watermark", c.Watermark())
		}
	}
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
