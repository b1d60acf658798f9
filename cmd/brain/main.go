// Command brain runs the Brain process: consumes chat events from the
// bus, maintains per-channel rolling state, and decides when and why
// to speak, as specified in spec.md §4.K. Grounded on
// src/sse-adapter/main.go for the slog/signal/graceful-shutdown idiom.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zakirovtech/twitch-rag-buddy/internal/brain"
	"github.com/zakirovtech/twitch-rag-buddy/internal/bus"
	"github.com/zakirovtech/twitch-rag-buddy/internal/config"
	"github.com/zakirovtech/twitch-rag-buddy/internal/metrics"
)

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	cfg, err := config.LoadBrainConfig()
	if err != nil {
		slog.Error("brain: config error", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))
	slog.Info("brain: starting", "bot_nick", cfg.BotNick, "redis", cfg.RedisURL, "ollama", cfg.OllamaURL != "")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busClient, err := bus.New(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("brain: failed to connect to bus", "err", err)
		os.Exit(1)
	}
	defer busClient.Close()

	go func() {
		slog.Info("brain: starting metrics server", "addr", cfg.MetricsAddr)
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			slog.Error("brain: metrics server error", "err", err)
		}
	}()

	b := brain.New(cfg, busClient)
	if err := b.Run(ctx); err != nil {
		slog.Error("brain: exited with error", "err", err)
		os.Exit(1)
	}

	// Graceful shutdown: let in-flight generator calls finish and push
	// their replies before the bus connection closes (spec.md §5).
	slog.Info("brain: draining in-flight replies")
	b.Wait()
	slog.Info("brain: shut down cleanly")
}
