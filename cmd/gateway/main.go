// Command gateway runs the Gateway process: a persistent authenticated
// Twitch chat connection fanning PRIVMSGs onto the bus IN stream and
// draining OUT with a token-bucket rate limit, as specified in
// spec.md §4.E. Grounded on src/sse-adapter/main.go for the
// slog/signal/graceful-shutdown idiom.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/zakirovtech/twitch-rag-buddy/internal/bus"
	"github.com/zakirovtech/twitch-rag-buddy/internal/config"
	"github.com/zakirovtech/twitch-rag-buddy/internal/gateway"
	"github.com/zakirovtech/twitch-rag-buddy/internal/metrics"
	"github.com/zakirovtech/twitch-rag-buddy/internal/token"
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
	cfg, err := config.LoadGatewayConfig()
	if err != nil {
		// Configuration errors are unrecoverable; exit non-zero so a
		// process supervisor surfaces the failure instead of retrying
		// a loop that can never succeed.
		slog.Error("gateway: config error", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)})))
	slog.Info("gateway: starting", "channels", cfg.TwitchChannels, "redis", cfg.RedisURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busClient, err := bus.New(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("gateway: failed to connect to bus", "err", err)
		os.Exit(1)
	}
	defer busClient.Close()

	var tokenMgr token.CredentialSource
	if cfg.TokenFile != "" {
		tokenMgr = token.NewManager(cfg.TokenFile, cfg.AppClientID, cfg.AppClientSecret, cfg.TwitchNick, cfg.TokenMinTTLSec)
	} else {
		tokenMgr = token.NewStaticManager(cfg.TwitchOAuth)
	}

	go func() {
		slog.Info("gateway: starting metrics server", "addr", cfg.MetricsAddr)
		if err := metrics.Serve(cfg.MetricsAddr); err != nil {
			slog.Error("gateway: metrics server error", "err", err)
		}
	}()

	gw := gateway.New(cfg, busClient, tokenMgr)
	if err := gw.Run(ctx); err != nil {
		slog.Error("gateway: exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("gateway: shut down cleanly")
}
