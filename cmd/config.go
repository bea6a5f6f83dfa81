package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Config struct {
	Host string `env:"HOST,default=localhost"`
	Port int    `env:"PORT,default=8080"`

	BadgerFilepath string `env:"BADGER_FILEPATH,required=true"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`

	AuthSecret        string        `env:"AUTH_SECRET,required=true"`
	AuthTokenDuration time.Duration `env:"AUTH_TOKEN_DURATION,default=24h"`

	// WatchBufferSize bounds each store-level change feed;
	// SubscriptionQueueDepth bounds each client's delivery queue.
	WatchBufferSize        int `env:"WATCH_BUFFER_SIZE,default=64"`
	SubscriptionQueueDepth int `env:"SUBSCRIPTION_QUEUE_DEPTH,default=256"`

	RetryMaxAttempts int           `env:"RETRY_MAX_ATTEMPTS,default=5"`
	RetryBackoff     time.Duration `env:"RETRY_BACKOFF,default=10ms"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=30s"`
	RestartInterval   time.Duration `env:"RESTART_INTERVAL,default=200ms"`
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown LOG_LEVEL %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}
