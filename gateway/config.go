package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/agent-gateway/internal/platform/env"
)

type config struct {
	Addr              string
	MaxConcurrent     int
	MaxQueueDepth     int
	CancelGrace       time.Duration
	ShutdownGrace     time.Duration
	MaxWait           time.Duration
	Retention         time.Duration
	RetentionSweep    time.Duration
	AgentsConfig      string
	LogLevel          slog.Level
	LogFormat         string
	ResultInlineLimit int
}

func loadConfig() (config, error) {
	var cfg config
	var err error

	if cfg.MaxConcurrent, err = env.PositiveInt("MAX_CONCURRENT_EXECUTIONS", 2); err != nil {
		return config{}, err
	}
	port, err := env.Int("PORT", 8000)
	if err != nil {
		return config{}, err
	}
	cfg.Addr = net.JoinHostPort(env.String("HOST", ""), strconv.Itoa(port))
	if cfg.MaxQueueDepth, err = env.Int("MAX_QUEUE_DEPTH", -1); err != nil {
		return config{}, err
	}
	if cfg.CancelGrace, err = env.Duration("CANCEL_GRACE_PERIOD", 5*time.Second); err != nil {
		return config{}, err
	}
	if cfg.ShutdownGrace, err = env.Duration("SHUTDOWN_GRACE_PERIOD", 30*time.Second); err != nil {
		return config{}, err
	}
	if cfg.MaxWait, err = env.Duration("MAX_WAIT", 5*time.Minute); err != nil {
		return config{}, err
	}
	if cfg.Retention, err = env.Duration("RUN_RETENTION", time.Hour); err != nil {
		return config{}, err
	}
	if cfg.RetentionSweep, err = env.Duration("RUN_RETENTION_SWEEP", time.Minute); err != nil {
		return config{}, err
	}
	if cfg.ResultInlineLimit, err = env.PositiveInt("RESULT_INLINE_LIMIT", 1<<20); err != nil {
		return config{}, err
	}
	cfg.AgentsConfig = env.String("AGENTS_CONFIG", "")
	cfg.LogFormat = strings.ToLower(env.String("LOG_FORMAT", "json"))
	if err := cfg.LogLevel.UnmarshalText([]byte(env.String("LOG_LEVEL", "info"))); err != nil {
		return config{}, fmt.Errorf("parse LOG_LEVEL: %w", err)
	}
	if err := cfg.Validate(port); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) Validate(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be 1-65535, got %d", port)
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("MAX_CONCURRENT_EXECUTIONS must be > 0")
	}
	if c.CancelGrace <= 0 {
		return errors.New("CANCEL_GRACE_PERIOD must be positive")
	}
	if c.ShutdownGrace <= 0 {
		return errors.New("SHUTDOWN_GRACE_PERIOD must be positive")
	}
	if c.MaxWait <= 0 {
		return errors.New("MAX_WAIT must be positive")
	}
	if c.Retention < 0 || c.RetentionSweep < 0 {
		return errors.New("RUN_RETENTION and RUN_RETENTION_SWEEP must be >= 0")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	return nil
}

func newLogger(w io.Writer, format string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
