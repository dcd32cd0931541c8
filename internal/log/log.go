// SPDX-License-Identifier: MIT

// Package log provides structured logging construction for the reconciliation
// engine. It only builds loggers; wiring a sink (file, syslog, collector)
// is the embedding application's job.
package log

import (
	"context"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Config controls how the base logger is constructed.
type Config struct {
	Level   string // "debug", "info", "warn", "error"
	Output  io.Writer
	Service string
}

// New builds a zerolog.Logger from Config. A zero Config produces an "info"
// level logger writing JSON to stdout, tagged with service="reconciler".
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	service := cfg.Service
	if service == "" {
		service = "reconciler"
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

type ctxKey string

const (
	runIDKey    ctxKey = "run_id"
	seriesIDKey ctxKey = "series_id"
)

// ContextWithRunID stores a run identifier in ctx for log enrichment.
func ContextWithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// ContextWithSeriesID stores a series identifier in ctx for log enrichment.
func ContextWithSeriesID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, seriesIDKey, id)
}

// WithContext enriches logger with any run/series identifiers found in ctx.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	if ctx == nil {
		return logger
	}
	builder := logger.With()
	added := false
	if rid, ok := ctx.Value(runIDKey).(string); ok && rid != "" {
		builder = builder.Str("run_id", rid)
		added = true
	}
	if sid, ok := ctx.Value(seriesIDKey).(int); ok {
		builder = builder.Int("series_id", sid)
		added = true
	}
	if !added {
		return logger
	}
	return builder.Logger()
}
