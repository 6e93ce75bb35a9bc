// Package telemetry wires the structured logger, metrics, and tracing used
// throughout the engine, grounded on the teacher's
// internal/infrastructure/logger (slog) and the zerolog usage that
// dominates internal/application/executor/node_executors.go. zerolog is
// chosen as canonical here because it is the dependency the executor
// package actually imports on its hot path.
package telemetry

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/secflow/engine/internal/domain"
)

// Logger wraps a zerolog.Logger behind the domain.Logger interface so
// domain/orchestrator/runner code never imports zerolog directly.
type Logger struct {
	z zerolog.Logger
}

var _ domain.Logger = (*Logger)(nil)

// New builds a Logger writing to w (os.Stdout in production, a buffer in
// tests) with console formatting when pretty is true, matching the
// teacher's dev-vs-prod formatting split.
func New(w io.Writer, pretty bool) *Logger {
	if w == nil {
		w = os.Stdout
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	z := zerolog.New(w).With().Timestamp().Logger()
	return &Logger{z: z}
}

// With returns a child logger carrying the given contextual fields
// (run_id, node_ref, attempt), matching the teacher's per-execution
// logger enrichment pattern.
func (l *Logger) With(fields map[string]any) *Logger {
	ctx := l.z.With()
	for k, v := range Redact(fields) {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{z: ctx.Logger()}
}

func (l *Logger) Info(msg string, fields map[string]any) {
	ev := l.z.Info()
	attachFields(ev, fields)
	ev.Msg(msg)
}

func (l *Logger) Warn(msg string, fields map[string]any) {
	ev := l.z.Warn()
	attachFields(ev, fields)
	ev.Msg(msg)
}

func (l *Logger) Error(msg string, err error, fields map[string]any) {
	ev := l.z.Error().Err(err)
	attachFields(ev, fields)
	ev.Msg(msg)
}

func attachFields(ev *zerolog.Event, fields map[string]any) {
	for k, v := range Redact(fields) {
		ev.Interface(k, v)
	}
}
