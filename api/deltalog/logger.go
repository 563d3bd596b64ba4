// Package deltalog provides the structured logger used across the target:
// a small wrapper over log/slog that attaches a run id and a location code
// to every entry, with a choice of pretty (development), JSON (production)
// or plain-text output selected once at process start.
package deltalog

import (
	"log/slog"
	"os"
	"sync"

	"github.com/Marlliton/slogpretty"
	"github.com/google/uuid"
)

// Format selects the slog handler backing the logger.
type Format int

const (
	FormatPretty Format = iota
	FormatJSON
	FormatText
)

const (
	LOC_LOG_INIT = "DLT_LOG_001"
)

var (
	prettyLogger *slog.Logger
	jsonLogger   *slog.Logger
	textLogger   *slog.Logger

	prettyOnce sync.Once
	jsonOnce   sync.Once
	textOnce   sync.Once
)

// ParseFormat maps a config string ("pretty", "json", "text") to a Format,
// defaulting to pretty for anything unrecognized.
func ParseFormat(s string) Format {
	switch s {
	case "json":
		return FormatJSON
	case "text":
		return FormatText
	default:
		return FormatPretty
	}
}

func handlerFor(f Format) *slog.Logger {
	switch f {
	case FormatJSON:
		jsonOnce.Do(func() {
			jsonLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
		})
		return jsonLogger
	case FormatText:
		textOnce.Do(func() {
			textLogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
		})
		return textLogger
	default:
		prettyOnce.Do(func() {
			// Source: https://github.com/Marlliton/slogpretty
			prettyLogger = slog.New(slogpretty.New(os.Stdout, nil))
		})
		return prettyLogger
	}
}

// Logger wraps *slog.Logger with a run id attached to every record, so a
// single pipeline run's entries can be grepped out of a shared log stream.
type Logger struct {
	base  *slog.Logger
	runID string
}

// New builds a Logger using the handler selected by format.
func New(format Format) *Logger {
	return &Logger{base: handlerFor(format), runID: generateRunID()}
}

func generateRunID() string {
	return "r-" + uuid.New().String()[:8]
}

// With returns a child logger carrying the same run id plus the given
// static attributes (e.g. a TableID) on every subsequent call.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...), runID: l.runID}
}

func (l *Logger) attrs(loc string, args []any) []any {
	out := make([]any, 0, len(args)+4)
	out = append(out, "run", l.runID)
	if loc != "" {
		out = append(out, "loc", loc)
	}
	out = append(out, args...)
	return out
}

// Info logs at Info level with an attached location code.
func (l *Logger) Info(loc, msg string, args ...any) {
	l.base.Info(msg, l.attrs(loc, args)...)
}

// Warn logs at Warn level; used for best-effort failures that are never
// fatal (cleanup, per-table error reporting).
func (l *Logger) Warn(loc, msg string, args ...any) {
	l.base.Warn(msg, l.attrs(loc, args)...)
}

// Error logs at Error level.
func (l *Logger) Error(loc, msg string, args ...any) {
	l.base.Error(msg, l.attrs(loc, args)...)
}

// Debug logs at Debug level.
func (l *Logger) Debug(loc, msg string, args ...any) {
	l.base.Debug(msg, l.attrs(loc, args)...)
}
