package worker

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/hibiken/asynq"
)

// NewLogger builds the process logger. level is one of debug, info, warn or
// error (anything else is info); format "json" selects JSON output, anything
// else text.
func NewLogger(level, format string) *slog.Logger {
	return newLogger(os.Stdout, level, format)
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}

	var handler slog.Handler = slog.NewTextHandler(w, opts)
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", "colloquium")
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// taskLogger scopes a logger to the task being processed
func taskLogger(ctx context.Context, logger *slog.Logger, task *asynq.Task) *slog.Logger {
	l := logger.With("task_type", task.Type())
	if id, ok := asynq.GetTaskID(ctx); ok {
		l = l.With("task_id", id)
	}
	if n, ok := asynq.GetRetryCount(ctx); ok && n > 0 {
		l = l.With("retry_count", n)
	}
	return l
}
