package hooks

import (
	"context"
	"log/slog"
	"time"
)

// LoggerHook implements statement logging
type LoggerHook struct {
	logger        *slog.Logger
	logAll        bool
	slowThreshold time.Duration
}

// NewLoggerHook creates a new logger hook
func NewLoggerHook(logger *slog.Logger, logAll bool, slowThreshold time.Duration) *LoggerHook {
	return &LoggerHook{
		logger:        logger,
		logAll:        logAll,
		slowThreshold: slowThreshold,
	}
}

// BeforeStatement is called before a statement is executed
func (h *LoggerHook) BeforeStatement(ctx context.Context, event *StatementEvent) context.Context {
	return ctx
}

// AfterStatement is called after a statement is executed
func (h *LoggerHook) AfterStatement(ctx context.Context, event *StatementEvent) {
	duration := time.Since(event.StartTime)

	// Skip if not logging all and not slow
	if !h.logAll && (h.slowThreshold == 0 || duration < h.slowThreshold) {
		return
	}

	sql := truncate(event.SQL)

	attrs := []slog.Attr{
		slog.Duration("duration", duration),
		slog.String("operation", OperationType(event.SQL)),
	}

	if h.logAll {
		attrs = append(attrs, slog.String("query", sql))
	}

	if event.Err != nil {
		attrs = append(attrs, slog.String("error", event.Err.Error()))
		h.logger.LogAttrs(ctx, slog.LevelError, "database statement failed", attrs...)
	} else if h.slowThreshold > 0 && duration >= h.slowThreshold {
		attrs = append(attrs, slog.String("query", sql))
		h.logger.LogAttrs(ctx, slog.LevelWarn, "slow database statement", attrs...)
	} else if h.logAll {
		h.logger.LogAttrs(ctx, slog.LevelDebug, "database statement", attrs...)
	}
}
