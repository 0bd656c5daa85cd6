package monitoring

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger provides structured logging with domain helpers
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// ParseLevel maps a LOG_LEVEL value to a slog level, defaulting to info
func ParseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a JSON logger writing to out (stderr when nil)
func NewLogger(out io.Writer, level string) *Logger {
	if out == nil {
		out = os.Stderr
	}
	lv := new(slog.LevelVar)
	lv.Set(ParseLevel(level))

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     lv,
		AddSource: lv.Level() == slog.LevelDebug,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{
					Key:   "timestamp",
					Value: slog.StringValue(a.Value.Time().Format(time.RFC3339)),
				}
			}
			return a
		},
	})

	return &Logger{
		Logger: slog.New(handler),
		level:  lv,
	}
}

// SetLevel changes the logging level in place
func (l *Logger) SetLevel(level slog.Level) {
	l.level.Set(level)
}

// RequestLogger logs HTTP request details
func (l *Logger) RequestLogger(method, path, ip, userAgent string, statusCode int, duration time.Duration) {
	level := slog.LevelInfo
	if statusCode >= 500 {
		level = slog.LevelError
	}
	l.Log(context.Background(), level, "HTTP Request",
		"method", method,
		"path", path,
		"ip", ip,
		"user_agent", userAgent,
		"status_code", statusCode,
		"duration_ms", duration.Milliseconds(),
	)
}

// RunLogger logs the summary of a scoring run
func (l *Logger) RunLogger(runID, rubricVersion string, motions, voteScores, orphans, driftEvents, skipped int, duration time.Duration) {
	l.Info("Scoring Run Completed",
		"run_id", runID,
		"rubric_version", rubricVersion,
		"motions", motions,
		"vote_scores", voteScores,
		"orphans", orphans,
		"drift_events", driftEvents,
		"skipped", skipped,
		"duration_ms", duration.Milliseconds(),
	)
}

// DriftLogger logs one drift event
func (l *Logger) DriftLogger(official, axis string, prior, current, deviation float64) {
	l.Warn("Drift Event",
		"official", official,
		"axis", axis,
		"prior_average", prior,
		"current_average", current,
		"deviation", deviation,
	)
}

// SystemLogger logs system-level events
func (l *Logger) SystemLogger(event, details string) {
	l.Info("System Event",
		"event", event,
		"details", details,
		"uptime", time.Since(startTime).String(),
	)
}

var startTime = time.Now()
