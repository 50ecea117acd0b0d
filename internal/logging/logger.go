package logging

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	// Logger is the global structured logger instance
	Logger *slog.Logger
)

// Init initializes the global structured logger
func Init(level slog.Level) {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Format time as ISO8601
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339))
				}
			}
			return a
		},
	}

	handler := slog.NewJSONHandler(os.Stdout, opts)
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// ParseLevel converts a string log level to slog.Level
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RedactURL removes secrets from URL logs while retaining debugging value.
// It strips userinfo and masks query parameter values.
func RedactURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed == nil {
		return rawURL
	}

	parsed.User = nil

	if parsed.RawQuery != "" {
		query := parsed.Query()
		for key := range query {
			query.Set(key, "***")
		}
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// LogTaskRegistered logs a task entering the registry
func LogTaskRegistered(taskID, url string) {
	if Logger == nil {
		return
	}
	Logger.Info("task registered",
		"event", "task_registered",
		"task_id", taskID,
		"url", RedactURL(url))
}

// LogTaskProgress logs a non-terminal progress sample
func LogTaskProgress(taskID string, percent int, downloaded, total int64) {
	if Logger == nil {
		return
	}
	Logger.Debug("task progress",
		"event", "task_progress",
		"task_id", taskID,
		"percent", percent,
		"bytes_downloaded", downloaded,
		"bytes_total", total)
}

// LogTaskComplete logs terminal success; source is "poll" or "signal"
func LogTaskComplete(taskID, path, source string) {
	if Logger == nil {
		return
	}
	Logger.Info("task complete",
		"event", "task_complete",
		"task_id", taskID,
		"path", path,
		"source", source)
}

// LogTaskError logs a terminal failure
func LogTaskError(taskID, source string, err error) {
	if Logger == nil {
		return
	}
	Logger.Error("task failed",
		"event", "task_error",
		"task_id", taskID,
		"source", source,
		"error", err)
}

// LogTaskReleased logs a task released after its consumer went away
func LogTaskReleased(taskID string) {
	if Logger == nil {
		return
	}
	Logger.Info("task released",
		"event", "task_released",
		"task_id", taskID)
}

// LogQueryError logs a transient failure talking to the engine
func LogQueryError(taskID string, attempt int, err error) {
	if Logger == nil {
		return
	}
	Logger.Warn("status query failed",
		"event", "query_error",
		"task_id", taskID,
		"attempt", attempt,
		"error", err)
}

// LogCompletionSignal logs an out-of-band completion notification
func LogCompletionSignal(taskID string, known bool) {
	if Logger == nil {
		return
	}
	Logger.Debug("completion signal",
		"event", "completion_signal",
		"task_id", taskID,
		"known", known)
}

// LogNotifier logs notification channel connection state
func LogNotifier(endpoint, state string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Warn("notifier "+state,
			"event", "notifier_"+state,
			"endpoint", RedactURL(endpoint),
			"error", err)
		return
	}
	Logger.Info("notifier "+state,
		"event", "notifier_"+state,
		"endpoint", RedactURL(endpoint))
}

// LogDBOperation logs database operations
func LogDBOperation(operation string, id int64, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error("database operation failed",
			"event", "db_operation_error",
			"operation", operation,
			"id", id,
			"error", err)
	} else {
		Logger.Info("database operation",
			"event", "db_operation",
			"operation", operation,
			"id", id)
	}
}

// LogDBCreate logs database record creation
func LogDBCreate(id int64, taskID, url, status string) {
	if Logger == nil {
		return
	}
	Logger.Info("database record created",
		"event", "db_create",
		"id", id,
		"task_id", taskID,
		"url", RedactURL(url),
		"status", status)
}

// LogDBUpdate logs database updates
func LogDBUpdate(operation string, taskID string, fields map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "db_update",
		"operation", operation,
		"task_id", taskID,
	}
	for k, v := range fields {
		if strings.EqualFold(k, "url") {
			if urlValue, ok := v.(string); ok {
				v = RedactURL(urlValue)
			}
		}
		attrs = append(attrs, k, v)
	}
	Logger.Debug("database updated", attrs...)
}

// LogHTTPRequest logs HTTP request handling
func LogHTTPRequest(method, path, remoteAddr string, duration time.Duration, status int, responseBytes int) {
	if Logger == nil {
		return
	}
	Logger.Info("http request",
		"event", "http_request",
		"method", method,
		"path", path,
		"remote_addr", remoteAddr,
		"duration_ms", duration.Milliseconds(),
		"status", status,
		"response_bytes", responseBytes)
}

// LogServerStart logs server startup
func LogServerStart(addr string, config map[string]any) {
	if Logger == nil {
		return
	}
	attrs := []any{
		"event", "server_start",
		"addr", addr,
	}
	for k, v := range config {
		attrs = append(attrs, k, v)
	}
	Logger.Info("server started", attrs...)
}

// LogServerShutdown logs server shutdown events
func LogServerShutdown(msg string, err error) {
	if Logger == nil {
		return
	}
	if err != nil {
		Logger.Error(msg,
			"event", "server_shutdown_error",
			"error", err)
	} else {
		Logger.Info(msg,
			"event", "server_shutdown")
	}
}

// With returns a logger with additional context
func With(ctx context.Context, attrs ...any) *slog.Logger {
	if Logger == nil {
		return slog.Default()
	}
	return Logger.With(attrs...)
}
