package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	// JSON format is recommended for production; text for development
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// NoColor disables ANSI colors in text output
	NoColor bool
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for correlation ids.
	RequestIDKey ContextKey = "request_id"

	// OriginKey is the context key for the requesting page origin.
	OriginKey ContextKey = "origin"

	// ChannelKey is the context key for the port name.
	ChannelKey ContextKey = "channel"
)

const redacted = "[REDACTED]"

// sensitiveKeys are attribute keys whose values are never logged.
var sensitiveKeys = map[string]bool{
	"password":    true,
	"passwd":      true,
	"secret":      true,
	"token":       true,
	"private_key": true,
	"privatekey":  true,
	"api_key":     true,
}

// secretPatterns catch secrets embedded in free-form strings.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(private[_-]?key|secret|password)[\s:=]+["']?([^\s"']{8,})["']?`),
	regexp.MustCompile(`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`),
}

// NewLogger creates a slog logger with the given configuration.
//
// If config.Output is nil, logs are written to os.Stderr.
// If config.Level is empty or invalid, defaults to "info".
// If config.Format is empty, defaults to "json".
//
// Example:
//
//	logger := observability.NewLogger(observability.LogConfig{
//	    Level:  "debug",
//	    Format: "text",
//	})
//	slog.SetDefault(logger)
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	level := LogLevelFromString(config.Level)

	var handler slog.Handler
	switch strings.ToLower(config.Format) {
	case "text", "tint", "console":
		if !isTerminal(config.Output) {
			config.NoColor = true
		}
		handler = tint.NewHandler(config.Output, &tint.Options{
			Level:       level,
			AddSource:   config.AddSource,
			ReplaceAttr: redactAttr,
			TimeFormat:  time.Kitchen,
			NoColor:     config.NoColor,
		})
	default:
		handler = slog.NewJSONHandler(config.Output, &slog.HandlerOptions{
			Level:       level,
			AddSource:   config.AddSource,
			ReplaceAttr: redactAttr,
		})
	}
	return slog.New(&contextHandler{Handler: handler})
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// redactAttr is a ReplaceAttr hook that hides sensitive values.
func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	key := strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))
	if sensitiveKeys[key] {
		return slog.String(attr.Key, redacted)
	}
	switch attr.Value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, RedactString(attr.Value.String()))
	case slog.KindAny:
		if err, ok := attr.Value.Any().(error); ok {
			return slog.String(attr.Key, RedactString(err.Error()))
		}
	}
	return attr
}

// RedactString masks secrets embedded in s.
func RedactString(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "${1}="+redacted)
	}
	return s
}

// contextHandler copies well-known context values onto every record.
type contextHandler struct {
	slog.Handler
}

func (h *contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if ctx != nil {
		for _, key := range []ContextKey{RequestIDKey, OriginKey, ChannelKey} {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				record.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	return h.Handler.Handle(ctx, record)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// AddRequestID adds a correlation id to the context.
//
// Example:
//
//	ctx := observability.AddRequestID(ctx, "r1")
//	logger.InfoContext(ctx, "routing") // includes request_id=r1
func AddRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// AddOrigin adds a page origin to the context.
func AddOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, OriginKey, origin)
}

// AddChannel adds a port name to the context.
func AddChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ChannelKey, channel)
}

// GetRequestID retrieves the correlation id from the context.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
