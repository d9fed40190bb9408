package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LevelTrace sits below debug and carries the engine's most verbose output.
const LevelTrace = slog.LevelDebug - 4

var (
	globalLevel  = slog.LevelInfo
	handlerMutex sync.RWMutex
)

// JSONParsingWriter wraps an io.Writer and converts JSON logs to our format
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter returns a writer that reformats JSON lines (as sipgo's
// zerolog output produces) before passing them to w.
func NewJSONParsingWriter(w io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: w}
}

// Write implements io.Writer and parses JSON logs
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	line := string(p)

	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		var logEntry map[string]interface{}
		if err := json.Unmarshal(p, &logEntry); err == nil {
			level := "info"
			if lv, ok := logEntry["level"]; ok {
				level = fmt.Sprint(lv)
			}

			message := "unknown"
			if msg, ok := logEntry["message"]; ok {
				message = fmt.Sprint(msg)
			}

			timestamp := time.Now().Format("15:04:05")
			if t, ok := logEntry["time"]; ok {
				if ts, err := time.Parse(time.RFC3339, fmt.Sprint(t)); err == nil {
					timestamp = ts.Format("15:04:05")
				}
			}

			var attrs []string
			for k, v := range logEntry {
				if k != "level" && k != "message" && k != "time" && k != "caller" {
					attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
				}
			}

			formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, strings.ToUpper(level), message)
			if len(attrs) > 0 {
				formatted += " " + strings.Join(attrs, " ")
			}
			formatted += "\n"

			if _, err := w.base.Write([]byte(formatted)); err != nil {
				return 0, err
			}
			return len(p), nil
		}
	}

	// Not JSON or failed to parse, write as-is
	return w.base.Write(p)
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level := ParseLevel(levelStr)
	handlerMutex.Lock()
	defer handlerMutex.Unlock()
	globalLevel = level
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return LevelName(globalLevel)
}

// LevelName is the lowercase name ParseLevel accepts for level.
func LevelName(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return "trace"
	case level <= slog.LevelDebug:
		return "debug"
	case level <= slog.LevelInfo:
		return "info"
	case level <= slog.LevelWarn:
		return "warn"
	default:
		return "error"
	}
}

// ParseLevel parses a string to an slog level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ValidLevel reports whether ParseLevel recognises s.
func ValidLevel(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "debug", "info", "warn", "warning", "error", "":
		return true
	}
	return false
}

func levelLabel(level slog.Level) string {
	if level <= LevelTrace {
		return "TRACE"
	}
	return strings.ToUpper(level.String())
}

// customHandler supports multiple outputs with level filtering
type customHandler struct {
	outs  []io.Writer // Can write to multiple outputs (stdout, file, etc.)
	attrs []slog.Attr
	mu    *sync.Mutex
}

func format(record slog.Record, extra []slog.Attr) string {
	timestamp := record.Time.Format("15:04:05")
	message := record.Message

	var attrs []string
	for _, a := range extra {
		attrs = append(attrs, a.Key+"="+a.Value.String())
	}
	record.Attrs(func(a slog.Attr) bool {
		if a.Key != "time" && a.Key != "level" && a.Key != "msg" {
			attrs = append(attrs, a.Key+"="+a.Value.String())
		}
		return true
	})
	if len(attrs) > 0 {
		message = message + " " + strings.Join(attrs, " ")
	}
	return "[" + timestamp + "] [" + levelLabel(record.Level) + "] " + message + "\n"
}

// Handle implements slog.Handler
func (h *customHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	handlerMutex.RLock()
	if record.Level < globalLevel {
		handlerMutex.RUnlock()
		return nil
	}
	handlerMutex.RUnlock()

	formattedLog := format(record, h.attrs)
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write([]byte(formattedLog))
		}
	}
	return nil
}

// WithAttrs implements slog.Handler
func (h *customHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &customHandler{outs: h.outs, attrs: merged, mu: h.mu}
}

// WithGroup implements slog.Handler
func (h *customHandler) WithGroup(name string) slog.Handler {
	return h
}

// Enabled implements slog.Handler
func (h *customHandler) Enabled(ctx context.Context, level slog.Level) bool {
	handlerMutex.RLock()
	defer handlerMutex.RUnlock()
	return level >= globalLevel
}

// New returns a logger writing the bracketed text format to outputs without
// touching the default logger.
func New(outputs ...io.Writer) *slog.Logger {
	return slog.New(&customHandler{outs: outputs, mu: &sync.Mutex{}})
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) *slog.Logger {
	wrappedOutputs := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrappedOutputs[i] = NewJSONParsingWriter(out)
	}

	logger := New(wrappedOutputs...)
	slog.SetDefault(logger)
	return logger
}
