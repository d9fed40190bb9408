package caller

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/sebas/sipcaller/internal/engine"
	"github.com/sebas/sipcaller/internal/logger"
)

// DefaultLogCapacity is how many engine lines a LogRouter retains.
const DefaultLogCapacity = 1000

// LogRouter forwards engine log lines into slog and keeps the most recent
// ones for the call report. It is called on engine goroutines.
type LogRouter struct {
	log *slog.Logger

	mu    sync.Mutex
	ring  []string
	next  int
	count int
}

// NewLogRouter returns a router retaining up to capacity lines.
func NewLogRouter(log *slog.Logger, capacity int) *LogRouter {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	if log == nil {
		log = slog.Default()
	}
	return &LogRouter{log: log, ring: make([]string, capacity)}
}

// EngineLevel maps an engine level (1 error .. 6 wire) onto slog.
func EngineLevel(level int) slog.Level {
	switch level {
	case 1:
		return slog.LevelError
	case 2:
		return slog.LevelWarn
	case 3:
		return slog.LevelInfo
	case 4:
		return slog.LevelDebug
	case 5, 6:
		return logger.LevelTrace
	default:
		return slog.LevelDebug
	}
}

// Write implements engine.LogSink.
func (r *LogRouter) Write(entry engine.LogEntry) {
	msg := strings.TrimRight(entry.Message, "\r\n")
	if strings.TrimSpace(msg) == "" {
		return
	}

	r.mu.Lock()
	r.ring[r.next] = msg
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
	r.mu.Unlock()

	r.log.Log(context.Background(), EngineLevel(entry.Level), "[Engine] "+msg)
}

// Messages returns the retained lines, oldest first.
func (r *LogRouter) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, r.count)
	start := (r.next - r.count + len(r.ring)) % len(r.ring)
	for i := 0; i < r.count; i++ {
		out = append(out, r.ring[(start+i)%len(r.ring)])
	}
	return out
}

var _ engine.LogSink = (*LogRouter)(nil)
