package sipua

import (
	"fmt"
	"strings"

	"github.com/sebas/sipcaller/internal/engine"
)

// engineLog formats native log lines and forwards the ones at or below the
// configured level to the endpoint's sink. Nothing in this package prints
// directly.
type engineLog struct {
	sink  engine.LogSink
	level int
}

func (l engineLog) logf(level int, component, format string, args ...any) {
	if l.sink == nil || level > l.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if component != "" {
		msg = fmt.Sprintf("%-14s %s", component, msg)
	}
	l.sink.Write(engine.LogEntry{Level: level, Message: msg + "\n"})
}

func (l engineLog) errorf(component, format string, args ...any) {
	l.logf(engine.LevelError, component, format, args...)
}

func (l engineLog) warnf(component, format string, args ...any) {
	l.logf(engine.LevelWarn, component, format, args...)
}

func (l engineLog) infof(component, format string, args ...any) {
	l.logf(engine.LevelInfo, component, format, args...)
}

func (l engineLog) debugf(component, format string, args ...any) {
	l.logf(engine.LevelDebug, component, format, args...)
}

func (l engineLog) tracef(component, format string, args ...any) {
	l.logf(engine.LevelTrace, component, format, args...)
}

// wire dumps a signaling message at the highest verbosity.
func (l engineLog) wire(direction, peer string, msg string) {
	if l.level < engine.LevelWire {
		return
	}
	l.logf(engine.LevelWire, "sip", "%s %s:\n%s", direction, peer, strings.TrimRight(msg, "\r\n"))
}
