package logger

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
	assert.False(t, ValidLevel("bogus"))
	assert.True(t, ValidLevel("Trace"))
}

func TestLevelNameRoundTrip(t *testing.T) {
	for _, l := range []slog.Level{LevelTrace, slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		assert.Equal(t, l, ParseLevel(LevelName(l)))
	}
}

func TestHandlerFormatAndFilter(t *testing.T) {
	SetLevel("info")
	t.Cleanup(func() { SetLevel("info") })

	var buf bytes.Buffer
	log := New(&buf).With("call_id", "abc")
	log.Debug("[Caller] hidden")
	log.Info("[Caller] Call answered", "code", 200)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] [Caller] Call answered call_id=abc code=200")

	buf.Reset()
	SetLevel("trace")
	assert.Equal(t, "trace", GetLevel())
	log.Log(context.Background(), LevelTrace, "wire")
	assert.Contains(t, buf.String(), "[TRACE] wire")
}

func TestJSONParsingWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONParsingWriter(&buf)

	line := []byte(`{"level":"debug","message":"UDP listening","time":"2026-01-02T03:04:05Z","addr":"0.0.0.0:5060"}` + "\n")
	n, err := w.Write(line)
	assert.NoError(t, err)
	assert.Equal(t, len(line), n)
	assert.Equal(t, "[03:04:05] [DEBUG] UDP listening addr=0.0.0.0:5060\n", buf.String())

	buf.Reset()
	_, _ = w.Write([]byte("plain text\n"))
	assert.Equal(t, "plain text\n", buf.String())
}
