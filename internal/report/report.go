// Package report renders the post-call JSON report.
//
// Reports are validated against an embedded JSON schema and written in
// RFC 8785 canonical form, so two runs with equal results produce equal bytes.
package report

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/sebas/sipcaller/internal/audio"
	"github.com/sebas/sipcaller/internal/caller"
)

//go:embed schema.json
var schemaJSON []byte

// ErrInvalid indicates a report that does not match the schema.
var ErrInvalid = errors.New("invalid call report")

// Report is the JSON document written after a call.
type Report struct {
	Timestamp         string   `json:"timestamp"`
	Destination       string   `json:"destination"`
	CallDuration      float64  `json:"call_duration"`
	Answered          bool     `json:"answered"`
	Success           bool     `json:"success"`
	Outcome           string   `json:"outcome"`
	DisconnectReason  string   `json:"disconnect_reason"`
	RecordingDuration float64  `json:"recording_duration"`
	Transcript        *string  `json:"transcript,omitempty"`
	EngineLog         []string `json:"engine_log"`
}

// FromResult builds a report. The recording duration is read from
// res.RecordPath, which must be complete (the caller stopped) by now.
func FromResult(res *caller.CallResult, engineLog []string) *Report {
	r := &Report{
		Timestamp:         res.CallStart.UTC().Format(time.RFC3339),
		Destination:       res.Destination,
		CallDuration:      seconds(res.CallDuration),
		Answered:          res.Answered,
		Success:           res.Success,
		Outcome:           res.Outcome.String(),
		DisconnectReason:  res.DisconnectReason,
		RecordingDuration: RecordingDuration(res.RecordPath),
		EngineLog:         engineLog,
	}
	if r.EngineLog == nil {
		r.EngineLog = []string{}
	}
	return r
}

// WithTranscript attaches the text of the recorded audio.
func (r *Report) WithTranscript(text string) *Report {
	r.Transcript = &text
	return r
}

// RecordingDuration returns the length of the WAV at path in seconds, or 0
// when path is empty or unreadable.
func RecordingDuration(path string) float64 {
	if path == "" {
		return 0
	}
	a, err := audio.Open(path)
	if err != nil {
		return 0
	}
	return round(a.DurationSeconds())
}

func seconds(d time.Duration) float64 { return round(d.Seconds()) }

func round(v float64) float64 { return math.Round(v*1000) / 1000 }

var compiled = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile report schema: %w", err)
	}
	return schema, nil
})

// Validate checks raw JSON against the report schema.
func Validate(data []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalid, result.Errors)
}

// Marshal encodes, validates and canonicalises r.
func Marshal(r *Report) ([]byte, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	if err := Validate(raw); err != nil {
		return nil, err
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize report: %w", err)
	}
	return out, nil
}

// Write marshals r into path, creating parent directories.
func Write(path string, r *Report) error {
	data, err := Marshal(r)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}
