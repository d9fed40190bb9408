package caller

import (
	"fmt"
	"time"
)

// Outcome distinguishes the successful cases that CallResult.Success lumps
// together.
type Outcome int

const (
	// OutcomeNotAnswered means the call never reached the confirmed state.
	OutcomeNotAnswered Outcome = iota
	// OutcomeAnsweredNoPlayback means the call was answered but no audio
	// was played: media never became ready, or the remote party hung up
	// before playback started.
	OutcomeAnsweredNoPlayback
	// OutcomePlayed means playback started at least once.
	OutcomePlayed
)

// String returns the string representation of Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNotAnswered:
		return "not_answered"
	case OutcomeAnsweredNoPlayback:
		return "answered_no_playback"
	case OutcomePlayed:
		return "played"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// CallResult is the outcome of one MakeCall. It is never modified after
// MakeCall returns.
type CallResult struct {
	Destination string
	URI         string

	Success  bool
	Answered bool
	Outcome  Outcome

	CallStart    time.Time
	CallEnd      time.Time
	CallDuration time.Duration

	DisconnectReason string

	// PlaybackPasses is how many repeats were started.
	PlaybackPasses int
	// SilenceDetected reports whether the silence wait ended on a trigger.
	SilenceDetected bool
	// RecordPath is the WAV file receiving remote audio, if any.
	RecordPath string
}

// resultBuilder keeps CallDuration equal to CallEnd - CallStart.
type resultBuilder struct {
	res CallResult
	now func() time.Time
}

func (b *resultBuilder) finish(success, answered bool, outcome Outcome, reason string) *CallResult {
	r := b.res
	r.Success = success
	r.Answered = answered
	r.Outcome = outcome
	r.DisconnectReason = reason
	r.CallEnd = b.now()
	r.CallDuration = r.CallEnd.Sub(r.CallStart)
	return &r
}
