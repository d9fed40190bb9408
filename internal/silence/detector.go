// Package silence detects a continuous run of low-energy audio on a call's
// receive path.
//
// A Detector is fed raw 16-bit PCM frames (about 20 ms each) by the media
// engine. Once every frame for RequiredDuration has an RMS below the
// threshold, the detector triggers exactly once and ignores further frames.
package silence

import (
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sebas/sipcaller/internal/audio"
)

const (
	// DefaultThreshold is the RMS level (16-bit PCM scale) below which a
	// frame counts as silence.
	DefaultThreshold = 200

	// DefaultStatsInterval is how often buffered RMS values are summarised.
	DefaultStatsInterval = 500 * time.Millisecond
)

// Stats summarises the RMS values seen since the previous summary.
type Stats struct {
	Count  int
	Mean   float64
	Median float64
	StdDev float64
}

// Detector implements the engine's frame handler contract.
type Detector struct {
	threshold     int
	required      time.Duration
	statsInterval time.Duration
	now           func() time.Time
	log           *slog.Logger

	mu           sync.Mutex
	silenceStart time.Time
	inRun        bool
	lastLog      time.Time
	rmsBuf       []int
	lastStats    Stats
	triggered    bool

	done chan struct{}
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets the RMS silence threshold.
func WithThreshold(threshold int) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger used for RMS summaries.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.log = l }
}

// WithStatsInterval sets how often RMS summaries are emitted.
func WithStatsInterval(interval time.Duration) Option {
	return func(d *Detector) { d.statsInterval = interval }
}

// New returns a detector that triggers after required of continuous silence.
func New(required time.Duration, opts ...Option) *Detector {
	d := &Detector{
		threshold:     DefaultThreshold,
		required:      required,
		statsInterval: DefaultStatsInterval,
		now:           time.Now,
		log:           slog.Default(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnFrame consumes one frame of little-endian 16-bit PCM.
func (d *Detector) OnFrame(frame []byte) {
	samples := audio.BytesToSamples(frame)
	if len(samples) == 0 {
		return
	}
	rms := audio.RMS(samples)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.triggered {
		return
	}

	now := d.now()
	if d.lastLog.IsZero() {
		d.lastLog = now
	}
	d.rmsBuf = append(d.rmsBuf, rms)

	if rms < d.threshold {
		if !d.inRun {
			d.inRun = true
			d.silenceStart = now
		} else if now.Sub(d.silenceStart) >= d.required {
			d.flushLocked(now, "Silence detected")
			d.log.Info("[Silence] Silence threshold reached",
				"duration", d.required,
				"last_rms", rms,
			)
			d.triggered = true
			close(d.done)
			return
		}
	} else {
		d.inRun = false
	}

	if now.Sub(d.lastLog) >= d.statsInterval {
		d.flushLocked(now, "Audio activity")
	}
}

// flushLocked logs the buffered RMS summary and resets the buffer.
func (d *Detector) flushLocked(now time.Time, label string) {
	if len(d.rmsBuf) == 0 {
		return
	}
	d.lastStats = summarize(d.rmsBuf)
	d.log.Info("[Silence] "+label,
		"n", d.lastStats.Count,
		"avg", int(math.Round(d.lastStats.Mean)),
		"med", int(math.Round(d.lastStats.Median)),
		"std", int(math.Round(d.lastStats.StdDev)),
	)
	d.rmsBuf = d.rmsBuf[:0]
	d.lastLog = now
}

// Done is closed when the detector triggers.
func (d *Detector) Done() <-chan struct{} {
	return d.done
}

// Triggered reports whether the silence run has completed.
func (d *Detector) Triggered() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggered
}

// LastStats returns the most recent RMS summary.
func (d *Detector) LastStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastStats
}

// Required returns the silence duration the detector waits for.
func (d *Detector) Required() time.Duration {
	return d.required
}

func summarize(values []int) Stats {
	n := len(values)
	st := Stats{Count: n}

	var sum float64
	for _, v := range values {
		sum += float64(v)
	}
	st.Mean = sum / float64(n)

	sorted := slices.Clone(values)
	slices.Sort(sorted)
	if n%2 == 1 {
		st.Median = float64(sorted[n/2])
	} else {
		st.Median = float64(sorted[n/2-1]+sorted[n/2]) / 2
	}

	if n > 1 {
		var sq float64
		for _, v := range values {
			diff := float64(v) - st.Mean
			sq += diff * diff
		}
		st.StdDev = math.Sqrt(sq / float64(n-1))
	}
	return st
}
