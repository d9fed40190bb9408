// Package audio handles the WAV clips played into and recorded from calls:
// asset inspection, PCM conversion and G.711 coding.
package audio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrNotFound indicates the audio file does not exist.
	ErrNotFound = errors.New("audio file not found")

	// ErrUnreadable indicates the file exists but is not a parseable WAV.
	ErrUnreadable = errors.New("audio file unreadable")
)

// TypicalSampleRates are the rates accepted without a warning.
var TypicalSampleRates = []int{8000, 16000, 44100, 48000}

// Warning is a non-fatal diagnostic produced by Asset.Validate.
type Warning string

// Asset describes a playable WAV clip. It is immutable once opened.
type Asset struct {
	Path            string
	Channels        int
	SampleWidthBits int
	SampleRateHz    int
	FrameCount      int64
}

// Open inspects the WAV file at path without loading its audio data.
func Open(path string) (*Asset, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	st, err := os.Stat(abs)
	if err != nil || st.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, abs)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, abs, err)
	}
	defer f.Close()

	format, size, err := readHeader(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, abs, err)
	}

	dataStart, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, abs, err)
	}
	avail := st.Size() - dataStart
	dataLen := int64(size)
	if size == 0 || size == 0xFFFFFFFF || dataLen > avail {
		dataLen = avail
	}

	a := &Asset{
		Path:            abs,
		Channels:        int(format.NumChannels),
		SampleWidthBits: int(format.BitsPerSample),
		SampleRateHz:    int(format.SampleRate),
	}
	if ba := format.BlockAlign(); ba > 0 {
		a.FrameCount = dataLen / int64(ba)
	}
	return a, nil
}

// DurationSeconds returns FrameCount / SampleRateHz, or 0 when the rate is 0.
func (a *Asset) DurationSeconds() float64 {
	if a.SampleRateHz == 0 {
		return 0
	}
	return float64(a.FrameCount) / float64(a.SampleRateHz)
}

// Duration is DurationSeconds as a time.Duration.
func (a *Asset) Duration() time.Duration {
	return time.Duration(a.DurationSeconds() * float64(time.Second))
}

// Validate reports formats that play poorly over a call. Playback proceeds
// regardless of the result.
func (a *Asset) Validate() []Warning {
	var warnings []Warning
	if a.SampleWidthBits != 16 {
		warnings = append(warnings, Warning(fmt.Sprintf("WAV sample width is %d-bit, expected 16-bit PCM", a.SampleWidthBits)))
	}
	if a.Channels != 1 {
		warnings = append(warnings, Warning(fmt.Sprintf("WAV has %d channels, expected mono", a.Channels)))
	}
	if !slices.Contains(TypicalSampleRates, a.SampleRateHz) {
		warnings = append(warnings, Warning(fmt.Sprintf("WAV sample rate is %d Hz, typical SIP rates: 8000 or 16000 Hz", a.SampleRateHz)))
	}
	return warnings
}

// String summarises the asset for log lines.
func (a *Asset) String() string {
	return fmt.Sprintf("%s (%.1fs, %dHz, %dch, %dbit)",
		filepath.Base(a.Path), a.DurationSeconds(), a.SampleRateHz, a.Channels, a.SampleWidthBits)
}
