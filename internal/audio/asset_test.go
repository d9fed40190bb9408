package audio

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestWAV(t *testing.T, name string, format Format, frames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	data := make([]byte, frames*format.BlockAlign())
	require.NoError(t, WriteWAVFile(path, format, data))
	return path
}

func TestOpenValidWAV(t *testing.T) {
	path := writeTestWAV(t, "alert.wav", Format{NumChannels: 1, SampleRate: 8000, BitsPerSample: 16}, 16000)

	a, err := Open(path)
	require.NoError(t, err)

	assert.Equal(t, 1, a.Channels)
	assert.Equal(t, 16, a.SampleWidthBits)
	assert.Equal(t, 8000, a.SampleRateHz)
	assert.Equal(t, int64(16000), a.FrameCount)
	assert.InDelta(t, 2.0, a.DurationSeconds(), 1e-9)
	assert.Empty(t, a.Validate())
	assert.True(t, filepath.IsAbs(a.Path))
}

func TestDurationMatchesFrameCount(t *testing.T) {
	cases := []struct {
		rate   uint32
		frames int
	}{
		{8000, 1},
		{16000, 12345},
		{44100, 44100},
		{22050, 7},
	}
	for _, tc := range cases {
		path := writeTestWAV(t, "clip.wav", Format{NumChannels: 1, SampleRate: tc.rate, BitsPerSample: 16}, tc.frames)
		a, err := Open(path)
		require.NoError(t, err)
		assert.Equal(t, float64(a.FrameCount)/float64(a.SampleRateHz), a.DurationSeconds())
	}
}

func TestDurationZeroRate(t *testing.T) {
	path := writeTestWAV(t, "zero.wav", Format{NumChannels: 1, SampleRate: 0, BitsPerSample: 16}, 100)
	a, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 0.0, a.DurationSeconds())
	assert.Zero(t, a.Duration())
}

func TestOpenNotFound(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.wav"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOpenInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.wav")
	require.NoError(t, os.WriteFile(path, []byte("this is not a wav file"), 0o644))

	_, err := Open(path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadable))
}

func TestValidateWarnings(t *testing.T) {
	path := writeTestWAV(t, "stereo.wav", Format{NumChannels: 2, SampleRate: 22050, BitsPerSample: 8}, 100)
	a, err := Open(path)
	require.NoError(t, err)

	warnings := a.Validate()
	require.Len(t, warnings, 3)
	assert.Contains(t, string(warnings[0]), "8-bit")
	assert.Contains(t, string(warnings[1]), "2 channels")
	assert.Contains(t, string(warnings[2]), "22050 Hz")
}

func TestWriterRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec.wav")
	w, err := CreateWAV(path, 8000)
	require.NoError(t, err)

	samples := make([]int16, 160)
	for i := range samples {
		samples[i] = int16(i * 10)
	}
	require.NoError(t, w.WriteSamples(samples))
	require.NoError(t, w.WriteSamples(samples))
	assert.Equal(t, int64(320), w.Frames())
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	f, err := ReadWAVFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(8000), f.SampleRate)
	assert.Equal(t, int64(320), f.FrameCount())
	assert.Equal(t, samples, BytesToSamples(f.PCMData)[:160])
}
