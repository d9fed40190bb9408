package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

const wavHeaderSize = 44

// Writer streams mono 16-bit PCM into a WAV file. The RIFF and data sizes
// are patched on Close.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	format  Format
	written uint32
	closed  bool
}

// CreateWAV creates (or truncates) path and writes a placeholder header.
func CreateWAV(path string, sampleRate int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create WAV file: %w", err)
	}
	w := &Writer{
		f: f,
		format: Format{
			AudioFormat:   formatPCM,
			NumChannels:   1,
			SampleRate:    uint32(sampleRate),
			BitsPerSample: 16,
		},
	}
	if err := writeHeader(f, w.format, 0); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteSamples appends samples to the data chunk.
func (w *Writer) WriteSamples(samples []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return os.ErrClosed
	}
	n, err := w.f.Write(SamplesToBytes(samples))
	w.written += uint32(n)
	return err
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(w.written / 2)
}

// Close finalises the header and closes the file. Safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		w.f.Close()
		return fmt.Errorf("failed to rewind WAV file: %w", err)
	}
	if err := writeHeader(w.f, w.format, w.written); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func writeHeader(out io.Writer, format Format, dataSize uint32) error {
	var hdr [wavHeaderSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+dataSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], format.AudioFormat)
	binary.LittleEndian.PutUint16(hdr[22:24], format.NumChannels)
	binary.LittleEndian.PutUint32(hdr[24:28], format.SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], format.SampleRate*uint32(format.BlockAlign()))
	binary.LittleEndian.PutUint16(hdr[32:34], uint16(format.BlockAlign()))
	binary.LittleEndian.PutUint16(hdr[34:36], format.BitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)
	if _, err := out.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write WAV header: %w", err)
	}
	return nil
}

// WriteWAVFile writes a complete WAV file with the given format and raw data.
func WriteWAVFile(path string, format Format, data []byte) error {
	if format.AudioFormat == 0 {
		format.AudioFormat = formatPCM
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create WAV file: %w", err)
	}
	defer f.Close()
	if err := writeHeader(f, format, uint32(len(data))); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write audio data: %w", err)
	}
	return nil
}
