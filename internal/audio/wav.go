package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	formatPCM        = 1
	formatExtensible = 0xFFFE
)

// Format describes the fmt chunk of a WAV file.
type Format struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	BitsPerSample uint16
}

// BlockAlign returns the size in bytes of one frame (all channels).
func (f Format) BlockAlign() int {
	return int(f.NumChannels) * int(f.BitsPerSample) / 8
}

// File is a fully loaded WAV file.
type File struct {
	Format
	PCMData []byte
}

// FrameCount returns the number of sample frames in PCMData.
func (f *File) FrameCount() int64 {
	if ba := f.BlockAlign(); ba > 0 {
		return int64(len(f.PCMData) / ba)
	}
	return 0
}

var errNoDataChunk = errors.New("data chunk not found in WAV file")

// readHeader walks the RIFF chunks up to the data chunk and returns the
// format plus the data chunk size. The reader is left positioned at the
// first byte of audio data.
func readHeader(r io.ReadSeeker) (Format, uint32, error) {
	var format Format

	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return format, 0, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" {
		return format, 0, fmt.Errorf("not a valid RIFF file")
	}
	if string(riff[8:12]) != "WAVE" {
		return format, 0, fmt.Errorf("not a valid WAVE file")
	}

	haveFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return format, 0, errNoDataChunk
			}
			return format, 0, fmt.Errorf("failed to read chunk header: %w", err)
		}
		chunkID := string(hdr[0:4])
		chunkSize := binary.LittleEndian.Uint32(hdr[4:8])

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return format, 0, fmt.Errorf("fmt chunk too short: %d bytes", chunkSize)
			}
			body := make([]byte, chunkSize)
			if _, err := io.ReadFull(r, body); err != nil {
				return format, 0, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			format.AudioFormat = binary.LittleEndian.Uint16(body[0:2])
			format.NumChannels = binary.LittleEndian.Uint16(body[2:4])
			format.SampleRate = binary.LittleEndian.Uint32(body[4:8])
			// bytes 8..14 are byte rate and block align
			format.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
			if format.AudioFormat != formatPCM && format.AudioFormat != formatExtensible {
				return format, 0, fmt.Errorf("only PCM audio format (1) is supported, got %d", format.AudioFormat)
			}
			if chunkSize%2 == 1 {
				if _, err := r.Seek(1, io.SeekCurrent); err != nil {
					return format, 0, fmt.Errorf("failed to skip pad byte: %w", err)
				}
			}
			haveFmt = true

		case "data":
			if !haveFmt {
				return format, 0, fmt.Errorf("data chunk before fmt chunk")
			}
			return format, chunkSize, nil

		default:
			skip := int64(chunkSize) + int64(chunkSize%2)
			if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
				return format, 0, fmt.Errorf("failed to skip chunk %q: %w", chunkID, err)
			}
		}
	}
}

// ReadWAVFile parses a WAV file and returns its format and PCM data.
func ReadWAVFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	format, size, err := readHeader(f)
	if err != nil {
		return nil, err
	}

	// Writers that never patched the header leave the size at 0 or 0xFFFFFFFF.
	var data []byte
	if size == 0 || size == 0xFFFFFFFF {
		data, err = io.ReadAll(f)
	} else {
		data = make([]byte, size)
		var n int
		n, err = io.ReadFull(f, data)
		if errors.Is(err, io.ErrUnexpectedEOF) {
			data, err = data[:n], nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data: %w", err)
	}

	return &File{Format: format, PCMData: data}, nil
}
