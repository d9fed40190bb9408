package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// RTP static payload types for G.711.
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// Codec encodes and decodes one G.711 variant.
type Codec struct {
	Name        string
	PayloadType uint8
	ClockRate   int
}

var (
	// CodecPCMU is G.711 µ-law (North America, Japan)
	CodecPCMU = Codec{Name: "PCMU", PayloadType: PayloadPCMU, ClockRate: 8000}

	// CodecPCMA is G.711 A-law (Europe, rest of world)
	CodecPCMA = Codec{Name: "PCMA", PayloadType: PayloadPCMA, ClockRate: 8000}
)

// CodecForPayloadType returns the G.711 codec for pt.
func CodecForPayloadType(pt uint8) (Codec, error) {
	switch pt {
	case PayloadPCMU:
		return CodecPCMU, nil
	case PayloadPCMA:
		return CodecPCMA, nil
	default:
		return Codec{}, fmt.Errorf("codec not supported for payload type: %d", pt)
	}
}

// Encode converts 16-bit samples to G.711 bytes.
func (c Codec) Encode(samples []int16) []byte {
	lpcm := SamplesToBytes(samples)
	if c.PayloadType == PayloadPCMA {
		return g711.EncodeAlaw(lpcm)
	}
	return g711.EncodeUlaw(lpcm)
}

// Decode converts G.711 bytes to 16-bit samples.
func (c Codec) Decode(payload []byte) []int16 {
	var lpcm []byte
	if c.PayloadType == PayloadPCMA {
		lpcm = g711.DecodeAlaw(payload)
	} else {
		lpcm = g711.DecodeUlaw(payload)
	}
	return BytesToSamples(lpcm)
}
