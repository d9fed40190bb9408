package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// BytesToSamples decodes little-endian 16-bit PCM. A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes encodes samples as little-endian 16-bit PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// RMS returns the integer root-mean-square energy of the samples.
func RMS(samples []int16) int {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		v := int64(s)
		sum += v * v
	}
	return int(math.Sqrt(float64(sum / int64(len(samples)))))
}

// ToMono converts 8- or 16-bit PCM with any channel count to mono 16-bit
// samples by averaging the channels.
func ToMono(f *File) ([]int16, error) {
	channels := int(f.NumChannels)
	if channels < 1 {
		return nil, fmt.Errorf("unsupported number of channels: %d", channels)
	}

	var interleaved []int16
	switch f.BitsPerSample {
	case 16:
		interleaved = BytesToSamples(f.PCMData)
	case 8:
		// 8-bit WAV is unsigned with a 128 bias
		interleaved = make([]int16, len(f.PCMData))
		for i, b := range f.PCMData {
			interleaved[i] = int16(int(b)-128) << 8
		}
	default:
		return nil, fmt.Errorf("unsupported sample width: %d bits", f.BitsPerSample)
	}

	if channels == 1 {
		return interleaved, nil
	}

	mono := make([]int16, len(interleaved)/channels)
	for i := range mono {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(interleaved[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return mono, nil
}

// Resample converts mono samples between rates with linear interpolation.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	out := make([]int16, 0, outLen)

	for i := 0; i < outLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= len(samples) {
			out = append(out, samples[len(samples)-1])
			continue
		}

		s1 := float64(samples[srcIdx])
		s2 := float64(samples[srcIdx+1])
		out = append(out, int16(s1*(1-frac)+s2*frac))
	}
	return out
}

// LoadMono reads a WAV file and returns mono 16-bit samples at rate.
func LoadMono(path string, rate int) ([]int16, error) {
	f, err := ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	mono, err := ToMono(f)
	if err != nil {
		return nil, err
	}
	return Resample(mono, int(f.SampleRate), rate), nil
}
