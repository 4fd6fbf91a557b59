package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/zaf/g711"
)

// Telephony leg format. Fixed by the carrier, not configurable.
const (
	SampleRate  = 8000 // Hz
	SampleWidth = 2    // bytes per linear PCM sample
)

// ErrOddLength is returned when a 16-bit PCM byte buffer has an odd length.
var ErrOddLength = errors.New("audio: odd-length 16-bit PCM buffer")

// Decode expands G.711 μ-law bytes into 16-bit linear PCM samples.
func Decode(ulaw []byte) []int16 {
	samples := make([]int16, len(ulaw))
	for i, b := range ulaw {
		samples[i] = g711.DecodeUlawFrame(b)
	}
	return samples
}

// Encode compresses 16-bit linear PCM samples into G.711 μ-law bytes.
func Encode(samples []int16) []byte {
	ulaw := make([]byte, len(samples))
	for i, s := range samples {
		ulaw[i] = g711.EncodeUlawFrame(s)
	}
	return ulaw
}

// DecodeBytes expands μ-law into little-endian 16-bit PCM bytes.
func DecodeBytes(ulaw []byte) []byte {
	pcm := make([]byte, len(ulaw)*SampleWidth)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(pcm[i*SampleWidth:], uint16(g711.DecodeUlawFrame(b)))
	}
	return pcm
}

// EncodeBytes compresses little-endian 16-bit PCM bytes into μ-law.
func EncodeBytes(pcm []byte) ([]byte, error) {
	samples, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	return Encode(samples), nil
}

// BytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%SampleWidth != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(pcm))
	}
	samples := make([]int16, len(pcm)/SampleWidth)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*SampleWidth:]))
	}
	return samples, nil
}

// Level returns the RMS level in dBFS and the normalized peak of a block of samples.
// Silence reports -999 dB.
func Level(samples []int16) (rmsDB float64, peak float64) {
	if len(samples) == 0 {
		return -999, 0
	}
	var sumSq float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sumSq += v * v
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	rms := math.Sqrt(sumSq / float64(len(samples)))
	if rms == 0 {
		return -999, peak
	}
	return 20 * math.Log10(rms), peak
}
