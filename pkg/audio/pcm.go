package audio

import (
	"encoding/binary"
	"math"
)

// DecodePCM16 converts 16-bit little-endian mono PCM bytes to normalized
// float64 samples in [-1, 1]. Trailing odd bytes are ignored.
func DecodePCM16(data []byte) []float64 {
	samples := make([]float64, len(data)/2)
	for i := range samples {
		raw := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		samples[i] = float64(raw) / 32768.0
	}
	return samples
}

// EncodePCM16 converts normalized float64 samples back to 16-bit
// little-endian mono PCM bytes, clipping out-of-range values.
func EncodePCM16(samples []float64) []byte {
	data := make([]byte, len(samples)*2)
	for i, sample := range samples {
		if sample > 1.0 {
			sample = 1.0
		} else if sample < -1.0 {
			sample = -1.0
		}
		raw := int16(math.Round(sample * 32767.0))
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(raw))
	}
	return data
}

// ApplyGain scales PCM16 bytes in place by the given linear gain,
// clipping at full scale. Used for reduced-volume whisper playback.
func ApplyGain(data []byte, gain float64) {
	for i := 0; i+1 < len(data); i += 2 {
		raw := float64(int16(binary.LittleEndian.Uint16(data[i : i+2])))
		scaled := raw * gain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		binary.LittleEndian.PutUint16(data[i:i+2], uint16(int16(scaled)))
	}
}
