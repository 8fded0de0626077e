package audio

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pcmLE encodes int16 samples as little-endian PCM bytes
func pcmLE(values ...int16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

func TestDecodePCM16Normalization(t *testing.T) {
	samples := DecodePCM16(pcmLE(0, 16384, -16384, -32768))
	require.Len(t, samples, 4)
	assert.Equal(t, 0.0, samples[0])
	assert.Equal(t, 0.5, samples[1])
	assert.Equal(t, -0.5, samples[2])
	assert.Equal(t, -1.0, samples[3])
}

func TestEncodePCM16ClipsOutOfRange(t *testing.T) {
	data := EncodePCM16([]float64{0, 0.5, 2.0, -3.0})

	require.Len(t, data, 8)
	assert.Equal(t, int16(0), int16(binary.LittleEndian.Uint16(data[0:2])))
	assert.Equal(t, int16(16384), int16(binary.LittleEndian.Uint16(data[2:4])))
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(data[4:6])))
	assert.Equal(t, int16(-32767), int16(binary.LittleEndian.Uint16(data[6:8])))
}

func TestEncodeDecodeRoundTripIsClose(t *testing.T) {
	original := sine(440, 0.8, DefaultSampleRate, 441)
	decoded := DecodePCM16(EncodePCM16(original))

	require.Len(t, decoded, len(original))
	for i := range original {
		assert.InDelta(t, original[i], decoded[i], 1.0/32768.0*2, "sample %d", i)
	}
}

func TestApplyGainAttenuates(t *testing.T) {
	data := pcmLE(10000, -10000)

	ApplyGain(data, 0.3)

	assert.Equal(t, int16(3000), int16(binary.LittleEndian.Uint16(data[0:2])))
	assert.Equal(t, int16(-3000), int16(binary.LittleEndian.Uint16(data[2:4])))
}

func TestApplyGainClipsAmplification(t *testing.T) {
	data := pcmLE(30000)

	ApplyGain(data, 2.0)
	assert.Equal(t, int16(32767), int16(binary.LittleEndian.Uint16(data)))
}

func TestPCMSourceFramesAtAnalysisCadence(t *testing.T) {
	// 250ms of audio: two full frames and one short trailing frame
	samples := sine(440, 0.5, DefaultSampleRate, DefaultSampleRate/4)
	source := NewPCMSource(bytes.NewReader(EncodePCM16(samples)), DefaultSampleRate)
	defer source.Close()

	first, err := source.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, first.Samples, DefaultSampleRate/10)
	assert.Equal(t, DefaultSampleRate, first.SampleRate)

	second, err := source.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, second.Samples, DefaultSampleRate/10)

	short, err := source.ReadFrame()
	require.NoError(t, err)
	assert.Len(t, short.Samples, DefaultSampleRate/20)

	_, err = source.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

// writeWAV writes a minimal PCM WAV file for source tests
func writeWAV(t *testing.T, path string, sampleRate, channels int, samples []int16) {
	t.Helper()

	var data bytes.Buffer
	for _, s := range samples {
		binary.Write(&data, binary.LittleEndian, s)
	}

	var buf bytes.Buffer
	dataSize := uint32(data.Len())
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	buf.Write(data.Bytes())

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestWAVSourceReadsMonoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tone.wav")

	// 300ms of a quiet tone at 8 kHz
	raw := make([]int16, 2400)
	for i := range raw {
		raw[i] = int16(8000 * math.Sin(2*math.Pi*200*float64(i)/8000))
	}
	writeWAV(t, path, 8000, 1, raw)

	source, err := NewWAVSource(path)
	require.NoError(t, err)
	defer source.Close()

	assert.Equal(t, 8000, source.SampleRate())

	total := 0
	for {
		frame, err := source.ReadFrame()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Len(t, frame.Samples, 800)
		total += len(frame.Samples)
	}
	assert.Equal(t, 2400, total)
}

func TestWAVSourceDownmixesStereo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")

	// Left at +8000, right at -8000: the downmix cancels to silence
	raw := make([]int16, 1600)
	for i := 0; i < len(raw); i += 2 {
		raw[i] = 8000
		raw[i+1] = -8000
	}
	writeWAV(t, path, 8000, 2, raw)

	source, err := NewWAVSource(path)
	require.NoError(t, err)
	defer source.Close()

	frame, err := source.ReadFrame()
	require.NoError(t, err)
	require.Len(t, frame.Samples, 800)
	for _, s := range frame.Samples {
		assert.InDelta(t, 0.0, s, 1e-9)
	}
}

func TestWAVSourceRejectsNonPCM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "float.wav")
	writeWAV(t, path, 8000, 1, []int16{0, 0, 0, 0})

	// Rewrite the format tag to IEEE float
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint16(data[20:22], 3)
	require.NoError(t, os.WriteFile(path, data, 0644))

	_, err = NewWAVSource(path)
	assert.Error(t, err)
}

func TestWAVSourceRejectsMissingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.wav")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a wav file"), 0644))

	_, err := NewWAVSource(path)
	assert.Error(t, err)
}
