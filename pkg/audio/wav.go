package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
)

// WAVSource provides minimal streaming reads for 16-bit PCM WAV files,
// framed at the analysis cadence.
type WAVSource struct {
	file          *os.File
	sampleRate    int
	channels      int
	bitsPerSample int

	dataSize  int64
	bytesRead int64
	frameSize int
	buf       []byte

	closeOnce sync.Once
	closeErr  error
}

// NewWAVSource opens a WAV file for streaming frame reads
func NewWAVSource(path string) (*WAVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	source := &WAVSource{file: f}
	if err := source.parseHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("invalid WAV file %s: %w", path, err)
	}

	source.frameSize = source.sampleRate / framesPerSecond
	source.buf = make([]byte, source.frameSize*2*source.channels)
	return source, nil
}

func (ws *WAVSource) parseHeader() error {
	header := make([]byte, 12)
	if _, err := io.ReadFull(ws.file, header); err != nil {
		return err
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return fmt.Errorf("missing RIFF/WAVE header")
	}

	var fmtFound bool
	var dataFound bool

	for !fmtFound || !dataFound {
		chunkHeader := make([]byte, 8)
		if _, err := io.ReadFull(ws.file, chunkHeader); err != nil {
			return err
		}
		chunkID := string(chunkHeader[0:4])
		chunkSize := binary.LittleEndian.Uint32(chunkHeader[4:8])

		switch chunkID {
		case "fmt ":
			fmtChunk := make([]byte, chunkSize)
			if _, err := io.ReadFull(ws.file, fmtChunk); err != nil {
				return err
			}
			format := binary.LittleEndian.Uint16(fmtChunk[0:2])
			if format != 1 {
				return fmt.Errorf("unsupported WAV format %d, only PCM is supported", format)
			}
			ws.channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			ws.sampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			ws.bitsPerSample = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			if ws.bitsPerSample != 16 {
				return fmt.Errorf("unsupported bit depth %d, only 16-bit is supported", ws.bitsPerSample)
			}
			fmtFound = true

		case "data":
			ws.dataSize = int64(chunkSize)
			dataFound = true

		default:
			// Skip unknown chunks
			if _, err := ws.file.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return err
			}
		}
	}

	return nil
}

// ReadFrame reads the next 100ms of samples, downmixing to mono
func (ws *WAVSource) ReadFrame() (*Frame, error) {
	remaining := ws.dataSize - ws.bytesRead
	if remaining <= 0 {
		return nil, io.EOF
	}

	want := int64(len(ws.buf))
	if want > remaining {
		want = remaining
	}

	n, err := io.ReadFull(ws.file, ws.buf[:want])
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, err
	}
	ws.bytesRead += int64(n)

	samples := DecodePCM16(ws.buf[:n-n%2])
	if ws.channels > 1 {
		samples = downmix(samples, ws.channels)
	}

	return &Frame{
		Samples:    samples,
		SampleRate: ws.sampleRate,
	}, nil
}

// SampleRate returns the file sample rate
func (ws *WAVSource) SampleRate() int {
	return ws.sampleRate
}

// Close closes the underlying file
func (ws *WAVSource) Close() error {
	ws.closeOnce.Do(func() {
		ws.closeErr = ws.file.Close()
	})
	return ws.closeErr
}

func downmix(samples []float64, channels int) []float64 {
	mono := make([]float64, len(samples)/channels)
	for i := range mono {
		sum := 0.0
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float64(channels)
	}
	return mono
}
