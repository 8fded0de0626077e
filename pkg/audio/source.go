package audio

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/errors"
)

// Frame is one analysis window of time-domain samples. Samples are
// normalized to [-1, 1]. A frame covers the analysis tick interval
// (100ms at 10 Hz cadence).
type Frame struct {
	Samples    []float64
	SampleRate int
}

// Source is the capability interface over an audio capture mechanism.
// Implementations produce one frame per call; io.EOF signals the end of
// the stream, any other error means the tap is gone.
type Source interface {
	// ReadFrame fills the next frame of time-domain samples
	ReadFrame() (*Frame, error)
	// SampleRate returns the source sample rate in Hz
	SampleRate() int
	// Close releases the underlying capture resource, idempotent
	Close() error
}

// SourceFactory opens an audio source. The connection manager uses it to
// acquire the local microphone so tests can substitute synthetic sources.
type SourceFactory func() (Source, error)

// AcquireMicrophone opens the local capture device configured through the
// environment. Acquisition failure is fatal to a call and is never
// retried, so the error is always ErrMediaAccess with the cause attached.
//
// Capture is abstracted as a 16-bit PCM stream: WARROOM_MIC_WAV points at
// a WAV-framed device or FIFO, WARROOM_MIC_PCM at a raw PCM one.
func AcquireMicrophone(logger *logrus.Logger) (Source, error) {
	if path := os.Getenv("WARROOM_MIC_WAV"); path != "" {
		src, err := NewWAVSource(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMediaAccess, "failed to open capture device", map[string]interface{}{
				"path":  path,
				"cause": err.Error(),
			})
		}
		logger.WithField("path", path).Info("Microphone acquired")
		return src, nil
	}

	if path := os.Getenv("WARROOM_MIC_PCM"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrMediaAccess, "failed to open capture device", map[string]interface{}{
				"path":  path,
				"cause": err.Error(),
			})
		}
		logger.WithField("path", path).Info("Microphone acquired")
		return NewPCMSource(f, DefaultSampleRate), nil
	}

	return nil, errors.Wrap(errors.ErrMediaAccess, "no capture device configured")
}

// DefaultSampleRate is the sample rate assumed by the downstream decode
// path when audio is synthesized or streamed back.
const DefaultSampleRate = 44100

// framesPerSecond is the analysis cadence; each frame covers 100ms
const framesPerSecond = 10

// PCMSource reads raw 16-bit little-endian mono PCM from a reader and
// frames it at the analysis cadence.
type PCMSource struct {
	reader     io.Reader
	sampleRate int
	frameSize  int
	buf        []byte

	closeOnce sync.Once
	closeErr  error
}

// NewPCMSource wraps a raw PCM stream as a frame source
func NewPCMSource(reader io.Reader, sampleRate int) *PCMSource {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	frameSize := sampleRate / framesPerSecond
	return &PCMSource{
		reader:     reader,
		sampleRate: sampleRate,
		frameSize:  frameSize,
		buf:        make([]byte, frameSize*2),
	}
}

// ReadFrame reads the next 100ms of samples
func (s *PCMSource) ReadFrame() (*Frame, error) {
	n, err := io.ReadFull(s.reader, s.buf)
	if err == io.ErrUnexpectedEOF && n >= 2 {
		// Short final frame, still worth analyzing
		err = nil
	}
	if err != nil {
		return nil, err
	}

	return &Frame{
		Samples:    DecodePCM16(s.buf[:n-n%2]),
		SampleRate: s.sampleRate,
	}, nil
}

// SampleRate returns the stream sample rate
func (s *PCMSource) SampleRate() int {
	return s.sampleRate
}

// Close closes the underlying reader when it is closeable
func (s *PCMSource) Close() error {
	s.closeOnce.Do(func() {
		if closer, ok := s.reader.(io.Closer); ok {
			s.closeErr = closer.Close()
		}
	})
	return s.closeErr
}
