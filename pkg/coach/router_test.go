package coach

import (
	"encoding/binary"
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warroom-agent/pkg/telemetry"
)

// fakeBus delivers inbound events straight to subscribers
type fakeBus struct {
	mutex    sync.Mutex
	handlers map[string][]telemetry.Handler
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string][]telemetry.Handler)}
}

func (f *fakeBus) Send(string, interface{}) error {
	return nil
}

func (f *fakeBus) Subscribe(eventType string, handler telemetry.Handler) func() {
	f.mutex.Lock()
	f.handlers[eventType] = append(f.handlers[eventType], handler)
	index := len(f.handlers[eventType]) - 1
	f.mutex.Unlock()
	return func() {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		f.handlers[eventType][index] = nil
	}
}

func (f *fakeBus) OnConnect(func(bool)) func() {
	return func() {}
}

func (f *fakeBus) IsConnected() bool {
	return true
}

func (f *fakeBus) emit(t *testing.T, messageType string, payload interface{}) {
	t.Helper()
	inner, err := json.Marshal(payload)
	require.NoError(t, err)
	envelope, err := json.Marshal(telemetry.HarveyMessagePayload{
		Type:    messageType,
		Payload: inner,
	})
	require.NoError(t, err)

	f.mutex.Lock()
	snapshot := append([]telemetry.Handler(nil), f.handlers[telemetry.EventHarveyMessage]...)
	f.mutex.Unlock()
	for _, handler := range snapshot {
		if handler != nil {
			handler(envelope)
		}
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func pcmBytes(values ...int16) []byte {
	data := make([]byte, len(values)*2)
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(v))
	}
	return data
}

func TestWhisperAudioIsAttenuated(t *testing.T) {
	bus := newFakeBus()
	router := NewRouter(bus, quietLogger())
	defer router.Close()

	received := make(chan []float64, 1)
	router.OnWhisper(func(samples []float64) {
		received <- samples
	})

	bus.emit(t, TypeWhisper, map[string][]byte{"audio": pcmBytes(10000, -20000)})

	samples := <-received
	require.Len(t, samples, 2)
	// 30% of the original amplitude
	assert.InDelta(t, 3000.0/32768.0, samples[0], 1e-3)
	assert.InDelta(t, -6000.0/32768.0, samples[1], 1e-3)
}

func TestVerdictAudioPlaysAtFullVolume(t *testing.T) {
	bus := newFakeBus()
	router := NewRouter(bus, quietLogger())
	defer router.Close()

	received := make(chan []float64, 1)
	router.OnVerdict(func(samples []float64) {
		received <- samples
	})

	bus.emit(t, TypeVerdict, map[string][]byte{"audio": pcmBytes(16384)})

	samples := <-received
	require.Len(t, samples, 1)
	assert.InDelta(t, 0.5, samples[0], 1e-3)
}

func TestCoachingTextIsRouted(t *testing.T) {
	bus := newFakeBus()
	router := NewRouter(bus, quietLogger())
	defer router.Close()

	received := make(chan Coaching, 1)
	router.OnCoaching(func(c Coaching) {
		received <- c
	})

	bus.emit(t, TypeCoaching, Coaching{Message: "ask about budget", Urgent: true})

	coaching := <-received
	assert.Equal(t, "ask about budget", coaching.Message)
	assert.True(t, coaching.Urgent)
}

func TestUnknownMessageTypesAreIgnored(t *testing.T) {
	bus := newFakeBus()
	router := NewRouter(bus, quietLogger())
	defer router.Close()

	called := false
	router.OnCoaching(func(Coaching) { called = true })
	router.OnWhisper(func([]float64) { called = true })

	bus.emit(t, "celebration", map[string]string{"gif": "victory"})
	assert.False(t, called)
}

func TestDisposerDetachesListener(t *testing.T) {
	bus := newFakeBus()
	router := NewRouter(bus, quietLogger())
	defer router.Close()

	calls := 0
	dispose := router.OnCoaching(func(Coaching) { calls++ })

	bus.emit(t, TypeCoaching, Coaching{Message: "first"})
	dispose()
	bus.emit(t, TypeCoaching, Coaching{Message: "second"})

	assert.Equal(t, 1, calls)
}

func TestAudioWithoutPayloadIsDropped(t *testing.T) {
	bus := newFakeBus()
	router := NewRouter(bus, quietLogger())
	defer router.Close()

	called := false
	router.OnWhisper(func([]float64) { called = true })

	bus.emit(t, TypeWhisper, map[string]string{"note": "no audio field"})
	assert.False(t, called)
}
