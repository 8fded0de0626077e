package peer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warroom-agent/pkg/audio"
	apperrors "warroom-agent/pkg/errors"
	"warroom-agent/pkg/telemetry"
)

// scriptBus is an in-memory signaling bus that can be told to answer
// offers or stay silent
type scriptBus struct {
	mutex    sync.Mutex
	handlers map[string][]telemetry.Handler
	sent     []telemetry.Envelope

	answering atomic.Bool
	answerSDP string
	offers    atomic.Int64
}

func newScriptBus(answerSDP string) *scriptBus {
	return &scriptBus{
		handlers:  make(map[string][]telemetry.Handler),
		answerSDP: answerSDP,
	}
}

func (s *scriptBus) Send(eventType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	s.mutex.Lock()
	s.sent = append(s.sent, telemetry.Envelope{Type: eventType, Payload: raw})
	s.mutex.Unlock()

	if eventType == telemetry.EventOffer {
		s.offers.Add(1)
		if s.answering.Load() {
			s.deliver(telemetry.EventAnswer, telemetry.AnswerPayload{SDP: s.answerSDP})
		}
	}
	return nil
}

func (s *scriptBus) deliver(eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	s.mutex.Lock()
	snapshot := append([]telemetry.Handler(nil), s.handlers[eventType]...)
	s.mutex.Unlock()
	for _, handler := range snapshot {
		if handler != nil {
			handler(data)
		}
	}
}

func (s *scriptBus) Subscribe(eventType string, handler telemetry.Handler) func() {
	s.mutex.Lock()
	s.handlers[eventType] = append(s.handlers[eventType], handler)
	index := len(s.handlers[eventType]) - 1
	s.mutex.Unlock()

	return func() {
		s.mutex.Lock()
		defer s.mutex.Unlock()
		s.handlers[eventType][index] = nil
	}
}

func (s *scriptBus) OnConnect(func(bool)) func() {
	return func() {}
}

func (s *scriptBus) IsConnected() bool {
	return true
}

func (s *scriptBus) sentOfType(eventType string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	count := 0
	for _, envelope := range s.sent {
		if envelope.Type == eventType {
			count++
		}
	}
	return count
}

// staticSource produces silent frames until closed
type staticSource struct {
	closed atomic.Bool
}

func (s *staticSource) ReadFrame() (*audio.Frame, error) {
	if s.closed.Load() {
		return nil, io.EOF
	}
	return &audio.Frame{Samples: make([]float64, 441), SampleRate: audio.DefaultSampleRate}, nil
}

func (s *staticSource) SampleRate() int {
	return audio.DefaultSampleRate
}

func (s *staticSource) Close() error {
	s.closed.Store(true)
	return nil
}

func loopbackAnswer() string {
	return strings.Join([]string{
		"v=0",
		"o=- 0 0 IN IP4 127.0.0.1",
		"s=answer",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
		"m=audio 47000 RTP/AVP 96",
		"a=rtpmap:96 L16/44100/1",
		"",
	}, "\r\n")
}

type stateRecorder struct {
	mutex  sync.Mutex
	states []bool
}

func (sr *stateRecorder) record(connected bool) {
	sr.mutex.Lock()
	sr.states = append(sr.states, connected)
	sr.mutex.Unlock()
}

func (sr *stateRecorder) snapshot() []bool {
	sr.mutex.Lock()
	defer sr.mutex.Unlock()
	return append([]bool(nil), sr.states...)
}

func newTestManager(bus telemetry.Bus, recorder *stateRecorder, handshakeTimeout time.Duration) *ConnectionManager {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	cfg := Config{
		SessionID:        "test-session",
		UserID:           "u1",
		Role:             "rep",
		Source:           func() (audio.Source, error) { return &staticSource{}, nil },
		MediaPortMin:     26000,
		MediaPortMax:     26998,
		TickInterval:     10 * time.Millisecond,
		HandshakeTimeout: handshakeTimeout,
		Backoff:          telemetry.FixedBackoff{Interval: time.Millisecond},
	}
	if recorder != nil {
		cfg.OnStateChanged = recorder.record
	}
	return NewConnectionManager(bus, cfg, logger)
}

func TestConnectEstablishesAndFiresOneTrueCallback(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	bus.answering.Store(true)
	recorder := &stateRecorder{}

	manager := newTestManager(bus, recorder, 2*time.Second)
	require.Equal(t, StateIdle, manager.State())

	require.NoError(t, manager.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return manager.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, bus.sentOfType(telemetry.EventJoin))
	assert.Equal(t, 1, bus.sentOfType(telemetry.EventOffer))

	require.Eventually(t, func() bool {
		return len(recorder.snapshot()) >= 1
	}, time.Second, 5*time.Millisecond)

	trueCount := 0
	for _, connected := range recorder.snapshot() {
		if connected {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount, "exactly one connected notification")

	manager.Disconnect()
	assert.Equal(t, StateIdle, manager.State())
}

func TestConnectWhileConnectedFails(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	bus.answering.Store(true)

	manager := newTestManager(bus, nil, 2*time.Second)
	require.NoError(t, manager.Connect(context.Background()))
	defer manager.Disconnect()

	require.Eventually(t, func() bool {
		return manager.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	assert.Error(t, manager.Connect(context.Background()))
}

func TestMicrophoneFailureIsFatalAndImmediate(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	bus.answering.Store(true)
	recorder := &stateRecorder{}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	manager := NewConnectionManager(bus, Config{
		SessionID:      "test-session",
		OnStateChanged: recorder.record,
		Source: func() (audio.Source, error) {
			return nil, stderrors.New("device busy")
		},
		Backoff: telemetry.FixedBackoff{Interval: time.Millisecond},
	}, logger)

	err := manager.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, apperrors.ErrMediaAccess))

	assert.Equal(t, StateIdle, manager.State())
	assert.Equal(t, 0, bus.sentOfType(telemetry.EventOffer), "signaling must not start without media")

	for _, connected := range recorder.snapshot() {
		assert.False(t, connected)
	}
}

func TestHandshakeTimeoutEntersEndlessReconnection(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	// Never answer: every handshake attempt times out
	recorder := &stateRecorder{}

	manager := newTestManager(bus, recorder, 10*time.Millisecond)
	require.NoError(t, manager.Connect(context.Background()))
	defer manager.Disconnect()

	// Dozens of attempts later it is still trying, not given up
	require.Eventually(t, func() bool {
		return bus.offers.Load() >= 30
	}, 10*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateReconnecting, manager.State())

	// The backend comes back; the very next attempt succeeds
	bus.answering.Store(true)
	require.Eventually(t, func() bool {
		return manager.State() == StateConnected
	}, 5*time.Second, 10*time.Millisecond)

	trueCount := 0
	for _, connected := range recorder.snapshot() {
		if connected {
			trueCount++
		}
	}
	assert.Equal(t, 1, trueCount)
}

func TestDisconnectDuringConnectTearsDownCleanly(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	// Silent bus with a long handshake window keeps Connect pending
	recorder := &stateRecorder{}
	manager := newTestManager(bus, recorder, 30*time.Second)

	connectDone := make(chan error, 1)
	go func() {
		connectDone <- manager.Connect(context.Background())
	}()

	require.Eventually(t, func() bool {
		return bus.offers.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	manager.Disconnect()

	select {
	case err := <-connectDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}

	assert.Equal(t, StateIdle, manager.State())
	for _, connected := range recorder.snapshot() {
		assert.False(t, connected, "a torn-down connect must never report connected")
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	bus.answering.Store(true)

	manager := newTestManager(bus, nil, 2*time.Second)
	require.NoError(t, manager.Connect(context.Background()))
	require.Eventually(t, func() bool {
		return manager.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	manager.Disconnect()
	manager.Disconnect()
	assert.Equal(t, StateIdle, manager.State())
}

func TestVoiceAnalysisFlowsWhileConnected(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	bus.answering.Store(true)

	manager := newTestManager(bus, nil, 2*time.Second)
	require.NoError(t, manager.Connect(context.Background()))
	defer manager.Disconnect()

	require.Eventually(t, func() bool {
		return bus.sentOfType(telemetry.EventVoiceAnalysis) >= 3
	}, 5*time.Second, 10*time.Millisecond, "analysis snapshots must stream over the channel")
}

func TestStateNotificationsArriveInOrder(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	bus.answering.Store(true)
	recorder := &stateRecorder{}

	manager := newTestManager(bus, recorder, 2*time.Second)
	require.NoError(t, manager.Connect(context.Background()))

	require.Eventually(t, func() bool {
		return manager.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// Disconnect immediately after connecting; the loss notification must
	// never overtake the connected one
	manager.Disconnect()

	require.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, recorder.snapshot())
}

func TestSetMutedBeforeConnectIsSafe(t *testing.T) {
	bus := newScriptBus(loopbackAnswer())
	manager := newTestManager(bus, nil, time.Second)

	manager.SetMuted(true)
	manager.SetMuted(false)
	assert.Equal(t, StateIdle, manager.State())
}
