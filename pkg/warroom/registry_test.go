package warroom

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warroom-agent/pkg/analysis"
	"warroom-agent/pkg/telemetry"
)

// fakeBus is an in-memory telemetry bus the tests drive directly
type fakeBus struct {
	mutex           sync.Mutex
	handlers        map[string][]telemetry.Handler
	connectHandlers []func(bool)
	sent            []telemetry.Envelope
	connected       bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		handlers:  make(map[string][]telemetry.Handler),
		connected: true,
	}
}

func (f *fakeBus) Send(eventType string, payload interface{}) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = data
	}
	f.mutex.Lock()
	f.sent = append(f.sent, telemetry.Envelope{Type: eventType, Payload: raw})
	f.mutex.Unlock()
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

func (f *fakeBus) OnConnect(handler func(bool)) func() {
	f.mutex.Lock()
	f.connectHandlers = append(f.connectHandlers, handler)
	f.mutex.Unlock()
	return func() {}
}

func (f *fakeBus) IsConnected() bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.connected
}

// emit delivers one inbound event to every subscriber
func (f *fakeBus) emit(t *testing.T, eventType string, payload interface{}) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mutex.Lock()
	snapshot := append([]telemetry.Handler(nil), f.handlers[eventType]...)
	f.mutex.Unlock()

	for _, handler := range snapshot {
		if handler != nil {
			handler(data)
		}
	}
}

// fireConnect simulates the channel (re)connecting
func (f *fakeBus) fireConnect(reconnected bool) {
	f.mutex.Lock()
	snapshot := append([]func(bool){}, f.connectHandlers...)
	f.mutex.Unlock()
	for _, handler := range snapshot {
		handler(reconnected)
	}
}

func (f *fakeBus) sentOfType(eventType string) []telemetry.Envelope {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	var matched []telemetry.Envelope
	for _, envelope := range f.sent {
		if envelope.Type == eventType {
			matched = append(matched, envelope)
		}
	}
	return matched
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func startCall(t *testing.T, bus *fakeBus, callID, agentID string) {
	t.Helper()
	bus.emit(t, telemetry.EventCallStarted, telemetry.CallStartedPayload{
		CallID:       callID,
		AgentID:      agentID,
		AgentName:    "Agent " + agentID,
		ProspectName: "Prospect",
		StartedAt:    time.Now(),
	})
}

func TestRegistryInsertsInArrivalOrder(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	startCall(t, bus, "c2", "a2")
	startCall(t, bus, "c3", "a3")

	sessions := registry.Sessions()
	require.Len(t, sessions, 3)
	assert.Equal(t, "c1", sessions[0].CallID)
	assert.Equal(t, "c2", sessions[1].CallID)
	assert.Equal(t, "c3", sessions[2].CallID)
}

func TestRegistryMergePatchPreservesUnmentionedFields(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")

	status := "closing"
	bus.emit(t, telemetry.EventCallUpdated, telemetry.CallUpdatedPayload{
		CallID: "c1",
		Status: &status,
	})

	session, ok := registry.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "closing", session.Status)
	assert.Equal(t, "Agent a1", session.AgentName, "patch without agentName must not clear it")
	assert.Equal(t, "Prospect", session.ProspectName)
}

func TestVoiceAnalysisNeverClearsSpectators(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	bus.emit(t, telemetry.EventSpectatorUpdate, telemetry.SpectatorUpdatePayload{
		CallID:     "c1",
		Spectators: []string{"s1", "s2"},
	})

	bus.emit(t, telemetry.EventVoiceAnalysisIn, telemetry.VoiceAnalysisInPayload{
		CallID:     "c1",
		Metrics:    analysis.Snapshot{Volume: 70, Pace: analysis.PaceNormal, Tone: analysis.ToneConfident},
		Confidence: 82,
		Sentiment:  0.4,
	})

	session, ok := registry.Get("c1")
	require.True(t, ok)
	require.NotNil(t, session.Metrics)
	assert.Equal(t, 70.0, session.Metrics.Volume)
	assert.Equal(t, 82.0, session.Confidence)
	assert.Equal(t, []string{"s1", "s2"}, session.Spectators, "metrics patch must not touch spectators")
}

func TestSpectatorUpdateNeverClearsMetrics(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	bus.emit(t, telemetry.EventVoiceAnalysisIn, telemetry.VoiceAnalysisInPayload{
		CallID:     "c1",
		Metrics:    analysis.Snapshot{Volume: 65},
		Confidence: 75,
		Sentiment:  0.2,
	})

	bus.emit(t, telemetry.EventSpectatorUpdate, telemetry.SpectatorUpdatePayload{
		CallID:     "c1",
		Spectators: []string{"s9"},
	})

	session, ok := registry.Get("c1")
	require.True(t, ok)
	require.NotNil(t, session.Metrics, "spectator patch must not touch metrics")
	assert.Equal(t, 65.0, session.Metrics.Volume)
	assert.Equal(t, 75.0, session.Confidence)
	assert.Equal(t, []string{"s9"}, session.Spectators)
}

func TestAdvicePatchTouchesOnlyAdviceFields(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	bus.emit(t, telemetry.EventVoiceAnalysisIn, telemetry.VoiceAnalysisInPayload{
		CallID: "c1", Metrics: analysis.Snapshot{Volume: 55}, Confidence: 60,
	})

	bus.emit(t, telemetry.EventHarveyAdvice, telemetry.HarveyAdvicePayload{
		CallID: "c1",
		Advice: "slow down, let them talk",
		Score:  7.5,
	})

	session, ok := registry.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "slow down, let them talk", session.Advice)
	assert.Equal(t, 7.5, session.AdviceScore)
	require.NotNil(t, session.Metrics)
	assert.Equal(t, 55.0, session.Metrics.Volume)
}

func TestUpdatesForUnknownCallsAreIgnored(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	status := "live"
	bus.emit(t, telemetry.EventCallUpdated, telemetry.CallUpdatedPayload{CallID: "ghost", Status: &status})
	bus.emit(t, telemetry.EventVoiceAnalysisIn, telemetry.VoiceAnalysisInPayload{CallID: "ghost"})
	bus.emit(t, telemetry.EventSpectatorUpdate, telemetry.SpectatorUpdatePayload{CallID: "ghost", Spectators: []string{"x"}})

	assert.Empty(t, registry.Sessions())
}

func TestCallEndedLingersThroughGracePeriod(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{RemovalGrace: 30 * time.Millisecond}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	bus.emit(t, telemetry.EventCallEnded, telemetry.CallEndedPayload{CallID: "c1"})

	session, ok := registry.Get("c1")
	require.True(t, ok, "ended call must stay visible during the grace period")
	assert.Equal(t, StatusEnding, session.Status)

	assert.Eventually(t, func() bool {
		_, present := registry.Get("c1")
		return !present
	}, time.Second, 5*time.Millisecond, "ended call must disappear after the grace period")
}

func TestRestartDuringGraceCancelsRemoval(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{RemovalGrace: 50 * time.Millisecond}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	bus.emit(t, telemetry.EventCallEnded, telemetry.CallEndedPayload{CallID: "c1"})
	startCall(t, bus, "c1", "a1")

	time.Sleep(100 * time.Millisecond)
	session, ok := registry.Get("c1")
	require.True(t, ok, "restarted call must survive the stale removal timer")
	assert.Equal(t, StatusActive, session.Status)
}

func TestRegistryRequestsResyncOnReconnect(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	bus.fireConnect(false)
	bus.fireConnect(true)

	assert.Len(t, bus.sentOfType(telemetry.EventRequestCalls), 2)
}

func TestResyncReplayPreservesAccumulatedMetrics(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	bus.emit(t, telemetry.EventVoiceAnalysisIn, telemetry.VoiceAnalysisInPayload{
		CallID: "c1", Metrics: analysis.Snapshot{Volume: 44}, Confidence: 66,
	})

	// The backend replays call:started after a reconnect resync
	startCall(t, bus, "c1", "a1")

	sessions := registry.Sessions()
	require.Len(t, sessions, 1, "replayed call must not duplicate")
	require.NotNil(t, sessions[0].Metrics)
	assert.Equal(t, 44.0, sessions[0].Metrics.Volume)
}

func TestSubscribersReceiveSnapshotsAndDisposerDetaches(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	var mutex sync.Mutex
	var notifications [][]CallSession
	dispose := registry.Subscribe(func(sessions []CallSession) {
		mutex.Lock()
		notifications = append(notifications, sessions)
		mutex.Unlock()
	})

	startCall(t, bus, "c1", "a1")

	mutex.Lock()
	require.NotEmpty(t, notifications)
	count := len(notifications)
	mutex.Unlock()

	dispose()
	startCall(t, bus, "c2", "a2")

	mutex.Lock()
	assert.Equal(t, count, len(notifications), "disposed subscriber must not be notified")
	mutex.Unlock()
}

func TestSubscriberSnapshotIsIsolatedFromRegistryState(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	captured := make(chan []CallSession, 1)
	registry.Subscribe(func(sessions []CallSession) {
		select {
		case captured <- sessions:
		default:
		}
	})

	startCall(t, bus, "c1", "a1")
	snapshot := <-captured

	// Mutating the delivered snapshot must not leak into the registry
	snapshot[0].AgentName = "tampered"
	session, ok := registry.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "Agent a1", session.AgentName)
}

func TestSpectateUnknownCallFails(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	assert.Error(t, registry.SpectateCall("nope"))

	startCall(t, bus, "c1", "a1")
	require.NoError(t, registry.SpectateCall("c1"))
	assert.Len(t, bus.sentOfType(telemetry.EventSpectatorJoin), 1)
}

func TestSpectatorCapTruncatesList(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{SpectatorCap: 2}, quietLogger())
	defer registry.Close()

	startCall(t, bus, "c1", "a1")
	bus.emit(t, telemetry.EventSpectatorUpdate, telemetry.SpectatorUpdatePayload{
		CallID:     "c1",
		Spectators: []string{"s1", "s2", "s3", "s4"},
	})

	session, ok := registry.Get("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"s1", "s2"}, session.Spectators)
}

func TestPerEventListenersFireByKind(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{RemovalGrace: time.Hour}, quietLogger())
	defer registry.Close()

	var starts, updates, ends []CallSession
	registry.OnCallStart(func(session CallSession) { starts = append(starts, session) })
	disposeUpdates := registry.OnCallUpdate(func(session CallSession) { updates = append(updates, session) })
	registry.OnCallEnd(func(session CallSession) { ends = append(ends, session) })

	startCall(t, bus, "c1", "a1")
	require.Len(t, starts, 1)
	assert.Equal(t, "c1", starts[0].CallID)
	assert.Empty(t, updates)
	assert.Empty(t, ends)

	bus.emit(t, telemetry.EventVoiceAnalysisIn, telemetry.VoiceAnalysisInPayload{
		CallID: "c1", Metrics: analysis.Snapshot{Volume: 50}, Confidence: 70,
	})
	require.Len(t, updates, 1)
	require.NotNil(t, updates[0].Metrics)
	assert.Equal(t, 50.0, updates[0].Metrics.Volume)
	assert.Len(t, starts, 1, "a metrics patch is not a fresh start")

	// A resync replay of a known call reads as an update, not a start
	startCall(t, bus, "c1", "a1")
	assert.Len(t, starts, 1)
	assert.Len(t, updates, 2)

	bus.emit(t, telemetry.EventCallEnded, telemetry.CallEndedPayload{CallID: "c1"})
	require.Len(t, ends, 1)
	assert.Equal(t, StatusEnding, ends[0].Status)

	disposeUpdates()
	bus.emit(t, telemetry.EventHarveyAdvice, telemetry.HarveyAdvicePayload{CallID: "c1", Advice: "wrap up"})
	assert.Len(t, updates, 2, "a disposed listener receives nothing")
}

func TestTeamStatsStoredAndFannedOut(t *testing.T) {
	bus := newFakeBus()
	registry := NewRegistry(bus, RegistryConfig{}, quietLogger())
	defer registry.Close()

	received := make(chan TeamStats, 1)
	registry.SubscribeTeamStats(func(stats TeamStats) {
		received <- stats
	})

	bus.emit(t, telemetry.EventTeamStats, telemetry.TeamStatsPayload{
		ActiveCalls:   4,
		AvgConfidence: 71.5,
		SuccessRate:   0.6,
		CurrentStreak: 3,
	})

	stats := <-received
	assert.Equal(t, 4, stats.ActiveCalls)
	assert.Equal(t, 71.5, stats.AvgConfidence)

	stored, ok := registry.TeamStats()
	require.True(t, ok)
	assert.Equal(t, stats, stored)
}
