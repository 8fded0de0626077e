package peer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/analysis"
	"warroom-agent/pkg/audio"
	"warroom-agent/pkg/errors"
	"warroom-agent/pkg/metrics"
	"warroom-agent/pkg/telemetry"
)

// Config carries the caller identity, callbacks and tuning for one
// connection manager.
type Config struct {
	SessionID string
	UserID    string
	Role      string

	// OnStateChanged receives true when the connection is established and
	// false when it is lost. Richer failure detail goes to the log, never
	// across this boundary.
	OnStateChanged func(connected bool)
	// OnRemoteAudio receives decoded PCM16 audio streamed back by the
	// coach backend
	OnRemoteAudio func(pcm []byte)
	// OnVoiceAnalysis receives every locally produced metrics report
	OnVoiceAnalysis func(analysis.Report)

	// Source opens the local capture device; defaults to the configured
	// microphone. Injectable for tests.
	Source audio.SourceFactory

	STUNServers  []string
	MediaPortMin int
	MediaPortMax int

	TickInterval     time.Duration
	SampleRate       int
	FFTSize          int
	HandshakeTimeout time.Duration
	// Backoff paces reconnect attempts; fixed 5s by default. Reconnection
	// continues until Disconnect: coaching sessions never silently die.
	Backoff telemetry.BackoffPolicy
}

// ConnectionManager owns the peer media connection and its signaling
// handshake to the coach backend. The local microphone stream is
// exclusively owned here and shared read-only with the analyzer.
type ConnectionManager struct {
	logger *logrus.Entry
	bus    telemetry.Bus
	config Config

	mutex      sync.Mutex
	state      State
	source     audio.Source
	sender     *mediaSender
	aggregator *analysis.Aggregator

	srtpKey  []byte
	srtpSalt []byte

	answerCh      chan telemetry.AnswerPayload
	unsubscribers []func()

	lastConnected   bool
	pendingNotifies []bool
	notifying       bool
	loopRunning     atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	loopWG    sync.WaitGroup
}

// NewConnectionManager creates a manager in the idle state
func NewConnectionManager(bus telemetry.Bus, config Config, logger *logrus.Logger) *ConnectionManager {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 15 * time.Second
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}
	if config.MediaPortMin <= 0 || config.MediaPortMax <= config.MediaPortMin {
		config.MediaPortMin = 16384
		config.MediaPortMax = 32768
	}
	if config.Backoff == nil {
		config.Backoff = telemetry.NewFixedBackoff(5 * time.Second)
	}
	if config.Source == nil {
		source := func() (audio.Source, error) {
			return audio.AcquireMicrophone(logger)
		}
		config.Source = source
	}

	return &ConnectionManager{
		logger: logger.WithField("component", "connection_manager").WithField("session_id", config.SessionID),
		bus:    bus,
		config: config,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

// Connect acquires the microphone, performs the signaling handshake and
// starts the analysis loop. Microphone failure is fatal and returned
// immediately; every later failure is handled by the reconnection policy.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mutex.Lock()
	if cm.state != StateIdle {
		cm.mutex.Unlock()
		return errors.ErrAlreadyConnected
	}
	cm.transitionLocked(StateConnecting)
	cm.mutex.Unlock()

	// Microphone acquisition: fatal on failure, never retried
	source, err := cm.config.Source()
	if err != nil {
		cm.mutex.Lock()
		cm.transitionLocked(StateIdle)
		cm.mutex.Unlock()
		return errors.Wrap(errors.ErrMediaAccess, "call blocked before signaling", map[string]interface{}{
			"cause": err.Error(),
		})
	}

	cm.mutex.Lock()
	cm.source = source
	cm.aggregator = analysis.NewAggregator(analysis.AggregatorConfig{
		SessionID:    cm.config.SessionID,
		SampleRate:   cm.config.SampleRate,
		FFTSize:      cm.config.FFTSize,
		TickInterval: cm.config.TickInterval,
		OnReport:     cm.publishReport,
	}, cm.logger.Logger)
	cm.answerCh = make(chan telemetry.AnswerPayload, 4)
	cm.subscribeSignalingLocked()
	cm.mutex.Unlock()

	if err := cm.establish(ctx); err != nil {
		if cm.isShutdown() {
			// Disconnect raced the handshake; resources are already torn down
			return nil
		}
		// Transient: hand the session to the reconnection loop
		cm.logger.WithError(err).Warn("Initial handshake failed, entering reconnection")
		cm.enterReconnecting()
		cm.loopWG.Add(1)
		go cm.reconnectLoop(ctx)
		return nil
	}

	cm.startAnalysisLoop(ctx)
	return nil
}

// startAnalysisLoop spawns the analysis loop if one is not already running
func (cm *ConnectionManager) startAnalysisLoop(ctx context.Context) {
	if !cm.loopRunning.CompareAndSwap(false, true) {
		return
	}
	cm.loopWG.Add(1)
	go func() {
		defer cm.loopRunning.Store(false)
		cm.analysisLoop(ctx)
	}()
}

// establish runs one signaling handshake: STUN, offer, answer, media wire-up
func (cm *ConnectionManager) establish(ctx context.Context) error {
	cm.mutex.Lock()
	if cm.sender == nil {
		sender, err := newMediaSender(cm.config.SessionID, cm.config.MediaPortMin, cm.config.MediaPortMax, cm.logger)
		if err != nil {
			cm.mutex.Unlock()
			return errors.Wrap(err, "failed to bind media socket")
		}
		cm.sender = sender
	}
	sender := cm.sender
	cm.mutex.Unlock()

	// Advertise the server-reflexive address when STUN discovery succeeds
	advertisedIP := "0.0.0.0"
	advertisedPort := sender.localPort
	if len(cm.config.STUNServers) > 0 {
		if reflexive, err := discoverReflexiveAddress(cm.config.STUNServers, cm.logger); err == nil {
			advertisedIP = reflexive.IP
			advertisedPort = reflexive.Port
		} else {
			cm.logger.WithError(err).Debug("STUN discovery failed, offering host candidates only")
		}
	}

	if cm.srtpKey == nil {
		cm.srtpKey = make([]byte, srtpKeyLength)
		cm.srtpSalt = make([]byte, srtpSaltLength)
		rand.Read(cm.srtpKey)
		rand.Read(cm.srtpSalt)
	}

	offer, err := buildOffer(cm.config.SessionID, advertisedIP, advertisedPort, cm.srtpKey, cm.srtpSalt)
	if err != nil {
		return errors.Wrap(err, "failed to build offer")
	}
	offerSDP, err := offer.Marshal()
	if err != nil {
		return errors.Wrap(err, "failed to marshal offer")
	}

	handshakeStart := time.Now()
	if err := cm.bus.Send(telemetry.EventJoin, telemetry.JoinPayload{UserID: cm.config.UserID, Role: cm.config.Role}); err != nil {
		return err
	}
	if err := cm.bus.Send(telemetry.EventOffer, telemetry.OfferPayload{SDP: string(offerSDP)}); err != nil {
		return err
	}

	// Await the answer. ICE candidates may keep arriving after it; the
	// candidate handler tolerates them at any time.
	var answer telemetry.AnswerPayload
	select {
	case answer = <-cm.answerCh:
	case <-time.After(cm.config.HandshakeTimeout):
		return errors.ErrHandshakeTimeout
	case <-cm.done:
		return errors.ErrCanceled
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "connect cancelled")
	}

	if metrics.SignalingLatency != nil {
		metrics.SignalingLatency.WithLabelValues("offer_answer").Observe(time.Since(handshakeStart).Seconds())
	}

	params, err := parseAnswer(answer.SDP, cm.logger)
	if err != nil {
		return err
	}
	if err := sender.configure(params, cm.srtpKey, cm.srtpSalt); err != nil {
		return errors.Wrap(err, "failed to configure media sender")
	}

	// Tolerate a connect that completes after Disconnect was requested
	if cm.isShutdown() {
		sender.close()
		return errors.ErrCanceled
	}

	cm.mutex.Lock()
	cm.transitionLocked(StateConnected)
	cm.mutex.Unlock()
	return nil
}

// subscribeSignalingLocked wires the inbound signaling handlers
func (cm *ConnectionManager) subscribeSignalingLocked() {
	answerCh := cm.answerCh

	unsubAnswer := cm.bus.Subscribe(telemetry.EventAnswer, func(payload json.RawMessage) {
		var answer telemetry.AnswerPayload
		if err := json.Unmarshal(payload, &answer); err != nil {
			cm.logger.WithError(err).Warn("Dropping malformed answer")
			return
		}
		select {
		case answerCh <- answer:
		default:
			cm.logger.Debug("Discarding duplicate answer")
		}
	})

	unsubICE := cm.bus.Subscribe(telemetry.EventICECandidate, func(payload json.RawMessage) {
		var candidate telemetry.ICECandidatePayload
		if err := json.Unmarshal(payload, &candidate); err != nil {
			cm.logger.WithError(err).Warn("Dropping malformed ICE candidate")
			return
		}
		cm.handleRemoteCandidate(candidate.Candidate)
	})

	unsubHarvey := cm.bus.Subscribe(telemetry.EventHarveyMessage, func(payload json.RawMessage) {
		cm.handleHarveyMessage(payload)
	})

	cm.unsubscribers = append(cm.unsubscribers, unsubAnswer, unsubICE, unsubHarvey)
}

// handleRemoteCandidate applies a remote ICE candidate. Candidates may
// arrive before or after the answer; later candidates simply repoint the
// media destination.
func (cm *ConnectionManager) handleRemoteCandidate(raw string) {
	fields := strings.Fields(raw)
	// "candidate:<foundation> <component> udp <priority> <ip> <port> typ <type>"
	if len(fields) < 8 || !strings.EqualFold(fields[2], "udp") {
		cm.logger.WithField("candidate", raw).Debug("Ignoring unusable candidate")
		return
	}

	port, err := strconv.Atoi(fields[5])
	if err != nil {
		cm.logger.WithField("candidate", raw).Debug("Ignoring candidate with invalid port")
		return
	}

	cm.mutex.Lock()
	sender := cm.sender
	cm.mutex.Unlock()
	if sender == nil {
		return
	}

	if err := sender.configure(&mediaParams{remoteIP: fields[4], remotePort: port}, nil, nil); err != nil {
		cm.logger.WithError(err).Debug("Failed to apply remote candidate")
		return
	}
	cm.logger.WithFields(logrus.Fields{
		"ip":   fields[4],
		"port": port,
	}).Debug("Applied remote candidate")
}

// handleHarveyMessage forwards whisper/verdict audio to the remote-audio
// callback; text coaching is routed by the coach package.
func (cm *ConnectionManager) handleHarveyMessage(payload json.RawMessage) {
	if cm.config.OnRemoteAudio == nil {
		return
	}

	var message telemetry.HarveyMessagePayload
	if err := json.Unmarshal(payload, &message); err != nil {
		cm.logger.WithError(err).Warn("Dropping malformed coaching message")
		return
	}
	if message.Type != "whisper" && message.Type != "verdict" {
		return
	}

	var body struct {
		Audio []byte `json:"audio"`
	}
	if err := json.Unmarshal(message.Payload, &body); err != nil || len(body.Audio) == 0 {
		return
	}
	cm.config.OnRemoteAudio(body.Audio)
}

// analysisLoop drives the fixed-cadence analysis tick and media
// transmission until disconnect or loss of the audio tap.
func (cm *ConnectionManager) analysisLoop(ctx context.Context) {
	defer cm.loopWG.Done()

	ticker := time.NewTicker(cm.config.TickInterval)
	defer ticker.Stop()

	consecutiveSendErrors := 0

	for {
		select {
		case <-cm.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cm.mutex.Lock()
		source := cm.source
		sender := cm.sender
		aggregator := cm.aggregator
		state := cm.state
		cm.mutex.Unlock()

		if source == nil || aggregator == nil {
			return
		}

		frame, err := source.ReadFrame()
		if err != nil {
			if err == io.EOF {
				cm.logger.Info("Audio source drained, analysis stopped")
			} else {
				// Advisory: the call continues, metrics simply go stale
				cm.logger.WithError(err).Warn("Audio tap lost, analysis stopped")
			}
			return
		}

		aggregator.ProcessFrame(frame)

		if state != StateConnected || sender == nil {
			continue
		}

		if _, err := sender.sendFrame(frame); err != nil {
			consecutiveSendErrors++
			cm.logger.WithError(err).WithField("consecutive", consecutiveSendErrors).Debug("Media send failed")
			if consecutiveSendErrors >= 3 {
				cm.logger.Warn("Media path failing, entering reconnection")
				cm.enterReconnecting()
				cm.loopWG.Add(1)
				go cm.reconnectLoop(ctx)
				consecutiveSendErrors = 0
			}
			continue
		}
		consecutiveSendErrors = 0
	}
}

// reconnectLoop retries the handshake on the fixed backoff until it
// succeeds or Disconnect is called. There is no maximum attempt count.
func (cm *ConnectionManager) reconnectLoop(ctx context.Context) {
	defer cm.loopWG.Done()

	attempt := 0
	for {
		select {
		case <-cm.done:
			return
		case <-ctx.Done():
			return
		case <-time.After(cm.config.Backoff.Delay(attempt + 1)):
		}

		attempt++
		metrics.RecordPeerReconnect()
		cm.logger.WithField("attempt", attempt).Info("Attempting peer reconnection")

		if err := cm.establish(ctx); err != nil {
			if cm.isShutdown() {
				return
			}
			cm.logger.WithError(err).WithField("attempt", attempt).Warn("Peer reconnection failed")
			continue
		}

		cm.logger.WithField("attempt", attempt).Info("Peer reconnection succeeded")
		cm.startAnalysisLoop(ctx)
		return
	}
}

// enterReconnecting flips the state and signals loss to the caller
func (cm *ConnectionManager) enterReconnecting() {
	cm.mutex.Lock()
	if cm.state == StateReconnecting || cm.state == StateIdle {
		cm.mutex.Unlock()
		return
	}
	cm.transitionLocked(StateReconnecting)
	cm.mutex.Unlock()
}

// publishReport forwards each analysis report locally and outbound
func (cm *ConnectionManager) publishReport(report analysis.Report) {
	if cm.config.OnVoiceAnalysis != nil {
		cm.config.OnVoiceAnalysis(report)
	}

	if cm.bus != nil && cm.bus.IsConnected() {
		err := cm.bus.Send(telemetry.EventVoiceAnalysis, telemetry.VoiceAnalysisPayload{
			Metrics:    report.Metrics,
			Confidence: report.Confidence,
			Sentiment:  report.Sentiment,
		})
		if err == nil && metrics.AnalysisSnapshotsSent != nil {
			metrics.AnalysisSnapshotsSent.WithLabelValues(cm.config.SessionID).Inc()
		}
	}
}

// SetMuted toggles whether captured audio is transmitted. Analysis of the
// agent's own voice continues while muted.
func (cm *ConnectionManager) SetMuted(muted bool) {
	cm.mutex.Lock()
	sender := cm.sender
	cm.mutex.Unlock()

	if sender != nil {
		sender.setMuted(muted)
		cm.logger.WithField("muted", muted).Debug("Mute state changed")
	}
}

// State returns the current lifecycle state
func (cm *ConnectionManager) State() State {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	return cm.state
}

// Disconnect tears down the peer connection, media and analysis loop.
// Safe to call at any time, including while Connect is still pending.
func (cm *ConnectionManager) Disconnect() {
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mutex.Lock()
		for _, unsubscribe := range cm.unsubscribers {
			unsubscribe()
		}
		cm.unsubscribers = nil

		if cm.source != nil {
			cm.source.Close()
			cm.source = nil
		}
		if cm.sender != nil {
			cm.sender.close()
			cm.sender = nil
		}
		cm.transitionLocked(StateIdle)
		cm.mutex.Unlock()

		cm.loopWG.Wait()
		cm.logger.Info("Peer connection disconnected")
	})
}

func (cm *ConnectionManager) isShutdown() bool {
	select {
	case <-cm.done:
		return true
	default:
		return false
	}
}

// transitionLocked records a state change and notifies the caller when
// the connected boolean flips. Only true/false crosses the callback
// boundary; causes go to the log.
func (cm *ConnectionManager) transitionLocked(next State) {
	if cm.state == next {
		return
	}
	previous := cm.state
	cm.state = next
	metrics.RecordPeerTransition(previous.String(), next.String())
	cm.logger.WithFields(logrus.Fields{
		"from": previous.String(),
		"to":   next.String(),
	}).Debug("Connection state transition")

	connected := next == StateConnected
	if connected != cm.lastConnected {
		cm.lastConnected = connected
		if cm.config.OnStateChanged != nil {
			// Queue the flip so rapid transitions reach the caller in the
			// order they happened; a single drainer preserves FIFO order
			// without holding the lock across caller code.
			cm.pendingNotifies = append(cm.pendingNotifies, connected)
			if !cm.notifying {
				cm.notifying = true
				go cm.drainNotifies()
			}
		}
	}
}

// drainNotifies delivers queued connected flips one at a time, in order
func (cm *ConnectionManager) drainNotifies() {
	for {
		cm.mutex.Lock()
		if len(cm.pendingNotifies) == 0 {
			cm.notifying = false
			cm.mutex.Unlock()
			return
		}
		connected := cm.pendingNotifies[0]
		cm.pendingNotifies = cm.pendingNotifies[1:]
		callback := cm.config.OnStateChanged
		cm.mutex.Unlock()

		callback(connected)
	}
}
