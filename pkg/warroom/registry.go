package warroom

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/errors"
	"warroom-agent/pkg/metrics"
	"warroom-agent/pkg/telemetry"
)

// removalGrace keeps an ended call visible briefly so the board can show
// its outcome before the row disappears
const removalGrace = 5 * time.Second

// RegistryConfig tunes the registry; zero values take the defaults
type RegistryConfig struct {
	// RemovalGrace overrides how long ended calls linger; tests shrink it
	RemovalGrace time.Duration
	// SpectatorCap limits how many spectators one call lists; 0 means
	// unbounded
	SpectatorCap int
}

// Registry is the client-side mirror of every call the backend announces.
// All mutation flows through inbound channel events; local code only
// reads. Sessions keep their arrival order so the board does not reshuffle
// on every update.
type Registry struct {
	logger *logrus.Entry
	bus    telemetry.Bus
	config RegistryConfig

	mutex    sync.RWMutex
	sessions map[string]*CallSession
	order    []string
	removals map[string]*time.Timer

	teamStats    TeamStats
	hasTeamStats bool

	subscribers       map[int]func([]CallSession)
	statSubscribers   map[int]func(TeamStats)
	startSubscribers  map[int]func(CallSession)
	updateSubscribers map[int]func(CallSession)
	endSubscribers    map[int]func(CallSession)
	nextID            int

	unsubscribers []func()
	closeOnce     sync.Once
}

// NewRegistry creates a registry and wires it to the telemetry channel
func NewRegistry(bus telemetry.Bus, config RegistryConfig, logger *logrus.Logger) *Registry {
	if config.RemovalGrace <= 0 {
		config.RemovalGrace = removalGrace
	}

	r := &Registry{
		logger:            logger.WithField("component", "warroom_registry"),
		bus:               bus,
		config:            config,
		sessions:          make(map[string]*CallSession),
		removals:          make(map[string]*time.Timer),
		subscribers:       make(map[int]func([]CallSession)),
		statSubscribers:   make(map[int]func(TeamStats)),
		startSubscribers:  make(map[int]func(CallSession)),
		updateSubscribers: make(map[int]func(CallSession)),
		endSubscribers:    make(map[int]func(CallSession)),
	}

	r.unsubscribers = append(r.unsubscribers,
		bus.Subscribe(telemetry.EventCallStarted, r.handleCallStarted),
		bus.Subscribe(telemetry.EventCallUpdated, r.handleCallUpdated),
		bus.Subscribe(telemetry.EventCallEnded, r.handleCallEnded),
		bus.Subscribe(telemetry.EventVoiceAnalysisIn, r.handleVoiceAnalysis),
		bus.Subscribe(telemetry.EventHarveyAdvice, r.handleAdvice),
		bus.Subscribe(telemetry.EventSpectatorUpdate, r.handleSpectatorUpdate),
		bus.Subscribe(telemetry.EventTeamStats, r.handleTeamStats),
		bus.OnConnect(r.handleConnect),
	)

	return r
}

// handleConnect resynchronizes the mirror after every (re)connect. The
// backend replies with call:started events for everything currently live.
func (r *Registry) handleConnect(reconnected bool) {
	if err := r.bus.Send(telemetry.EventRequestCalls, nil); err != nil {
		r.logger.WithError(err).Warn("Failed to request active calls")
		return
	}
	r.logger.WithField("reconnected", reconnected).Info("Requested active call resync")
}

func (r *Registry) handleCallStarted(payload json.RawMessage) {
	var event telemetry.CallStartedPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.CallID == "" {
		r.logger.WithError(err).Warn("Dropping malformed call:started")
		return
	}

	r.mutex.Lock()
	session, exists := r.sessions[event.CallID]
	isNew := !exists
	if !exists {
		session = &CallSession{
			CallID: event.CallID,
			Status: StatusActive,
		}
		r.sessions[event.CallID] = session
		r.order = append(r.order, event.CallID)
	}
	// A resync replay must not clear metrics accumulated meanwhile
	session.AgentID = event.AgentID
	session.AgentName = event.AgentName
	session.ProspectName = event.ProspectName
	session.PhoneNumber = event.PhoneNumber
	session.StartedAt = event.StartedAt
	session.Status = StatusActive
	session.EndedAt = time.Time{}
	r.cancelRemovalLocked(event.CallID)
	r.mutex.Unlock()

	r.logger.WithFields(logrus.Fields{
		"call_id":  event.CallID,
		"agent_id": event.AgentID,
	}).Info("Call session started")
	r.publishActiveGauge()
	r.notify()
	// A resync replay of a known call is an update, not a fresh start
	if isNew {
		r.notifyCallEvent(r.startSubscribers, event.CallID)
	} else {
		r.notifyCallEvent(r.updateSubscribers, event.CallID)
	}
}

// handleCallUpdated applies a merge-patch: only fields present in the
// payload change, everything else is preserved.
func (r *Registry) handleCallUpdated(payload json.RawMessage) {
	var event telemetry.CallUpdatedPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.CallID == "" {
		r.logger.WithError(err).Warn("Dropping malformed call:updated")
		return
	}

	r.mutex.Lock()
	session, exists := r.sessions[event.CallID]
	if !exists {
		r.mutex.Unlock()
		r.logger.WithField("call_id", event.CallID).Debug("Update for unknown call ignored")
		return
	}
	if event.Status != nil {
		session.Status = *event.Status
	}
	if event.AgentName != nil {
		session.AgentName = *event.AgentName
	}
	if event.ProspectName != nil {
		session.ProspectName = *event.ProspectName
	}
	if event.Metrics != nil {
		snapshot := *event.Metrics
		session.Metrics = &snapshot
	}
	if event.Confidence != nil {
		session.Confidence = *event.Confidence
	}
	if event.Sentiment != nil {
		session.Sentiment = *event.Sentiment
	}
	r.mutex.Unlock()

	r.notify()
	r.notifyCallEvent(r.updateSubscribers, event.CallID)
}

func (r *Registry) handleCallEnded(payload json.RawMessage) {
	var event telemetry.CallEndedPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.CallID == "" {
		r.logger.WithError(err).Warn("Dropping malformed call:ended")
		return
	}

	r.mutex.Lock()
	session, exists := r.sessions[event.CallID]
	if !exists {
		r.mutex.Unlock()
		return
	}
	session.Status = StatusEnding
	session.EndedAt = time.Now()
	r.scheduleRemovalLocked(event.CallID)
	r.mutex.Unlock()

	r.logger.WithField("call_id", event.CallID).Info("Call session ending")
	r.notify()
	r.notifyCallEvent(r.endSubscribers, event.CallID)
}

// handleVoiceAnalysis patches only the metric fields. Spectator lists and
// identity fields are untouched even when absent from the payload.
func (r *Registry) handleVoiceAnalysis(payload json.RawMessage) {
	var event telemetry.VoiceAnalysisInPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.CallID == "" {
		r.logger.WithError(err).Warn("Dropping malformed voice:analysis")
		return
	}

	r.mutex.Lock()
	session, exists := r.sessions[event.CallID]
	if !exists {
		r.mutex.Unlock()
		return
	}
	snapshot := event.Metrics
	session.Metrics = &snapshot
	session.Confidence = event.Confidence
	session.Sentiment = event.Sentiment
	r.mutex.Unlock()

	r.notify()
	r.notifyCallEvent(r.updateSubscribers, event.CallID)
}

func (r *Registry) handleAdvice(payload json.RawMessage) {
	var event telemetry.HarveyAdvicePayload
	if err := json.Unmarshal(payload, &event); err != nil || event.CallID == "" {
		r.logger.WithError(err).Warn("Dropping malformed harvey:advice")
		return
	}

	r.mutex.Lock()
	session, exists := r.sessions[event.CallID]
	if !exists {
		r.mutex.Unlock()
		return
	}
	session.Advice = event.Advice
	session.AdviceScore = event.Score
	r.mutex.Unlock()

	r.notify()
	r.notifyCallEvent(r.updateSubscribers, event.CallID)
}

// handleSpectatorUpdate replaces only the spectator list; metrics and
// advice on the session survive untouched.
func (r *Registry) handleSpectatorUpdate(payload json.RawMessage) {
	var event telemetry.SpectatorUpdatePayload
	if err := json.Unmarshal(payload, &event); err != nil || event.CallID == "" {
		r.logger.WithError(err).Warn("Dropping malformed spectator:update")
		return
	}

	spectators := event.Spectators
	if r.config.SpectatorCap > 0 && len(spectators) > r.config.SpectatorCap {
		spectators = spectators[:r.config.SpectatorCap]
	}

	r.mutex.Lock()
	session, exists := r.sessions[event.CallID]
	if !exists {
		r.mutex.Unlock()
		return
	}
	session.Spectators = append([]string(nil), spectators...)
	total := 0
	for _, s := range r.sessions {
		total += len(s.Spectators)
	}
	r.mutex.Unlock()

	if metrics.Spectators != nil {
		metrics.Spectators.Set(float64(total))
	}
	r.notify()
	r.notifyCallEvent(r.updateSubscribers, event.CallID)
}

func (r *Registry) handleTeamStats(payload json.RawMessage) {
	var event telemetry.TeamStatsPayload
	if err := json.Unmarshal(payload, &event); err != nil {
		r.logger.WithError(err).Warn("Dropping malformed team:stats")
		return
	}

	stats := TeamStats{
		ActiveCalls:   event.ActiveCalls,
		AvgConfidence: event.AvgConfidence,
		SuccessRate:   event.SuccessRate,
		CurrentStreak: event.CurrentStreak,
	}

	r.mutex.Lock()
	r.teamStats = stats
	r.hasTeamStats = true
	snapshot := make([]func(TeamStats), 0, len(r.statSubscribers))
	for _, subscriber := range r.statSubscribers {
		snapshot = append(snapshot, subscriber)
	}
	r.mutex.Unlock()

	for _, subscriber := range snapshot {
		subscriber(stats)
	}
}

// scheduleRemovalLocked arms the grace timer for an ended call
func (r *Registry) scheduleRemovalLocked(callID string) {
	r.cancelRemovalLocked(callID)
	r.removals[callID] = time.AfterFunc(r.config.RemovalGrace, func() {
		r.remove(callID)
	})
}

func (r *Registry) cancelRemovalLocked(callID string) {
	if timer, ok := r.removals[callID]; ok {
		timer.Stop()
		delete(r.removals, callID)
	}
}

func (r *Registry) remove(callID string) {
	r.mutex.Lock()
	if _, exists := r.sessions[callID]; !exists {
		r.mutex.Unlock()
		return
	}
	delete(r.sessions, callID)
	delete(r.removals, callID)
	for i, id := range r.order {
		if id == callID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.mutex.Unlock()

	r.logger.WithField("call_id", callID).Debug("Call session removed")
	r.publishActiveGauge()
	r.notify()
}

// SpectateCall asks the backend to add this user to a call's spectators
func (r *Registry) SpectateCall(callID string) error {
	r.mutex.RLock()
	_, exists := r.sessions[callID]
	r.mutex.RUnlock()
	if !exists {
		return errors.Wrap(errors.ErrSessionNotFound, "cannot spectate", map[string]interface{}{
			"call_id": callID,
		})
	}
	return r.bus.Send(telemetry.EventSpectatorJoin, telemetry.SpectatorPayload{CallID: callID})
}

// LeaveCall asks the backend to drop this user from a call's spectators
func (r *Registry) LeaveCall(callID string) error {
	return r.bus.Send(telemetry.EventSpectatorLeave, telemetry.SpectatorPayload{CallID: callID})
}

// Sessions returns all known sessions in arrival order
func (r *Registry) Sessions() []CallSession {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.snapshotLocked()
}

// Get returns one session by call ID
func (r *Registry) Get(callID string) (CallSession, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	session, exists := r.sessions[callID]
	if !exists {
		return CallSession{}, false
	}
	return session.clone(), true
}

// TeamStats returns the latest backend aggregate, if one has arrived
func (r *Registry) TeamStats() (TeamStats, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.teamStats, r.hasTeamStats
}

// Subscribe registers a listener for session list changes and returns its
// disposer. The listener receives a fresh snapshot on every change.
func (r *Registry) Subscribe(subscriber func([]CallSession)) func() {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	r.subscribers[id] = subscriber
	r.mutex.Unlock()

	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(r.subscribers, id)
	}
}

// SubscribeTeamStats registers a listener for team aggregate updates
func (r *Registry) SubscribeTeamStats(subscriber func(TeamStats)) func() {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	r.statSubscribers[id] = subscriber
	r.mutex.Unlock()

	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(r.statSubscribers, id)
	}
}

// OnCallStart registers a listener for newly announced call sessions
func (r *Registry) OnCallStart(subscriber func(CallSession)) func() {
	return r.addCallSubscriber(r.startSubscribers, subscriber)
}

// OnCallUpdate registers a listener for patches to a known session:
// merge-patch updates, metrics, advice and spectator changes.
func (r *Registry) OnCallUpdate(subscriber func(CallSession)) func() {
	return r.addCallSubscriber(r.updateSubscribers, subscriber)
}

// OnCallEnd registers a listener fired when a session enters its ending
// grace period
func (r *Registry) OnCallEnd(subscriber func(CallSession)) func() {
	return r.addCallSubscriber(r.endSubscribers, subscriber)
}

func (r *Registry) addCallSubscriber(subscribers map[int]func(CallSession), subscriber func(CallSession)) func() {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	subscribers[id] = subscriber
	r.mutex.Unlock()

	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(subscribers, id)
	}
}

// notifyCallEvent delivers a copy of the affected session to the per-event
// listeners, outside the lock
func (r *Registry) notifyCallEvent(subscribers map[int]func(CallSession), callID string) {
	r.mutex.RLock()
	session, exists := r.sessions[callID]
	var clone CallSession
	if exists {
		clone = session.clone()
	}
	snapshot := make([]func(CallSession), 0, len(subscribers))
	for _, subscriber := range subscribers {
		snapshot = append(snapshot, subscriber)
	}
	r.mutex.RUnlock()

	if !exists {
		return
	}
	for _, subscriber := range snapshot {
		subscriber(clone)
	}
}

// notify fans the current snapshot out to all subscribers outside the lock
func (r *Registry) notify() {
	r.mutex.RLock()
	sessions := r.snapshotLocked()
	snapshot := make([]func([]CallSession), 0, len(r.subscribers))
	for _, subscriber := range r.subscribers {
		snapshot = append(snapshot, subscriber)
	}
	r.mutex.RUnlock()

	for _, subscriber := range snapshot {
		subscriber(sessions)
	}
}

func (r *Registry) snapshotLocked() []CallSession {
	sessions := make([]CallSession, 0, len(r.order))
	for _, id := range r.order {
		if session, ok := r.sessions[id]; ok {
			sessions = append(sessions, session.clone())
		}
	}
	return sessions
}

func (r *Registry) publishActiveGauge() {
	if metrics.ActiveCalls == nil {
		return
	}
	r.mutex.RLock()
	count := len(r.sessions)
	r.mutex.RUnlock()
	metrics.ActiveCalls.Set(float64(count))
}

// Close detaches the registry from the channel and stops pending removals
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		r.mutex.Lock()
		for _, unsubscribe := range r.unsubscribers {
			unsubscribe()
		}
		r.unsubscribers = nil
		for id, timer := range r.removals {
			timer.Stop()
			delete(r.removals, id)
		}
		r.mutex.Unlock()
		r.logger.Debug("War room registry closed")
	})
}
