package coach

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/audio"
	"warroom-agent/pkg/telemetry"
)

// whisperGain attenuates in-call whisper audio so it sits under the live
// conversation instead of drowning it
const whisperGain = 0.3

// Message sub-types carried inside the coaching envelope
const (
	TypeWhisper  = "whisper"
	TypeVerdict  = "verdict"
	TypeCoaching = "coaching"
)

// Coaching is a text prompt from the coach backend
type Coaching struct {
	Message string `json:"message"`
	Urgent  bool   `json:"urgent"`
}

type audioBody struct {
	Audio []byte `json:"audio"`
}

// Router demultiplexes inbound coaching messages to typed listeners.
// Whisper audio is decoded and attenuated before delivery; verdict audio
// plays at full volume after the call.
type Router struct {
	logger *logrus.Entry

	mutex             sync.RWMutex
	whisperListeners  map[int]func(samples []float64)
	verdictListeners  map[int]func(samples []float64)
	coachingListeners map[int]func(Coaching)
	nextID            int

	unsubscribe func()
	closeOnce   sync.Once
}

// NewRouter creates a router subscribed to the coaching message stream
func NewRouter(bus telemetry.Bus, logger *logrus.Logger) *Router {
	r := &Router{
		logger:            logger.WithField("component", "coach_router"),
		whisperListeners:  make(map[int]func([]float64)),
		verdictListeners:  make(map[int]func([]float64)),
		coachingListeners: make(map[int]func(Coaching)),
	}
	r.unsubscribe = bus.Subscribe(telemetry.EventHarveyMessage, r.handleMessage)
	return r
}

func (r *Router) handleMessage(payload json.RawMessage) {
	var envelope telemetry.HarveyMessagePayload
	if err := json.Unmarshal(payload, &envelope); err != nil {
		r.logger.WithError(err).Warn("Dropping malformed coaching message")
		return
	}

	switch envelope.Type {
	case TypeWhisper:
		r.deliverAudio(envelope.Payload, whisperGain, r.snapshotWhisper())
	case TypeVerdict:
		r.deliverAudio(envelope.Payload, 1.0, r.snapshotVerdict())
	case TypeCoaching:
		var coaching Coaching
		if err := json.Unmarshal(envelope.Payload, &coaching); err != nil {
			r.logger.WithError(err).Warn("Dropping malformed coaching text")
			return
		}
		for _, listener := range r.snapshotCoaching() {
			listener(coaching)
		}
		if coaching.Urgent {
			r.logger.WithField("message", coaching.Message).Info("Urgent coaching prompt")
		}
	default:
		r.logger.WithField("type", envelope.Type).Debug("Ignoring unknown coaching message type")
	}
}

func (r *Router) deliverAudio(payload json.RawMessage, gain float64, listeners []func([]float64)) {
	if len(listeners) == 0 {
		return
	}

	var body audioBody
	if err := json.Unmarshal(payload, &body); err != nil || len(body.Audio) == 0 {
		r.logger.WithError(err).Warn("Dropping coaching audio without payload")
		return
	}

	if gain != 1.0 {
		audio.ApplyGain(body.Audio, gain)
	}
	samples := audio.DecodePCM16(body.Audio)

	for _, listener := range listeners {
		listener(samples)
	}
}

// OnWhisper registers a listener for attenuated in-call whisper audio
func (r *Router) OnWhisper(listener func(samples []float64)) func() {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	r.whisperListeners[id] = listener
	r.mutex.Unlock()

	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(r.whisperListeners, id)
	}
}

// OnVerdict registers a listener for full-volume post-call verdict audio
func (r *Router) OnVerdict(listener func(samples []float64)) func() {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	r.verdictListeners[id] = listener
	r.mutex.Unlock()

	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(r.verdictListeners, id)
	}
}

// OnCoaching registers a listener for text coaching prompts
func (r *Router) OnCoaching(listener func(Coaching)) func() {
	r.mutex.Lock()
	id := r.nextID
	r.nextID++
	r.coachingListeners[id] = listener
	r.mutex.Unlock()

	return func() {
		r.mutex.Lock()
		defer r.mutex.Unlock()
		delete(r.coachingListeners, id)
	}
}

func (r *Router) snapshotWhisper() []func([]float64) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	snapshot := make([]func([]float64), 0, len(r.whisperListeners))
	for _, listener := range r.whisperListeners {
		snapshot = append(snapshot, listener)
	}
	return snapshot
}

func (r *Router) snapshotVerdict() []func([]float64) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	snapshot := make([]func([]float64), 0, len(r.verdictListeners))
	for _, listener := range r.verdictListeners {
		snapshot = append(snapshot, listener)
	}
	return snapshot
}

func (r *Router) snapshotCoaching() []func(Coaching) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	snapshot := make([]func(Coaching), 0, len(r.coachingListeners))
	for _, listener := range r.coachingListeners {
		snapshot = append(snapshot, listener)
	}
	return snapshot
}

// Close detaches the router from the channel
func (r *Router) Close() {
	r.closeOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
	})
}
