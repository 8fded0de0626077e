package warroom

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/errors"
	"warroom-agent/pkg/metrics"
	"warroom-agent/pkg/telemetry"
)

// purgeGrace keeps a finished battle visible long enough for the board to
// show the winner before the entry disappears
const purgeGrace = 5 * time.Second

// BattleScores holds both participants' scores together. Updates always
// replace the pair atomically so one side can never be stale relative to
// the other.
type BattleScores struct {
	Rep1 int `json:"rep1"`
	Rep2 int `json:"rep2"`
}

// Battle is one head-to-head contest between two reps. A battle arrives
// pending (Active false, EndedAt zero) when a pairing still awaits
// acceptance and goes live once both parties accept.
type Battle struct {
	BattleID string `json:"battleId"`
	// RequestID correlates the battle with the local RequestBattle call
	// that asked for the pairing, when this client originated it
	RequestID string       `json:"requestId,omitempty"`
	Rep1ID    string       `json:"rep1Id"`
	Rep2ID    string       `json:"rep2Id"`
	Scores    BattleScores `json:"scores"`
	Active    bool         `json:"active"`
	WinnerID  string       `json:"winnerId,omitempty"`
	// Duration is the battle time box, seconds; 0 means open-ended
	Duration  int       `json:"duration,omitempty"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
}

// CoordinatorConfig tunes the battle coordinator; zero values take defaults
type CoordinatorConfig struct {
	// PurgeGrace overrides how long ended battles linger; tests shrink it
	PurgeGrace time.Duration
}

// Coordinator mirrors battle state from the backend and layers the local
// rules on top: the time box and the forfeit-on-disconnect outcome.
type Coordinator struct {
	logger   *logrus.Entry
	bus      telemetry.Bus
	registry *Registry
	config   CoordinatorConfig

	mutex   sync.RWMutex
	battles map[string]*Battle
	order   []string
	purges  map[string]*time.Timer
	timers  map[string]*time.Timer

	subscribers       map[int]func([]Battle)
	battleSubscribers map[int]func(Battle)
	nextID            int

	unsubscribers []func()
	closeOnce     sync.Once
}

// NewCoordinator creates a coordinator wired to the channel. The registry
// is consulted to map ended calls to battle participants for forfeits.
func NewCoordinator(bus telemetry.Bus, registry *Registry, config CoordinatorConfig, logger *logrus.Logger) *Coordinator {
	if config.PurgeGrace <= 0 {
		config.PurgeGrace = purgeGrace
	}

	c := &Coordinator{
		logger:            logger.WithField("component", "battle_coordinator"),
		bus:               bus,
		registry:          registry,
		config:            config,
		battles:           make(map[string]*Battle),
		purges:            make(map[string]*time.Timer),
		timers:            make(map[string]*time.Timer),
		subscribers:       make(map[int]func([]Battle)),
		battleSubscribers: make(map[int]func(Battle)),
	}

	c.unsubscribers = append(c.unsubscribers,
		bus.Subscribe(telemetry.EventBattleStarted, c.handleBattleStarted),
		bus.Subscribe(telemetry.EventBattleUpdated, c.handleBattleUpdated),
		bus.Subscribe(telemetry.EventBattleEnded, c.handleBattleEnded),
		bus.Subscribe(telemetry.EventCallEnded, c.handleCallEnded),
	)

	return c
}

// RequestBattle asks the backend to pair two reps into a battle and
// returns the client-generated request id
func (c *Coordinator) RequestBattle(rep1ID, rep2ID string) (string, error) {
	if rep1ID == "" || rep2ID == "" || rep1ID == rep2ID {
		return "", errors.Wrap(errors.ErrInvalidInput, "battle needs two distinct reps")
	}
	requestID := uuid.NewString()
	err := c.bus.Send(telemetry.EventBattleRequest, telemetry.BattleRequestPayload{
		RequestID: requestID,
		Rep1ID:    rep1ID,
		Rep2ID:    rep2ID,
	})
	if err != nil {
		return "", err
	}
	return requestID, nil
}

// AcceptBattle accepts a pending battle invitation
func (c *Coordinator) AcceptBattle(battleID string) error {
	return c.bus.Send(telemetry.EventBattleAccept, telemetry.BattleAnswerPayload{BattleID: battleID})
}

// DeclineBattle declines a pending battle invitation
func (c *Coordinator) DeclineBattle(battleID string) error {
	return c.bus.Send(telemetry.EventBattleDecline, telemetry.BattleAnswerPayload{BattleID: battleID})
}

// handleBattleStarted mirrors a new pairing. Active false announces a
// pending battle that still awaits acceptance; absent means live.
func (c *Coordinator) handleBattleStarted(payload json.RawMessage) {
	var event telemetry.BattleEventPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.BattleID == "" {
		c.logger.WithError(err).Warn("Dropping malformed battle:started")
		return
	}

	active := event.Active == nil || *event.Active

	c.mutex.Lock()
	battle, exists := c.battles[event.BattleID]
	if !exists {
		battle = &Battle{BattleID: event.BattleID}
		c.battles[event.BattleID] = battle
		c.order = append(c.order, event.BattleID)
	}
	if event.RequestID != "" {
		battle.RequestID = event.RequestID
	}
	battle.Rep1ID = event.Rep1ID
	battle.Rep2ID = event.Rep2ID
	battle.Active = active
	battle.WinnerID = ""
	battle.Duration = event.Duration
	battle.EndedAt = time.Time{}
	if active {
		battle.StartedAt = time.Now()
	} else {
		// The clock starts when both parties accept
		battle.StartedAt = time.Time{}
	}
	if event.Scores != nil {
		battle.Scores = BattleScores{Rep1: event.Scores.Rep1, Rep2: event.Scores.Rep2}
	} else {
		battle.Scores = BattleScores{}
	}
	c.cancelPurgeLocked(event.BattleID)
	if active && event.Duration > 0 {
		c.armTimeBoxLocked(event.BattleID, time.Duration(event.Duration)*time.Second)
	}
	c.mutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"battle_id": event.BattleID,
		"rep1_id":   event.Rep1ID,
		"rep2_id":   event.Rep2ID,
		"duration":  event.Duration,
		"active":    active,
	}).Info("Battle started")
	c.publishGauge()
	c.notify()
	c.notifyBattle(event.BattleID)
}

// handleBattleUpdated replaces the score pair atomically and applies
// activation flips: a pending pairing goes live when both parties accept,
// an active battle ends when the backend deactivates it. Updates for
// battles that already ended change nothing.
func (c *Coordinator) handleBattleUpdated(payload json.RawMessage) {
	var event telemetry.BattleEventPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.BattleID == "" {
		c.logger.WithError(err).Warn("Dropping malformed battle:updated")
		return
	}

	c.mutex.Lock()
	battle, exists := c.battles[event.BattleID]
	if !exists || (!battle.Active && !battle.EndedAt.IsZero()) {
		c.mutex.Unlock()
		return
	}
	if event.Scores != nil {
		battle.Scores = BattleScores{Rep1: event.Scores.Rep1, Rep2: event.Scores.Rep2}
	}
	if event.Active != nil {
		switch {
		case *event.Active && !battle.Active:
			battle.Active = true
			battle.StartedAt = time.Now()
			if battle.Duration > 0 {
				c.armTimeBoxLocked(battle.BattleID, time.Duration(battle.Duration)*time.Second)
			}
		case !*event.Active:
			// An active battle ends, a pending pairing was declined
			c.finishLocked(battle, event.WinnerID)
		}
	}
	c.mutex.Unlock()

	c.publishGauge()
	c.notify()
	c.notifyBattle(event.BattleID)
}

func (c *Coordinator) handleBattleEnded(payload json.RawMessage) {
	var event telemetry.BattleEventPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.BattleID == "" {
		c.logger.WithError(err).Warn("Dropping malformed battle:ended")
		return
	}

	c.mutex.Lock()
	battle, exists := c.battles[event.BattleID]
	if !exists {
		c.mutex.Unlock()
		return
	}
	if event.Scores != nil {
		battle.Scores = BattleScores{Rep1: event.Scores.Rep1, Rep2: event.Scores.Rep2}
	}
	c.finishLocked(battle, event.WinnerID)
	c.mutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"battle_id": event.BattleID,
		"winner_id": event.WinnerID,
	}).Info("Battle ended")
	c.publishGauge()
	c.notify()
	c.notifyBattle(event.BattleID)
}

// handleCallEnded applies the forfeit rule: when a participant's call
// session ends mid-battle, the remaining participant wins immediately.
func (c *Coordinator) handleCallEnded(payload json.RawMessage) {
	var event telemetry.CallEndedPayload
	if err := json.Unmarshal(payload, &event); err != nil || event.CallID == "" {
		return
	}

	agentID := event.CallID
	if c.registry != nil {
		if session, ok := c.registry.Get(event.CallID); ok && session.AgentID != "" {
			agentID = session.AgentID
		}
	}

	var forfeited []string
	c.mutex.Lock()
	for _, battle := range c.battles {
		if !battle.Active {
			continue
		}
		switch agentID {
		case battle.Rep1ID:
			c.finishLocked(battle, battle.Rep2ID)
			forfeited = append(forfeited, battle.BattleID)
		case battle.Rep2ID:
			c.finishLocked(battle, battle.Rep1ID)
			forfeited = append(forfeited, battle.BattleID)
		}
	}
	c.mutex.Unlock()

	if len(forfeited) == 0 {
		return
	}
	for _, battleID := range forfeited {
		c.logger.WithFields(logrus.Fields{
			"battle_id": battleID,
			"agent_id":  agentID,
		}).Info("Battle forfeited on participant disconnect")
		c.notifyBattle(battleID)
	}
	c.publishGauge()
	c.notify()
}

// armTimeBoxLocked ends the battle when its time box expires; the leader
// on score wins, a tie produces no winner
func (c *Coordinator) armTimeBoxLocked(battleID string, duration time.Duration) {
	if timer, ok := c.timers[battleID]; ok {
		timer.Stop()
	}
	c.timers[battleID] = time.AfterFunc(duration, func() {
		c.mutex.Lock()
		battle, exists := c.battles[battleID]
		if !exists || !battle.Active {
			c.mutex.Unlock()
			return
		}
		winner := ""
		if battle.Scores.Rep1 > battle.Scores.Rep2 {
			winner = battle.Rep1ID
		} else if battle.Scores.Rep2 > battle.Scores.Rep1 {
			winner = battle.Rep2ID
		}
		c.finishLocked(battle, winner)
		c.mutex.Unlock()

		c.logger.WithFields(logrus.Fields{
			"battle_id": battleID,
			"winner_id": winner,
		}).Info("Battle time box expired")
		c.publishGauge()
		c.notify()
		c.notifyBattle(battleID)
	})
}

// finishLocked marks a battle over and arms its purge timer
func (c *Coordinator) finishLocked(battle *Battle, winnerID string) {
	if !battle.Active && !battle.EndedAt.IsZero() {
		return
	}
	battle.Active = false
	battle.WinnerID = winnerID
	battle.EndedAt = time.Now()
	if timer, ok := c.timers[battle.BattleID]; ok {
		timer.Stop()
		delete(c.timers, battle.BattleID)
	}
	c.schedulePurgeLocked(battle.BattleID)
}

func (c *Coordinator) schedulePurgeLocked(battleID string) {
	c.cancelPurgeLocked(battleID)
	c.purges[battleID] = time.AfterFunc(c.config.PurgeGrace, func() {
		c.purge(battleID)
	})
}

func (c *Coordinator) cancelPurgeLocked(battleID string) {
	if timer, ok := c.purges[battleID]; ok {
		timer.Stop()
		delete(c.purges, battleID)
	}
}

func (c *Coordinator) purge(battleID string) {
	c.mutex.Lock()
	if _, exists := c.battles[battleID]; !exists {
		c.mutex.Unlock()
		return
	}
	delete(c.battles, battleID)
	delete(c.purges, battleID)
	for i, id := range c.order {
		if id == battleID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mutex.Unlock()

	c.logger.WithField("battle_id", battleID).Debug("Battle purged")
	c.publishGauge()
	c.notify()
}

// Battles returns all known battles in arrival order
func (c *Coordinator) Battles() []Battle {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.snapshotLocked()
}

// Get returns one battle by ID
func (c *Coordinator) Get(battleID string) (Battle, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	battle, exists := c.battles[battleID]
	if !exists {
		return Battle{}, false
	}
	return *battle, true
}

// Subscribe registers a listener for battle changes and returns its disposer
func (c *Coordinator) Subscribe(subscriber func([]Battle)) func() {
	c.mutex.Lock()
	id := c.nextID
	c.nextID++
	c.subscribers[id] = subscriber
	c.mutex.Unlock()

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.subscribers, id)
	}
}

// OnBattleUpdate registers a listener for changes to a single battle:
// started, accepted, scored, ended or forfeited. The listener receives a
// copy of the affected battle.
func (c *Coordinator) OnBattleUpdate(subscriber func(Battle)) func() {
	c.mutex.Lock()
	id := c.nextID
	c.nextID++
	c.battleSubscribers[id] = subscriber
	c.mutex.Unlock()

	return func() {
		c.mutex.Lock()
		defer c.mutex.Unlock()
		delete(c.battleSubscribers, id)
	}
}

func (c *Coordinator) notify() {
	c.mutex.RLock()
	battles := c.snapshotLocked()
	snapshot := make([]func([]Battle), 0, len(c.subscribers))
	for _, subscriber := range c.subscribers {
		snapshot = append(snapshot, subscriber)
	}
	c.mutex.RUnlock()

	for _, subscriber := range snapshot {
		subscriber(battles)
	}
}

// notifyBattle fans the affected battle out to per-battle listeners
func (c *Coordinator) notifyBattle(battleID string) {
	c.mutex.RLock()
	battle, exists := c.battles[battleID]
	var clone Battle
	if exists {
		clone = *battle
	}
	snapshot := make([]func(Battle), 0, len(c.battleSubscribers))
	for _, subscriber := range c.battleSubscribers {
		snapshot = append(snapshot, subscriber)
	}
	c.mutex.RUnlock()

	if !exists {
		return
	}
	for _, subscriber := range snapshot {
		subscriber(clone)
	}
}

func (c *Coordinator) snapshotLocked() []Battle {
	battles := make([]Battle, 0, len(c.order))
	for _, id := range c.order {
		if battle, ok := c.battles[id]; ok {
			battles = append(battles, *battle)
		}
	}
	return battles
}

func (c *Coordinator) publishGauge() {
	if metrics.ActiveBattles == nil {
		return
	}
	c.mutex.RLock()
	active := 0
	for _, battle := range c.battles {
		if battle.Active {
			active++
		}
	}
	c.mutex.RUnlock()
	metrics.ActiveBattles.Set(float64(active))
}

// Close detaches the coordinator from the channel and stops all timers
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.mutex.Lock()
		for _, unsubscribe := range c.unsubscribers {
			unsubscribe()
		}
		c.unsubscribers = nil
		for id, timer := range c.timers {
			timer.Stop()
			delete(c.timers, id)
		}
		for id, timer := range c.purges {
			timer.Stop()
			delete(c.purges, id)
		}
		c.mutex.Unlock()
		c.logger.Debug("Battle coordinator closed")
	})
}
