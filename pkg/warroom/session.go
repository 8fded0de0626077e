package warroom

import (
	"time"

	"warroom-agent/pkg/analysis"
)

// Call session status values
const (
	StatusActive = "active"
	StatusEnding = "ending"
	StatusEnded  = "ended"
)

// CallSession is one rep's live call as seen by the war room. Fields
// arrive incrementally over several event types and are merged, never
// replaced wholesale.
type CallSession struct {
	CallID       string    `json:"callId"`
	AgentID      string    `json:"agentId"`
	AgentName    string    `json:"agentName"`
	ProspectName string    `json:"prospectName"`
	PhoneNumber  string    `json:"phoneNumber"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt,omitempty"`

	// Metrics is nil until the first voice analysis arrives
	Metrics    *analysis.Snapshot `json:"metrics,omitempty"`
	Confidence float64            `json:"confidence"`
	Sentiment  float64            `json:"sentiment"`

	Advice      string  `json:"advice,omitempty"`
	AdviceScore float64 `json:"adviceScore,omitempty"`

	Spectators []string `json:"spectators"`
}

// clone returns a deep copy safe to hand to subscribers
func (cs *CallSession) clone() CallSession {
	copied := *cs
	if cs.Metrics != nil {
		metrics := *cs.Metrics
		copied.Metrics = &metrics
	}
	if cs.Spectators != nil {
		copied.Spectators = append([]string(nil), cs.Spectators...)
	}
	return copied
}

// TeamStats is the backend-computed aggregate across the whole floor
type TeamStats struct {
	ActiveCalls   int     `json:"activeCalls"`
	AvgConfidence float64 `json:"avgConfidence"`
	SuccessRate   float64 `json:"successRate"`
	CurrentStreak int     `json:"currentStreak"`
}
