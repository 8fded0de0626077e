package telemetry

import (
	"encoding/json"
	"time"

	"warroom-agent/pkg/analysis"
)

// Outbound event types
const (
	EventJoin           = "join"
	EventOffer          = "offer"
	EventICECandidate   = "ice-candidate"
	EventVoiceAnalysis  = "voice-analysis"
	EventVoiceCommand   = "voice-command"
	EventEnterBattle    = "enter-battle"
	EventStartListening = "start-listening"
	EventStopListening  = "stop-listening"
	EventSpectatorJoin  = "spectator:join"
	EventSpectatorLeave = "spectator:leave"
	EventBattleRequest  = "battle:request"
	EventBattleAccept   = "battle:accept"
	EventBattleDecline  = "battle:decline"
	EventRequestCalls   = "request:active-calls"
)

// Inbound event types
const (
	EventAnswer          = "answer"
	EventHarveyMessage   = "harvey-message"
	EventBattleMode      = "battle-mode"
	EventCallStarted     = "call:started"
	EventCallUpdated     = "call:updated"
	EventCallEnded       = "call:ended"
	EventVoiceAnalysisIn = "voice:analysis"
	EventHarveyAdvice    = "harvey:advice"
	EventSpectatorUpdate = "spectator:update"
	EventBattleStarted   = "battle:started"
	EventBattleUpdated   = "battle:updated"
	EventBattleEnded     = "battle:ended"
	EventTeamStats       = "team:stats"
)

// Envelope is the wire frame for every event on the telemetry channel.
// All components multiplex distinct message types over one channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload identifies the caller when the channel opens
type JoinPayload struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// OfferPayload carries the local SDP offer
type OfferPayload struct {
	SDP string `json:"sdp"`
}

// AnswerPayload carries the remote SDP answer
type AnswerPayload struct {
	SDP string `json:"sdp"`
}

// ICECandidatePayload carries one ICE candidate in either direction.
// Candidates may arrive after the answer; order is not guaranteed.
type ICECandidatePayload struct {
	Candidate string `json:"candidate"`
}

// VoiceAnalysisPayload is the outbound per-tick metrics sample
type VoiceAnalysisPayload struct {
	Metrics    analysis.Snapshot `json:"metrics"`
	Confidence float64           `json:"confidence"`
	Sentiment  float64           `json:"sentiment"`
}

// VoiceCommandPayload carries a spoken command for the coach backend
type VoiceCommandPayload struct {
	Command string `json:"command"`
}

// EnterBattlePayload asks the backend to enter battle mode
type EnterBattlePayload struct {
	OpponentID string `json:"opponentId"`
}

// SpectatorPayload joins or leaves a spectated call
type SpectatorPayload struct {
	CallID string `json:"callId"`
}

// BattleRequestPayload pairs two reps into a pending battle. RequestID
// is client-generated so the eventual battle:started can be correlated.
type BattleRequestPayload struct {
	RequestID string `json:"requestId"`
	Rep1ID    string `json:"rep1Id"`
	Rep2ID    string `json:"rep2Id"`
}

// BattleAnswerPayload accepts or declines a pending battle
type BattleAnswerPayload struct {
	BattleID string `json:"battleId"`
}

// HarveyMessagePayload is the inbound coaching message envelope.
// Sub-types: whisper (audio, reduced volume), verdict (post-call audio
// summary), coaching (text with an urgency flag).
type HarveyMessagePayload struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// CallStartedPayload announces a newly visible call session
type CallStartedPayload struct {
	CallID       string    `json:"callId"`
	AgentID      string    `json:"agentId"`
	AgentName    string    `json:"agentName"`
	ProspectName string    `json:"prospectName"`
	PhoneNumber  string    `json:"phoneNumber"`
	StartedAt    time.Time `json:"startedAt"`
}

// CallUpdatedPayload merge-patches an existing call session. Nil fields
// are absent from the patch and must not clear existing state.
type CallUpdatedPayload struct {
	CallID       string             `json:"callId"`
	Status       *string            `json:"status,omitempty"`
	AgentName    *string            `json:"agentName,omitempty"`
	ProspectName *string            `json:"prospectName,omitempty"`
	Metrics      *analysis.Snapshot `json:"metrics,omitempty"`
	Confidence   *float64           `json:"confidence,omitempty"`
	Sentiment    *float64           `json:"sentiment,omitempty"`
}

// CallEndedPayload announces a call has ended
type CallEndedPayload struct {
	CallID string `json:"callId"`
}

// VoiceAnalysisInPayload patches only the metrics fields of a session
type VoiceAnalysisInPayload struct {
	CallID     string            `json:"callId"`
	Metrics    analysis.Snapshot `json:"metrics"`
	Confidence float64           `json:"confidence"`
	Sentiment  float64           `json:"sentiment"`
}

// HarveyAdvicePayload patches only the advice fields of a session
type HarveyAdvicePayload struct {
	CallID string  `json:"callId"`
	Advice string  `json:"advice"`
	Score  float64 `json:"score"`
}

// SpectatorUpdatePayload replaces the spectator list of one call
type SpectatorUpdatePayload struct {
	CallID     string   `json:"callId"`
	Spectators []string `json:"spectators"`
}

// BattleScores carries both participants' scores together. Score updates
// are always whole-battle snapshots so one side is never stale relative
// to the other.
type BattleScores struct {
	Rep1 int `json:"rep1"`
	Rep2 int `json:"rep2"`
}

// BattleEventPayload drives battle lifecycle transitions. Active false on
// battle:started announces a pairing that still awaits acceptance;
// RequestID echoes the client-generated id from battle:request.
type BattleEventPayload struct {
	BattleID  string        `json:"battleId"`
	RequestID string        `json:"requestId,omitempty"`
	Rep1ID    string        `json:"rep1Id,omitempty"`
	Rep2ID    string        `json:"rep2Id,omitempty"`
	Scores    *BattleScores `json:"scores,omitempty"`
	Active    *bool         `json:"active,omitempty"`
	WinnerID  string        `json:"winnerId,omitempty"`
	// Duration is the time box for the battle, seconds
	Duration int `json:"duration,omitempty"`
}

// TeamStatsPayload is the backend-computed team aggregate
type TeamStatsPayload struct {
	ActiveCalls   int     `json:"activeCalls"`
	AvgConfidence float64 `json:"avgConfidence"`
	SuccessRate   float64 `json:"successRate"`
	CurrentStreak int     `json:"currentStreak"`
}
