package analysis

import "time"

// Pace classifies how quickly the conversation is moving
type Pace string

const (
	PaceSlow   Pace = "slow"
	PaceNormal Pace = "normal"
	PaceFast   Pace = "fast"
)

// Tone classifies the speaker's vocal tone
type Tone string

const (
	ToneNervous    Tone = "nervous"
	ToneConfident  Tone = "confident"
	ToneAggressive Tone = "aggressive"
	ToneUncertain  Tone = "uncertain"
)

// Snapshot is the immutable per-tick voice metrics record. Every numeric
// field is clamped to its documented range; Pace and Tone are always one
// of the enumerated values once analysis has produced a sample.
type Snapshot struct {
	// Volume is the normalized RMS amplitude in [0, 100]
	Volume float64 `json:"volume"`
	// Pitch is the dominant frequency in Hz
	Pitch float64 `json:"pitch"`
	Pace  Pace    `json:"pace"`
	Tone  Tone    `json:"tone"`
	// TalkRatio is the percentage of the trailing 30s the local party is
	// speaking, in [0, 100]
	TalkRatio float64 `json:"talkRatio"`
	// Clarity is the inverse of volume variance, in [0, 100]
	Clarity float64 `json:"clarity"`
	// FillerWords is the count of likely filler utterances in the rolling window
	FillerWords int `json:"fillerWords"`
	// Interruptions is the count of interruptions in the rolling window
	Interruptions int       `json:"interruptions"`
	Timestamp     time.Time `json:"timestamp"`
}

// Report bundles one tick's snapshot with the session-level composite
// scores published outbound for remote coaching consumption.
type Report struct {
	Metrics Snapshot `json:"metrics"`
	// Confidence is the composite score in [0, 100]
	Confidence float64 `json:"confidence"`
	// Sentiment is in [-1, 1]
	Sentiment float64 `json:"sentiment"`
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
