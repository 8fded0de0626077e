package analysis

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"warroom-agent/pkg/audio"
	"warroom-agent/pkg/metrics"
)

// Fixed classification thresholds. These are intentionally constants, not
// configuration: coaching behavior depends on them staying stable.
const (
	// talkThreshold is the volume above which a frame counts as speech
	talkThreshold = 20.0
	// interruptionGap is the minimum silence before renewed speech counts
	// as an interruption
	interruptionGap = 500 * time.Millisecond
	// fastPaceInterruptions and slowPaceInterruptions bound the pace
	// classification over the 30s window
	fastPaceInterruptions = 10
	slowPaceInterruptions = 3
	// toneBandRatio is the band-energy ratio that flips tone classification
	toneBandRatio = 1.5
	// uncertainVolume is the mean volume below which tone reads uncertain
	uncertainVolume = 30.0

	// Ring capacities: 10s of volume/pitch history, 30s of talk booleans
	// at the 100ms cadence
	historyCapacity = 100
	talkCapacity    = 300

	// fillerMaxRunTicks bounds how long a speech burst can be and still
	// count as a likely filler utterance (300ms)
	fillerMaxRunTicks = 3
)

// Confidence score weights. The composite starts at 50 and each condition
// applies its fixed delta, clamped to [0, 100].
const (
	confidenceBase = 50.0

	confidentToneBonus  = 20.0
	normalPaceBonus     = 10.0
	clarityBonus        = 10.0
	talkRatioBonus      = 10.0
	nervousTonePenalty  = 20.0
	uncertainPenalty    = 15.0
	fastPacePenalty     = 10.0
	fillerWordsPenalty  = 10.0
	interruptionPenalty = 5.0

	clarityBonusThreshold  = 70.0
	talkRatioBonusLow      = 40.0
	talkRatioBonusHigh     = 60.0
	fillerWordsThreshold   = 5
	interruptionsThreshold = 5
)

// AggregatorConfig configures a metrics aggregator
type AggregatorConfig struct {
	SessionID    string
	SampleRate   int
	FFTSize      int
	TickInterval time.Duration
	// Clock is injectable for deterministic tests; defaults to time.Now
	Clock func() time.Time
	// OnReport is invoked outside the aggregator lock after every tick
	OnReport func(Report)
}

// Aggregator converts a continuous audio sample stream into the voice
// metrics time series on a fixed cadence. It maintains bounded rolling
// windows and derives the composite confidence and sentiment scores.
type Aggregator struct {
	logger   *logrus.Entry
	config   AggregatorConfig
	analyzer *audio.FrequencyAnalyzer
	clock    func() time.Time

	mutex sync.Mutex

	volumeHist *floatRing
	pitchHist  *floatRing
	lowHist    *floatRing
	midHist    *floatRing
	highHist   *floatRing
	talkHist   *boolRing

	// interruptionTimes holds the times of interruptions inside the
	// trailing talk window
	interruptionTimes []time.Time

	wasTalking    bool
	everTalked    bool
	lastSpeechEnd time.Time

	latest    Report
	hasLatest bool
}

// NewAggregator creates an aggregator with pristine rolling windows
func NewAggregator(config AggregatorConfig, logger *logrus.Logger) *Aggregator {
	if config.TickInterval <= 0 {
		config.TickInterval = 100 * time.Millisecond
	}
	if config.SampleRate <= 0 {
		config.SampleRate = audio.DefaultSampleRate
	}
	if config.FFTSize <= 0 {
		config.FFTSize = 2048
	}
	clock := config.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Aggregator{
		logger:     logger.WithField("component", "aggregator").WithField("session_id", config.SessionID),
		config:     config,
		analyzer:   audio.NewFrequencyAnalyzer(config.SampleRate, config.FFTSize),
		clock:      clock,
		volumeHist: newFloatRing(historyCapacity),
		pitchHist:  newFloatRing(historyCapacity),
		lowHist:    newFloatRing(historyCapacity),
		midHist:    newFloatRing(historyCapacity),
		highHist:   newFloatRing(historyCapacity),
		talkHist:   newBoolRing(talkCapacity),
	}
}

// ProcessFrame analyzes one frame of time-domain samples and advances the
// rolling windows. Returns the resulting report.
func (a *Aggregator) ProcessFrame(frame *audio.Frame) Report {
	done := metrics.RecordAnalysisTick(a.config.SessionID)
	defer done()

	report := a.ProcessAnalysis(a.analyzer.Analyze(frame.Samples))
	if metrics.AnalysisFramesProcessed != nil {
		metrics.AnalysisFramesProcessed.WithLabelValues(a.config.SessionID).Inc()
	}
	return report
}

// ProcessAnalysis ingests one instantaneous analysis result. Exposed so
// the pipeline can be driven from synthetic analyses as well as frames.
func (a *Aggregator) ProcessAnalysis(in audio.Analysis) Report {
	a.mutex.Lock()

	now := a.clock()

	a.volumeHist.push(in.Volume)
	if in.Pitch > 0 {
		a.pitchHist.push(in.Pitch)
	}
	a.lowHist.push(in.LowBand)
	a.midHist.push(in.MidBand)
	a.highHist.push(in.HighBand)

	isTalking := in.Volume > talkThreshold
	a.talkHist.push(isTalking)
	a.trackInterruptions(isTalking, now)
	a.pruneInterruptions(now)

	report := a.buildReport(in, now)
	a.latest = report
	a.hasLatest = true

	callback := a.config.OnReport
	a.mutex.Unlock()

	// Fan out outside the lock so a callback can safely re-enter
	if callback != nil {
		callback(report)
	}
	return report
}

// trackInterruptions detects a speech onset after a silence gap longer
// than interruptionGap. A participant cutting back in after a pause, not
// every frame transition, counts.
func (a *Aggregator) trackInterruptions(isTalking bool, now time.Time) {
	switch {
	case isTalking && !a.wasTalking:
		if a.everTalked && !a.lastSpeechEnd.IsZero() && now.Sub(a.lastSpeechEnd) > interruptionGap {
			a.interruptionTimes = append(a.interruptionTimes, now)
			if metrics.AnalysisInterruptions != nil {
				metrics.AnalysisInterruptions.WithLabelValues(a.config.SessionID).Inc()
			}
		}
		a.wasTalking = true
		a.everTalked = true

	case !isTalking && a.wasTalking:
		a.wasTalking = false
		a.lastSpeechEnd = now
	}
}

// pruneInterruptions drops interruptions that fell out of the talk window
func (a *Aggregator) pruneInterruptions(now time.Time) {
	window := time.Duration(talkCapacity) * a.config.TickInterval
	cutoff := now.Add(-window)

	keep := a.interruptionTimes[:0]
	for _, t := range a.interruptionTimes {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	a.interruptionTimes = keep
}

func (a *Aggregator) buildReport(in audio.Analysis, now time.Time) Report {
	interruptions := len(a.interruptionTimes)
	fillerWords := a.talkHist.shortBursts(fillerMaxRunTicks)

	snapshot := Snapshot{
		Volume:        clamp(in.Volume, 0, 100),
		Pitch:         in.Pitch,
		Pace:          a.classifyPace(interruptions),
		Tone:          a.classifyTone(),
		TalkRatio:     clamp(a.talkHist.trueRatio()*100, 0, 100),
		Clarity:       clamp(100-a.volumeHist.stddev(), 0, 100),
		FillerWords:   fillerWords,
		Interruptions: interruptions,
		Timestamp:     now,
	}

	return Report{
		Metrics:    snapshot,
		Confidence: a.scoreConfidence(snapshot),
		Sentiment:  a.scoreSentiment(snapshot.Tone),
	}
}

// classifyPace derives pace from interruption frequency in the talk window
func (a *Aggregator) classifyPace(interruptions int) Pace {
	switch {
	case interruptions > fastPaceInterruptions:
		return PaceFast
	case interruptions < slowPaceInterruptions:
		return PaceSlow
	default:
		return PaceNormal
	}
}

// classifyTone derives tone from the rolling band-energy ratios. Order
// matters: nervous wins over confident, both win over uncertain.
func (a *Aggregator) classifyTone() Tone {
	if a.midHist.len() == 0 {
		// Neutral default before any sample has arrived
		return ToneConfident
	}

	low := a.lowHist.mean()
	mid := a.midHist.mean()
	high := a.highHist.mean()

	if mid > 0 {
		if high/mid > toneBandRatio {
			return ToneNervous
		}
		if low/mid > toneBandRatio {
			return ToneConfident
		}
	}
	if a.volumeHist.mean() < uncertainVolume {
		return ToneUncertain
	}
	return ToneConfident
}

// scoreConfidence applies the fixed additive weight table to the snapshot
func (a *Aggregator) scoreConfidence(s Snapshot) float64 {
	if a.volumeHist.len() == 0 {
		return confidenceBase
	}

	score := confidenceBase

	switch s.Tone {
	case ToneConfident:
		score += confidentToneBonus
	case ToneNervous:
		score -= nervousTonePenalty
	case ToneUncertain:
		score -= uncertainPenalty
	}

	switch s.Pace {
	case PaceNormal:
		score += normalPaceBonus
	case PaceFast:
		score -= fastPacePenalty
	}

	if s.Clarity > clarityBonusThreshold {
		score += clarityBonus
	}
	if s.TalkRatio >= talkRatioBonusLow && s.TalkRatio <= talkRatioBonusHigh {
		score += talkRatioBonus
	}
	if s.FillerWords > fillerWordsThreshold {
		score -= fillerWordsPenalty
	}
	if s.Interruptions > interruptionsThreshold {
		score -= interruptionPenalty
	}

	return clamp(score, 0, 100)
}

// scoreSentiment derives a coarse sentiment from tone and the pitch band.
// Pitch inside the natural voice fundamental range reads as composed.
func (a *Aggregator) scoreSentiment(tone Tone) float64 {
	if a.volumeHist.len() == 0 {
		return 0
	}

	var sentiment float64
	switch tone {
	case ToneConfident:
		sentiment = 0.5
	case ToneNervous:
		sentiment = -0.5
	case ToneAggressive:
		sentiment = -0.35
	case ToneUncertain:
		sentiment = -0.25
	}

	if pitch := a.pitchHist.mean(); pitch > 0 {
		if pitch >= 85 && pitch <= 255 {
			sentiment += 0.2
		} else {
			sentiment -= 0.1
		}
	}

	return clamp(sentiment, -1, 1)
}

// Latest returns the most recent report, if any tick has run
func (a *Aggregator) Latest() (Report, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.latest, a.hasLatest
}

// Reset restores the aggregator to its pristine state. Classification is
// a pure function of the rolling buffers, so re-feeding an identical
// sample sequence after a reset yields identical results.
func (a *Aggregator) Reset() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.volumeHist.reset()
	a.pitchHist.reset()
	a.lowHist.reset()
	a.midHist.reset()
	a.highHist.reset()
	a.talkHist.reset()
	a.interruptionTimes = nil
	a.wasTalking = false
	a.everTalked = false
	a.lastSpeechEnd = time.Time{}
	a.latest = Report{}
	a.hasLatest = false

	a.logger.Debug("Aggregator reset")
}
