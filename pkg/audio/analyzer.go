package audio

import (
	"math"
	"math/cmplx"
)

// Voice frequency bands in Hz. Tone classification compares the energy
// ratios between these bands.
const (
	lowBandMin  = 50.0
	lowBandMax  = 300.0
	midBandMax  = 2000.0
	highBandMax = 8000.0
)

// Analysis is the instantaneous result of analyzing one frame.
type Analysis struct {
	// Volume is the normalized RMS amplitude in [0, 100]
	Volume float64
	// Pitch is the dominant frequency in Hz, 0 when no energy is present
	Pitch float64
	// Band energies used for tone classification
	LowBand  float64
	MidBand  float64
	HighBand float64
}

// FrequencyAnalyzer is a stateless transform from windowed time-domain
// samples to instantaneous volume and pitch. Safe for use from a single
// analysis goroutine; it reuses its FFT buffer between calls.
type FrequencyAnalyzer struct {
	sampleRate int
	fftSize    int
	window     []float64
	fftBuffer  []complex128
}

// NewFrequencyAnalyzer creates an analyzer for the given sample rate.
// fftSize must be a power of two; it drives the frequency resolution.
func NewFrequencyAnalyzer(sampleRate, fftSize int) *FrequencyAnalyzer {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if fftSize <= 0 || fftSize&(fftSize-1) != 0 {
		fftSize = 2048
	}

	analyzer := &FrequencyAnalyzer{
		sampleRate: sampleRate,
		fftSize:    fftSize,
		fftBuffer:  make([]complex128, fftSize),
	}

	// Hamming window
	analyzer.window = make([]float64, fftSize)
	for i := 0; i < fftSize; i++ {
		analyzer.window[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(fftSize-1))
	}

	return analyzer
}

// Analyze computes volume, pitch and band energies for one frame.
func (fa *FrequencyAnalyzer) Analyze(samples []float64) Analysis {
	analysis := Analysis{
		Volume: fa.volume(samples),
	}

	if len(samples) == 0 {
		return analysis
	}

	magnitudes := fa.magnitudeSpectrum(samples)
	analysis.Pitch = fa.dominantFrequency(magnitudes)
	analysis.LowBand, analysis.MidBand, analysis.HighBand = fa.bandEnergies(magnitudes)

	return analysis
}

// volume computes the normalized RMS amplitude in [0, 100]. A full-scale
// sine maps to 100.
func (fa *FrequencyAnalyzer) volume(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}

	sumSquares := 0.0
	for _, sample := range samples {
		sumSquares += sample * sample
	}
	rms := math.Sqrt(sumSquares / float64(len(samples)))

	volume := rms * math.Sqrt2 * 100
	if volume > 100 {
		volume = 100
	}
	return volume
}

// magnitudeSpectrum windows the most recent fftSize samples and returns
// the magnitude of the positive-frequency bins.
func (fa *FrequencyAnalyzer) magnitudeSpectrum(samples []float64) []float64 {
	// Use the tail of the frame so the spectrum reflects the newest audio
	offset := len(samples) - fa.fftSize
	if offset < 0 {
		offset = 0
	}
	windowed := samples[offset:]

	for i := 0; i < fa.fftSize; i++ {
		if i < len(windowed) {
			fa.fftBuffer[i] = complex(windowed[i]*fa.window[i], 0)
		} else {
			fa.fftBuffer[i] = 0
		}
	}

	fft(fa.fftBuffer)

	magnitudes := make([]float64, fa.fftSize/2)
	for i := range magnitudes {
		magnitudes[i] = cmplx.Abs(fa.fftBuffer[i])
	}
	return magnitudes
}

// dominantFrequency finds the strongest bin over the lower half of the
// spectrum. Searching only the lower half avoids locking onto harmonics
// above the fundamental voice range.
func (fa *FrequencyAnalyzer) dominantFrequency(magnitudes []float64) float64 {
	limit := len(magnitudes) / 2

	maxVal := 0.0
	maxBin := 0
	for i := 1; i < limit; i++ {
		if magnitudes[i] > maxVal {
			maxVal = magnitudes[i]
			maxBin = i
		}
	}

	if maxBin == 0 {
		return 0
	}
	return fa.binFrequency(maxBin)
}

// bandEnergies sums squared magnitudes over the low, mid and high voice bands
func (fa *FrequencyAnalyzer) bandEnergies(magnitudes []float64) (low, mid, high float64) {
	for i := 1; i < len(magnitudes); i++ {
		freq := fa.binFrequency(i)
		energy := magnitudes[i] * magnitudes[i]

		switch {
		case freq >= lowBandMin && freq < lowBandMax:
			low += energy
		case freq >= lowBandMax && freq < midBandMax:
			mid += energy
		case freq >= midBandMax && freq < highBandMax:
			high += energy
		}
	}
	return low, mid, high
}

func (fa *FrequencyAnalyzer) binFrequency(bin int) float64 {
	return float64(bin) * float64(fa.sampleRate) / float64(fa.fftSize)
}
