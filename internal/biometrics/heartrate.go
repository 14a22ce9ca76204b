package biometrics

import (
	"gonum.org/v1/gonum/stat"
)

// HeartRateConfig parameterizes the PPG heart-rate extractor.
type HeartRateConfig struct {
	SampleRate       float64 // PPG sample rate in Hz
	WindowSeconds    float64 // rolling window length
	MinWindowSeconds float64 // minimum fill before estimating
	SmoothingAlpha   float64 // exponential smoothing weight for new estimates
	MinBPM           float64 // plausibility floor
	MaxBPM           float64 // plausibility ceiling, also sets peak spacing
}

// DefaultHeartRateConfig matches the Muse S PPG stream: 64 Hz, a ten second
// window, and the plausible human range of 40-180 BPM.
func DefaultHeartRateConfig() HeartRateConfig {
	return HeartRateConfig{
		SampleRate:       64,
		WindowSeconds:    10,
		MinWindowSeconds: 4,
		SmoothingAlpha:   0.3,
		MinBPM:           40,
		MaxBPM:           180,
	}
}

// HeartRateExtractor estimates BPM from a rolling window of PPG samples.
// Each Push appends a batch and recomputes once the window is sufficiently
// full; implausible results are suppressed rather than reported.
type HeartRateExtractor struct {
	cfg    HeartRateConfig
	window *rollingWindow

	smoothed    float64
	hasSmoothed bool
}

// NewHeartRateExtractor returns an extractor with an empty window.
func NewHeartRateExtractor(cfg HeartRateConfig) *HeartRateExtractor {
	return &HeartRateExtractor{
		cfg:    cfg,
		window: newRollingWindow(int(cfg.WindowSeconds * cfg.SampleRate)),
	}
}

// Reset discards the window and smoothing state.
func (h *HeartRateExtractor) Reset() {
	h.window.reset()
	h.smoothed = 0
	h.hasSmoothed = false
}

// Push appends raw PPG samples (one wavelength channel, arrival order) and
// returns the current smoothed estimate. ok is false while the window is
// filling or when no plausible rate is found; that is an absence, not an
// error.
func (h *HeartRateExtractor) Push(samples []int32, timestamp float64) (Estimate, bool) {
	batch := make([]float64, len(samples))
	for i, s := range samples {
		batch[i] = float64(s)
	}
	h.window.push(batch)

	if h.window.len() < int(h.cfg.MinWindowSeconds*h.cfg.SampleRate) {
		return Estimate{}, false
	}
	bpm, ok := h.estimate()
	if !ok {
		return Estimate{}, false
	}
	if h.hasSmoothed {
		h.smoothed = h.cfg.SmoothingAlpha*bpm + (1-h.cfg.SmoothingAlpha)*h.smoothed
	} else {
		h.smoothed = bpm
		h.hasSmoothed = true
	}
	return Estimate{Timestamp: timestamp, Value: h.smoothed, Method: MethodDerived}, true
}

// estimate runs the detection pipeline over the current window: remove the
// DC offset and slow drift, smooth above the pulse band, then measure the
// mean spacing between prominent peaks.
func (h *HeartRateExtractor) estimate() (float64, bool) {
	filtered := h.bandLimit(h.window.buf)

	sd := stat.StdDev(filtered, nil)
	if sd < 1e-9 {
		return 0, false // flat line carries no pulse
	}
	threshold := 0.5 * sd

	minSpacing := int(h.cfg.SampleRate * 60 / h.cfg.MaxBPM)
	peaks := findPeaks(filtered, threshold, minSpacing)
	if len(peaks) < 2 {
		return 0, false
	}

	intervals := make([]float64, len(peaks)-1)
	for i := 1; i < len(peaks); i++ {
		intervals[i-1] = float64(peaks[i]-peaks[i-1]) / h.cfg.SampleRate
	}
	mean := stat.Mean(intervals, nil)
	if mean <= 0 {
		return 0, false
	}
	bpm := 60 / mean
	if bpm < h.cfg.MinBPM || bpm > h.cfg.MaxBPM {
		return 0, false
	}
	return bpm, true
}

// bandLimit approximates a 0.5-4 Hz band pass with two moving averages: a
// short one suppresses noise above the pulse band, a two second one tracks
// the baseline drift that is then subtracted.
func (h *HeartRateExtractor) bandLimit(x []float64) []float64 {
	short := int(h.cfg.SampleRate / 8)
	if short < 1 {
		short = 1
	}
	long := int(h.cfg.SampleRate * 2)
	if long < short+1 {
		long = short + 1
	}
	smooth := movingAverage(x, short)
	baseline := movingAverage(x, long)
	out := make([]float64, len(x))
	for i := range out {
		out[i] = smooth[i] - baseline[i]
	}
	return out
}

// movingAverage is a centered moving average with edge shrinking.
func movingAverage(x []float64, width int) []float64 {
	out := make([]float64, len(x))
	half := width / 2
	for i := range x {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := i + half + 1
		if hi > len(x) {
			hi = len(x)
		}
		out[i] = stat.Mean(x[lo:hi], nil)
	}
	return out
}

// findPeaks returns indices of local maxima above threshold, keeping a
// minimum spacing between accepted peaks. When two candidates are closer
// than minSpacing the taller one wins.
func findPeaks(x []float64, threshold float64, minSpacing int) []int {
	var peaks []int
	for i := 1; i < len(x)-1; i++ {
		if x[i] <= threshold || x[i] < x[i-1] || x[i] <= x[i+1] {
			continue
		}
		if n := len(peaks); n > 0 && i-peaks[n-1] < minSpacing {
			if x[i] > x[peaks[n-1]] {
				peaks[n-1] = i
			}
			continue
		}
		peaks = append(peaks, i)
	}
	return peaks
}
