package biometrics

import (
	"gonum.org/v1/gonum/stat"
)

// OxygenationConfig parameterizes the multi-wavelength absorption extractor.
type OxygenationConfig struct {
	SampleRate       float64
	WindowSeconds    float64
	MinWindowSeconds float64
	SmoothingAlpha   float64
}

// DefaultOxygenationConfig matches the Muse S PPG stream.
func DefaultOxygenationConfig() OxygenationConfig {
	return OxygenationConfig{
		SampleRate:       64,
		WindowSeconds:    10,
		MinWindowSeconds: 4,
		SmoothingAlpha:   0.2,
	}
}

// OxygenationExtractor computes the ratio of pulsatile absorption between
// the red and infrared PPG channels. The ratio tracks blood oxygenation
// trends but is not a calibrated clinical SpO2 value; its precision claims
// are relative only.
type OxygenationExtractor struct {
	cfg OxygenationConfig
	red *rollingWindow
	ir  *rollingWindow

	smoothed    float64
	hasSmoothed bool
}

// NewOxygenationExtractor returns an extractor with empty windows.
func NewOxygenationExtractor(cfg OxygenationConfig) *OxygenationExtractor {
	max := int(cfg.WindowSeconds * cfg.SampleRate)
	return &OxygenationExtractor{
		cfg: cfg,
		red: newRollingWindow(max),
		ir:  newRollingWindow(max),
	}
}

// Reset discards the windows and smoothing state.
func (o *OxygenationExtractor) Reset() {
	o.red.reset()
	o.ir.reset()
	o.smoothed = 0
	o.hasSmoothed = false
}

// Push appends simultaneously-sampled red and infrared batches from the same
// decode window and returns the smoothed absorption ratio. ok is false while
// the windows fill or when either channel carries no usable signal.
func (o *OxygenationExtractor) Push(red, infrared []int32, timestamp float64) (Estimate, bool) {
	o.red.push(toFloats(red))
	o.ir.push(toFloats(infrared))

	min := int(o.cfg.MinWindowSeconds * o.cfg.SampleRate)
	if o.red.len() < min || o.ir.len() < min {
		return Estimate{}, false
	}
	ratio, ok := absorptionRatio(o.red.buf, o.ir.buf)
	if !ok {
		return Estimate{}, false
	}
	if o.hasSmoothed {
		o.smoothed = o.cfg.SmoothingAlpha*ratio + (1-o.cfg.SmoothingAlpha)*o.smoothed
	} else {
		o.smoothed = ratio
		o.hasSmoothed = true
	}
	return Estimate{Timestamp: timestamp, Value: o.smoothed, Method: MethodDerived}, true
}

// absorptionRatio is the classic ratio of ratios: the pulsatile (AC)
// component over the baseline (DC) component per wavelength, red over
// infrared.
func absorptionRatio(red, ir []float64) (float64, bool) {
	redDC := stat.Mean(red, nil)
	irDC := stat.Mean(ir, nil)
	if redDC <= 0 || irDC <= 0 {
		return 0, false
	}
	redAC := stat.StdDev(red, nil)
	irAC := stat.StdDev(ir, nil)
	if redAC < 1e-9 || irAC < 1e-9 {
		return 0, false // flat channels: sensor off skin
	}
	return (redAC / redDC) / (irAC / irDC), true
}

func toFloats(samples []int32) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s)
	}
	return out
}
