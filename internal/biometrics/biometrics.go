// Package biometrics derives physiological signals from decoded PPG
// waveforms: heart rate from peak spacing and a multi-wavelength blood
// oxygenation proxy. Extractors are pure functions of their rolling window
// plus previous smoothed state and hold no device or I/O state.
package biometrics

// Method records where an estimate came from.
type Method string

const (
	// MethodDirect means the value was reported by the device itself in a
	// heart-rate sub-frame.
	MethodDirect Method = "direct"
	// MethodDerived means the value was computed from raw PPG waveforms.
	MethodDerived Method = "derived"
)

// Estimate is a consumer-facing biometric scalar. Downstream code need not
// distinguish provenance unless it chooses to inspect Method.
type Estimate struct {
	Timestamp float64
	Value     float64
	Method    Method
}

// rollingWindow is a bounded sample buffer: old samples are evicted from the
// front as new ones arrive.
type rollingWindow struct {
	buf []float64
	max int
}

func newRollingWindow(max int) *rollingWindow {
	return &rollingWindow{max: max}
}

func (w *rollingWindow) push(samples []float64) {
	w.buf = append(w.buf, samples...)
	if n := len(w.buf) - w.max; n > 0 {
		w.buf = append(w.buf[:0], w.buf[n:]...)
	}
}

func (w *rollingWindow) len() int { return len(w.buf) }

func (w *rollingWindow) reset() { w.buf = w.buf[:0] }
