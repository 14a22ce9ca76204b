// Package decode turns raw Muse S notification payloads into typed
// per-sensor sample sequences.
//
// The first payload byte selects the packet class (combined EEG/PPG or IMU).
// Within the EEG/PPG class the body is a stream of fixed-size tagged blocks;
// a block split across two notifications is held in a per-packet-type carry
// buffer and completed by the next notification of the same type, so
// arbitrary BLE segmentation never loses samples.
package decode

import "fmt"

// Motion is one IMU sample: accelerometer in g, gyroscope in degrees/second.
type Motion struct {
	Accel [3]float64
	Gyro  [3]float64
}

// Frame is the decoder output for one notification. Each sensor field is
// populated only when the corresponding sub-frame was present in the packet;
// a Frame never mixes samples from two notifications, and sample order
// within a channel is arrival order.
type Frame struct {
	// Timestamp is the notification arrival time in seconds since the
	// session (or recording) started.
	Timestamp float64

	// EEG maps channel name to microvolt samples.
	EEG map[string][]float64
	// PPG maps wavelength channel name to raw ADC counts. Scaling is left
	// to the downstream extractors.
	PPG map[string][]int32
	// IMU holds the motion samples carried by this packet.
	IMU []Motion
	// HeartRate is the device-computed BPM when the packet carried a
	// heart-rate sub-frame, nil otherwise.
	HeartRate *float64
}

// Empty reports whether the frame carries no sensor data at all.
func (f *Frame) Empty() bool {
	return len(f.EEG) == 0 && len(f.PPG) == 0 && len(f.IMU) == 0 && f.HeartRate == nil
}

// TruncatedError reports a malformed sub-frame: the payload could not contain
// a whole number of valid blocks. The offending packet is dropped and the
// carry buffer for its type is cleared, since alignment cannot be guessed
// after a framing fault.
type TruncatedError struct {
	PacketType byte
	Reason     string
}

func (e *TruncatedError) Error() string {
	return fmt.Sprintf("decode: truncated packet type 0x%02X: %s", e.PacketType, e.Reason)
}

// UnknownTypeError is a soft diagnostic for an unrecognized packet-type tag.
// The stream continues; unknown types must never stop decoding.
type UnknownTypeError struct {
	PacketType byte
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("decode: unknown packet type 0x%02X", e.PacketType)
}

// Stats are running totals kept by a Decoder across its lifetime.
type Stats struct {
	Packets        uint64
	EEGSamples     uint64
	PPGSamples     uint64
	IMUSamples     uint64
	HeartRateReads uint64
	UnknownPackets uint64
	DecodeErrors   uint64
}
