// Package muse implements the command protocol for Muse S headsets: the
// control-channel command framing and the state machine that drives the
// device into a streaming mode.
package muse

import "time"

// BLE GATT identifiers for the Muse S. Discovery and connection are handled
// by the transport layer; these are published here so transports and tools
// agree on which characteristics carry control writes and sensor
// notifications.
const (
	ServiceUUID      = "0000fe8d-0000-1000-8000-00805f9b34fb"
	ControlCharUUID  = "273e0001-4c4d-454d-96be-f03bac821358"
	SensorCharUUID   = "273e0013-4c4d-454d-96be-f03bac821358"
	DeviceNamePrefix = "Muse"
	NotificationMTU  = 244 // largest payload observed from firmware 2.x
)

// Preset selects which sensor sub-frames the device multiplexes into its
// packets. The driver passes the selector through without interpreting it.
type Preset string

const (
	// PresetBasic streams EEG only.
	PresetBasic Preset = "p21"
	// PresetFull streams EEG + PPG + fNIRS + IMU.
	PresetFull Preset = "p1034"
	// PresetSleep is the full sensor suite in the low-power sleep mode.
	PresetSleep Preset = "p1035"
)

// CommandSet is the table of control-channel command strings for one device
// family. The exact byte values are firmware-revision sensitive, so they are
// construction parameters rather than constants baked into the driver.
type CommandSet struct {
	Halt        string
	StreamStart string
	KeepAlive   string

	// SettleDelay is how long the device needs between consecutive control
	// writes during the arm sequence.
	SettleDelay time.Duration
}

// DefaultCommandSet returns the command table for Muse S firmware 2.x.
func DefaultCommandSet() CommandSet {
	return CommandSet{
		Halt:        "h",
		StreamStart: "dc001",
		KeepAlive:   "k",
		SettleDelay: 100 * time.Millisecond,
	}
}

// EncodeCommand frames a control command for the wire: a length byte counting
// the ASCII bytes plus the trailing newline, the ASCII bytes, then 0x0a.
func EncodeCommand(cmd string) []byte {
	frame := make([]byte, 0, len(cmd)+2)
	frame = append(frame, byte(len(cmd)+1))
	frame = append(frame, cmd...)
	frame = append(frame, 0x0a)
	return frame
}
