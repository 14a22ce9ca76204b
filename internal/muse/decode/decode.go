package decode

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// Block tags inside the combined EEG/PPG packet body. Each tag is followed by
// a fixed-size block whose layout is derived from the Config.
const (
	blockEEG = 0x01
	blockPPG = 0x02
	blockHR  = 0x03
)

const imuBlockSize = 12 // 3x accel int16 + 3x gyro int16, big-endian

// Config carries the device constants the decoder is built around. Bit
// widths and scale factors are firmware-revision sensitive, so they are
// supplied at construction instead of being baked in; DefaultConfig matches
// Muse S firmware 2.x.
type Config struct {
	// Packet-type tags (first payload byte).
	TypeEEGPPG byte
	TypeIMU    byte

	EEGChannels        []string
	EEGBits            uint    // bits per EEG sample
	EEGSamplesPerBlock int     // samples per channel in one EEG block
	EEGScale           float64 // microvolts per LSB
	EEGOffset          float64 // ADC mid-rail subtracted before scaling

	PPGChannels        []string
	PPGBytesPerSample  int // big-endian unsigned, raw ADC
	PPGSamplesPerBlock int

	AccelScale float64 // g per LSB
	GyroScale  float64 // degrees/second per LSB
}

// DefaultConfig returns the constants for a Muse S on firmware 2.x:
// seven 12-bit EEG channels at 0.48828125 uV/LSB around a 2048 mid-rail,
// three 24-bit PPG wavelength channels, +/-2 g accelerometer and
// +/-250 deg/s gyroscope.
func DefaultConfig() Config {
	return Config{
		TypeEEGPPG:         0xDF,
		TypeIMU:            0xF4,
		EEGChannels:        []string{"TP9", "AF7", "AF8", "TP10", "FPz", "AUX_R", "AUX_L"},
		EEGBits:            12,
		EEGSamplesPerBlock: 2,
		EEGScale:           0.48828125,
		EEGOffset:          2048,
		PPGChannels:        []string{"ambient", "infrared", "red"},
		PPGBytesPerSample:  3,
		PPGSamplesPerBlock: 2,
		AccelScale:         1.0 / 16384.0,
		GyroScale:          1.0 / 131.072,
	}
}

// Decoder is the stateful packet decode engine. Decode and Reset must be
// called from one goroutine at a time (the notification-delivery goroutine);
// Stats keeps its counters in atomics so status readers can snapshot totals
// while decoding runs.
type Decoder struct {
	cfg Config

	eegBlockSize int
	ppgBlockSize int
	maxBlockSize int

	// carry holds leftover bytes per packet type for blocks split across
	// notification boundaries. Bounded by one block (plus its tag byte).
	carry map[byte][]byte

	stats counters
}

// counters are the running totals behind Stats.
type counters struct {
	packets        atomic.Uint64
	eegSamples     atomic.Uint64
	ppgSamples     atomic.Uint64
	imuSamples     atomic.Uint64
	heartRateReads atomic.Uint64
	unknownPackets atomic.Uint64
	decodeErrors   atomic.Uint64
}

// New validates the configuration and returns a fresh Decoder with empty
// carry state.
func New(cfg Config) (*Decoder, error) {
	if len(cfg.EEGChannels) == 0 || len(cfg.PPGChannels) == 0 {
		return nil, fmt.Errorf("decode: channel sets must be non-empty")
	}
	if cfg.EEGBits == 0 || cfg.EEGBits > 16 {
		return nil, fmt.Errorf("decode: unsupported EEG sample width %d", cfg.EEGBits)
	}
	if cfg.EEGSamplesPerBlock <= 0 || cfg.PPGSamplesPerBlock <= 0 {
		return nil, fmt.Errorf("decode: samples per block must be positive")
	}
	eegBits := cfg.EEGBits * uint(len(cfg.EEGChannels)) * uint(cfg.EEGSamplesPerBlock)
	if eegBits%8 != 0 {
		return nil, fmt.Errorf("decode: EEG block is %d bits, not byte-aligned", eegBits)
	}
	d := &Decoder{
		cfg:          cfg,
		eegBlockSize: int(eegBits / 8),
		ppgBlockSize: cfg.PPGBytesPerSample * len(cfg.PPGChannels) * cfg.PPGSamplesPerBlock,
		carry:        make(map[byte][]byte),
	}
	d.maxBlockSize = d.eegBlockSize
	if d.ppgBlockSize > d.maxBlockSize {
		d.maxBlockSize = d.ppgBlockSize
	}
	if imuBlockSize > d.maxBlockSize {
		d.maxBlockSize = imuBlockSize
	}
	return d, nil
}

// Reset clears all carry buffers. Statistics are preserved. Replay calls this
// before driving a recording through a decoder that may have live-stream
// carry state.
func (d *Decoder) Reset() {
	for k := range d.carry {
		delete(d.carry, k)
	}
}

// Stats returns a snapshot of the running totals.
func (d *Decoder) Stats() Stats {
	return Stats{
		Packets:        d.stats.packets.Load(),
		EEGSamples:     d.stats.eegSamples.Load(),
		PPGSamples:     d.stats.ppgSamples.Load(),
		IMUSamples:     d.stats.imuSamples.Load(),
		HeartRateReads: d.stats.heartRateReads.Load(),
		UnknownPackets: d.stats.unknownPackets.Load(),
		DecodeErrors:   d.stats.decodeErrors.Load(),
	}
}

// Decode transforms one notification payload into a Frame. The first payload
// byte is the packet-type tag. Decode never blocks; errors of type
// *UnknownTypeError are soft diagnostics (the stream continues), errors of
// type *TruncatedError mean the packet was dropped and carry state for that
// type was reset.
func (d *Decoder) Decode(payload []byte, timestamp float64) (Frame, error) {
	frame := Frame{Timestamp: timestamp}
	if len(payload) == 0 {
		d.stats.decodeErrors.Add(1)
		return frame, &TruncatedError{Reason: "empty notification"}
	}
	d.stats.packets.Add(1)
	pt := payload[0]
	body := payload[1:]

	switch pt {
	case d.cfg.TypeEEGPPG:
		return d.decodeMultiplex(pt, body, frame)
	case d.cfg.TypeIMU:
		return d.decodeIMU(pt, body, frame)
	default:
		d.stats.unknownPackets.Add(1)
		return frame, &UnknownTypeError{PacketType: pt}
	}
}

// fail drops the packet, clears carry for the type, and counts the error.
func (d *Decoder) fail(pt byte, reason string) (Frame, error) {
	delete(d.carry, pt)
	d.stats.decodeErrors.Add(1)
	return Frame{}, &TruncatedError{PacketType: pt, Reason: reason}
}

func (d *Decoder) blockSize(tag byte) (int, bool) {
	switch tag {
	case blockEEG:
		return d.eegBlockSize, true
	case blockPPG:
		return d.ppgBlockSize, true
	case blockHR:
		return 1, true
	}
	return 0, false
}

// decodeMultiplex parses the combined EEG/PPG packet body: a sequence of
// [tag][fixed-size block] units. Leftover bytes that do not complete a unit
// are carried to the next packet of the same type.
func (d *Decoder) decodeMultiplex(pt byte, body []byte, frame Frame) (Frame, error) {
	if len(body) == 0 {
		f, err := d.fail(pt, "no sub-frame bytes")
		f.Timestamp = frame.Timestamp
		return f, err
	}
	buf := append(append([]byte{}, d.carry[pt]...), body...)

	for len(buf) > 0 {
		size, ok := d.blockSize(buf[0])
		if !ok {
			f, err := d.fail(pt, fmt.Sprintf("unknown sub-frame tag 0x%02X", buf[0]))
			f.Timestamp = frame.Timestamp
			return f, err
		}
		if len(buf) < 1+size {
			break // split block; carry it
		}
		block := buf[1 : 1+size]
		switch buf[0] {
		case blockEEG:
			d.unpackEEG(block, &frame)
		case blockPPG:
			d.unpackPPG(block, &frame)
		case blockHR:
			if bpm := block[0]; bpm > 0 {
				v := float64(bpm)
				frame.HeartRate = &v
				d.stats.heartRateReads.Add(1)
			}
		}
		buf = buf[1+size:]
	}

	d.setCarry(pt, buf)
	return frame, nil
}

// decodeIMU parses the motion packet body: untagged 12-byte samples of three
// big-endian int16 accelerometer axes followed by three gyroscope axes.
func (d *Decoder) decodeIMU(pt byte, body []byte, frame Frame) (Frame, error) {
	if len(body) == 0 {
		f, err := d.fail(pt, "no sub-frame bytes")
		f.Timestamp = frame.Timestamp
		return f, err
	}
	buf := append(append([]byte{}, d.carry[pt]...), body...)

	for len(buf) >= imuBlockSize {
		var m Motion
		for i := 0; i < 3; i++ {
			raw := int16(binary.BigEndian.Uint16(buf[i*2:]))
			m.Accel[i] = float64(raw) * d.cfg.AccelScale
		}
		for i := 0; i < 3; i++ {
			raw := int16(binary.BigEndian.Uint16(buf[6+i*2:]))
			m.Gyro[i] = float64(raw) * d.cfg.GyroScale
		}
		frame.IMU = append(frame.IMU, m)
		d.stats.imuSamples.Add(1)
		buf = buf[imuBlockSize:]
	}

	d.setCarry(pt, buf)
	return frame, nil
}

func (d *Decoder) setCarry(pt byte, rest []byte) {
	if len(rest) == 0 {
		delete(d.carry, pt)
		return
	}
	d.carry[pt] = append([]byte{}, rest...)
}

func (d *Decoder) unpackEEG(block []byte, frame *Frame) {
	if frame.EEG == nil {
		frame.EEG = make(map[string][]float64, len(d.cfg.EEGChannels))
	}
	r := &bitReader{data: block}
	for s := 0; s < d.cfg.EEGSamplesPerBlock; s++ {
		for _, ch := range d.cfg.EEGChannels {
			raw := r.read(d.cfg.EEGBits)
			uv := (float64(raw) - d.cfg.EEGOffset) * d.cfg.EEGScale
			frame.EEG[ch] = append(frame.EEG[ch], uv)
			d.stats.eegSamples.Add(1)
		}
	}
}

func (d *Decoder) unpackPPG(block []byte, frame *Frame) {
	if frame.PPG == nil {
		frame.PPG = make(map[string][]int32, len(d.cfg.PPGChannels))
	}
	w := d.cfg.PPGBytesPerSample
	i := 0
	for s := 0; s < d.cfg.PPGSamplesPerBlock; s++ {
		for _, ch := range d.cfg.PPGChannels {
			var raw int32
			for b := 0; b < w; b++ {
				raw = raw<<8 | int32(block[i+b])
			}
			frame.PPG[ch] = append(frame.PPG[ch], raw)
			d.stats.ppgSamples.Add(1)
			i += w
		}
	}
}
