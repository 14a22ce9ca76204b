package decode

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// packBits packs values MSB-first at the given bit width, the wire layout of
// an EEG block.
func packBits(width uint, values []uint16) []byte {
	total := width * uint(len(values))
	out := make([]byte, (total+7)/8)
	var pos uint
	for _, v := range values {
		for i := uint(0); i < width; i++ {
			bit := (uint32(v) >> (width - 1 - i)) & 1
			if bit != 0 {
				out[pos/8] |= 1 << (7 - pos%8)
			}
			pos++
		}
	}
	return out
}

// eegBlock builds one tagged EEG block from raw ADC values in sample-major
// order (sample 0 channels, then sample 1 channels).
func eegBlock(t *testing.T, cfg Config, raws []uint16) []byte {
	t.Helper()
	want := cfg.EEGSamplesPerBlock * len(cfg.EEGChannels)
	if len(raws) != want {
		t.Fatalf("eegBlock needs %d raw values, got %d", want, len(raws))
	}
	return append([]byte{blockEEG}, packBits(cfg.EEGBits, raws)...)
}

// ppgBlock builds one tagged PPG block from raw samples in sample-major order.
func ppgBlock(t *testing.T, cfg Config, raws []int32) []byte {
	t.Helper()
	want := cfg.PPGSamplesPerBlock * len(cfg.PPGChannels)
	if len(raws) != want {
		t.Fatalf("ppgBlock needs %d raw values, got %d", want, len(raws))
	}
	out := []byte{blockPPG}
	for _, v := range raws {
		for b := cfg.PPGBytesPerSample - 1; b >= 0; b-- {
			out = append(out, byte(v>>(8*b)))
		}
	}
	return out
}

func newTestDecoder(t *testing.T) (*Decoder, Config) {
	t.Helper()
	cfg := DefaultConfig()
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, cfg
}

func TestDecodeEEGBlock(t *testing.T) {
	d, cfg := newTestDecoder(t)

	// Two samples per channel: 2048 is the mid-rail (0 uV), 2049 is one LSB.
	raws := make([]uint16, 14)
	for i := range raws {
		if i < 7 {
			raws[i] = 2048
		} else {
			raws[i] = 2049
		}
	}
	payload := append([]byte{cfg.TypeEEGPPG}, eegBlock(t, cfg, raws)...)

	frame, err := d.Decode(payload, 1.5)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.Timestamp != 1.5 {
		t.Errorf("Timestamp = %v, want 1.5", frame.Timestamp)
	}
	if len(frame.EEG) != 7 {
		t.Fatalf("expected 7 EEG channels, got %d", len(frame.EEG))
	}
	for _, ch := range cfg.EEGChannels {
		samples := frame.EEG[ch]
		if len(samples) != 2 {
			t.Fatalf("channel %s: expected 2 samples, got %d", ch, len(samples))
		}
		if samples[0] != 0 {
			t.Errorf("channel %s sample 0 = %v, want 0", ch, samples[0])
		}
		if math.Abs(samples[1]-cfg.EEGScale) > 1e-12 {
			t.Errorf("channel %s sample 1 = %v, want %v", ch, samples[1], cfg.EEGScale)
		}
	}
	if got := d.Stats().EEGSamples; got != 14 {
		t.Errorf("EEGSamples = %d, want 14", got)
	}
}

func TestDecodePPGAndHeartRate(t *testing.T) {
	d, cfg := newTestDecoder(t)

	raws := []int32{100, 200000, 300000, 101, 200001, 300001}
	body := ppgBlock(t, cfg, raws)
	body = append(body, blockHR, 72)
	payload := append([]byte{cfg.TypeEEGPPG}, body...)

	frame, err := d.Decode(payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := map[string][]int32{
		"ambient":  {100, 101},
		"infrared": {200000, 200001},
		"red":      {300000, 300001},
	}
	if diff := cmp.Diff(want, frame.PPG); diff != "" {
		t.Errorf("PPG mismatch (-want +got):\n%s", diff)
	}
	if frame.HeartRate == nil || *frame.HeartRate != 72 {
		t.Errorf("HeartRate = %v, want 72", frame.HeartRate)
	}
	if got := d.Stats().HeartRateReads; got != 1 {
		t.Errorf("HeartRateReads = %d, want 1", got)
	}
}

func TestHeartRateZeroIgnored(t *testing.T) {
	d, cfg := newTestDecoder(t)
	payload := []byte{cfg.TypeEEGPPG, blockHR, 0}
	frame, err := d.Decode(payload, 0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if frame.HeartRate != nil {
		t.Errorf("zero bpm should not produce a reading, got %v", *frame.HeartRate)
	}
}

// collect merges the decoded output of a sequence of payloads, ignoring soft
// errors, so two segmentations of the same byte stream can be compared.
func collect(t *testing.T, d *Decoder, payloads [][]byte) Frame {
	t.Helper()
	var merged Frame
	for _, p := range payloads {
		frame, err := d.Decode(p, 0)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		for ch, samples := range frame.EEG {
			if merged.EEG == nil {
				merged.EEG = map[string][]float64{}
			}
			merged.EEG[ch] = append(merged.EEG[ch], samples...)
		}
		for ch, samples := range frame.PPG {
			if merged.PPG == nil {
				merged.PPG = map[string][]int32{}
			}
			merged.PPG[ch] = append(merged.PPG[ch], samples...)
		}
		merged.IMU = append(merged.IMU, frame.IMU...)
		if frame.HeartRate != nil {
			merged.HeartRate = frame.HeartRate
		}
	}
	return merged
}

// TestResegmentationDeterminism feeds the same combined body whole and split
// at every possible boundary; the decoded sample streams must be identical.
func TestResegmentationDeterminism(t *testing.T) {
	cfg := DefaultConfig()

	var body []byte
	eegRaws := make([]uint16, 14)
	for i := range eegRaws {
		eegRaws[i] = uint16(1000 + i*37)
	}
	body = append(body, eegBlock(t, cfg, eegRaws)...)
	body = append(body, ppgBlock(t, cfg, []int32{1, 2, 3, 4, 5, 6})...)
	body = append(body, blockHR, 65)
	eegRaws2 := make([]uint16, 14)
	for i := range eegRaws2 {
		eegRaws2[i] = uint16(3000 - i*11)
	}
	body = append(body, eegBlock(t, cfg, eegRaws2)...)

	whole, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := collect(t, whole, [][]byte{append([]byte{cfg.TypeEEGPPG}, body...)})

	for cut := 1; cut < len(body); cut++ {
		d, err := New(cfg)
		if err != nil {
			t.Fatal(err)
		}
		got := collect(t, d, [][]byte{
			append([]byte{cfg.TypeEEGPPG}, body[:cut]...),
			append([]byte{cfg.TypeEEGPPG}, body[cut:]...),
		})
		if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("cut at %d: decoded stream differs (-whole +split):\n%s", cut, diff)
		}
	}
}

func TestCarryIsPerPacketType(t *testing.T) {
	d, cfg := newTestDecoder(t)

	// Start an EEG block but leave it incomplete.
	eegRaws := make([]uint16, 14)
	partial := eegBlock(t, cfg, eegRaws)[:5]
	if _, err := d.Decode(append([]byte{cfg.TypeEEGPPG}, partial...), 0); err != nil {
		t.Fatalf("Decode partial: %v", err)
	}

	// A complete IMU packet in between must decode on its own carry lane.
	imuBody := make([]byte, imuBlockSize)
	frame, err := d.Decode(append([]byte{cfg.TypeIMU}, imuBody...), 0)
	if err != nil {
		t.Fatalf("Decode IMU: %v", err)
	}
	if len(frame.IMU) != 1 {
		t.Fatalf("expected 1 motion sample, got %d", len(frame.IMU))
	}

	// The rest of the EEG block still completes.
	rest := eegBlock(t, cfg, eegRaws)[5:]
	frame, err = d.Decode(append([]byte{cfg.TypeEEGPPG}, rest...), 0)
	if err != nil {
		t.Fatalf("Decode rest: %v", err)
	}
	if len(frame.EEG) != 7 {
		t.Fatalf("expected completed EEG block, got %d channels", len(frame.EEG))
	}
}

func TestUnknownPacketType(t *testing.T) {
	d, _ := newTestDecoder(t)
	_, err := d.Decode([]byte{0xAB, 1, 2, 3}, 0)
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.PacketType != 0xAB {
		t.Errorf("PacketType = 0x%02X, want 0xAB", unknown.PacketType)
	}
	if got := d.Stats().UnknownPackets; got != 1 {
		t.Errorf("UnknownPackets = %d, want 1", got)
	}
}

func TestTruncation(t *testing.T) {
	d, cfg := newTestDecoder(t)

	// Empty notification.
	_, err := d.Decode(nil, 0)
	var trunc *TruncatedError
	if !errors.As(err, &trunc) {
		t.Fatalf("empty payload: expected TruncatedError, got %v", err)
	}

	// Type byte with no body.
	if _, err := d.Decode([]byte{cfg.TypeEEGPPG}, 0); !errors.As(err, &trunc) {
		t.Fatalf("bodyless packet: expected TruncatedError, got %v", err)
	}

	// An unknown sub-frame tag drops the packet, even when a carried block
	// completes first in the same notification.
	block := eegBlock(t, cfg, make([]uint16, 14))
	if _, err := d.Decode(append([]byte{cfg.TypeEEGPPG}, block[:4]...), 0); err != nil {
		t.Fatalf("Decode partial: %v", err)
	}
	rest := append(append([]byte{}, block[4:]...), 0x7F, 0, 0)
	if _, err := d.Decode(append([]byte{cfg.TypeEEGPPG}, rest...), 0); !errors.As(err, &trunc) {
		t.Fatalf("unknown sub-frame tag: expected TruncatedError, got %v", err)
	}

	// A clean packet afterwards decodes normally.
	full := append([]byte{cfg.TypeEEGPPG}, eegBlock(t, cfg, make([]uint16, 14))...)
	frame, err := d.Decode(full, 0)
	if err != nil {
		t.Fatalf("Decode after drop: %v", err)
	}
	if len(frame.EEG) != 7 {
		t.Fatalf("expected clean decode after drop, got %d channels", len(frame.EEG))
	}
	if got := d.Stats().DecodeErrors; got != 3 {
		t.Errorf("DecodeErrors = %d, want 3", got)
	}
}

func TestDecodeIMU(t *testing.T) {
	d, cfg := newTestDecoder(t)

	// 16384 raw = 1 g; 13107 raw ~ 99.997 deg/s.
	body := []byte{
		0x40, 0x00, 0x00, 0x00, 0xC0, 0x00, // accel: +16384, 0, -16384
		0x33, 0x33, 0x00, 0x00, 0x00, 0x01, // gyro: 13107, 0, 1
	}
	frame, err := d.Decode(append([]byte{cfg.TypeIMU}, body...), 2.0)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(frame.IMU) != 1 {
		t.Fatalf("expected 1 motion sample, got %d", len(frame.IMU))
	}
	m := frame.IMU[0]
	if m.Accel != [3]float64{1, 0, -1} {
		t.Errorf("Accel = %v, want [1 0 -1]", m.Accel)
	}
	if math.Abs(m.Gyro[0]-float64(13107)*cfg.GyroScale) > 1e-12 {
		t.Errorf("Gyro[0] = %v", m.Gyro[0])
	}
}

func TestIMUSplitAcrossNotifications(t *testing.T) {
	d, cfg := newTestDecoder(t)

	body := make([]byte, imuBlockSize)
	body[0] = 0x40 // accel x = +16384 = 1 g

	frame, err := d.Decode(append([]byte{cfg.TypeIMU}, body[:7]...), 0)
	if err != nil {
		t.Fatalf("Decode first half: %v", err)
	}
	if len(frame.IMU) != 0 {
		t.Fatalf("half a sample decoded to %d motions", len(frame.IMU))
	}

	frame, err = d.Decode(append([]byte{cfg.TypeIMU}, body[7:]...), 0)
	if err != nil {
		t.Fatalf("Decode second half: %v", err)
	}
	if len(frame.IMU) != 1 || frame.IMU[0].Accel[0] != 1 {
		t.Fatalf("expected completed sample with 1 g accel x, got %+v", frame.IMU)
	}
}

func TestResetClearsCarryOnly(t *testing.T) {
	d, cfg := newTestDecoder(t)

	partial := eegBlock(t, cfg, make([]uint16, 14))[:10]
	if _, err := d.Decode(append([]byte{cfg.TypeEEGPPG}, partial...), 0); err != nil {
		t.Fatalf("Decode partial: %v", err)
	}
	before := d.Stats()
	d.Reset()

	// A fresh complete packet decodes without pollution from the old carry.
	full := append([]byte{cfg.TypeEEGPPG}, eegBlock(t, cfg, make([]uint16, 14))...)
	frame, err := d.Decode(full, 0)
	if err != nil {
		t.Fatalf("Decode after Reset: %v", err)
	}
	for ch, samples := range frame.EEG {
		if len(samples) != 2 {
			t.Errorf("channel %s: %d samples after Reset, want 2", ch, len(samples))
		}
	}
	if d.Stats().Packets != before.Packets+1 {
		t.Errorf("Reset must preserve statistics")
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no EEG channels", func(c *Config) { c.EEGChannels = nil }},
		{"no PPG channels", func(c *Config) { c.PPGChannels = nil }},
		{"zero bit width", func(c *Config) { c.EEGBits = 0 }},
		{"oversized bit width", func(c *Config) { c.EEGBits = 17 }},
		{"zero samples per block", func(c *Config) { c.EEGSamplesPerBlock = 0 }},
		{"unaligned block", func(c *Config) {
			c.EEGBits = 11
			c.EEGChannels = c.EEGChannels[:3]
			c.EEGSamplesPerBlock = 1
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Errorf("expected config error")
			}
		})
	}
}

// Stats backs live status reporting while Decode runs on the delivery
// goroutine. Run under -race.
func TestStatsConcurrentWithDecode(t *testing.T) {
	d, cfg := newTestDecoder(t)
	pkt := append([]byte{cfg.TypeEEGPPG}, eegBlock(t, cfg, make([]uint16, 14))...)

	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
				d.Stats()
			}
		}
	}()

	const packets = 1000
	for i := 0; i < packets; i++ {
		if _, err := d.Decode(pkt, float64(i)); err != nil {
			t.Fatalf("Decode: %v", err)
		}
	}
	close(stop)
	<-polled

	if got := d.Stats().Packets; got != packets {
		t.Errorf("Stats.Packets = %d, want %d", got, packets)
	}
}
