package session

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/amused-data/amused/internal/biometrics"
	"github.com/amused-data/amused/internal/muse"
	"github.com/amused-data/amused/internal/rawstream"
	"github.com/amused-data/amused/internal/transport"
)

func fastConfig() Config {
	cmds := muse.DefaultCommandSet()
	cmds.SettleDelay = 0
	return Config{Commands: cmds}
}

// eegPacket is one combined packet holding a single all-zero EEG block. Raw
// zero decodes to (0 - 2048) * scale microvolts on every channel.
func eegPacket() []byte {
	return append([]byte{0xDF, 0x01}, make([]byte, 21)...)
}

func imuPacket() []byte {
	return append([]byte{0xF4}, make([]byte, 12)...)
}

func heartRatePacket(bpm byte) []byte {
	return []byte{0xDF, 0x03, bpm}
}

// runSession starts Run in the background and returns its result channel.
func runSession(t *testing.T, s *Session, ctx context.Context, d time.Duration) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, d) }()
	return done
}

func TestSessionStreamsToSubscribers(t *testing.T) {
	m := transport.NewMock(16)
	s, err := New(m, fastConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	eeg := s.SubscribeEEG(8)
	imu := s.SubscribeIMU(8)

	done := runSession(t, s, context.Background(), 0)

	m.Push(eegPacket())
	m.Push(imuPacket())

	select {
	case ev := <-eeg.C():
		if len(ev.Channels) != 7 {
			t.Errorf("EEG event has %d channels, want 7", len(ev.Channels))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no EEG event delivered")
	}
	select {
	case ev := <-imu.C():
		if len(ev.Samples) != 1 {
			t.Errorf("IMU event has %d samples, want 1", len(ev.Samples))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no IMU event delivered")
	}

	m.Close()
	if err := <-done; !errors.Is(err, ErrLinkClosed) {
		t.Errorf("Run = %v, want ErrLinkClosed", err)
	}

	// Teardown closes all subscription channels.
	if _, ok := <-eeg.C(); ok {
		t.Error("EEG subscription still open after Run returned")
	}
}

func TestSessionDirectHeartRate(t *testing.T) {
	m := transport.NewMock(16)
	s, err := New(m, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	hr := s.SubscribeHeartRate(8)

	done := runSession(t, s, context.Background(), 0)
	m.Push(heartRatePacket(68))

	select {
	case est := <-hr.C():
		if est.Value != 68 {
			t.Errorf("heart rate = %v, want 68", est.Value)
		}
		if est.Method != biometrics.MethodDirect {
			t.Errorf("method = %v, want direct", est.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no direct heart-rate estimate delivered")
	}

	m.Close()
	<-done
}

func TestSessionRecordsRawPackets(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session"+rawstream.FileExtension)
	m := transport.NewMock(16)
	cfg := fastConfig()
	cfg.RecordPath = path
	s, err := New(m, cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Drain an EEG subscription so delivery is observable before Close.
	eeg := s.SubscribeEEG(8)

	done := runSession(t, s, context.Background(), 0)
	m.Push(eegPacket())
	m.Push(imuPacket())
	m.Push([]byte{0x99, 1, 2}) // unknown type is still recorded
	<-eeg.C()

	m.Close()
	<-done

	r, err := rawstream.Open(path)
	if err != nil {
		t.Fatalf("Open recording: %v", err)
	}
	defer r.Close()
	var types []byte
	if err := r.ForEach(func(rec rawstream.Record) error {
		types = append(types, rec.PacketType)
		return nil
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	want := []byte{0xDF, 0xF4, 0x99}
	if len(types) != len(want) {
		t.Fatalf("recorded %d packets, want %d", len(types), len(want))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("record %d type = 0x%02X, want 0x%02X", i, types[i], want[i])
		}
	}
}

func TestSessionArmFailure(t *testing.T) {
	m := transport.NewMock(16)
	m.FailWrites(errors.New("control write refused"))
	s, err := New(m, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	eeg := s.SubscribeEEG(8)

	if err := s.Run(context.Background(), 0); err == nil {
		t.Fatal("Run should surface the arm failure")
	}
	// The failed session still tears its subscriptions down.
	if _, ok := <-eeg.C(); ok {
		t.Error("subscription open after failed Run")
	}
}

func TestSessionDurationLimit(t *testing.T) {
	m := transport.NewMock(16)
	s, err := New(m, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	done := runSession(t, s, context.Background(), 50*time.Millisecond)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil at duration expiry", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop at the duration limit")
	}
}

func TestSessionContextCancel(t *testing.T) {
	m := transport.NewMock(16)
	s, err := New(m, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := runSession(t, s, ctx, 0)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestSessionSummary(t *testing.T) {
	m := transport.NewMock(16)
	s, err := New(m, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	eeg := s.SubscribeEEG(8)
	done := runSession(t, s, context.Background(), 0)

	m.Push(eegPacket())
	m.Push([]byte{0x99, 1}) // unknown type
	<-eeg.C()

	m.Close()
	<-done

	sum := s.Summary()
	if sum.ID != s.ID() {
		t.Errorf("Summary.ID = %q, want %q", sum.ID, s.ID())
	}
	if sum.Packets != 2 {
		t.Errorf("Summary.Packets = %d, want 2", sum.Packets)
	}
	if sum.Decode.UnknownPackets != 1 {
		t.Errorf("UnknownPackets = %d, want 1", sum.Decode.UnknownPackets)
	}
	if sum.Decode.EEGSamples != 14 {
		t.Errorf("EEGSamples = %d, want 14", sum.Decode.EEGSamples)
	}
}

// Summary backs the live status endpoint, so it must be readable while the
// delivery loop is counting packets. Run under -race.
func TestSessionSummaryWhileStreaming(t *testing.T) {
	const packets = 500

	m := transport.NewMock(packets)
	s, err := New(m, fastConfig())
	if err != nil {
		t.Fatal(err)
	}
	eeg := s.SubscribeEEG(4)
	done := runSession(t, s, context.Background(), 0)

	stop := make(chan struct{})
	polled := make(chan struct{})
	go func() {
		defer close(polled)
		for {
			select {
			case <-stop:
				return
			default:
				s.Summary()
			}
		}
	}()

	for i := 0; i < packets; i++ {
		m.Push(eegPacket())
	}
	m.Close()
	// The delivery loop drains the buffered notifications before it sees
	// the closed link; the subscription closes at teardown.
	for range eeg.C() {
	}
	close(stop)
	<-polled

	<-done
	if got := s.Summary().Packets; got != packets {
		t.Errorf("Summary.Packets = %d, want %d", got, packets)
	}
}
