package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amused-data/amused/internal/biometrics"
	"github.com/amused-data/amused/internal/muse"
	"github.com/amused-data/amused/internal/muse/decode"
	"github.com/amused-data/amused/internal/rawstream"
	"github.com/amused-data/amused/internal/transport"
)

// ErrLinkClosed is returned by Run when the transport's notification stream
// ends before the session was asked to stop.
var ErrLinkClosed = errors.New("session: transport link closed")

// EEGEvent is one decoded batch of EEG samples in microvolts.
type EEGEvent struct {
	Timestamp float64
	Channels  map[string][]float64
}

// PPGEvent is one decoded batch of raw PPG samples per wavelength channel.
type PPGEvent struct {
	Timestamp float64
	Channels  map[string][]int32
}

// IMUEvent is one decoded batch of motion samples.
type IMUEvent struct {
	Timestamp float64
	Samples   []decode.Motion
}

// Config assembles a session. Zero values select the Muse S defaults.
type Config struct {
	Preset   muse.Preset
	Commands muse.CommandSet
	Decode   decode.Config

	// RecordPath, when set, persists every raw notification to a new
	// recording file at this path.
	RecordPath string

	HeartRate   biometrics.HeartRateConfig
	Oxygenation biometrics.OxygenationConfig

	// HeartRateChannel is the PPG wavelength fed to the heart-rate
	// extractor. The infrared channel has the strongest pulsatile signal.
	HeartRateChannel string
	// OxygenRedChannel and OxygenIRChannel feed the oxygenation ratio.
	OxygenRedChannel string
	OxygenIRChannel  string

	// KeepAliveInterval spaces the periodic keep-alive commands that stop
	// the device from dropping an idle-looking link.
	KeepAliveInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Preset == "" {
		c.Preset = muse.PresetFull
	}
	if c.Commands == (muse.CommandSet{}) {
		c.Commands = muse.DefaultCommandSet()
	}
	if len(c.Decode.EEGChannels) == 0 {
		c.Decode = decode.DefaultConfig()
	}
	if c.HeartRate == (biometrics.HeartRateConfig{}) {
		c.HeartRate = biometrics.DefaultHeartRateConfig()
	}
	if c.Oxygenation == (biometrics.OxygenationConfig{}) {
		c.Oxygenation = biometrics.DefaultOxygenationConfig()
	}
	if c.HeartRateChannel == "" {
		c.HeartRateChannel = "infrared"
	}
	if c.OxygenRedChannel == "" {
		c.OxygenRedChannel = "red"
	}
	if c.OxygenIRChannel == "" {
		c.OxygenIRChannel = "infrared"
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 10 * time.Second
	}
}

// Summary is the session's closing report.
type Summary struct {
	ID              string
	Preset          muse.Preset
	DurationSeconds float64
	Packets         uint64
	Decode          decode.Stats
	RecordPath      string
	DroppedEvents   uint64
}

// Session owns one device stream end to end. All state is per-instance, so
// several sessions (live or replay) can run in one process without
// interference.
type Session struct {
	id  string
	cfg Config

	tr     transport.Transport
	driver *muse.Driver
	dec    *decode.Decoder
	rec    *rawstream.Writer

	hr *biometrics.HeartRateExtractor
	ox *biometrics.OxygenationExtractor

	eeg  *dispatcher[EEGEvent]
	ppg  *dispatcher[PPGEvent]
	imu  *dispatcher[IMUEvent]
	rate *dispatcher[biometrics.Estimate]
	oxy  *dispatcher[biometrics.Estimate]

	// Summary is served from other goroutines while the delivery loop is
	// running, so the totals it reads are guarded.
	mu      sync.Mutex
	start   time.Time
	packets atomic.Uint64
}

// New builds a session over a connected transport.
func New(tr transport.Transport, cfg Config) (*Session, error) {
	cfg.applyDefaults()
	dec, err := decode.New(cfg.Decode)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		tr:     tr,
		driver: muse.NewDriver(tr, cfg.Commands),
		dec:    dec,
		hr:     biometrics.NewHeartRateExtractor(cfg.HeartRate),
		ox:     biometrics.NewOxygenationExtractor(cfg.Oxygenation),
		eeg:    newDispatcher[EEGEvent](),
		ppg:    newDispatcher[PPGEvent](),
		imu:    newDispatcher[IMUEvent](),
		rate:   newDispatcher[biometrics.Estimate](),
		oxy:    newDispatcher[biometrics.Estimate](),
	}
	if cfg.RecordPath != "" {
		w, err := rawstream.NewWriter(cfg.RecordPath)
		if err != nil {
			return nil, err
		}
		s.rec = w
	}
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// SubscribeEEG registers a bounded EEG queue. A full queue drops its oldest
// pending event; see the dispatcher drop policy.
func (s *Session) SubscribeEEG(buffer int) *Subscription[EEGEvent] { return s.eeg.subscribe(buffer) }

// SubscribePPG registers a bounded PPG queue.
func (s *Session) SubscribePPG(buffer int) *Subscription[PPGEvent] { return s.ppg.subscribe(buffer) }

// SubscribeIMU registers a bounded motion queue.
func (s *Session) SubscribeIMU(buffer int) *Subscription[IMUEvent] { return s.imu.subscribe(buffer) }

// SubscribeHeartRate registers a bounded heart-rate estimate queue. It
// carries both device-reported ("direct") and PPG-derived estimates.
func (s *Session) SubscribeHeartRate(buffer int) *Subscription[biometrics.Estimate] {
	return s.rate.subscribe(buffer)
}

// SubscribeOxygenation registers a bounded oxygenation-proxy queue.
func (s *Session) SubscribeOxygenation(buffer int) *Subscription[biometrics.Estimate] {
	return s.oxy.subscribe(buffer)
}

// Run arms the device and pumps notifications until the context is
// cancelled, the optional duration elapses, or the link drops. It always
// halts the device, finalizes any recording, and closes all subscriptions
// before returning.
func (s *Session) Run(ctx context.Context, duration time.Duration) error {
	if err := s.driver.Arm(ctx, s.cfg.Preset); err != nil {
		s.teardown()
		return err
	}
	log.Printf("[session %s] armed with preset %s", s.id, s.cfg.Preset)

	s.mu.Lock()
	s.start = time.Now()
	s.mu.Unlock()
	var deadline <-chan time.Time
	if duration > 0 {
		t := time.NewTimer(duration)
		defer t.Stop()
		deadline = t.C
	}
	keepalive := time.NewTicker(s.cfg.KeepAliveInterval)
	defer keepalive.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-deadline:
			break loop
		case <-keepalive.C:
			if err := s.driver.KeepAlive(ctx); err != nil {
				log.Printf("[session %s] keep-alive: %v", s.id, err)
			}
		case n, ok := <-s.tr.Notifications():
			if !ok {
				runErr = ErrLinkClosed
				break loop
			}
			s.handle(n)
		}
	}

	// Halt is best effort and must not hang teardown on a dead link.
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	s.driver.Stop(stopCtx)
	cancel()
	s.teardown()
	return runErr
}

func (s *Session) teardown() {
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			log.Printf("[session %s] close recording: %v", s.id, err)
		}
	}
	s.eeg.close()
	s.ppg.close()
	s.imu.close()
	s.rate.close()
	s.oxy.close()
}

// handle processes one notification on the delivery goroutine: persist the
// raw bytes, decode, fan out, and feed the extractors. Decode faults are
// diagnostics; they never interrupt the stream.
func (s *Session) handle(n transport.Notification) {
	if len(n.Data) == 0 {
		return
	}
	if s.packets.Add(1) == 1 {
		s.driver.NotificationsObserved()
	}
	ts := n.Received.Sub(s.startedAt()).Seconds()

	if s.rec != nil {
		if err := s.rec.Write(n.Data[0], n.Data, ts); err != nil {
			// A dead recording is a session-level fault, but the live
			// stream is still worth decoding for subscribers.
			log.Printf("[session %s] record: %v", s.id, err)
		}
	}

	frame, err := s.dec.Decode(n.Data, ts)
	if err != nil {
		var unknown *decode.UnknownTypeError
		if !errors.As(err, &unknown) {
			log.Printf("[session %s] %v", s.id, err)
		}
		return
	}
	s.publish(frame)
}

func (s *Session) publish(frame decode.Frame) {
	if len(frame.EEG) > 0 {
		s.eeg.publish(EEGEvent{Timestamp: frame.Timestamp, Channels: frame.EEG})
	}
	if len(frame.IMU) > 0 {
		s.imu.publish(IMUEvent{Timestamp: frame.Timestamp, Samples: frame.IMU})
	}
	if frame.HeartRate != nil {
		s.rate.publish(biometrics.Estimate{
			Timestamp: frame.Timestamp,
			Value:     *frame.HeartRate,
			Method:    biometrics.MethodDirect,
		})
	}
	if len(frame.PPG) == 0 {
		return
	}
	s.ppg.publish(PPGEvent{Timestamp: frame.Timestamp, Channels: frame.PPG})

	if samples, ok := frame.PPG[s.cfg.HeartRateChannel]; ok {
		if est, ok := s.hr.Push(samples, frame.Timestamp); ok {
			s.rate.publish(est)
		}
	}
	red, haveRed := frame.PPG[s.cfg.OxygenRedChannel]
	ir, haveIR := frame.PPG[s.cfg.OxygenIRChannel]
	if haveRed && haveIR {
		if est, ok := s.ox.Push(red, ir, frame.Timestamp); ok {
			s.oxy.publish(est)
		}
	}
}

func (s *Session) startedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.start
}

// Summary reports the session's totals so far. It is safe to call from any
// goroutine while Run is streaming.
func (s *Session) Summary() Summary {
	sum := Summary{
		ID:      s.id,
		Preset:  s.cfg.Preset,
		Packets: s.packets.Load(),
		Decode:  s.dec.Stats(),
		DroppedEvents: s.eeg.droppedCount() + s.ppg.droppedCount() +
			s.imu.droppedCount() + s.rate.droppedCount() + s.oxy.droppedCount(),
	}
	if s.rec != nil {
		sum.RecordPath = s.rec.Path()
	}
	if start := s.startedAt(); !start.IsZero() {
		sum.DurationSeconds = time.Since(start).Seconds()
	}
	return sum
}

// String implements fmt.Stringer for log lines.
func (s *Session) String() string {
	return fmt.Sprintf("session %s (%s)", s.id, s.cfg.Preset)
}
