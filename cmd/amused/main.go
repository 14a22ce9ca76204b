package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/amused-data/amused/internal/api"
	"github.com/amused-data/amused/internal/biometrics"
	"github.com/amused-data/amused/internal/db"
	"github.com/amused-data/amused/internal/mqttpub"
	"github.com/amused-data/amused/internal/muse"
	"github.com/amused-data/amused/internal/muse/decode"
	"github.com/amused-data/amused/internal/rawstream"
	"github.com/amused-data/amused/internal/replay"
	"github.com/amused-data/amused/internal/session"
	"github.com/amused-data/amused/internal/transport"
	"github.com/amused-data/amused/internal/version"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: amused <command> [flags]

Commands:
  stream    connect to a headset, decode and record its telemetry
  replay    play back a recording through the decoder
  info      print summary statistics for a recording
  extract   copy a time window of a recording to a new file
  devices   list and mark known headsets
  version   print build information

Run "amused <command> -h" for command flags.
`)
}

func main() {
	// A .env file is optional; flags and the environment still win.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[amused] load .env: %v", err)
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "stream":
		err = runStream(os.Args[2:])
	case "replay":
		err = runReplay(os.Args[2:])
	case "info":
		err = runInfo(os.Args[2:])
	case "extract":
		err = runExtract(os.Args[2:])
	case "devices":
		err = runDevices(os.Args[2:])
	case "version":
		fmt.Println(version.String())
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "amused: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("amused %s: %v", os.Args[1], err)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func runStream(args []string) error {
	fs := flag.NewFlagSet("stream", flag.ExitOnError)
	var (
		address   = fs.String("device", envDefault("AMUSED_DEVICE", ""), "headset MAC address (default: preferred device from the registry)")
		adapter   = fs.String("adapter", envDefault("AMUSED_ADAPTER", "hci0"), "bluetooth adapter")
		serialDev = fs.String("serial", "", "BLE-UART bridge serial port (uses the bridge instead of BlueZ)")
		baud      = fs.Int("baud", transport.DefaultBridgeBaudRate, "bridge baud rate")
		preset    = fs.String("preset", string(muse.PresetFull), "device preset (p21, p1034, p1035)")
		record    = fs.String("record", "", "write raw packets to this file")
		duration  = fs.Duration("duration", 0, "stop after this long (0 = until interrupted)")
		dbFile    = fs.String("db", envDefault("AMUSED_DB", "amused.db"), "path to the SQLite registry")
		broker    = fs.String("mqtt", envDefault("AMUSED_MQTT_BROKER", ""), "MQTT broker URL for estimate publishing (empty = disabled)")
		listen    = fs.String("listen", "", "HTTP listen address for status and SSE (empty = disabled)")
	)
	fs.Parse(args)

	store, err := db.New(*dbFile)
	if err != nil {
		return err
	}
	defer store.Close()

	if *serialDev == "" && *address == "" {
		dev, ok, err := store.PreferredDevice()
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no device given and no preferred device in %s", *dbFile)
		}
		*address = dev.Address
		log.Printf("[amused] using preferred device %s (%s)", dev.Address, dev.Name)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	var tr transport.Transport
	if *serialDev != "" {
		bridge, err := transport.OpenSerialBridge(*serialDev, *baud)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bridge.Monitor(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[amused] bridge monitor: %v", err)
			}
		}()
		tr = bridge
	} else {
		bz, err := transport.DialBlueZ(ctx, transport.BlueZConfig{
			Adapter:     *adapter,
			Address:     *address,
			ControlUUID: muse.ControlCharUUID,
			SensorUUID:  muse.SensorCharUUID,
		})
		if err != nil {
			return err
		}
		tr = bz
		if err := store.UpsertDevice(db.Device{
			Address:  *address,
			Model:    "Muse S",
			LastSeen: time.Now(),
		}); err != nil {
			log.Printf("[amused] registry: %v", err)
		}
	}
	defer tr.Close()

	sess, err := session.New(tr, session.Config{
		Preset:     muse.Preset(*preset),
		RecordPath: *record,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	if err := store.InsertSession(db.SessionRecord{
		ID:         sess.ID(),
		Device:     *address,
		Preset:     *preset,
		StartedAt:  started,
		RecordPath: *record,
	}); err != nil {
		log.Printf("[amused] registry: %v", err)
	}

	// Persist every biometric estimate alongside the session row.
	wg.Add(1)
	go func() {
		defer wg.Done()
		persistEstimates(store, sess)
	}()

	if *broker != "" {
		pub, err := mqttpub.New(mqttpub.Config{Broker: *broker, ClientID: "amused-" + sess.ID()[:8]})
		if err != nil {
			return err
		}
		defer pub.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pub.Forward(ctx, sess)
		}()
	}

	if *listen != "" {
		srv := &http.Server{Addr: *listen, Handler: api.NewServer(sess).Handler()}
		go func() {
			log.Printf("[amused] http on %s", *listen)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("[amused] http: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("[amused] http shutdown: %v", err)
			}
		}()
	}

	runErr := sess.Run(ctx, *duration)
	stop() // release the monitor and forwarding goroutines
	wg.Wait()

	sum := sess.Summary()
	if err := store.FinishSession(sess.ID(), time.Now(), int64(sum.Packets)); err != nil {
		log.Printf("[amused] registry: %v", err)
	}
	log.Printf("[amused] session %s: %d packets, %d eeg / %d ppg / %d imu samples, %d decode errors, %d dropped events",
		sum.ID, sum.Packets, sum.Decode.EEGSamples, sum.Decode.PPGSamples,
		sum.Decode.IMUSamples, sum.Decode.DecodeErrors, sum.DroppedEvents)
	return runErr
}

// persistEstimates drains both estimate queues into the registry until the
// session closes them.
func persistEstimates(store *db.DB, sess *session.Session) {
	hr := sess.SubscribeHeartRate(64)
	ox := sess.SubscribeOxygenation(64)
	hrC, oxC := hr.C(), ox.C()
	for hrC != nil || oxC != nil {
		var (
			kind string
			est  biometrics.Estimate
			ok   bool
		)
		select {
		case est, ok = <-hrC:
			if !ok {
				hrC = nil
				continue
			}
			kind = "heart_rate"
		case est, ok = <-oxC:
			if !ok {
				oxC = nil
				continue
			}
			kind = "oxygenation"
		}
		if err := store.InsertEstimate(sess.ID(), kind, est.Timestamp, est.Value, string(est.Method)); err != nil {
			log.Printf("[amused] store estimate: %v", err)
		}
	}
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	var (
		file     = fs.String("file", "", "recording to play (required)")
		start    = fs.Float64("start", 0, "window start in seconds")
		duration = fs.Float64("duration", 0, "window length in seconds (0 = to end)")
		speed    = fs.Float64("speed", 1.0, "playback speed multiplier")
		realtime = fs.Bool("realtime", false, "preserve recorded packet timing")
		verbose  = fs.Bool("v", false, "print every decoded frame")
	)
	fs.Parse(args)
	if *file == "" {
		return fmt.Errorf("-file is required")
	}

	reader, err := rawstream.Open(*file)
	if err != nil {
		return err
	}
	defer reader.Close()

	dec, err := decode.New(decode.DefaultConfig())
	if err != nil {
		return err
	}
	player := replay.NewPlayer(reader, dec)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var frames int
	err = player.Play(ctx, replay.Options{
		StartTime: *start,
		Duration:  *duration,
		Speed:     *speed,
		Realtime:  *realtime,
	}, replay.Callbacks{
		OnFrame: func(f decode.Frame) {
			frames++
			if *verbose {
				printFrame(f)
			}
		},
		OnProgress: func(p float64) {
			if !*verbose {
				fmt.Fprintf(os.Stderr, "\rreplay %3.0f%%", p*100)
			}
		},
		OnComplete: func() {
			if !*verbose {
				fmt.Fprintln(os.Stderr)
			}
		},
	})
	if err != nil {
		return err
	}
	stats := dec.Stats()
	log.Printf("[amused] replayed %d frames: %d eeg / %d ppg / %d imu samples, %d decode errors",
		frames, stats.EEGSamples, stats.PPGSamples, stats.IMUSamples, stats.DecodeErrors)
	return nil
}

func printFrame(f decode.Frame) {
	if len(f.EEG) > 0 {
		fmt.Printf("%.3f eeg", f.Timestamp)
		for name, samples := range f.EEG {
			fmt.Printf(" %s=%d", name, len(samples))
		}
		fmt.Println()
	}
	if len(f.PPG) > 0 {
		fmt.Printf("%.3f ppg", f.Timestamp)
		for name, samples := range f.PPG {
			fmt.Printf(" %s=%d", name, len(samples))
		}
		fmt.Println()
	}
	if len(f.IMU) > 0 {
		fmt.Printf("%.3f imu samples=%d\n", f.Timestamp, len(f.IMU))
	}
	if f.HeartRate != nil {
		fmt.Printf("%.3f heart_rate %.1f bpm\n", f.Timestamp, *f.HeartRate)
	}
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("usage: amused info <file> [...]")
	}
	for _, path := range fs.Args() {
		reader, err := rawstream.Open(path)
		if err != nil {
			return err
		}
		info, err := reader.Info()
		reader.Close()
		if err != nil {
			return err
		}
		fmt.Printf("%s:\n", path)
		fmt.Printf("  packets:          %d\n", info.PacketCount)
		fmt.Printf("  duration:         %.2fs\n", info.DurationSeconds)
		fmt.Printf("  time range:       %.2fs to %.2fs\n", info.FirstTimestamp, info.LastTimestamp)
		fmt.Printf("  size:             %d bytes\n", info.FileSizeBytes)
		fmt.Printf("  avg packet size:  %.1f bytes\n", info.AveragePacketSize)
		fmt.Printf("  packet rate:      %.1f/s\n", info.PacketsPerSecond)
	}
	return nil
}

func runExtract(args []string) error {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	var (
		file = fs.String("file", "", "source recording (required)")
		out  = fs.String("out", "", "destination file (required)")
		from = fs.Float64("from", 0, "window start in seconds")
		to   = fs.Float64("to", 0, "window end in seconds (0 = end of recording)")
	)
	fs.Parse(args)
	if *file == "" || *out == "" {
		return fmt.Errorf("-file and -out are required")
	}

	reader, err := rawstream.Open(*file)
	if err != nil {
		return err
	}
	defer reader.Close()

	// The window is half-open, so an open end must sit past the last
	// record's timestamp, which is not zero-based on extracted slices.
	end := math.Inf(1)
	if *to > 0 {
		end = *to
	}
	records, err := replay.ExtractTimeRange(reader, *from, end)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("no records in [%.2f, %.2f)", *from, end)
	}

	writer, err := rawstream.NewWriter(*out)
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := writer.Write(rec.PacketType, rec.Payload, rec.Timestamp); err != nil {
			writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return err
	}
	log.Printf("[amused] wrote %d records to %s", len(records), *out)
	return nil
}

func runDevices(args []string) error {
	fs := flag.NewFlagSet("devices", flag.ExitOnError)
	var (
		dbFile = fs.String("db", envDefault("AMUSED_DB", "amused.db"), "path to the SQLite registry")
		prefer = fs.String("prefer", "", "mark this address as the preferred device")
	)
	fs.Parse(args)

	store, err := db.New(*dbFile)
	if err != nil {
		return err
	}
	defer store.Close()

	if *prefer != "" {
		if err := store.SetPreferredDevice(*prefer); err != nil {
			return err
		}
		log.Printf("[amused] preferred device set to %s", *prefer)
	}

	devices, err := store.ListDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("no devices recorded")
		return nil
	}
	for _, d := range devices {
		marker := " "
		if d.Preferred {
			marker = "*"
		}
		fmt.Printf("%s %-20s %-16s %-10s last seen %s\n",
			marker, d.Address, d.Name, d.Model, d.LastSeen.Format(time.RFC3339))
	}
	return nil
}
