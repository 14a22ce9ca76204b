// Package replay re-drives recorded notification streams through the packet
// decode engine, optionally preserving the original inter-packet timing.
package replay

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/amused-data/amused/internal/muse/decode"
	"github.com/amused-data/amused/internal/rawstream"
)

// Options control one playback run.
type Options struct {
	// StartTime and Duration select records with timestamps in
	// [StartTime, StartTime+Duration). A zero or negative Duration selects
	// everything from StartTime to the end of the recording.
	StartTime float64
	Duration  float64

	// Speed divides the recorded inter-packet gaps; 2.0 plays twice as
	// fast. Values <= 0 are treated as 1.0. Ignored unless Realtime.
	Speed float64

	// Realtime sleeps between records to preserve the recorded gaps
	// (scaled by Speed). When false, records are dispatched back to back
	// as fast as the callbacks consume them.
	Realtime bool
}

// Callbacks receive playback output. Any of them may be nil.
type Callbacks struct {
	// OnFrame is called for every decoded frame, in record order.
	OnFrame func(decode.Frame)
	// OnProgress is called periodically with the fraction of the selected
	// window already dispatched, in [0, 1].
	OnProgress func(float64)
	// OnComplete is called once when the window has been fully played.
	// It is not called when playback is cancelled.
	OnComplete func()
}

// progressEvery is how many records pass between OnProgress calls.
const progressEvery = 64

// Player replays one recording through a decoder. The decoder's carry state
// is reset at the start of every Play so a prior live stream cannot bleed
// into the replayed samples.
type Player struct {
	reader  *rawstream.Reader
	decoder *decode.Decoder
}

// NewPlayer wraps an open recording and a decoder.
func NewPlayer(reader *rawstream.Reader, decoder *decode.Decoder) *Player {
	return &Player{reader: reader, decoder: decoder}
}

// Info returns the recording summary.
func (p *Player) Info() (rawstream.FileInfo, error) { return p.reader.Info() }

// Play replays the selected window. Cancellation is checked at every record
// boundary, and every pacing sleep is individually cancellable, so playback
// aborts promptly mid-window when ctx is done.
func (p *Player) Play(ctx context.Context, opts Options, cb Callbacks) error {
	if err := p.reader.Reset(); err != nil {
		return err
	}
	p.decoder.Reset()

	speed := opts.Speed
	if speed <= 0 {
		speed = 1.0
	}
	end := math.Inf(1)
	if opts.Duration > 0 {
		end = opts.StartTime + opts.Duration
	}
	// An open-ended window still has a known extent: the recording's last
	// timestamp bounds it for progress reporting.
	progressEnd := end
	if cb.OnProgress != nil && math.IsInf(end, 1) {
		info, err := p.reader.Info()
		if err != nil {
			return err
		}
		progressEnd = info.LastTimestamp
	}

	var (
		dispatched int
		prevTS     float64
		havePrev   bool
	)
	err := p.reader.ForEach(func(rec rawstream.Record) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Timestamp < opts.StartTime {
			return nil
		}
		if rec.Timestamp >= end {
			return errWindowDone
		}

		if opts.Realtime && havePrev {
			gap := time.Duration((rec.Timestamp - prevTS) / speed * float64(time.Second))
			if gap > 0 {
				t := time.NewTimer(gap)
				select {
				case <-t.C:
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				}
			}
		}
		prevTS = rec.Timestamp
		havePrev = true

		frame, err := p.decoder.Decode(rec.Payload, rec.Timestamp)
		if err != nil {
			// Soft decode diagnostics never stop a replay, same as a
			// live stream.
			log.Printf("[replay] %v", err)
		}
		if cb.OnFrame != nil && !frame.Empty() {
			cb.OnFrame(frame)
		}

		dispatched++
		if cb.OnProgress != nil && dispatched%progressEvery == 0 {
			cb.OnProgress(p.progress(rec.Timestamp, opts.StartTime, progressEnd))
		}
		return nil
	})
	if err == errWindowDone {
		err = nil
	}
	if err != nil {
		return err
	}
	if cb.OnProgress != nil {
		cb.OnProgress(1.0)
	}
	if cb.OnComplete != nil {
		cb.OnComplete()
	}
	return nil
}

var errWindowDone = fmt.Errorf("replay: window complete")

func (p *Player) progress(ts, start, end float64) float64 {
	if math.IsInf(end, 1) || end <= start {
		return 0
	}
	f := (ts - start) / (end - start)
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return f
}

// ExtractTimeRange returns the raw records with timestamps in [start, end),
// without engaging the decoder. The reader is left positioned at the start
// of the recording.
func ExtractTimeRange(reader *rawstream.Reader, start, end float64) ([]rawstream.Record, error) {
	if err := reader.Reset(); err != nil {
		return nil, err
	}
	var out []rawstream.Record
	err := reader.ForEach(func(rec rawstream.Record) error {
		if rec.Timestamp >= start && rec.Timestamp < end {
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := reader.Reset(); err != nil {
		return nil, err
	}
	return out, nil
}
