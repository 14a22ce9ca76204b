package rawstream

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"math"
	"os"
)

// Reader reads a recording in file order. One pass per Reset; call Reset to
// restart from the beginning.
type Reader struct {
	path string
	f    *os.File
	br   *bufio.Reader

	warnedTruncated bool
}

// Open opens a recording for reading. The file must exist, be non-empty, and
// begin with a parseable record.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("rawstream: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("rawstream: stat %s: %w", path, err)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, fmt.Errorf("rawstream: %s is empty", path)
	}
	r := &Reader{path: path, f: f, br: bufio.NewReader(f)}
	if _, err := r.Next(); err != nil {
		f.Close()
		return nil, fmt.Errorf("rawstream: %s is not a recording: %w", path, err)
	}
	if err := r.Reset(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// Path returns the recording file path.
func (r *Reader) Path() string { return r.path }

// Reset rewinds to the start of the recording.
func (r *Reader) Reset() error {
	if _, err := r.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rawstream: rewind %s: %w", r.path, err)
	}
	r.br.Reset(r.f)
	r.warnedTruncated = false
	return nil
}

// Next returns the next record, or io.EOF at the end of the recording. A
// partial trailing record (interrupted write) is skipped with a warning and
// reported as io.EOF; it does not invalidate the records before it.
func (r *Reader) Next() (Record, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			r.warnTruncated()
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("rawstream: read header: %w", err)
	}
	ts := math.Float64frombits(binary.LittleEndian.Uint64(hdr[0:8]))
	length := binary.LittleEndian.Uint32(hdr[9:13])
	if length > MaxPayloadSize {
		return Record{}, fmt.Errorf("rawstream: implausible payload length %d in %s", length, r.path)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			r.warnTruncated()
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("rawstream: read payload: %w", err)
	}
	return Record{Timestamp: ts, PacketType: hdr[8], Payload: payload}, nil
}

func (r *Reader) warnTruncated() {
	if !r.warnedTruncated {
		log.Printf("[rawstream] %s: partial trailing record skipped (interrupted write?)", r.path)
		r.warnedTruncated = true
	}
}

// ForEach calls fn for every record from the current position to the end of
// the recording. Iteration stops on the first error from fn.
func (r *Reader) ForEach(fn func(Record) error) error {
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// FileInfo summarizes a recording. It is derived by a single forward scan
// each time it is requested; the format carries no trailer index to cache.
type FileInfo struct {
	PacketCount int
	// FirstTimestamp and LastTimestamp bound the recorded window. The
	// first is not necessarily zero: an extracted slice keeps the source
	// recording's timestamps.
	FirstTimestamp    float64
	LastTimestamp     float64
	DurationSeconds   float64
	FileSizeBytes     int64
	AveragePacketSize float64
	PacketsPerSecond  float64
}

// Info scans the whole recording and returns its summary, leaving the reader
// positioned at the start.
func (r *Reader) Info() (FileInfo, error) {
	if err := r.Reset(); err != nil {
		return FileInfo{}, err
	}
	var info FileInfo
	var first, last float64
	err := r.ForEach(func(rec Record) error {
		if info.PacketCount == 0 {
			first = rec.Timestamp
		}
		last = rec.Timestamp
		info.PacketCount++
		info.AveragePacketSize += float64(len(rec.Payload))
		return nil
	})
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := r.f.Stat()
	if err != nil {
		return FileInfo{}, fmt.Errorf("rawstream: stat %s: %w", r.path, err)
	}
	info.FileSizeBytes = fi.Size()
	if info.PacketCount > 0 {
		info.AveragePacketSize /= float64(info.PacketCount)
		info.FirstTimestamp = first
		info.LastTimestamp = last
		info.DurationSeconds = last - first
	}
	if info.DurationSeconds > 0 {
		info.PacketsPerSecond = float64(info.PacketCount) / info.DurationSeconds
	}
	if err := r.Reset(); err != nil {
		return FileInfo{}, err
	}
	return info, nil
}
