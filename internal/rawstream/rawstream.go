// Package rawstream persists raw Muse notifications in a compact seekable
// binary format. Records store the pre-decode bytes, so recordings survive
// decoder fixes and can always be reprocessed.
//
// On-disk layout, repeated back to back with no file header or trailer:
//
//	float64 LE  timestamp, seconds since recording start
//	uint8       packet type
//	uint32 LE   payload length
//	bytes       payload
package rawstream

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sync"
)

// FileExtension is the extension for raw notification recordings.
const FileExtension = ".bin"

const recordHeaderSize = 8 + 1 + 4

// MaxPayloadSize rejects lengths no BLE notification could produce, so a
// corrupt length field cannot make the reader allocate gigabytes.
const MaxPayloadSize = 64 * 1024

// ErrWriterOpen is returned by NewWriter when another writer in this process
// already owns the path.
var ErrWriterOpen = errors.New("rawstream: path already open for writing")

// Record is one persisted notification.
type Record struct {
	// Timestamp is seconds since the start of the recording. Written values
	// must be non-decreasing; the codec stores what it is given and does
	// not resort.
	Timestamp  float64
	PacketType byte
	Payload    []byte
}

// openWriters guards against two writers in one process appending to the
// same recording. Cross-process exclusivity comes from O_EXCL.
var (
	openWritersMu sync.Mutex
	openWriters   = map[string]bool{}
)

// Writer appends records to a new recording file. It owns the file handle
// exclusively until Close.
type Writer struct {
	path string
	f    *os.File
	bw   *bufio.Writer

	mu      sync.Mutex
	count   int
	lastTS  float64
	closed  bool
	scratch [recordHeaderSize]byte
}

// NewWriter creates the recording file at path. The file must not already
// exist, and no other Writer in this process may have the path open.
func NewWriter(path string) (*Writer, error) {
	openWritersMu.Lock()
	if openWriters[path] {
		openWritersMu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrWriterOpen, path)
	}
	openWriters[path] = true
	openWritersMu.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		openWritersMu.Lock()
		delete(openWriters, path)
		openWritersMu.Unlock()
		return nil, fmt.Errorf("rawstream: create %s: %w", path, err)
	}
	return &Writer{path: path, f: f, bw: bufio.NewWriter(f)}, nil
}

// Write appends one record. Timestamps are expected to be non-decreasing;
// an out-of-order timestamp is the caller's bug and is logged once per
// occurrence rather than rejected, since the raw bytes are still worth
// keeping.
func (w *Writer) Write(packetType byte, payload []byte, timestamp float64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("rawstream: write to closed writer %s", w.path)
	}
	if timestamp < w.lastTS {
		log.Printf("[rawstream] non-monotonic timestamp %.6f after %.6f in %s", timestamp, w.lastTS, w.path)
	}
	w.lastTS = timestamp

	binary.LittleEndian.PutUint64(w.scratch[0:8], math.Float64bits(timestamp))
	w.scratch[8] = packetType
	binary.LittleEndian.PutUint32(w.scratch[9:13], uint32(len(payload)))
	if _, err := w.bw.Write(w.scratch[:]); err != nil {
		return fmt.Errorf("rawstream: write header: %w", err)
	}
	if _, err := w.bw.Write(payload); err != nil {
		return fmt.Errorf("rawstream: write payload: %w", err)
	}
	w.count++
	return nil
}

// Count returns the number of records written so far.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Path returns the recording file path.
func (w *Writer) Path() string { return w.path }

// Close flushes and finalizes the recording. Safe to call twice.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	openWritersMu.Lock()
	delete(openWriters, w.path)
	openWritersMu.Unlock()

	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("rawstream: flush %s: %w", w.path, err)
	}
	return w.f.Close()
}
