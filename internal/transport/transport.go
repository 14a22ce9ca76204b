// Package transport delivers the BLE boundary for a Muse session: control
// writes to the command characteristic and a stream of raw sensor
// notifications. Device discovery is out of scope; a transport is built from
// an already-known device address.
//
// Two real transports are provided: a BlueZ GATT adapter over the system
// D-Bus, and a serial bridge for BLE-UART dongles. Both feed the same
// Notification channel so the rest of the pipeline does not care which one
// is underneath.
package transport

import (
	"context"
	"fmt"
	"time"
)

// Notification is one raw GATT notification. The first payload byte is the
// packet-type tag; interpretation is left to the decode engine. Each
// Notification is delivered exactly once and owned by whichever consumer
// receives it first.
type Notification struct {
	// Received is the arrival instant, monotonic where the platform
	// provides it.
	Received time.Time
	Data     []byte
}

// Transport is a connected device link.
type Transport interface {
	// WriteControl writes one framed command to the control
	// characteristic. Failures are retryable by re-arming the session.
	WriteControl(ctx context.Context, frame []byte) error
	// Notifications returns the stream of raw sensor notifications. The
	// channel is closed when the link goes down or the transport is
	// closed.
	Notifications() <-chan Notification
	// Close releases the link. Best effort; safe to call more than once.
	Close() error
}

// Error wraps a transport-level failure. Callers may retry by tearing the
// session down and re-arming from idle; the core performs no automatic
// reconnects.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }
