package transport

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory Transport for tests and offline tooling. Control
// frames are captured for inspection; notifications are injected with Push.
type Mock struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closed   bool

	notif chan Notification
}

// NewMock returns a Mock with the given notification buffer depth.
func NewMock(buffer int) *Mock {
	if buffer <= 0 {
		buffer = 64
	}
	return &Mock{notif: make(chan Notification, buffer)}
}

// Push injects one notification as if the device had sent it now.
func (m *Mock) Push(data []byte) {
	m.notif <- Notification{Received: time.Now(), Data: data}
}

// PushAt injects a notification with an explicit arrival instant.
func (m *Mock) PushAt(at time.Time, data []byte) {
	m.notif <- Notification{Received: at, Data: data}
}

// FailWrites makes subsequent WriteControl calls return err.
func (m *Mock) FailWrites(err error) {
	m.mu.Lock()
	m.writeErr = err
	m.mu.Unlock()
}

// Written returns the control frames written so far.
func (m *Mock) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	copy(out, m.written)
	return out
}

func (m *Mock) WriteControl(_ context.Context, frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return &Error{Op: "control write", Err: m.writeErr}
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	m.written = append(m.written, cp)
	return nil
}

func (m *Mock) Notifications() <-chan Notification { return m.notif }

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.notif)
	}
	return nil
}
