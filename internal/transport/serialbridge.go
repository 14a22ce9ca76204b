package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialBridge is a Transport over a BLE-UART bridge dongle. The dongle
// forwards each GATT notification as a one-byte length prefix followed by
// the raw payload, and passes control frames written to the port through to
// the control characteristic unchanged.
type SerialBridge struct {
	port  serial.Port
	notif chan Notification

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DefaultBridgeBaudRate is the rate the stock bridge firmware ships with.
const DefaultBridgeBaudRate = 115200

// OpenSerialBridge opens the bridge port. Call Monitor to start the
// notification read loop.
func OpenSerialBridge(portName string, baudRate int) (*SerialBridge, error) {
	if baudRate <= 0 {
		baudRate = DefaultBridgeBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, &Error{Op: "open " + portName, Err: err}
	}
	return &SerialBridge{
		port:  port,
		notif: make(chan Notification, 256),
	}, nil
}

// Monitor reads framed notifications from the port until the context is
// cancelled or the port fails, closing the notification channel on return.
func (b *SerialBridge) Monitor(ctx context.Context) error {
	defer close(b.notif)
	br := bufio.NewReader(b.port)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		length, err := br.ReadByte()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return &Error{Op: "bridge read", Err: err}
		}
		payload := make([]byte, int(length))
		if _, err := io.ReadFull(br, payload); err != nil {
			return &Error{Op: "bridge read", Err: fmt.Errorf("short frame: %w", err)}
		}
		select {
		case b.notif <- Notification{Received: time.Now(), Data: payload}:
		case <-ctx.Done():
			return nil
		}
	}
}

// WriteControl forwards a framed command through the bridge.
func (b *SerialBridge) WriteControl(ctx context.Context, frame []byte) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	n, err := b.port.Write(frame)
	if err != nil {
		return &Error{Op: "control write", Err: err}
	}
	if n != len(frame) {
		return &Error{Op: "control write", Err: fmt.Errorf("wrote %d of %d bytes", n, len(frame))}
	}
	return nil
}

// Notifications returns the sensor notification stream.
func (b *SerialBridge) Notifications() <-chan Notification { return b.notif }

// Close closes the port, which also unblocks Monitor.
func (b *SerialBridge) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.port.Close()
	})
	return err
}
