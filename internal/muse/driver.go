package muse

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// ControlWriter writes one framed command to the device control
// characteristic. Implemented by the transport layer.
type ControlWriter interface {
	WriteControl(ctx context.Context, frame []byte) error
}

// State of the command protocol driver.
type State int

const (
	StateIdle State = iota
	StateInitializing
	StateStreaming
	StateHalting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateStreaming:
		return "streaming"
	case StateHalting:
		return "halting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrBadState is returned when an operation is attempted from a state the
// protocol does not allow it in.
type ErrBadState struct {
	Op    string
	State State
}

func (e *ErrBadState) Error() string {
	return fmt.Sprintf("muse: cannot %s while %s", e.Op, e.State)
}

// Driver walks the device through its command state machine:
// Idle -> Initializing -> Streaming -> Halting -> Idle.
//
// A Driver owns no transport state beyond the ControlWriter it is given, so
// multiple drivers for different devices can coexist in one process.
type Driver struct {
	cw   ControlWriter
	cmds CommandSet

	mu    sync.Mutex
	state State
}

// NewDriver returns a Driver in the Idle state using the given command table.
func NewDriver(cw ControlWriter, cmds CommandSet) *Driver {
	return &Driver{cw: cw, cmds: cmds, state: StateIdle}
}

// State reports the driver's current protocol state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Arm drives the device from Idle into Initializing: halt any previous
// stream, select the preset, then issue the stream-start command twice (the
// device does not reliably begin notifying on a single issuance) followed by
// a keep-alive. Any write failure aborts the sequence, returns the driver to
// Idle, and surfaces the transport error for the caller to retry.
func (d *Driver) Arm(ctx context.Context, preset Preset) error {
	d.mu.Lock()
	if d.state != StateIdle {
		st := d.state
		d.mu.Unlock()
		return &ErrBadState{Op: "arm", State: st}
	}
	d.state = StateInitializing
	d.mu.Unlock()

	sequence := []string{
		d.cmds.Halt,
		string(preset),
		d.cmds.StreamStart,
		d.cmds.StreamStart,
		d.cmds.KeepAlive,
	}
	for _, cmd := range sequence {
		if err := d.send(ctx, cmd); err != nil {
			d.setState(StateIdle)
			return fmt.Errorf("muse: arm sequence failed at %q: %w", cmd, err)
		}
		if err := d.settle(ctx); err != nil {
			d.setState(StateIdle)
			return err
		}
	}
	return nil
}

// NotificationsObserved marks the transition Initializing -> Streaming. The
// session calls this when the first sensor notification arrives; the device
// gives no other acknowledgement that streaming has begun.
func (d *Driver) NotificationsObserved() {
	d.mu.Lock()
	if d.state == StateInitializing {
		d.state = StateStreaming
	}
	d.mu.Unlock()
}

// KeepAlive pings the device so it does not drop an idle-looking connection.
// Only valid while streaming.
func (d *Driver) KeepAlive(ctx context.Context) error {
	if st := d.State(); st != StateStreaming && st != StateInitializing {
		return &ErrBadState{Op: "keep-alive", State: st}
	}
	return d.send(ctx, d.cmds.KeepAlive)
}

// Stop halts the stream and returns the driver to Idle. A halt write failure
// is logged and otherwise ignored: the device stops on disconnect anyway, and
// the caller is releasing the session either way.
func (d *Driver) Stop(ctx context.Context) {
	d.setState(StateHalting)
	if err := d.send(ctx, d.cmds.Halt); err != nil {
		log.Printf("[muse] best-effort halt failed: %v", err)
	}
	d.setState(StateIdle)
}

func (d *Driver) send(ctx context.Context, cmd string) error {
	return d.cw.WriteControl(ctx, EncodeCommand(cmd))
}

func (d *Driver) settle(ctx context.Context) error {
	if d.cmds.SettleDelay <= 0 {
		return nil
	}
	t := time.NewTimer(d.cmds.SettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
