package transport

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus            = "org.bluez"
	bluezDeviceIface    = "org.bluez.Device1"
	bluezGattCharIface  = "org.bluez.GattCharacteristic1"
	dbusPropertiesIface = "org.freedesktop.DBus.Properties"
	dbusObjManagerIface = "org.freedesktop.DBus.ObjectManager"

	// How long to wait for BlueZ to resolve GATT services after connect.
	serviceResolveTimeout = 15 * time.Second
	serviceResolvePoll    = 250 * time.Millisecond
)

// BlueZConfig selects the adapter, device, and characteristic UUIDs for a
// BlueZ GATT link.
type BlueZConfig struct {
	Adapter     string // e.g. "hci0"
	Address     string // device MAC, e.g. "00:55:DA:B0:12:34"
	ControlUUID string
	SensorUUID  string

	// NotifyBuffer is the notification channel depth. Deliveries beyond a
	// full buffer drop the newest notification with a log line; the D-Bus
	// dispatch goroutine must never stall.
	NotifyBuffer int
}

// BlueZTransport is a Transport over the BlueZ system D-Bus API.
type BlueZTransport struct {
	conn        *dbus.Conn
	devicePath  dbus.ObjectPath
	controlPath dbus.ObjectPath
	sensorPath  dbus.ObjectPath

	signals chan *dbus.Signal
	notif   chan Notification

	closeOnce sync.Once
	done      chan struct{}
}

// DialBlueZ connects to the device, resolves the control and sensor
// characteristics, and subscribes to sensor notifications.
func DialBlueZ(ctx context.Context, cfg BlueZConfig) (*BlueZTransport, error) {
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = 256
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, &Error{Op: "connect system bus", Err: err}
	}

	t := &BlueZTransport{
		conn:       conn,
		devicePath: devicePath(cfg.Adapter, cfg.Address),
		notif:      make(chan Notification, cfg.NotifyBuffer),
		signals:    make(chan *dbus.Signal, 64),
		done:       make(chan struct{}),
	}

	dev := conn.Object(bluezBus, t.devicePath)
	if call := dev.CallWithContext(ctx, bluezDeviceIface+".Connect", 0); call.Err != nil {
		conn.Close()
		return nil, &Error{Op: "connect " + cfg.Address, Err: call.Err}
	}

	if err := t.resolveCharacteristics(ctx, cfg); err != nil {
		dev.Call(bluezDeviceIface+".Disconnect", 0)
		conn.Close()
		return nil, err
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusPropertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchObjectPath(t.sensorPath),
	); err != nil {
		conn.Close()
		return nil, &Error{Op: "match notifications", Err: err}
	}
	conn.Signal(t.signals)

	sensor := conn.Object(bluezBus, t.sensorPath)
	if call := sensor.CallWithContext(ctx, bluezGattCharIface+".StartNotify", 0); call.Err != nil {
		conn.Close()
		return nil, &Error{Op: "start notify", Err: call.Err}
	}

	go t.dispatch()
	return t, nil
}

// devicePath maps an adapter and MAC address to the BlueZ object path, e.g.
// /org/bluez/hci0/dev_00_55_DA_B0_12_34.
func devicePath(adapter, address string) dbus.ObjectPath {
	mac := strings.ReplaceAll(strings.ToUpper(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, mac))
}

// resolveCharacteristics polls the BlueZ object tree until both
// characteristics under the device have appeared. BlueZ populates them
// asynchronously after Connect while it walks the remote GATT database.
func (t *BlueZTransport) resolveCharacteristics(ctx context.Context, cfg BlueZConfig) error {
	deadline := time.Now().Add(serviceResolveTimeout)
	om := t.conn.Object(bluezBus, "/")
	for {
		var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
		if err := om.CallWithContext(ctx, dbusObjManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
			return &Error{Op: "enumerate gatt objects", Err: err}
		}
		t.controlPath = findCharacteristic(objects, t.devicePath, cfg.ControlUUID)
		t.sensorPath = findCharacteristic(objects, t.devicePath, cfg.SensorUUID)
		if t.controlPath != "" && t.sensorPath != "" {
			return nil
		}
		if time.Now().After(deadline) {
			return &Error{Op: "resolve characteristics", Err: fmt.Errorf("services not resolved within %s", serviceResolveTimeout)}
		}
		select {
		case <-time.After(serviceResolvePoll):
		case <-ctx.Done():
			return &Error{Op: "resolve characteristics", Err: ctx.Err()}
		}
	}
}

func findCharacteristic(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, device dbus.ObjectPath, uuid string) dbus.ObjectPath {
	for path, ifaces := range objects {
		if !strings.HasPrefix(string(path), string(device)) {
			continue
		}
		props, ok := ifaces[bluezGattCharIface]
		if !ok {
			continue
		}
		if v, ok := props["UUID"]; ok {
			if s, ok := v.Value().(string); ok && strings.EqualFold(s, uuid) {
				return path
			}
		}
	}
	return ""
}

// dispatch converts PropertiesChanged signals on the sensor characteristic
// into Notifications.
func (t *BlueZTransport) dispatch() {
	defer close(t.notif)
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.deliver(sig)
		}
	}
}

// deliver extracts the characteristic value from one PropertiesChanged
// signal and enqueues it. BlueZ can emit a Value change with an empty byte
// slice; those carry no samples and are skipped before anything reads the
// type byte.
func (t *BlueZTransport) deliver(sig *dbus.Signal) {
	if sig.Path != t.sensorPath || len(sig.Body) < 2 {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	v, ok := changed["Value"]
	if !ok {
		return
	}
	data, ok := v.Value().([]byte)
	if !ok || len(data) == 0 {
		return
	}
	n := Notification{Received: time.Now(), Data: data}
	select {
	case t.notif <- n:
	default:
		log.Printf("[bluez] notification buffer full, dropping packet type 0x%02X", data[0])
	}
}

// WriteControl writes a framed command to the control characteristic using
// write-without-response, which is what the device expects for its short
// command frames.
func (t *BlueZTransport) WriteControl(ctx context.Context, frame []byte) error {
	obj := t.conn.Object(bluezBus, t.controlPath)
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	if call := obj.CallWithContext(ctx, bluezGattCharIface+".WriteValue", 0, frame, opts); call.Err != nil {
		return &Error{Op: "control write", Err: call.Err}
	}
	return nil
}

// Notifications returns the sensor notification stream.
func (t *BlueZTransport) Notifications() <-chan Notification { return t.notif }

// Close stops notifications and disconnects the device. Errors past the
// first are logged, not returned: teardown is best effort.
func (t *BlueZTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		sensor := t.conn.Object(bluezBus, t.sensorPath)
		if call := sensor.Call(bluezGattCharIface+".StopNotify", 0); call.Err != nil {
			log.Printf("[bluez] stop notify: %v", call.Err)
		}
		dev := t.conn.Object(bluezBus, t.devicePath)
		if call := dev.Call(bluezDeviceIface+".Disconnect", 0); call.Err != nil {
			log.Printf("[bluez] disconnect: %v", call.Err)
		}
		t.conn.RemoveSignal(t.signals)
		if err := t.conn.Close(); err != nil {
			log.Printf("[bluez] close bus: %v", err)
		}
	})
	return nil
}
