//go:build linux

package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	bluezAlreadyExist = "org.bluez.Error.AlreadyExists"
)

// BlueZAdapter drives the host controller through tinygo bluetooth for GATT
// traffic and talks to BlueZ directly over D-Bus for bonding, which the
// bluetooth package does not expose.
type BlueZAdapter struct {
	id      string
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error
}

// NewBlueZAdapter creates an adapter for the given controller, e.g. "hci0".
func NewBlueZAdapter(id string) *BlueZAdapter {
	if id == "" {
		id = "hci0"
	}
	return &BlueZAdapter{id: id, adapter: bluetooth.NewAdapter(id)}
}

func (a *BlueZAdapter) Enable() error {
	a.enableOnce.Do(func() {
		a.enableErr = a.adapter.Enable()
	})
	return a.enableErr
}

func (a *BlueZAdapter) Scan(ctx context.Context, found func(Device)) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		found(Device{
			Name: result.LocalName(),
			MAC:  strings.ToUpper(result.Address.String()),
			RSSI: int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *BlueZAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// The bluetooth package connects with its own internal timeout; ctx only
	// lets the caller stop waiting.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		return &bluezConnection{
			adapterID: a.id,
			mac:       strings.ToUpper(mac),
			device:    result.device,
		}, nil
	}
}

var _ Adapter = (*BlueZAdapter)(nil)

type bluezConnection struct {
	adapterID string
	mac       string
	device    bluetooth.Device

	once  sync.Once
	chars []bluetooth.DeviceCharacteristic
	err   error
}

func (c *bluezConnection) devicePath() dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", c.adapterID, strings.ReplaceAll(c.mac, ":", "_")))
}

// discover walks every service once; later lookups reuse the result.
func (c *bluezConnection) discover() ([]bluetooth.DeviceCharacteristic, error) {
	c.once.Do(func() {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			c.err = fmt.Errorf("ble: discover services: %w", err)
			return
		}
		for _, svc := range svcs {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				c.err = fmt.Errorf("ble: discover characteristics: %w", err)
				return
			}
			c.chars = append(c.chars, chars...)
		}
	})
	return c.chars, c.err
}

func (c *bluezConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	want, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}
	chars, err := c.discover()
	if err != nil {
		return nil, err
	}
	for i := range chars {
		if chars[i].UUID() == want {
			return &bluezCharacteristic{char: chars[i]}, nil
		}
	}
	return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
}

// Pair asks BlueZ to bond with the device. An existing bond counts as
// success.
func (c *bluezConnection) Pair(ctx context.Context) error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: system bus: %w", err)
	}
	obj := conn.Object(bluezBus, c.devicePath())
	if v, err := obj.GetProperty(bluezDevice1 + ".Paired"); err == nil {
		if paired, ok := v.Value().(bool); ok && paired {
			return nil
		}
	}
	call := obj.CallWithContext(ctx, bluezDevice1+".Pair", 0)
	if call.Err != nil && dbusErrorName(call.Err) != bluezAlreadyExist {
		return fmt.Errorf("ble: pair: %w", call.Err)
	}
	return nil
}

// Unpair removes the device from the controller, dropping its bond.
func (c *bluezConnection) Unpair() error {
	conn, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("ble: system bus: %w", err)
	}
	adapterPath := dbus.ObjectPath("/org/bluez/" + c.adapterID)
	call := conn.Object(bluezBus, adapterPath).Call(bluezAdapter1+".RemoveDevice", 0, c.devicePath())
	if call.Err != nil {
		return fmt.Errorf("ble: remove device: %w", call.Err)
	}
	return nil
}

func (c *bluezConnection) Disconnect() error {
	return c.device.Disconnect()
}

func dbusErrorName(err error) string {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	var pderr *dbus.Error
	if errors.As(err, &pderr) {
		return pderr.Name
	}
	return ""
}

type bluezCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

// Write issues GattCharacteristic1.WriteValue, which BlueZ only completes
// once the controller has sent the packet.
func (c *bluezCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *bluezCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// The stack reuses buf between notifications.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
}

func (c *bluezCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
