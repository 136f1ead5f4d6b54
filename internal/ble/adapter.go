// Package ble talks to an Omron body-composition scale over Bluetooth Low
// Energy. It handles connection and pairing, notification buffering, and the
// vendor command sequences for registering a user and fetching records.
package ble

import (
	"context"
	"fmt"
)

// Omron GATT characteristic UUIDs. All three are write + notify.
const (
	UserControlPointUUID         = "00002a9f-0000-1000-8000-00805f9b34fb"
	RecordAccessControlPointUUID = "00002a52-0000-1000-8000-00805f9b34fb"
	MeasurementUUID              = "8ff2ddfb-4a52-4ce5-85a4-d2f97917792a"
)

// Channel identifies one of the subscribed characteristics.
type Channel int

const (
	ChannelUserControl Channel = iota
	ChannelRecordAccess
	ChannelMeasurement
)

// Channels lists every channel in subscription order.
var Channels = []Channel{ChannelUserControl, ChannelRecordAccess, ChannelMeasurement}

// UUID returns the characteristic UUID backing the channel.
func (c Channel) UUID() string {
	switch c {
	case ChannelUserControl:
		return UserControlPointUUID
	case ChannelRecordAccess:
		return RecordAccessControlPointUUID
	case ChannelMeasurement:
		return MeasurementUUID
	}
	return ""
}

func (c Channel) String() string {
	switch c {
	case ChannelUserControl:
		return "ucp"
	case ChannelRecordAccess:
		return "racp"
	case ChannelMeasurement:
		return "measurement"
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic and waits for the link-level
	// write confirmation.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Device is a peripheral seen while scanning.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID in any service.
	DiscoverCharacteristic(charUUID string) (Characteristic, error)
	// Pair bonds with the peripheral at the strongest level the stack offers.
	Pair(ctx context.Context) error
	// Unpair removes the bond.
	Unpair() error
	// Disconnect terminates the connection.
	Disconnect() error
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports every advertisement to found until ctx is cancelled.
	Scan(ctx context.Context, found func(Device)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
