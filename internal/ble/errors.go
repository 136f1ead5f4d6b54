package ble

import "errors"

var (
	// ErrDeviceNotFound means the scale did not answer the connection attempt.
	ErrDeviceNotFound = errors.New("ble: device not found")
	// ErrConnection covers transport and pairing failures.
	ErrConnection = errors.New("ble: connection error")
	// ErrProtocolTimeout means a GATT operation did not complete in time.
	ErrProtocolTimeout = errors.New("ble: protocol timeout")
	// ErrNotConnected is returned by session operations before Connect.
	ErrNotConnected = errors.New("ble: not connected")
)
