//go:build !linux

package ble

import (
	"context"
	"errors"
)

var errUnsupported = errors.New("ble: BlueZ adapter is only available on linux")

// BlueZAdapter is unavailable on this platform; every call fails.
type BlueZAdapter struct{}

// NewBlueZAdapter returns an adapter whose methods all fail.
func NewBlueZAdapter(id string) *BlueZAdapter { return &BlueZAdapter{} }

func (a *BlueZAdapter) Enable() error { return errUnsupported }

func (a *BlueZAdapter) Scan(ctx context.Context, found func(Device)) error {
	return errUnsupported
}

func (a *BlueZAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	return nil, errUnsupported
}

var _ Adapter = (*BlueZAdapter)(nil)
