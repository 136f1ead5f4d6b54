package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/omviva/omviva-sync/internal/ble/protocol"
)

// State is the lifecycle position of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StatePaired
	StateNotifyEnabled
	StateNotifyDisabled
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StatePaired:
		return "paired"
	case StateNotifyEnabled:
		return "notify-enabled"
	case StateNotifyDisabled:
		return "notify-disabled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionOptions configures timing of the session. The scale acknowledges
// nothing beyond the link-level write, so the settle delays are what give it
// time to process each step.
type SessionOptions struct {
	ConnectTimeout time.Duration // bound on connect + pairing
	PairDelay      time.Duration // pause between link up and pairing request
	NotifySettle   time.Duration // pause after subscribing
	WriteSettle    time.Duration // pause after every write
	OpTimeout      time.Duration // bound on a single write or subscribe call
	MaxWrite       int           // packets are clipped to this many bytes
}

// DefaultSessionOptions returns the timings the scale is known to tolerate.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout: 10 * time.Second,
		PairDelay:      1 * time.Second,
		NotifySettle:   5 * time.Second,
		WriteSettle:    3 * time.Second,
		OpTimeout:      10 * time.Second,
		MaxWrite:       protocol.MaxWriteSize,
	}
}

// Session owns one physical connection to the scale.
type Session struct {
	adapter Adapter
	mac     string
	opts    SessionOptions
	logger  *slog.Logger

	mu          sync.Mutex
	state       State
	conn        Connection
	chars       map[Channel]Characteristic
	recordCount int // -1 until the scale reports one

	buffers *ChannelBuffer
}

// NewSession creates a disconnected session for the scale at mac.
func NewSession(adapter Adapter, mac string, opts SessionOptions, logger *slog.Logger) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 10 * time.Second
	}
	if opts.MaxWrite <= 0 {
		opts.MaxWrite = protocol.MaxWriteSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		adapter:     adapter,
		mac:         mac,
		opts:        opts,
		logger:      logger,
		recordCount: -1,
		buffers:     NewChannelBuffer(),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Connect opens the link, requests pairing and discovers the three
// characteristics. Failures are ErrDeviceNotFound or ErrConnection.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if st := s.state; st != StateDisconnected {
		s.mu.Unlock()
		return fmt.Errorf("%w: connect in state %s", ErrConnection, st)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.connect(ctx)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StatePaired
	s.mu.Unlock()
	return nil
}

func (s *Session) connect(ctx context.Context) (Connection, error) {
	if err := s.adapter.Enable(); err != nil {
		return nil, fmt.Errorf("%w: enable adapter: %w", ErrConnection, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	s.logger.Info("[BLE] connecting", "mac", s.mac)
	conn, err := s.adapter.Connect(connectCtx, s.mac)
	if err != nil {
		switch {
		case errors.Is(err, ErrDeviceNotFound):
			return nil, err
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return nil, fmt.Errorf("%w: %s did not answer within %s", ErrDeviceNotFound, s.mac, s.opts.ConnectTimeout)
		}
		return nil, fmt.Errorf("%w: connect to %s: %w", ErrConnection, s.mac, err)
	}

	fail := func(err error) (Connection, error) {
		if derr := conn.Disconnect(); derr != nil {
			s.logger.Warn("[BLE] disconnect after failed setup", "error", derr)
		}
		return nil, err
	}

	if err := sleepCtx(ctx, s.opts.PairDelay); err != nil {
		return fail(err)
	}
	if err := conn.Pair(connectCtx); err != nil {
		return fail(fmt.Errorf("%w: pair with %s: %w", ErrConnection, s.mac, err))
	}
	s.logger.Info("[BLE] paired", "mac", s.mac)

	chars := make(map[Channel]Characteristic, len(Channels))
	for _, ch := range Channels {
		c, err := conn.DiscoverCharacteristic(ch.UUID())
		if err != nil {
			return fail(fmt.Errorf("%w: discover %s characteristic: %w", ErrConnection, ch, err))
		}
		chars[ch] = c
	}
	s.mu.Lock()
	s.chars = chars
	s.mu.Unlock()
	return conn, nil
}

// EnableNotifications subscribes to all three channels, starting fresh
// buffers, then waits for the scale to arm its notification pipeline.
func (s *Session) EnableNotifications(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateNotifyEnabled:
		s.mu.Unlock()
		return nil
	case StatePaired, StateNotifyDisabled:
	default:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: enable notifications in state %s", ErrNotConnected, st)
	}
	chars := s.chars
	s.recordCount = -1
	s.mu.Unlock()

	s.buffers.Reset()
	for _, ch := range Channels {
		ch := ch
		s.logger.Debug("[BLE] subscribe", "channel", ch, "uuid", ch.UUID())
		err := s.withTimeout(ctx, func() error {
			return chars[ch].Subscribe(func(data []byte) { s.onNotify(ch, data) })
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	s.setState(StateNotifyEnabled)

	return sleepCtx(ctx, s.opts.NotifySettle)
}

// DisableNotifications unsubscribes from all channels and discards their
// buffers. It is a no-op unless notifications are enabled.
func (s *Session) DisableNotifications() error {
	s.mu.Lock()
	if s.state != StateNotifyEnabled {
		s.mu.Unlock()
		return nil
	}
	chars := s.chars
	s.state = StateNotifyDisabled
	s.mu.Unlock()

	var errs []error
	for _, ch := range Channels {
		if err := chars[ch].Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", ch, err))
		}
	}
	s.buffers.Reset()
	return errors.Join(errs...)
}

// Send writes pkt to the channel's characteristic and waits the write
// settle delay.
func (s *Session) Send(ctx context.Context, ch Channel, pkt []byte) error {
	s.mu.Lock()
	c, ok := s.chars[ch]
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected || !ok {
		return fmt.Errorf("%w: send on %s", ErrNotConnected, ch)
	}

	pkt = protocol.Truncate(pkt, s.opts.MaxWrite)
	s.logger.Debug("[BLE] tx", "channel", ch, "data", hex.EncodeToString(pkt))
	if err := s.withTimeout(ctx, func() error { return c.Write(pkt) }); err != nil {
		return fmt.Errorf("write %s: %w", ch, err)
	}
	return sleepCtx(ctx, s.opts.WriteSettle)
}

// Drain returns everything accumulated on ch since notifications were
// enabled and empties that channel's buffer.
func (s *Session) Drain(ch Channel) []byte {
	return s.buffers.Drain(ch)
}

// RecordCount returns the last stored-record count the scale reported in
// this notification cycle.
func (s *Session) RecordCount() (uint16, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordCount < 0 {
		return 0, false
	}
	return uint16(s.recordCount), true
}

// Disconnect unpairs and drops the link. Teardown is best effort: failures
// are logged and never returned.
func (s *Session) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.chars = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if conn == nil {
		return
	}

	s.teardown("unpair", conn.Unpair)
	s.teardown("disconnect", conn.Disconnect)
	s.logger.Info("[BLE] disconnected", "mac", s.mac)
}

// teardown runs one cleanup step, logging its error or panic so the next
// step still runs.
func (s *Session) teardown(step string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("[BLE] panic during teardown", "step", step, "mac", s.mac, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("[BLE] teardown step failed", "step", step, "mac", s.mac, "error", err)
	}
}

// onNotify is the notification callback for every channel.
func (s *Session) onNotify(ch Channel, data []byte) {
	s.logger.Debug("[BLE] rx", "channel", ch, "data", hex.EncodeToString(data))
	s.buffers.Append(ch, data)

	if ch != ChannelRecordAccess || len(data) == 0 {
		return
	}
	resp, err := protocol.ParseRACPResponse(data)
	if err != nil {
		s.logger.Warn("[BLE] malformed RACP response", "data", hex.EncodeToString(data), "error", err)
		return
	}
	switch resp.Opcode {
	case protocol.OpNumberOfStoredRecords:
		s.mu.Lock()
		s.recordCount = int(resp.Count)
		s.mu.Unlock()
		s.logger.Info("[BLE] number of stored records", "count", resp.Count)
	case protocol.OpResponseCode:
		s.logger.Debug("[BLE] RACP response", "request", resp.RequestOpcode, "result", resp.Result)
	}
}

// withTimeout runs a GATT call, giving up after OpTimeout. A call that never
// returns is abandoned, as the underlying stack offers no way to cancel it.
func (s *Session) withTimeout(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(s.opts.OpTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConnection, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrProtocolTimeout, s.opts.OpTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
