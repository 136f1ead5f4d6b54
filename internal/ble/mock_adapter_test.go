package ble

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/omviva/omviva-sync/internal/ble/protocol"
)

// sampleStream is three 35-byte records as the scale sends them, user 1
// sequences 1 through 3.
const sampleStream = "3e00100100903de8070c010a173801fe00e006c2c01f0100e9009a1b600108340906063e00100200903de8070c010a2b1701fe00e006c2c01f0200ec00471b570108370906063e00100300cc3de8070c1e101c2d01ff00e006c2c01f0300dd00bb1c7e01082b090606"

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q) error = %v", s, err)
	}
	return b
}

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu          sync.Mutex
	writes      [][]byte
	callback    func([]byte)
	subscribed  bool
	onWrite     func(data []byte)
	writeErr    error
	subErr      error
	writeBlocks chan struct{} // when non-nil, Write waits on it
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	hook, err, block := c.onWrite, c.writeErr, c.writeBlocks
	c.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return err
	}
	if hook != nil {
		hook(cp)
	}
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return c.subErr
	}
	c.callback = cb
	c.subscribed = true
	return nil
}

func (c *mockCharacteristic) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = nil
	c.subscribed = false
	return nil
}

// SimulateNotification sends a notification to the subscriber.
func (c *mockCharacteristic) SimulateNotification(data []byte) {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *mockCharacteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *mockCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed
}

// mockConnection simulates a link to the scale.
type mockConnection struct {
	mu    sync.Mutex
	chars map[string]*mockCharacteristic
	log   []string // every write across channels, as "<channel>:<hex>"

	pairErr      error
	unpairPanic  bool
	paired       bool
	unpaired     bool
	disconnected bool
}

func newMockConnection() *mockConnection {
	c := &mockConnection{chars: make(map[string]*mockCharacteristic)}
	for _, ch := range Channels {
		ch := ch
		mc := &mockCharacteristic{}
		mc.onWrite = func(data []byte) { c.record(ch, data) }
		c.chars[ch.UUID()] = mc
	}
	return c
}

func (c *mockConnection) record(ch Channel, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, ch.String()+":"+hex.EncodeToString(data))
}

func (c *mockConnection) char(ch Channel) *mockCharacteristic {
	return c.chars[ch.UUID()]
}

func (c *mockConnection) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *mockConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	mc, ok := c.chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return mc, nil
}

func (c *mockConnection) Pair(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairErr != nil {
		return c.pairErr
	}
	c.paired = true
	return nil
}

func (c *mockConnection) Unpair() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unpaired = true
	if c.unpairPanic {
		panic("mock: unpair exploded")
	}
	return nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

// scaleBehavior makes the connection answer like a scale holding stream:
// count requests get a 0x05 response and record requests push stream onto
// the measurement channel in notification-sized pieces.
func (c *mockConnection) scaleBehavior(count uint16, stream []byte) {
	racp := c.char(ChannelRecordAccess)
	meas := c.char(ChannelMeasurement)
	racp.mu.Lock()
	racp.onWrite = func(data []byte) {
		c.record(ChannelRecordAccess, data)
		switch data[0] {
		case protocol.OpReportNumberOfStoredRecords:
			racp.SimulateNotification([]byte{protocol.OpNumberOfStoredRecords, 0x00, byte(count), byte(count >> 8)})
		case protocol.OpReportStoredRecords:
			for off := 0; off < len(stream); off += 19 {
				end := min(off+19, len(stream))
				meas.SimulateNotification(stream[off:end])
			}
			racp.SimulateNotification([]byte{protocol.OpResponseCode, 0x00, protocol.OpReportStoredRecords, 0x01})
		}
	}
	racp.mu.Unlock()
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu         sync.Mutex
	devices    []Device
	connectErr error
	enabled    bool
	connection *mockConnection // handed out by the next Connect
	connects   int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{connection: newMockConnection()}
}

func (a *mockAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = true
	return nil
}

func (a *mockAdapter) Scan(ctx context.Context, found func(Device)) error {
	a.mu.Lock()
	devices := a.devices
	a.mu.Unlock()
	for _, d := range devices {
		found(d)
	}
	<-ctx.Done()
	return nil
}

func (a *mockAdapter) Connect(ctx context.Context, _ string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connects++
	if errors.Is(a.connectErr, context.DeadlineExceeded) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if a.connectErr != nil {
		return nil, a.connectErr
	}
	return a.connection, nil
}

// testOptions returns session options without settle delays.
func testOptions() SessionOptions {
	return SessionOptions{
		ConnectTimeout: time.Second,
		OpTimeout:      time.Second,
		MaxWrite:       protocol.MaxWriteSize,
	}
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}
