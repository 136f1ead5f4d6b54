package ble

import "sync"

// ChannelBuffer accumulates notification payloads per channel. Records
// larger than one notification arrive in pieces and are reassembled here.
// Notifications are delivered on the BLE stack's goroutine, so all methods
// are safe for concurrent use.
type ChannelBuffer struct {
	mu   sync.Mutex
	bufs map[Channel][]byte
}

// NewChannelBuffer returns an empty buffer set.
func NewChannelBuffer() *ChannelBuffer {
	return &ChannelBuffer{bufs: make(map[Channel][]byte)}
}

// Append adds data to the end of the channel's buffer.
func (b *ChannelBuffer) Append(ch Channel, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufs[ch] = append(b.bufs[ch], data...)
}

// Bytes returns a copy of the channel's accumulated bytes.
func (b *ChannelBuffer) Bytes(ch Channel) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.bufs[ch]
	if len(buf) == 0 {
		return nil
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	return out
}

// Drain returns the channel's bytes and empties it.
func (b *ChannelBuffer) Drain(ch Channel) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := b.bufs[ch]
	delete(b.bufs, ch)
	return buf
}

// Len returns the number of bytes accumulated on the channel.
func (b *ChannelBuffer) Len(ch Channel) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bufs[ch])
}

// Reset empties every channel.
func (b *ChannelBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bufs = make(map[Channel][]byte)
}
