// Package trigger decides when a sync should run. Listeners for scale
// advertisements, broker commands and a schedule all emit onto one Hub.
package trigger

import (
	"fmt"
	"log/slog"
	"time"
)

// Source identifies where a sync request came from.
type Source int

const (
	// SourceScan is an advertisement from the configured scale.
	SourceScan Source = iota
	// SourceCommand is a message on the MQTT command topic.
	SourceCommand
	// SourceSchedule is a periodic request.
	SourceSchedule
)

func (s Source) String() string {
	switch s {
	case SourceScan:
		return "scan"
	case SourceCommand:
		return "command"
	case SourceSchedule:
		return "schedule"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// Event is a request to sync.
type Event struct {
	Source Source
	Detail string // scale address, topic or schedule
	At     time.Time
}

// Hub merges events from every listener into one channel.
type Hub struct {
	ch     chan Event
	logger *slog.Logger
}

// NewHub creates a Hub buffering up to size events.
func NewHub(size int, logger *slog.Logger) *Hub {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{ch: make(chan Event, size), logger: logger}
}

// Events returns the channel that receives sync requests.
func (h *Hub) Events() <-chan Event {
	return h.ch
}

// Emit queues ev. It never blocks: when the buffer is full the event is
// dropped, since a pending request already covers it.
func (h *Hub) Emit(ev Event) bool {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case h.ch <- ev:
		h.logger.Debug("[TRIGGER] event", "source", ev.Source, "detail", ev.Detail)
		return true
	default:
		h.logger.Debug("[TRIGGER] event dropped, queue full", "source", ev.Source)
		return false
	}
}
