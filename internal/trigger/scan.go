package trigger

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/omviva/omviva-sync/internal/ble"
)

// Scanner reports advertisements until ctx is done. ble.Adapter satisfies it.
type Scanner interface {
	Scan(ctx context.Context, found func(ble.Device)) error
}

// ScanOptions configures a ScanListener.
type ScanOptions struct {
	Address     string        // scale MAC; matched case-insensitively
	NamePrefix  string        // alternative match on the advertised name
	Window      time.Duration // restart scanning after this long; 0 scans forever
	MinInterval time.Duration // minimum time between emitted requests
}

// ScanListener watches advertisements for the scale. The scale advertises
// when someone steps off it, which is the moment new records exist.
type ScanListener struct {
	scanner Scanner
	opts    ScanOptions
	hub     *Hub
	limiter *rate.Limiter
	logger  *slog.Logger

	// stopWait bounds how long Pause waits for the running scan to return.
	stopWait time.Duration

	mu      sync.Mutex
	paused  bool
	resumed chan struct{}
	cancel  context.CancelFunc
	stopped chan struct{} // closed once the running scan has returned
}

// NewScanListener creates a listener emitting onto hub.
func NewScanListener(scanner Scanner, opts ScanOptions, hub *Hub, logger *slog.Logger) *ScanListener {
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	opts.Address = strings.ToUpper(opts.Address)
	return &ScanListener{
		scanner: scanner,
		opts:    opts,
		hub:     hub,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		stopWait: 5 * time.Second,
	}
}

// Run scans until ctx is done. Scan errors are logged and scanning restarts
// after a short pause.
func (l *ScanListener) Run(ctx context.Context) error {
	l.logger.Info("[TRIGGER] scan listener started", "address", l.opts.Address, "name_prefix", l.opts.NamePrefix)
	for {
		if err := l.waitResumed(ctx); err != nil {
			return nil
		}

		scanCtx, cancel, stopped := l.scanContext(ctx)
		if scanCtx == nil {
			continue
		}
		err := l.scanner.Scan(scanCtx, l.onDevice)
		cancel()
		close(stopped)

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.logger.Warn("[TRIGGER] scan failed", "error", err)
			if sleepCtx(ctx, 5*time.Second) != nil {
				return nil
			}
		}
	}
}

// scanContext returns the context for the next scan window and the channel
// to close when that scan returns, or nil if the listener was paused in the
// meantime.
func (l *ScanListener) scanContext(ctx context.Context) (context.Context, context.CancelFunc, chan struct{}) {
	var scanCtx context.Context
	var cancel context.CancelFunc
	if l.opts.Window > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, l.opts.Window)
	} else {
		scanCtx, cancel = context.WithCancel(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused {
		cancel()
		return nil, nil, nil
	}
	l.cancel = cancel
	l.stopped = make(chan struct{})
	return scanCtx, cancel, l.stopped
}

func (l *ScanListener) onDevice(d ble.Device) {
	if !l.matches(d) {
		return
	}
	l.mu.Lock()
	paused := l.paused
	l.mu.Unlock()
	if paused {
		return
	}
	if !l.limiter.Allow() {
		l.logger.Debug("[TRIGGER] scale seen, throttled", "mac", d.MAC)
		return
	}
	l.logger.Info("[TRIGGER] scale advertised", "mac", d.MAC, "name", d.Name, "rssi", d.RSSI)
	l.hub.Emit(Event{Source: SourceScan, Detail: d.MAC})
}

func (l *ScanListener) matches(d ble.Device) bool {
	if l.opts.Address != "" && strings.EqualFold(d.MAC, l.opts.Address) {
		return true
	}
	return l.opts.NamePrefix != "" && strings.HasPrefix(d.Name, l.opts.NamePrefix)
}

// Pause stops scanning so the radio is free for a sync. It returns once the
// running scan has returned, or after stopWait if the scanner hangs.
func (l *ScanListener) Pause() {
	l.mu.Lock()
	if l.paused {
		l.mu.Unlock()
		return
	}
	l.paused = true
	l.resumed = make(chan struct{})
	var stopped chan struct{}
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
		stopped = l.stopped
		l.stopped = nil
	}
	l.mu.Unlock()

	if stopped != nil {
		timer := time.NewTimer(l.stopWait)
		defer timer.Stop()
		select {
		case <-stopped:
		case <-timer.C:
			l.logger.Warn("[TRIGGER] scan still running after pause", "waited", l.stopWait)
		}
	}
	l.logger.Debug("[TRIGGER] scanning paused")
}

// Resume restarts scanning after Pause.
func (l *ScanListener) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.paused {
		return
	}
	l.paused = false
	close(l.resumed)
	l.logger.Debug("[TRIGGER] scanning resumed")
}

// Paused reports whether scanning is paused.
func (l *ScanListener) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

func (l *ScanListener) waitResumed(ctx context.Context) error {
	l.mu.Lock()
	paused, ch := l.paused, l.resumed
	l.mu.Unlock()
	if !paused {
		return ctx.Err()
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
