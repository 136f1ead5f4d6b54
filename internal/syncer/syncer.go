// Package syncer runs sync cycles: pick the next user round-robin, fetch
// the records that user has not synced yet, persist them and checkpoint.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/omviva/omviva-sync/internal/measurement"
)

var (
	// ErrBusy is returned by Run when a cycle is already in progress.
	ErrBusy = errors.New("syncer: sync already in progress")
	// ErrStore wraps every datastore failure within an attempt.
	ErrStore = errors.New("syncer: datastore error")
)

// Store is the persistence a cycle needs. One Store is opened per attempt.
type Store interface {
	LastSync(ctx context.Context) (at time.Time, user uint8, ok bool, err error)
	HighestSequence(ctx context.Context, user uint8) (seq uint16, ok bool, err error)
	PersistMeasurement(ctx context.Context, rec *measurement.Record) (inserted bool, err error)
	StoreSuccess(ctx context.Context, user uint8, runID string) error
	Path() string
	Close() error
}

// Scale is one connection to the scale.
type Scale interface {
	FetchRecords(ctx context.Context, user uint8, from uint16) ([]*measurement.Record, error)
	Close()
}

// OpenStoreFunc opens the datastore.
type OpenStoreFunc func() (Store, error)

// DialFunc opens a fresh connection to the scale.
type DialFunc func(ctx context.Context) (Scale, error)

// Pauser is told to stand down while a cycle holds the radio.
type Pauser interface {
	Pause()
	Resume()
}

// Uploader copies the datastore somewhere after a successful cycle.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

// Publisher reports the outcome of every cycle.
type Publisher interface {
	Publish(ctx context.Context, st Status) error
}

// Config wires an Orchestrator. Dial and OpenStore are required; the rest
// are optional.
type Config struct {
	Dial      DialFunc
	OpenStore OpenStoreFunc

	Users       int           // number of user slots on the scale, 1..4
	MaxAttempts int           // attempts per cycle
	RetryDelay  time.Duration // wait between failed attempts

	Pauser    Pauser
	Uploader  Uploader
	Publisher Publisher
	Logger    *slog.Logger
}

// Orchestrator owns the busy flag. At most one cycle runs at a time; a
// request that arrives while busy is dropped.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	busy atomic.Bool
	wg   sync.WaitGroup
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Dial == nil || cfg.OpenStore == nil {
		return nil, errors.New("syncer: Dial and OpenStore are required")
	}
	if cfg.Users < 1 {
		cfg.Users = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{cfg: cfg, logger: cfg.Logger, now: time.Now}, nil
}

// Busy reports whether a cycle is in progress.
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

// Run performs one cycle synchronously. It returns ErrBusy without doing
// anything if another cycle holds the busy flag.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if !o.busy.CompareAndSwap(false, true) {
		o.logger.Info("[SYNC] busy, dropping sync request")
		return Result{}, ErrBusy
	}
	return o.cycle(ctx), nil
}

// Start runs a cycle in the background. It reports false, and does nothing,
// when a cycle is already in progress.
func (o *Orchestrator) Start(ctx context.Context) bool {
	if !o.busy.CompareAndSwap(false, true) {
		o.logger.Info("[SYNC] busy, dropping sync request")
		return false
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.cycle(ctx)
	}()
	return true
}

// Wait blocks until every cycle started with Start has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// cycle runs attempts until one succeeds or the bound is hit. The caller
// must hold the busy flag; cycle releases it.
func (o *Orchestrator) cycle(ctx context.Context) Result {
	defer o.busy.Store(false)

	if o.cfg.Pauser != nil {
		o.cfg.Pauser.Pause()
		defer o.cfg.Pauser.Resume()
	}

	start := o.now()
	res := Result{RunID: newRunID(start)}
	log := o.logger.With("run", res.RunID)
	log.Info("[SYNC] starting sync")

	for n := 1; n <= o.cfg.MaxAttempts; n++ {
		a := o.attempt(ctx, log, res.RunID, n)
		res.Attempts = append(res.Attempts, a)
		if a.Err == nil {
			res.OK = true
			log.Info("[SYNC] sync complete", "user", a.User, "records", a.Records, "new", a.Inserted, "attempt", n)
			break
		}
		log.Warn("[SYNC] attempt failed", "attempt", n, "of", o.cfg.MaxAttempts, "kind", a.Kind(), "error", a.Err)
		if ctx.Err() != nil {
			break
		}
		if n < o.cfg.MaxAttempts {
			if err := sleepCtx(ctx, o.cfg.RetryDelay); err != nil {
				break
			}
		}
	}
	if !res.OK {
		log.Error("[SYNC] giving up", "attempts", len(res.Attempts))
	}

	if res.OK && o.cfg.Uploader != nil {
		if err := o.cfg.Uploader.Upload(ctx, res.last().storePath); err != nil {
			log.Error("[SYNC] datastore transfer failed", "error", err)
		} else {
			log.Info("[SYNC] datastore transferred")
		}
	}
	if o.cfg.Publisher != nil {
		st := res.Status(o.now())
		if err := o.cfg.Publisher.Publish(ctx, st); err != nil {
			log.Warn("[SYNC] publish status", "error", err)
		}
	}
	return res
}

// attempt is a single try with its own store handle and connection.
func (o *Orchestrator) attempt(ctx context.Context, log *slog.Logger, runID string, n int) (a Attempt) {
	a.N = n

	st, err := o.cfg.OpenStore()
	if err != nil {
		a.Err = fmt.Errorf("%w: open: %w", ErrStore, err)
		return a
	}
	a.storePath = st.Path()
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn("[SYNC] close store", "error", err)
		}
	}()

	_, last, ok, err := st.LastSync(ctx)
	if err != nil {
		a.Err = fmt.Errorf("%w: %w", ErrStore, err)
		return a
	}
	a.User = NextUser(last, ok, o.cfg.Users)

	seq, ok, err := st.HighestSequence(ctx, a.User)
	if err != nil {
		a.Err = fmt.Errorf("%w: %w", ErrStore, err)
		return a
	}
	a.From = ResumeSequence(seq, ok)
	log.Info("[SYNC] attempt", "attempt", n, "user", a.User, "from", a.From)

	scale, err := o.cfg.Dial(ctx)
	if err != nil {
		a.Err = err
		return a
	}
	defer scale.Close()

	records, err := scale.FetchRecords(ctx, a.User, a.From)
	if err != nil {
		a.Err = err
		return a
	}
	a.Records = len(records)

	for _, rec := range records {
		inserted, err := st.PersistMeasurement(ctx, rec)
		if err != nil {
			a.Err = fmt.Errorf("%w: %w", ErrStore, err)
			return a
		}
		if inserted {
			a.Inserted++
		}
	}
	if err := st.StoreSuccess(ctx, a.User, runID); err != nil {
		a.Err = fmt.Errorf("%w: %w", ErrStore, err)
	}
	return a
}

// NextUser returns the user to sync after last, cycling through 1..users.
// Without a previous sync it starts at user 1.
func NextUser(last uint8, ok bool, users int) uint8 {
	if !ok || users < 1 {
		return 1
	}
	return uint8(int(last)%users + 1)
}

// ResumeSequence returns the first sequence number to request given the
// highest one already stored.
func ResumeSequence(highest uint16, ok bool) uint16 {
	switch {
	case !ok:
		return 1
	case highest == 0xFFFF:
		return highest
	}
	return highest + 1
}

var entropyMu sync.Mutex
var entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)

func newRunID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

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
