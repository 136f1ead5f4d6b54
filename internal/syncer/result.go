package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/omviva/omviva-sync/internal/ble"
	"github.com/omviva/omviva-sync/internal/measurement"
	"github.com/omviva/omviva-sync/internal/store"
)

// Kind classifies the outcome of an attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindDeviceNotFound
	KindConnection
	KindTimeout
	KindDecode
	KindStore
	KindCanceled
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindDeviceNotFound:
		return "device-not-found"
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindDecode:
		return "decode"
	case KindStore:
		return "store"
	case KindCanceled:
		return "canceled"
	}
	return "other"
}

// Attempt is the result of one try within a cycle.
type Attempt struct {
	N        int    // 1-based attempt number
	User     uint8  // user synced, 0 if the attempt failed before choosing
	From     uint16 // first sequence number requested
	Records  int    // records decoded
	Inserted int    // records that were new
	Err      error

	storePath string
}

// Kind classifies a.Err.
func (a Attempt) Kind() Kind {
	switch err := a.Err; {
	case err == nil:
		return KindSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, ble.ErrDeviceNotFound):
		return KindDeviceNotFound
	case errors.Is(err, ble.ErrProtocolTimeout):
		return KindTimeout
	case errors.Is(err, ble.ErrConnection), errors.Is(err, ble.ErrNotConnected):
		return KindConnection
	case errors.Is(err, measurement.ErrDecode):
		return KindDecode
	case errors.Is(err, ErrStore), errors.Is(err, store.ErrIncompleteRecord):
		return KindStore
	}
	return KindOther
}

// Result is the outcome of a whole cycle.
type Result struct {
	RunID    string
	OK       bool
	Attempts []Attempt
}

func (r Result) last() Attempt {
	if len(r.Attempts) == 0 {
		return Attempt{}
	}
	return r.Attempts[len(r.Attempts)-1]
}

// Status is the published summary of a cycle.
type Status struct {
	RunID    string    `json:"run_id"`
	OK       bool      `json:"ok"`
	User     uint8     `json:"user,omitempty"`
	Records  int       `json:"records"`
	Inserted int       `json:"inserted"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	Kind     string    `json:"kind"`
	Time     time.Time `json:"time"`
}

// Status summarizes r as of at.
func (r Result) Status(at time.Time) Status {
	a := r.last()
	st := Status{
		RunID:    r.RunID,
		OK:       r.OK,
		User:     a.User,
		Records:  a.Records,
		Inserted: a.Inserted,
		Attempts: len(r.Attempts),
		Kind:     a.Kind().String(),
		Time:     at.UTC(),
	}
	if a.Err != nil {
		st.Error = a.Err.Error()
	}
	return st
}
