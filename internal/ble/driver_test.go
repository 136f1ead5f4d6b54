package ble

import (
	"context"
	"errors"
	"testing"

	"github.com/omviva/omviva-sync/internal/measurement"
)

func TestDriverFetchRecords(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.scaleBehavior(3, mustHex(t, sampleStream))
	s := connectedSession(t, adapter)

	records, err := NewDriver(s, nil).FetchRecords(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("FetchRecords() error = %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d records, want 3", len(records))
	}
	wantWeights := []string{"78.800", "78.800", "79.100"}
	for i, rec := range records {
		if rec.SequenceNumber != uint16(i+1) {
			t.Errorf("record %d: SequenceNumber = %d, want %d", i, rec.SequenceNumber, i+1)
		}
		if got := rec.Weight.String(); got != wantWeights[i] {
			t.Errorf("record %d: Weight = %s, want %s", i, got, wantWeights[i])
		}
		if rec.UserID != 1 {
			t.Errorf("record %d: UserID = %d, want 1", i, rec.UserID)
		}
	}
	if got := s.State(); got != StateNotifyDisabled {
		t.Errorf("State() after fetch = %s, want %s", got, StateNotifyDisabled)
	}
}

func TestDriverFetchWriteOrder(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.scaleBehavior(0, nil)
	s := connectedSession(t, adapter)

	if _, err := NewDriver(s, nil).FetchRecords(context.Background(), 2, 0x0110); err != nil {
		t.Fatalf("FetchRecords() error = %v", err)
	}
	want := []string{
		"ucp:02020e02",
		"racp:0403011001",
		"racp:0103011001",
		"racp:1000",
	}
	got := adapter.connection.Log()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDriverFetchNothingNew(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.scaleBehavior(0, nil)
	s := connectedSession(t, adapter)

	records, err := NewDriver(s, nil).FetchRecords(context.Background(), 1, 4)
	if err != nil {
		t.Fatalf("FetchRecords() error = %v", err)
	}
	if len(records) != 0 {
		t.Errorf("got %d records, want 0", len(records))
	}
}

func TestDriverFetchPartialRecord(t *testing.T) {
	adapter := newMockAdapter()
	stream := mustHex(t, sampleStream)
	adapter.connection.scaleBehavior(2, stream[:50])
	s := connectedSession(t, adapter)

	_, err := NewDriver(s, nil).FetchRecords(context.Background(), 1, 1)
	if !errors.Is(err, measurement.ErrDecode) {
		t.Fatalf("FetchRecords() error = %v, want ErrDecode", err)
	}
	if got := s.State(); got != StateNotifyDisabled {
		t.Errorf("notifications left enabled after failure: state %s", got)
	}
}

func TestDriverFetchCountMismatchStillReturnsRecords(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.scaleBehavior(5, mustHex(t, sampleStream))
	s := connectedSession(t, adapter)

	records, err := NewDriver(s, nil).FetchRecords(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("FetchRecords() error = %v", err)
	}
	if len(records) != 3 {
		t.Errorf("got %d records, want 3", len(records))
	}
}

func TestDriverFetchWriteFailure(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.char(ChannelUserControl).writeErr = errors.New("not authorized")
	s := connectedSession(t, adapter)

	_, err := NewDriver(s, nil).FetchRecords(context.Background(), 1, 1)
	if !errors.Is(err, ErrConnection) {
		t.Errorf("FetchRecords() error = %v, want ErrConnection", err)
	}
}

func TestDriverRegisterUser(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.scaleBehavior(0, nil)
	s := connectedSession(t, adapter)

	if err := NewDriver(s, nil).RegisterUser(context.Background(), 3); err != nil {
		t.Fatalf("RegisterUser() error = %v", err)
	}
	want := []string{
		"ucp:010e02",
		"ucp:02030e02",
		"racp:0401",
		"racp:0101",
		"racp:1000",
	}
	got := adapter.connection.Log()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDriverNotConnected(t *testing.T) {
	s := NewSession(newMockAdapter(), testMAC, testOptions(), nil)
	if _, err := NewDriver(s, nil).FetchRecords(context.Background(), 1, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("FetchRecords() error = %v, want ErrNotConnected", err)
	}
}

func TestDialAndClose(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connection.scaleBehavior(3, mustHex(t, sampleStream))

	link, err := Dial(context.Background(), adapter, testMAC, testOptions(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	records, err := link.FetchRecords(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("FetchRecords() error = %v", err)
	}
	if len(records) != 3 {
		t.Errorf("got %d records, want 3", len(records))
	}
	link.Close()
	if !adapter.connection.unpaired || !adapter.connection.disconnected {
		t.Error("Close() did not unpair and disconnect")
	}
}

func TestDialDeviceNotFound(t *testing.T) {
	adapter := newMockAdapter()
	adapter.connectErr = ErrDeviceNotFound
	if _, err := Dial(context.Background(), adapter, testMAC, testOptions(), nil); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Dial() error = %v, want ErrDeviceNotFound", err)
	}
}
