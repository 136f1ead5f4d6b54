package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/omviva/omviva-sync/internal/measurement"
)

func TestSplitRecordsEmpty(t *testing.T) {
	chunks, err := SplitRecords(nil)
	if err != nil {
		t.Fatalf("SplitRecords(nil) error = %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d chunks for empty stream, want 0", len(chunks))
	}
}

func TestSplitRecordsRegions(t *testing.T) {
	buf := make([]byte, 2*RecordSize)
	for i := range buf {
		buf[i] = byte(i)
	}
	chunks, err := SplitRecords(buf)
	if err != nil {
		t.Fatalf("SplitRecords() error = %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c.First) != FirstRegionSize {
			t.Errorf("chunk[%d].First len=%d, want %d", i, len(c.First), FirstRegionSize)
		}
		if len(c.Continuation) != RecordSize-FirstRegionSize {
			t.Errorf("chunk[%d].Continuation len=%d, want %d", i, len(c.Continuation), RecordSize-FirstRegionSize)
		}
		reassembled := append(append([]byte{}, c.First...), c.Continuation...)
		if !bytes.Equal(reassembled, buf[i*RecordSize:(i+1)*RecordSize]) {
			t.Errorf("chunk[%d] does not reassemble to its source bytes", i)
		}
	}
}

func TestSplitRecordsPartial(t *testing.T) {
	for _, n := range []int{1, 19, 34, 36, 104} {
		_, err := SplitRecords(make([]byte, n))
		if !errors.Is(err, measurement.ErrDecode) {
			t.Errorf("SplitRecords(%d bytes) error = %v, want ErrDecode", n, err)
		}
	}
}
