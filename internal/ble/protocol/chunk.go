package protocol

import (
	"fmt"

	"github.com/omviva/omviva-sync/internal/measurement"
)

// Measurement stream layout: every stored record is streamed as a fixed
// RecordSize-byte chunk whose first FirstRegionSize bytes are the primary
// region and the rest the continuation region.
const (
	RecordSize      = 35
	FirstRegionSize = 19
)

// Chunk is one record split into its two flag-prefixed regions.
type Chunk struct {
	First        []byte
	Continuation []byte
}

// SplitRecords cuts an accumulated measurement stream into record chunks.
// An empty stream yields no chunks. A length that is not a whole number of
// records is a decode error.
func SplitRecords(buf []byte) ([]Chunk, error) {
	if len(buf)%RecordSize != 0 {
		return nil, fmt.Errorf("%w: stream length %d is not a multiple of %d",
			measurement.ErrDecode, len(buf), RecordSize)
	}
	chunks := make([]Chunk, 0, len(buf)/RecordSize)
	for i := 0; i < len(buf); i += RecordSize {
		chunks = append(chunks, Chunk{
			First:        buf[i : i+FirstRegionSize],
			Continuation: buf[i+FirstRegionSize : i+RecordSize],
		})
	}
	return chunks, nil
}
