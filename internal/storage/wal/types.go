package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/beaver-sync/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// Event is one WAL record: a single atomic job storage batch
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload"`   // JSON encoded types.Batch
	Checksum  uint32          `json:"checksum"`  // CRC32 over Seq + Payload
}

// newEvent encodes a batch into an event and stamps its checksum
func newEvent(seq uint64, timestamp int64, batch types.Batch) (Event, error) {
	payload, err := json.Marshal(batch)
	if err != nil {
		return Event{}, fmt.Errorf("wal: encode batch: %w", err)
	}
	return Event{
		Seq:       seq,
		Timestamp: timestamp,
		Payload:   payload,
		Checksum:  CalculateChecksum(seq, payload),
	}, nil
}

// Batch decodes the event payload
func (e Event) Batch() (types.Batch, error) {
	var b types.Batch
	if err := json.Unmarshal(e.Payload, &b); err != nil {
		return types.Batch{}, &CorruptionError{Seq: e.Seq, Cause: err}
	}
	return b, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state; an error aborts the replay
type EventHandler func(event Event) error
