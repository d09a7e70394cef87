package ingestion

import (
	"context"
	"time"
)

// Record is one catalog entity exactly as the upstream API returned it.
// No schema is guaranteed at this stage: keys and value types are whatever
// the JSON decoder produced.
type Record map[string]any

// Clone returns a shallow copy so callers can tag a record without touching
// the original.
func (r Record) Clone() Record {
	out := make(Record, len(r)+3)
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the value under key when it is a non-nil string.
func (r Record) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Batch is one page of records handed from one stage to the next.
type Batch struct {
	Records   []Record
	Source    string
	CreatedAt time.Time
	Page      int
}

// RawInput is anything the curation engine can consume: an in-memory batch,
// a plain slice of records or a columnar raw table.
type RawInput interface {
	RawRecords() []Record
}

// RawRecords satisfies RawInput.
func (b *Batch) RawRecords() []Record {
	if b == nil {
		return nil
	}
	return b.Records
}

// Records is a bare slice of raw records.
type Records []Record

// RawRecords satisfies RawInput.
func (rs Records) RawRecords() []Record { return rs }

// Source defines the interface all raw data sources implement.
// This is the "plug" side of the stage hand-off: the bronze reader replays
// persisted pages through it the same way the live client produced them.
type Source interface {
	// Name returns a human-readable identifier for logging/metrics.
	Name() string

	// Open initializes the source.
	Open(ctx context.Context) error

	// ReadBatch returns the next batch of records.
	// Returns io.EOF when no more data is available.
	ReadBatch(ctx context.Context) (*Batch, error)

	// Close releases any resources held by the source.
	Close() error

	// Checkpoint returns opaque state for resumable reads.
	Checkpoint() ([]byte, error)
}
