package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"

	"github.com/arloliu/vigil/types"
)

// Record is the persisted form of an Entry.
//
// Value holds the JSON encoding of the entry's value. Checksum covers the
// namespace, key, version and value bytes, so a record torn by a crash
// mid-write fails validation on load.
type Record struct {
	Namespace string          `json:"ns"`
	Key       string          `json:"key"`
	Version   uint64          `json:"ver"`
	UpdatedAt time.Time       `json:"ts"`
	Value     json.RawMessage `json:"val"`
	Checksum  uint64          `json:"sum"`
}

// NewRecord builds a checksummed record from an entry.
//
// Parameters:
//   - entry: Entry to persist; its Value must be JSON-encodable
//
// Returns:
//   - Record: Record with Checksum set
//   - error: Encoding error for the value
func NewRecord(entry types.Entry) (Record, error) {
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		return Record{}, fmt.Errorf("encode value %s/%s: %w", entry.Namespace, entry.Key, err)
	}

	rec := Record{
		Namespace: entry.Namespace,
		Key:       entry.Key,
		Version:   entry.Version,
		UpdatedAt: entry.UpdatedAt,
		Value:     raw,
	}
	rec.Checksum = rec.computeChecksum()

	return rec, nil
}

// Encode serializes the record for a backend.
func (r Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses and validates a record produced by Encode.
//
// Returns:
//   - Record: Decoded record
//   - error: Decoding error, or ErrChecksumMismatch if validation fails
func DecodeRecord(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: %w", types.ErrChecksumMismatch, err)
	}
	if rec.Checksum != rec.computeChecksum() {
		return Record{}, fmt.Errorf("%w: %s/%s v%d", types.ErrChecksumMismatch, rec.Namespace, rec.Key, rec.Version)
	}

	return rec, nil
}

// Entry converts the record back into a store entry. The value stays as
// json.RawMessage; use GetAs to decode it into a concrete type.
func (r Record) Entry() types.Entry {
	return types.Entry{
		Namespace: r.Namespace,
		Key:       r.Key,
		Value:     r.Value,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
	}
}

func (r Record) computeChecksum() uint64 {
	buf := make([]byte, 0, len(r.Namespace)+len(r.Key)+len(r.Value)+18)
	buf = append(buf, r.Namespace...)
	buf = append(buf, 0)
	buf = append(buf, r.Key...)
	buf = append(buf, 0)
	buf = binary.BigEndian.AppendUint64(buf, r.Version)
	buf = append(buf, r.Value...)

	return xxh3.Hash(buf)
}
