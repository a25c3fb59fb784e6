package store

import (
	"fmt"

	"github.com/goccy/go-json"
)

// GetAs returns the value of (ns, key) as T.
//
// Values written in-process are returned as stored when they already have
// type T. Values restored from a backend are held as json.RawMessage and are
// decoded into T. Any other mismatch is converted through a JSON round trip.
//
// Parameters:
//   - st: Store to read from
//   - ns: Namespace name
//   - key: Key within the namespace
//
// Returns:
//   - T: Decoded value
//   - uint64: Version of the entry
//   - error: ErrNotFound or a decoding error
//
// Example:
//
//	pose, ver, err := store.GetAs[Pose](st, "sensor_state", "pose")
func GetAs[T any](st *Store, ns, key string) (T, uint64, error) {
	var zero T

	entry, err := st.Get(ns, key)
	if err != nil {
		return zero, 0, err
	}

	if v, ok := entry.Value.(T); ok {
		return v, entry.Version, nil
	}

	raw, ok := entry.Value.(json.RawMessage)
	if !ok {
		if raw, err = json.Marshal(entry.Value); err != nil {
			return zero, entry.Version, fmt.Errorf("convert %s/%s: %w", ns, key, err)
		}
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, entry.Version, fmt.Errorf("decode %s/%s: %w", ns, key, err)
	}

	return out, entry.Version, nil
}
