package types

import (
	"context"
	"time"
)

// Entry is a versioned value stored under a (namespace, key) pair.
//
// Entries are immutable once published. Version starts at 1 for a key and
// strictly increases on every Put to the same key; deleting and re-creating a
// key continues from the previous version until the store is reopened.
type Entry struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EventKind identifies what happened to an entry.
type EventKind int

const (
	// EventPut is emitted when an entry is created or replaced.
	EventPut EventKind = iota

	// EventDelete is emitted when a single key is removed.
	EventDelete

	// EventClear is emitted once per removed key when a namespace is cleared.
	EventClear
)

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	case EventClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Event is a change notification delivered to subscribers.
//
// For delete and clear events Entry carries the last value the key held.
type Event struct {
	Kind  EventKind
	Entry Entry
}

// NotifyFunc receives change events for a subscription.
//
// A returned error or a panic is treated as a dispatch failure: it is logged
// and counted, and delivery continues with the next event.
type NotifyFunc func(ctx context.Context, ev Event) error
