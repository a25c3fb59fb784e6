package store

import (
	"sync"
	"time"

	"github.com/arloliu/vigil/types"
)

// namespace holds the live entries of one namespace.
//
// Writers hold mu exclusively for the whole put, including the version bump
// and the enqueue of change events, so events for a namespace reach every
// subscriber queue in version order.
type namespace struct {
	name string

	mu       sync.RWMutex
	entries  map[string]types.Entry
	versions map[string]uint64 // survives Delete so versions never repeat
	history  *historyRing
}

func newNamespace(name string, historyLimit int) *namespace {
	return &namespace{
		name:     name,
		entries:  make(map[string]types.Entry),
		versions: make(map[string]uint64),
		history:  newHistoryRing(historyLimit),
	}
}

// HistoryRecord is one change kept in a namespace's bounded change log.
type HistoryRecord struct {
	Kind    types.EventKind `json:"kind"`
	Key     string          `json:"key"`
	Version uint64          `json:"version"`
	Value   any             `json:"value,omitempty"`
	At      time.Time       `json:"at"`
}

// historyRing is a fixed-capacity ring buffer; the oldest record is
// overwritten once the ring is full.
type historyRing struct {
	buf  []HistoryRecord
	head int
	size int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		capacity = 1
	}

	return &historyRing{buf: make([]HistoryRecord, capacity)}
}

func (r *historyRing) push(rec HistoryRecord) {
	idx := (r.head + r.size) % len(r.buf)
	if r.size == len(r.buf) {
		r.buf[r.head] = rec
		r.head = (r.head + 1) % len(r.buf)

		return
	}
	r.buf[idx] = rec
	r.size++
}

// last returns up to limit records, oldest first. limit <= 0 returns all.
func (r *historyRing) last(limit int) []HistoryRecord {
	n := r.size
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]HistoryRecord, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}

	return out
}

// pruneBefore drops records older than cutoff and returns how many were removed.
func (r *historyRing) pruneBefore(cutoff time.Time) int {
	removed := 0
	for r.size > 0 && r.buf[r.head].At.Before(cutoff) {
		r.buf[r.head] = HistoryRecord{}
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		removed++
	}

	return removed
}
