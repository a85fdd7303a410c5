// Package ledger remembers per-frame metadata between submission to the
// encoder and arrival of the matching compressed output.
package ledger

import (
	"sort"
	"time"
)

// DefaultCapacity bounds the ledger when no capacity is given.
const DefaultCapacity = 512

// Attributes is the metadata captured when a raw frame is submitted.
type Attributes struct {
	// RTPTimestamp is the source frame timestamp in 90 kHz ticks.
	RTPTimestamp  uint32
	NTPTimeMs     int64
	CaptureTimeMs int64
	Width         int
	Height        int
	// Discontinuity marks the first frame submitted after a drop.
	Discontinuity bool
	SubmittedAt   time.Time
}

// Stats counts ledger activity since creation or the last Clear.
type Stats struct {
	Recorded uint64 `json:"recorded"`
	Matched  uint64 `json:"matched"`
	Misses   uint64 `json:"misses"`
	Evicted  uint64 `json:"evicted"`
}

type entry struct {
	key   int64
	attrs Attributes
}

// Ledger is an ordered multimap from output timestamp to Attributes.
// Entries with equal timestamps are returned in insertion order.
//
// Ledger is not safe for concurrent use; the owning pipeline serializes
// access under its own lock.
type Ledger struct {
	entries  []entry
	capacity int
	stats    Stats
}

// New creates a ledger holding at most capacity entries. When full, the
// entry with the smallest timestamp is evicted to make room.
func New(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ledger{capacity: capacity}
}

// Record stores attrs under timestamp.
func (l *Ledger) Record(timestamp int64, attrs Attributes) {
	if len(l.entries) >= l.capacity {
		l.entries = l.entries[1:]
		l.stats.Evicted++
	}

	// first index with key > timestamp keeps equal keys FIFO
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].key > timestamp })
	l.entries = append(l.entries, entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = entry{key: timestamp, attrs: attrs}
	l.stats.Recorded++
}

// TakeMatching removes and returns the oldest entry recorded under
// timestamp. The boolean is false when nothing matches.
func (l *Ledger) TakeMatching(timestamp int64) (Attributes, bool) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].key >= timestamp })
	if i == len(l.entries) || l.entries[i].key != timestamp {
		l.stats.Misses++
		return Attributes{}, false
	}

	attrs := l.entries[i].attrs
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
	l.stats.Matched++
	return attrs, true
}

// Len returns the number of outstanding entries.
func (l *Ledger) Len() int {
	return len(l.entries)
}

// Clear drops every entry and resets the counters.
func (l *Ledger) Clear() {
	l.entries = nil
	l.stats = Stats{}
}

// Stats returns a copy of the counters.
func (l *Ledger) Stats() Stats {
	return l.stats
}
