package dispatch

import (
	"sync"
	"time"
)

// DefaultSentLogSize is the number of cloud frames remembered for
// acknowledgement correlation.
const DefaultSentLogSize = 256

// SentEntry describes one frame sent over the cloud socket.
type SentEntry struct {
	Sequence int64
	DeviceID string
	Command  string
	SentAt   time.Time
}

// SentLog is a fixed-size ring of recently sent cloud frames keyed by
// sequence. Lookups are best-effort: old entries are overwritten.
type SentLog struct {
	mu      sync.Mutex
	entries []SentEntry
	index   map[int64]int
	next    int
}

// NewSentLog creates a ring holding size entries.
func NewSentLog(size int) *SentLog {
	if size <= 0 {
		size = DefaultSentLogSize
	}
	return &SentLog{
		entries: make([]SentEntry, size),
		index:   make(map[int64]int, size),
	}
}

// Record stores an entry, evicting the oldest when full.
func (l *SentLog) Record(e SentEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	old := l.entries[l.next]
	if pos, ok := l.index[old.Sequence]; ok && pos == l.next {
		delete(l.index, old.Sequence)
	}
	l.entries[l.next] = e
	l.index[e.Sequence] = l.next
	l.next = (l.next + 1) % len(l.entries)
}

// Lookup returns the entry for seq if it is still remembered.
func (l *SentLog) Lookup(seq int64) (SentEntry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.index[seq]
	if !ok {
		return SentEntry{}, false
	}
	return l.entries[pos], true
}
