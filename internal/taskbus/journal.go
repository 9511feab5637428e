package taskbus

import (
	"sync"
	"time"
)

// Record is one observed task event, reduced to what diagnostics need.
type Record struct {
	TaskID   string    `json:"task_id"`
	Type     string    `json:"type"`
	Status   string    `json:"status,omitempty"`
	DeltaLen int       `json:"delta_len,omitempty"`
	At       time.Time `json:"at"`
}

// Journal provides a fixed-size ring of recent event records.
// Prevents unbounded growth on long-lived sessions with chatty runners;
// when full, the oldest record is overwritten.
type Journal struct {
	mu      sync.RWMutex
	records []Record
	head    int
	full    bool
}

// NewJournal creates a journal holding at most size records.
// Default size is 256 which covers several recent operations.
func NewJournal(size int) *Journal {
	if size <= 0 {
		size = 256
	}
	return &Journal{
		records: make([]Record, size),
	}
}

// Add appends a record, overwriting the oldest when full.
func (j *Journal) Add(rec Record) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.records[j.head] = rec
	j.head = (j.head + 1) % len(j.records)
	if j.head == 0 {
		j.full = true
	}
}

// Recent returns the recorded events in arrival order, oldest first.
func (j *Journal) Recent() []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if !j.full {
		out := make([]Record, j.head)
		copy(out, j.records[:j.head])
		return out
	}

	// Wrap-around: head -> end is oldest, start -> head is newest.
	out := make([]Record, 0, len(j.records))
	out = append(out, j.records[j.head:]...)
	out = append(out, j.records[:j.head]...)
	return out
}

// Len returns the number of records currently held.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.full {
		return len(j.records)
	}
	return j.head
}

// Reset clears the journal.
func (j *Journal) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.head = 0
	j.full = false
}
