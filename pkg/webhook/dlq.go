package webhook

import (
	"sync"
	"time"
)

// DeadLetterEntry records a delivery that exhausted its retry budget.
type DeadLetterEntry struct {
	URL        string
	Payload    []byte
	LastResult string
	Attempts   int
	CreatedAt  time.Time
}

// DeadLetterQueue collects exhausted deliveries in memory. OnDeadLetter,
// when set, is invoked synchronously for every new entry; panics and
// errors from it are swallowed — a failing callback must never affect
// delivery accounting.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []DeadLetterEntry

	OnDeadLetter func(DeadLetterEntry)
}

// NewDeadLetterQueue creates an empty queue.
func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{}
}

// Add appends entry and, if set, invokes OnDeadLetter.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	cb := q.OnDeadLetter
	q.mu.Unlock()

	if cb == nil {
		return
	}
	q.invoke(cb, entry)
}

// invoke calls cb, recovering from any panic so a caller-supplied
// callback can never crash the delivery loop.
func (q *DeadLetterQueue) invoke(cb func(DeadLetterEntry), entry DeadLetterEntry) {
	defer func() { _ = recover() }()
	cb(entry)
}

// Entries returns a snapshot of all dead-lettered deliveries.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// Len reports the number of dead-lettered deliveries.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
