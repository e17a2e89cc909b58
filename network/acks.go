package network

import (
	"errors"
	"sync"
	"time"
)

// ErrAckCanceled is delivered to pending completion handles when the
// service shuts down before the matching ACK arrives.
var ErrAckCanceled = errors.New("acknowledgment canceled")

type pendingAck struct {
	done         chan error
	registeredAt time.Time
}

// ackTable maps outstanding correlation ids to their completion handles.
// It is shared between the send path (register) and the dispatch loop
// (resolve); every insert and remove is one atomic step under the lock,
// so a handle can fire at most once.
type ackTable struct {
	mu      sync.Mutex
	pending map[MessageID]pendingAck
}

func newAckTable() *ackTable {
	return &ackTable{pending: make(map[MessageID]pendingAck)}
}

// register allocates a fresh correlation id and stores a pending
// completion handle for it. Allocation re-rolls on a live duplicate, so
// ids of concurrently outstanding sends never collide.
func (t *ackTable) register() (MessageID, <-chan error) {
	entry := pendingAck{done: make(chan error, 1), registeredAt: time.Now()}

	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		id := newMessageID()
		if _, live := t.pending[id]; live {
			continue
		}
		t.pending[id] = entry
		return id, entry.done
	}
}

// resolve removes the entry for id and fires its completion handle.
// It reports false for an unknown or already-resolved id, which is an
// expected condition under timeout and restart races, not an error.
func (t *ackTable) resolve(id MessageID) (time.Duration, bool) {
	t.mu.Lock()
	entry, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	t.mu.Unlock()

	if !ok {
		return 0, false
	}
	entry.done <- nil
	return time.Since(entry.registeredAt), true
}

// failAll removes every pending entry and delivers err to its handle.
// Fired once at shutdown so callers observe cancellation promptly.
func (t *ackTable) failAll(err error) {
	t.mu.Lock()
	pending := t.pending
	t.pending = make(map[MessageID]pendingAck)
	t.mu.Unlock()

	for _, entry := range pending {
		entry.done <- err
	}
}

// size returns the number of outstanding entries.
func (t *ackTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
