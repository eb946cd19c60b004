package ledger

import (
	"sort"
	"sync"
	"time"

	"mailtrail/internal/events"
)

type pendingOrphan struct {
	sub        events.Submission
	receivedAt time.Time
}

// orphanBuffer holds non-sent events for unknown emails until their sent
// event arrives or the window elapses.
type orphanBuffer struct {
	mu       sync.Mutex
	window   time.Duration
	capacity int
	size     int
	pending  map[string][]pendingOrphan
}

func newOrphanBuffer(window time.Duration, capacity int) *orphanBuffer {
	return &orphanBuffer{
		window:   window,
		capacity: capacity,
		pending:  make(map[string][]pendingOrphan),
	}
}

// add reports false when the buffer is full. An event already buffered with
// the same dedup key is accepted without taking another slot.
func (b *orphanBuffer) add(sub events.Submission, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := sub.Event.Key()
	for _, p := range b.pending[sub.ExternalID] {
		if p.sub.Event.Key() == key {
			return true
		}
	}
	if b.size >= b.capacity {
		return false
	}
	b.pending[sub.ExternalID] = append(b.pending[sub.ExternalID], pendingOrphan{sub: sub, receivedAt: now})
	b.size++
	return true
}

// take removes the orphans of one email and splits them into live ones, in
// timestamp order, and ones that outlived the window.
func (b *orphanBuffer) take(externalID string, now time.Time) (live, expired []events.Submission) {
	b.mu.Lock()
	list := b.pending[externalID]
	delete(b.pending, externalID)
	b.size -= len(list)
	b.mu.Unlock()

	for _, p := range list {
		if now.Sub(p.receivedAt) > b.window {
			expired = append(expired, p.sub)
			continue
		}
		live = append(live, p.sub)
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].Event.Timestamp.Before(live[j].Event.Timestamp)
	})
	return live, expired
}

// expire removes and returns orphans older than the window.
func (b *orphanBuffer) expire(now time.Time) []events.Submission {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []events.Submission
	for id, list := range b.pending {
		kept := list[:0]
		for _, p := range list {
			if now.Sub(p.receivedAt) > b.window {
				expired = append(expired, p.sub)
				continue
			}
			kept = append(kept, p)
		}
		b.size -= len(list) - len(kept)
		if len(kept) == 0 {
			delete(b.pending, id)
		} else {
			b.pending[id] = kept
		}
	}
	sort.SliceStable(expired, func(i, j int) bool {
		if expired[i].ExternalID != expired[j].ExternalID {
			return expired[i].ExternalID < expired[j].ExternalID
		}
		return expired[i].Event.Timestamp.Before(expired[j].Event.Timestamp)
	})
	return expired
}

func (b *orphanBuffer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
