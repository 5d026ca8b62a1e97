package mqttrequest

import (
	"container/list"
	"sync"
	"time"
)

// ResponseHandler receives the payload of a correlated response.
type ResponseHandler func(payload []byte)

// PendingRequest is an outstanding request waiting for its response.
type PendingRequest struct {
	// ID is the correlation id.
	ID string

	// Handler is invoked with the response payload.
	Handler ResponseHandler

	// ExpiresAt is the instant after which the response is discarded.
	ExpiresAt time.Time
}

// Expired reports whether the request is no longer deliverable at now.
func (p *PendingRequest) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}

// PendingTable holds outstanding requests keyed by correlation id.
// Entries are kept in insertion order. Expiry order may differ, since
// callers stamp ExpiresAt before inserting.
type PendingTable struct {
	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// NewPendingTable creates an empty pending table.
func NewPendingTable() *PendingTable {
	return &PendingTable{
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Insert adds a request. It returns false if the id is already present.
func (t *PendingTable) Insert(req *PendingRequest) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[req.ID]; exists {
		return false
	}
	t.entries[req.ID] = t.order.PushBack(req)
	return true
}

// Take removes and returns the request with the given id.
func (t *PendingTable) Take(id string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	return t.order.Remove(elem).(*PendingRequest), true
}

// Get returns the request with the given id without removing it.
func (t *PendingTable) Get(id string) (*PendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	elem, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*PendingRequest), true
}

// Sweep removes every request whose expiry is strictly before now
// and returns the number removed.
func (t *PendingTable) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for elem := t.order.Front(); elem != nil; {
		next := elem.Next()
		req := elem.Value.(*PendingRequest)
		if req.ExpiresAt.Before(now) {
			t.order.Remove(elem)
			delete(t.entries, req.ID)
			removed++
		}
		elem = next
	}
	return removed
}

// Len returns the number of pending requests.
func (t *PendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear removes all pending requests.
func (t *PendingTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.order.Init()
	t.entries = make(map[string]*list.Element)
}
