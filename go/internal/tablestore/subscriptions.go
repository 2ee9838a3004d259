package tablestore

import (
	"sync"

	"github.com/google/uuid"
)

// subKey identifies one (consumer, table) subscription slot.
type subKey struct {
	consumer string
	table    uuid.UUID
}

type subHandle struct {
	stop func()
	once sync.Once
}

// subRegistry enforces the one-live-subscription-per-key rule. Installing a
// handle for a key cancels whatever was there before, and the returned
// CancelFunc is safe to call any number of times.
type subRegistry struct {
	mu     sync.Mutex
	active map[subKey]*subHandle
}

func newSubRegistry() *subRegistry {
	return &subRegistry{active: make(map[subKey]*subHandle)}
}

// install registers stop as the live handle for key, cancelling any prior
// handle first, and returns the idempotent public CancelFunc.
func (r *subRegistry) install(key subKey, stop func()) CancelFunc {
	h := &subHandle{stop: stop}

	r.mu.Lock()
	prior := r.active[key]
	r.active[key] = h
	r.mu.Unlock()

	if prior != nil {
		prior.cancel()
	}

	return func() {
		h.once.Do(func() {
			r.mu.Lock()
			// Only vacate the slot if it is still ours; a newer handle may
			// have replaced us already.
			if r.active[key] == h {
				delete(r.active, key)
			}
			r.mu.Unlock()
			h.stop()
		})
	}
}

func (h *subHandle) cancel() {
	h.once.Do(h.stop)
}

// cancelAll tears down every live subscription, used on Close.
func (r *subRegistry) cancelAll() {
	r.mu.Lock()
	handles := make([]*subHandle, 0, len(r.active))
	for _, h := range r.active {
		handles = append(handles, h)
	}
	r.active = make(map[subKey]*subHandle)
	r.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}
