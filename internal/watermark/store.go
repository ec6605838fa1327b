// Package watermark tracks the highest block seen per contract event and resolves
// where a subscription resumes scanning.
package watermark

import (
	"sync"
	"sync/atomic"

	"github.com/devblac/event-relay/internal/event"
)

// Store holds per (address, signature) watermarks. It is a cache rebuilt from
// persisted events after a restart.
type Store struct {
	marks sync.Map // key -> *atomic.Uint64
}

// NewStore returns an empty watermark store.
func NewStore() *Store {
	return &Store{}
}

func key(signature, address string) string {
	return event.NormalizeAddress(address) + "|" + signature
}

// Advance raises the watermark for (signature, address) to block. Lower values are ignored.
func (s *Store) Advance(signature string, block uint64, address string) {
	fresh := new(atomic.Uint64)
	fresh.Store(block)
	v, loaded := s.marks.LoadOrStore(key(signature, address), fresh)
	if !loaded {
		return
	}
	mark := v.(*atomic.Uint64)
	for {
		cur := mark.Load()
		if block <= cur {
			return
		}
		if mark.CompareAndSwap(cur, block) {
			return
		}
	}
}

// Get returns the watermark for (signature, address).
func (s *Store) Get(signature, address string) (uint64, bool) {
	v, ok := s.marks.Load(key(signature, address))
	if !ok {
		return 0, false
	}
	return v.(*atomic.Uint64).Load(), true
}
