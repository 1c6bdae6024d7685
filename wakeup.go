package pollhttp

import (
	"sync"
	"sync/atomic"
)

// Token identifies a connection for Engine.Wakeup. The zero Token is never
// handed out. A Token goes stale when its connection closes; waking a stale
// Token is a harmless no-op even when the slot was reused since.
type Token uint64

const (
	slotFree uint64 = iota
	slotActive
	// slotPending is an active slot that received a wakeup. Its next
	// suspension is cancelled.
	slotPending
	slotSuspended
	slotWoken
)

const (
	wakeupPageBits = 10
	wakeupPageSize = 1 << wakeupPageBits
	wakeupPageMask = wakeupPageSize - 1
	slotStateMask  = 1<<32 - 1
)

type wakeupPage [wakeupPageSize]atomic.Uint64

// wakeupRegistry is an arena of slots, one per live connection. Every slot
// is a single word holding generation<<32 | state, so a wakeup racing with
// a close either lands before the generation bump or sees the new
// generation and does nothing. Pages are allocated on first use and the
// page table is replaced, never modified, when the arena grows.
type wakeupRegistry struct {
	pages    atomic.Pointer[[]*wakeupPage]
	capacity uint32

	mu   sync.Mutex
	free []uint32
	next uint32

	// woken counts slots in slotWoken; the poller uses it to skip waiting.
	woken atomic.Int32
	poke  func()
}

func newWakeupRegistry(capacity int, poke func()) *wakeupRegistry {
	if capacity <= 0 {
		capacity = DefaultConcurrency
	}
	r := &wakeupRegistry{poke: poke}
	r.pages.Store(new([]*wakeupPage))
	r.grow(capacity)
	return r
}

// grow raises the number of slots to capacity. It never shrinks the arena.
func (r *wakeupRegistry) grow(capacity int) {
	if capacity <= 0 {
		return
	}
	r.mu.Lock()
	if uint32(capacity) > r.capacity {
		r.capacity = uint32(capacity)
	}
	r.mu.Unlock()
}

func (r *wakeupRegistry) slot(idx uint32) *atomic.Uint64 {
	pages := *r.pages.Load()
	pi := int(idx >> wakeupPageBits)
	if pi >= len(pages) {
		return nil
	}
	return &pages[pi][idx&wakeupPageMask]
}

// acquire reserves a slot in the active state.
func (r *wakeupRegistry) acquire() (Token, uint32, bool) {
	r.mu.Lock()
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		if r.next >= r.capacity {
			r.mu.Unlock()
			return 0, 0, false
		}
		idx = r.next
		r.next++
		if pages := *r.pages.Load(); int(idx>>wakeupPageBits) >= len(pages) {
			next := make([]*wakeupPage, len(pages)+1)
			copy(next, pages)
			next[len(pages)] = new(wakeupPage)
			r.pages.Store(&next)
		}
	}
	r.mu.Unlock()

	s := r.slot(idx)
	gen := s.Load() >> 32
	s.Store(gen<<32 | slotActive)
	return Token(gen<<32 | uint64(idx+1)), idx, true
}

// release bumps the generation, which invalidates every Token issued for
// the slot, and returns the slot to the free list.
func (r *wakeupRegistry) release(idx uint32) {
	s := r.slot(idx)
	if s == nil {
		return
	}
	for {
		w := s.Load()
		if w&slotStateMask == slotFree {
			// developer sanity-check
			panic("BUG: wakeup slot released twice")
		}
		gen := (w>>32 + 1) & slotStateMask
		if s.CompareAndSwap(w, gen<<32|slotFree) {
			if w&slotStateMask == slotWoken {
				r.woken.Add(-1)
			}
			break
		}
	}
	r.mu.Lock()
	r.free = append(r.free, idx)
	r.mu.Unlock()
}

// wake is safe to call from any goroutine at any time.
func (r *wakeupRegistry) wake(t Token) bool {
	low := uint32(t)
	if low == 0 {
		return false
	}
	idx := low - 1
	s := r.slot(idx)
	if s == nil {
		return false
	}
	gen := uint64(t) >> 32
	for {
		w := s.Load()
		if w>>32 != gen {
			return false
		}
		switch w & slotStateMask {
		case slotFree:
			return false
		case slotPending, slotWoken:
			return true
		case slotActive:
			if s.CompareAndSwap(w, gen<<32|slotPending) {
				return true
			}
		case slotSuspended:
			if s.CompareAndSwap(w, gen<<32|slotWoken) {
				r.woken.Add(1)
				if r.poke != nil {
					r.poke()
				}
				return true
			}
		}
	}
}

// suspend parks an active slot. It returns false, leaving the slot active,
// when a wakeup arrived before the suspension.
func (r *wakeupRegistry) suspend(idx uint32) bool {
	s := r.slot(idx)
	for {
		w := s.Load()
		gen := w >> 32
		switch w & slotStateMask {
		case slotActive:
			if s.CompareAndSwap(w, gen<<32|slotSuspended) {
				return true
			}
		case slotPending:
			if s.CompareAndSwap(w, gen<<32|slotActive) {
				return false
			}
		default:
			return false
		}
	}
}

// resume moves a woken slot back to active. It reports whether the slot
// was woken.
func (r *wakeupRegistry) resume(idx uint32) bool {
	s := r.slot(idx)
	w := s.Load()
	if w&slotStateMask != slotWoken {
		return false
	}
	if !s.CompareAndSwap(w, w>>32<<32|slotActive) {
		return false
	}
	r.woken.Add(-1)
	return true
}

// clearPending forgets an early wakeup. Called when a new request starts.
func (r *wakeupRegistry) clearPending(idx uint32) {
	s := r.slot(idx)
	w := s.Load()
	if w&slotStateMask == slotPending {
		s.CompareAndSwap(w, w>>32<<32|slotActive)
	}
}

func (r *wakeupRegistry) state(idx uint32) uint64 {
	return r.slot(idx).Load() & slotStateMask
}
