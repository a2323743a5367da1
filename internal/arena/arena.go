// Package arena provides a fixed-capacity slot table addressed by
// generation-checked handles.
//
// A handle stays valid from Alloc until Free. Free bumps the slot
// generation, so any copy of the old handle is rejected afterwards even
// when the slot has been handed out again.
package arena

import (
	"errors"
	"sync"
)

var (
	// ErrFull is returned by Alloc when every slot is live
	ErrFull = errors.New("arena: no free slots")

	// ErrStale is returned for a zero, out-of-range or released handle
	ErrStale = errors.New("arena: stale handle")
)

// Handle identifies one live slot. The zero Handle is never valid.
type Handle uint64

func makeHandle(index, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

// Index returns the slot index encoded in h
func (h Handle) Index() uint32 { return uint32(h) }

// Generation returns the slot generation encoded in h
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

type slot[T any] struct {
	gen  uint32 // odd while live, even while free
	next int32  // free list link, -1 terminates
	val  T
}

// Arena is a fixed-capacity table of T values. All methods are safe for
// concurrent use.
type Arena[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  int32
	live  int
}

// New creates an arena with room for capacity live values
func New[T any](capacity int) *Arena[T] {
	a := &Arena[T]{
		slots: make([]slot[T], capacity),
		free:  -1,
	}
	for i := capacity - 1; i >= 0; i-- {
		a.slots[i].next = a.free
		a.free = int32(i)
	}
	return a
}

// Alloc stores v in a free slot and returns its handle
func (a *Arena[T]) Alloc(v T) (Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free < 0 {
		return 0, ErrFull
	}
	idx := a.free
	s := &a.slots[idx]
	a.free = s.next
	s.next = -1
	s.gen++
	s.val = v
	a.live++
	return makeHandle(uint32(idx), s.gen), nil
}

// lookup returns the live slot for h. Caller holds a.mu.
func (a *Arena[T]) lookup(h Handle) (*slot[T], error) {
	idx := h.Index()
	if h == 0 || int(idx) >= len(a.slots) {
		return nil, ErrStale
	}
	s := &a.slots[idx]
	if s.gen != h.Generation() || s.gen%2 == 0 {
		return nil, ErrStale
	}
	return s, nil
}

// Get returns a copy of the value stored under h
func (a *Arena[T]) Get(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

// Update runs fn on the value stored under h while holding the arena lock.
// fn must not call back into the arena.
func (a *Arena[T]) Update(h Handle, fn func(v *T)) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, err := a.lookup(h)
	if err != nil {
		return err
	}
	fn(&s.val)
	return nil
}

// Free releases the slot and returns the value it held. Exactly one Free
// succeeds per Alloc.
func (a *Arena[T]) Free(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var zero T
	s, err := a.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.val
	s.val = zero
	s.gen++
	s.next = a.free
	a.free = int32(h.Index())
	a.live--
	return v, nil
}

// Live returns the number of allocated slots
func (a *Arena[T]) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Cap returns the arena capacity
func (a *Arena[T]) Cap() int {
	return len(a.slots)
}
