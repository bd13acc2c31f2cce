// Package observable provides the small reactivity substrate the observers
// are built on: an observation counter with become-observed hooks, and a
// coalescing change broadcaster.
package observable

import "sync"

// Atom counts how many consumers currently observe a group of reactive
// fields and fires transition hooks when the count crosses zero. All fields
// guarded by one Atom share a single underlying resource (typically a live
// store listener), no matter how many of them are observed.
type Atom struct {
	mu                 sync.Mutex
	count              int
	onBecomeObserved   func()
	onBecomeUnobserved func()
}

// NewAtom returns an Atom firing the given hooks on the 0->1 and 1->0
// observation transitions. Either hook may be nil. Hooks run on the
// goroutine calling Observe/Unobserve, outside the Atom's own lock.
func NewAtom(onBecomeObserved, onBecomeUnobserved func()) *Atom {
	return &Atom{
		onBecomeObserved:   onBecomeObserved,
		onBecomeUnobserved: onBecomeUnobserved,
	}
}

// Observe registers one observer. The 0->1 transition fires the
// become-observed hook.
func (a *Atom) Observe() {
	a.mu.Lock()
	a.count++
	first := a.count == 1
	a.mu.Unlock()

	if first && a.onBecomeObserved != nil {
		a.onBecomeObserved()
	}
}

// Unobserve removes one observer. The 1->0 transition fires the
// become-unobserved hook. Calls must pair with Observe.
func (a *Atom) Unobserve() {
	a.mu.Lock()
	if a.count == 0 {
		a.mu.Unlock()
		panic("BUG: Atom.Unobserve without a matching Observe")
	}
	a.count--
	last := a.count == 0
	a.mu.Unlock()

	if last && a.onBecomeUnobserved != nil {
		a.onBecomeUnobserved()
	}
}

// Observed reports whether at least one observer is registered.
func (a *Atom) Observed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count > 0
}

// Count returns the current number of observers.
func (a *Atom) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
