package observable

import "sync"

// Broadcaster fans out change notifications to any number of subscribers.
// Notifications carry no payload and coalesce: a subscriber that has not
// drained its channel yet receives at most one pending signal, and reads
// the current state from the owner afterwards.
type Broadcaster struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]chan struct{}
}

// Subscribe registers a new subscriber and returns its signal channel
// together with a cancel function. Cancel is idempotent.
func (b *Broadcaster) Subscribe() (<-chan struct{}, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[uint64]chan struct{})
	}
	id := b.next
	b.next++
	ch := make(chan struct{}, 1)
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Notify signals every subscriber that state has changed. It never blocks;
// a subscriber with an undrained signal is skipped.
func (b *Broadcaster) Notify() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
