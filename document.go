package docbind

import (
	"context"
	"fmt"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/docbind/docbind.go/pkg/logger"
	"github.com/docbind/docbind.go/pkg/observable"
	"github.com/docbind/docbind.go/pkg/store"
)

// Document mirrors at most one remote document into observable local state.
//
// A Document owns its bound locator exclusively: every source change
// replaces it wholesale, re-arms the ready latch, clears the data and
// advances the source generation. A live store listener exists exactly
// while the observer is watched and a document is bound; an unwatched
// Document only touches the store when Ready is called.
//
// All state transitions are applied atomically with respect to readers:
// no watcher ever sees loading off with stale data mid-transition.
type Document[T any] struct {
	st            store.Store
	log           logger.Logger
	debug         bool
	ignoreInitial bool

	mu     sync.Mutex
	ref    store.DocumentRef
	parent store.CollectionRef

	data    T
	hasData bool
	loading bool

	// gen identifies the currently bound source; listenerGen identifies
	// the source the active listener was attached for. They diverge only
	// in the window between a source change and the next listener update.
	gen         uuid.UUID
	listenerGen uuid.UUID
	unsub       store.Unsubscribe

	fetching    bool
	initialSeen bool
	ready       *readyLatch[T]

	onData func(T)
	onErr  func(error)

	atom    *observable.Atom
	changes observable.Broadcaster
}

// NewDocument returns an unbound document observer: not loading, no data,
// no store traffic until a source is attached.
func NewDocument[T any](st store.Store, opts ...Option) *Document[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	d := &Document[T]{
		st:            st,
		log:           o.log,
		debug:         o.debug,
		ignoreInitial: o.ignoreInitial,
		gen:           nextGen(),
		ready:         newReadyLatch[T](),
	}
	d.atom = observable.NewAtom(d.observationChanged, d.observationChanged)
	return d
}

// NewDocumentAt returns a document observer bound to ref. The observer
// enters the loading state immediately but contacts the store only on
// first observation or Ready call.
func NewDocumentAt[T any](st store.Store, ref store.DocumentRef, opts ...Option) *Document[T] {
	return NewDocument[T](st, opts...).Attach(ref)
}

// NewDocumentIn returns an unbound document observer that remembers col as
// the parent collection, so AttachID can derive sibling documents from a
// bare id.
func NewDocumentIn[T any](st store.Store, col store.CollectionRef, opts ...Option) *Document[T] {
	d := NewDocument[T](st, opts...)
	d.mu.Lock()
	d.parent = col
	d.mu.Unlock()
	return d
}

// Attach binds the observer to ref, or unbinds it when ref is the zero
// reference. Attaching the locator that is already bound is a no-op: no
// latch reset, no listener churn, no loading flicker. Any other value
// tears down the current listener, discards the data, arms a fresh ready
// latch and resubscribes if the observer is being watched.
func (d *Document[T]) Attach(ref store.DocumentRef) *Document[T] {
	d.mu.Lock()
	if ref.Path() == d.ref.Path() {
		d.mu.Unlock()
		return d
	}
	d.rebind(ref)
	d.mu.Unlock()

	d.changes.Notify()
	return d
}

// AttachID binds the observer to the document with the given id in the
// known parent collection. An empty id unbinds. Without a known parent
// collection this is a configuration error: it is routed to the OnError
// callback when one is registered and panics otherwise.
func (d *Document[T]) AttachID(id string) *Document[T] {
	if id == "" {
		return d.Attach(store.DocumentRef{})
	}

	d.mu.Lock()
	parent := d.parent
	errCb := d.onErr
	d.mu.Unlock()

	if parent.IsZero() {
		if errCb != nil {
			errCb(ErrNoParentCollection)
			return d
		}
		panic(ErrNoParentCollection)
	}
	return d.Attach(parent.Doc(id))
}

// rebind replaces the bound source. Caller holds d.mu.
func (d *Document[T]) rebind(ref store.DocumentRef) {
	superseded := d.ready

	d.ref = ref
	if !ref.IsZero() {
		d.parent = ref.Parent()
	}
	var zero T
	d.data, d.hasData = zero, false
	d.fetching = false
	d.initialSeen = false
	d.gen = nextGen()
	d.ready = newReadyLatch[T]()
	d.loading = !ref.IsZero()
	d.updateListener()

	if d.debug {
		d.log.Debug("docbind: document source changed", "path", ref.Path(), "generation", d.gen)
	}

	// Waiters of the superseded generation resolve with "absent" rather
	// than hanging forever or seeing the new source's data.
	superseded.resolve(zero, false)
}

// updateListener reconciles the live listener with the desired state:
// listen iff watched and bound. An existing listener that already matches
// the current source identity is kept as is, so rapid observation toggles
// do not churn a perfectly valid subscription. Teardown always precedes a
// new subscribe. Caller holds d.mu.
func (d *Document[T]) updateListener() {
	shouldListen := d.atom.Observed() && !d.ref.IsZero()

	if !shouldListen {
		if d.unsub != nil {
			d.unsub()
			d.unsub = nil
			if d.debug {
				d.log.Debug("docbind: document listener torn down", "path", d.ref.Path())
			}
		}
		return
	}

	if d.unsub != nil {
		if d.listenerGen == d.gen {
			return
		}
		d.unsub()
		d.unsub = nil
	}

	gen := d.gen
	unsub, err := d.st.Listen(d.ref,
		func(snap store.DocumentSnapshot) { d.applySnapshot(gen, snap) },
		func(err error) { d.fail(err) },
	)
	if err != nil {
		go d.fail(fmt.Errorf("docbind: subscribing to %s: %w", d.ref.Path(), err))
		return
	}
	d.unsub = unsub
	d.listenerGen = gen
	if d.debug {
		d.log.Debug("docbind: document listener attached", "path", d.ref.Path(), "generation", gen)
	}
}

// applySnapshot applies one snapshot delivered for the given source
// generation. Snapshots of superseded generations are discarded, which
// closes the window where an in-flight fetch issued against an old source
// could overwrite newer state.
func (d *Document[T]) applySnapshot(gen uuid.UUID, snap store.DocumentSnapshot) {
	d.mu.Lock()
	if gen != d.gen {
		if d.debug {
			d.log.Debug("docbind: dropping stale document snapshot", "path", snap.Ref.Path())
		}
		d.mu.Unlock()
		return
	}
	d.fetching = false
	initial := !d.initialSeen
	d.initialSeen = true

	var zero T
	if snap.Exists {
		var v T
		if err := snap.Decode(&v); err != nil {
			d.mu.Unlock()
			d.fail(fmt.Errorf("docbind: decoding snapshot of %s: %w", snap.Ref.Path(), err))
			return
		}
		d.data, d.hasData = v, true
	} else {
		d.data, d.hasData = zero, false
	}

	// The data callback fires after the data is set and before loading
	// flips off: composed loading flags downstream rely on it having run
	// already. It executes inside the update transaction and must not
	// call back into this observer.
	if d.hasData && d.onData != nil && !(initial && d.ignoreInitial) {
		d.onData(d.data)
	}

	d.loading = false
	val, ok := d.data, d.hasData
	latch := d.ready
	d.mu.Unlock()

	latch.resolve(val, ok)
	d.changes.Notify()
}

// fail routes an error to the registered error callback. Without one the
// error is an unrecoverable fault and panics; errors are never silently
// swallowed.
func (d *Document[T]) fail(err error) {
	d.mu.Lock()
	cb := d.onErr
	d.mu.Unlock()

	if cb != nil {
		cb(err)
		return
	}
	panic(fmt.Errorf("docbind: unhandled document observer error: %w", err))
}

// Ready blocks until the current source generation has resolved its first
// snapshot and returns the data along with whether the document exists.
//
// Without a live listener, the first Ready call per generation issues
// exactly one one-shot fetch; concurrent calls share it. With a live
// listener attached no separate fetch is issued, the snapshot stream
// resolves the same latch. On an unbound observer Ready returns absent
// immediately without contacting the store.
//
// A failed fetch leaves loading true and the latch unresolved unless an
// error callback recovers (by re-attaching); bound the wait with ctx.
func (d *Document[T]) Ready(ctx context.Context) (T, bool, error) {
	d.mu.Lock()
	if d.ref.IsZero() {
		d.mu.Unlock()
		var zero T
		return zero, false, nil
	}
	latch := d.ready
	if latch.resolved() {
		val, ok := d.data, d.hasData
		d.mu.Unlock()
		return val, ok, nil
	}
	if d.unsub == nil && !d.fetching {
		d.fetching = true
		gen := d.gen
		ref := d.ref
		// The fetch is shared by every waiter of this generation; one
		// caller cancelling its own wait must not abort it for the rest.
		go d.fetchOnce(context.WithoutCancel(ctx), gen, ref)
	}
	d.mu.Unlock()

	return latch.wait(ctx)
}

func (d *Document[T]) fetchOnce(ctx context.Context, gen uuid.UUID, ref store.DocumentRef) {
	snap, err := d.st.Get(ctx, ref)
	if err != nil {
		d.mu.Lock()
		if gen == d.gen {
			d.fetching = false
		}
		d.mu.Unlock()
		d.fail(fmt.Errorf("docbind: fetching %s: %w", ref.Path(), err))
		return
	}
	d.applySnapshot(gen, snap)
}

// Watch registers a reactive consumer. The returned channel receives a
// coalesced signal whenever the observer's state changes; read the current
// state through the accessors afterwards. Watching counts toward the
// shared observed count regardless of which fields the consumer reads, so
// any number of watchers share one underlying listener. The watcher is
// removed when ctx is done.
func (d *Document[T]) Watch(ctx context.Context) <-chan struct{} {
	ch, cancel := d.changes.Subscribe()
	d.atom.Observe()
	go func() {
		<-ctx.Done()
		cancel()
		d.atom.Unobserve()
	}()
	return ch
}

func (d *Document[T]) observationChanged() {
	d.mu.Lock()
	d.updateListener()
	d.mu.Unlock()
}

// Data returns the last known payload and whether the document exists.
func (d *Document[T]) Data() (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.data, d.hasData
}

// MustData returns the payload and panics with ErrNoData when absent.
func (d *Document[T]) MustData() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasData {
		panic(ErrNoData)
	}
	return d.data
}

// HasData reports whether the bound document exists and has been loaded.
func (d *Document[T]) HasData() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hasData
}

// IsLoading reports whether a fetch or listen is outstanding with no
// snapshot resolved yet for the current source.
func (d *Document[T]) IsLoading() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loading
}

// ID returns the id of the bound document, or the empty string when
// unbound.
func (d *Document[T]) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ref.ID()
}

// Path returns the full path of the bound document, or the empty string
// when unbound.
func (d *Document[T]) Path() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ref.Path()
}

// Ref returns the bound document reference and whether one is bound.
func (d *Document[T]) Ref() (store.DocumentRef, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ref, !d.ref.IsZero()
}

// OnData registers a callback invoked with the decoded payload on every
// snapshot of an existing document, before loading flips off.
func (d *Document[T]) OnData(fn func(T)) *Document[T] {
	d.mu.Lock()
	d.onData = fn
	d.mu.Unlock()
	return d
}

// OnError registers the consumer error channel. Configuration and
// transport errors are routed here; without it they panic.
func (d *Document[T]) OnError(fn func(error)) *Document[T] {
	d.mu.Lock()
	d.onErr = fn
	d.mu.Unlock()
	return d
}

// Set creates or replaces the bound document through the store.
func (d *Document[T]) Set(ctx context.Context, data any) error {
	ref, ok := d.Ref()
	if !ok {
		return ErrNoDocumentBound
	}
	return d.st.Set(ctx, ref, data)
}

// Update merges fields into the bound document through the store.
func (d *Document[T]) Update(ctx context.Context, data any) error {
	ref, ok := d.Ref()
	if !ok {
		return ErrNoDocumentBound
	}
	return d.st.Update(ctx, ref, data)
}

// Delete removes the bound document through the store. The observer stays
// bound; the deletion arrives as a non-existent snapshot.
func (d *Document[T]) Delete(ctx context.Context) error {
	ref, ok := d.Ref()
	if !ok {
		return ErrNoDocumentBound
	}
	return d.st.Delete(ctx, ref)
}
