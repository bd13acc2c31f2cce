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

// QueryFn derives a concrete query from a collection's base query.
type QueryFn func(store.Query) store.Query

// Collection mirrors the result set of a query over one remote collection
// into an ordered, observable list of entities.
//
// It shares the Document lifecycle: a live listener exists exactly while
// the observer is watched and a query is derived, source changes advance
// the generation and re-arm the ready latch, and teardown always precedes
// a new subscribe.
//
// A bound collection without a query transform deliberately fetches
// nothing and reports an empty list: absence of a query means "don't
// fetch", not "fetch everything".
type Collection[T any] struct {
	st            store.Store
	log           logger.Logger
	debug         bool
	ignoreInitial bool

	mu        sync.Mutex
	col       store.CollectionRef
	transform QueryFn
	query     store.Query
	hasQuery  bool

	docs    []Entity[T]
	loading bool

	gen         uuid.UUID
	listenerGen uuid.UUID
	unsub       store.Unsubscribe

	fetching    bool
	initialSeen bool
	ready       *readyLatch[[]Entity[T]]

	onData func([]Entity[T])
	onErr  func(error)

	atom    *observable.Atom
	changes observable.Broadcaster
}

// NewCollection returns an unbound collection observer.
func NewCollection[T any](st store.Store, opts ...Option) *Collection[T] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	c := &Collection[T]{
		st:            st,
		log:           o.log,
		debug:         o.debug,
		ignoreInitial: o.ignoreInitial,
		gen:           nextGen(),
		ready:         newReadyLatch[[]Entity[T]](),
	}
	c.atom = observable.NewAtom(c.observationChanged, c.observationChanged)
	return c
}

// NewCollectionAt returns a collection observer bound to col with no query
// transform: it stays empty and idle until SetQuery is called.
func NewCollectionAt[T any](st store.Store, col store.CollectionRef, opts ...Option) *Collection[T] {
	return NewCollection[T](st, opts...).Attach(col)
}

// NewCollectionQuery returns a collection observer bound to col with the
// given query transform; it enters the loading state immediately.
func NewCollectionQuery[T any](st store.Store, col store.CollectionRef, fn QueryFn, opts ...Option) *Collection[T] {
	return NewCollectionAt[T](st, col, opts...).SetQuery(fn)
}

// Attach binds the observer to col, or unbinds it when col is the zero
// reference. Attaching the collection that is already bound is a no-op.
// Otherwise the full reset contract applies and the concrete query is
// recomputed from the registered transform.
func (c *Collection[T]) Attach(col store.CollectionRef) *Collection[T] {
	c.mu.Lock()
	if col.Path() == c.col.Path() {
		c.mu.Unlock()
		return c
	}
	c.col = col
	c.deriveQuery()
	c.rebind()
	c.mu.Unlock()

	c.changes.Notify()
	return c
}

// SetQuery replaces the query transform and re-derives the concrete query
// against the bound collection. When the newly derived query equals the
// current one (by the store's query-equality predicate) this is a no-op.
// Otherwise documents are discarded, the generation advances, and the
// observer resubscribes if watched. A nil transform clears the query and
// stops fetching.
func (c *Collection[T]) SetQuery(fn QueryFn) *Collection[T] {
	c.mu.Lock()
	hadQuery, oldQuery := c.hasQuery, c.query
	c.transform = fn
	c.deriveQuery()
	if c.hasQuery == hadQuery && (!c.hasQuery || c.query.Equal(oldQuery)) {
		c.mu.Unlock()
		return c
	}
	c.rebind()
	c.mu.Unlock()

	c.changes.Notify()
	return c
}

// deriveQuery recomputes the concrete query from the bound collection and
// the registered transform. Caller holds c.mu.
func (c *Collection[T]) deriveQuery() {
	if c.transform == nil || c.col.IsZero() {
		c.query = store.Query{}
		c.hasQuery = false
		return
	}
	c.query = c.transform(c.col.Query())
	c.hasQuery = true
}

// rebind resets all per-source state for the current collection and query.
// Caller holds c.mu.
func (c *Collection[T]) rebind() {
	superseded := c.ready

	c.docs = nil
	c.fetching = false
	c.initialSeen = false
	c.gen = nextGen()
	c.ready = newReadyLatch[[]Entity[T]]()
	c.loading = c.hasQuery
	c.updateListener()

	if c.debug {
		c.log.Debug("docbind: collection source changed",
			"path", c.col.Path(), "query", c.query.String(), "generation", c.gen)
	}

	superseded.resolve(nil, false)
}

// updateListener reconciles the live listener with the desired state:
// listen iff watched and a query is derived. Caller holds c.mu.
func (c *Collection[T]) updateListener() {
	shouldListen := c.atom.Observed() && c.hasQuery

	if !shouldListen {
		if c.unsub != nil {
			c.unsub()
			c.unsub = nil
			if c.debug {
				c.log.Debug("docbind: collection listener torn down", "path", c.col.Path())
			}
		}
		return
	}

	if c.unsub != nil {
		if c.listenerGen == c.gen {
			return
		}
		c.unsub()
		c.unsub = nil
	}

	gen := c.gen
	unsub, err := c.st.ListenQuery(c.query,
		func(snap store.QuerySnapshot) { c.applySnapshot(gen, snap) },
		func(err error) { c.fail(err) },
	)
	if err != nil {
		go c.fail(fmt.Errorf("docbind: subscribing to query on %s: %w", c.col.Path(), err))
		return
	}
	c.unsub = unsub
	c.listenerGen = gen
	if c.debug {
		c.log.Debug("docbind: collection listener attached",
			"query", c.query.String(), "generation", gen)
	}
}

// applySnapshot replaces the document list wholesale with the rows of one
// query snapshot. There is no incremental diffing against the previous
// list; full replace is the documented contract. Snapshots of superseded
// generations are discarded.
func (c *Collection[T]) applySnapshot(gen uuid.UUID, snap store.QuerySnapshot) {
	entities := make([]Entity[T], 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		var v T
		if err := doc.Decode(&v); err != nil {
			c.mu.Lock()
			stale := gen != c.gen
			if !stale {
				c.fetching = false
			}
			c.mu.Unlock()
			if !stale {
				c.fail(fmt.Errorf("docbind: decoding query row %s: %w", doc.Ref.Path(), err))
			}
			return
		}
		entities = append(entities, Entity[T]{ID: doc.Ref.ID(), Ref: doc.Ref, Data: v})
	}

	c.mu.Lock()
	if gen != c.gen {
		if c.debug {
			c.log.Debug("docbind: dropping stale query snapshot", "query", snap.Query.String())
		}
		c.mu.Unlock()
		return
	}
	c.fetching = false
	initial := !c.initialSeen
	c.initialSeen = true
	c.docs = entities

	// Same ordering contract as the document observer: the data callback
	// runs after the documents are set and before loading flips off, and
	// must not call back into this observer.
	if c.onData != nil && !(initial && c.ignoreInitial) {
		c.onData(entities)
	}

	c.loading = false
	latch := c.ready
	c.mu.Unlock()

	latch.resolve(entities, len(entities) > 0)
	c.changes.Notify()
}

func (c *Collection[T]) fail(err error) {
	c.mu.Lock()
	cb := c.onErr
	c.mu.Unlock()

	if cb != nil {
		cb(err)
		return
	}
	panic(fmt.Errorf("docbind: unhandled collection observer error: %w", err))
}

// Ready blocks until the current generation has resolved its first result
// set and returns it. Without a derived query it returns an empty list
// immediately, never contacting the store. Fetch sharing and failure
// semantics match Document.Ready.
func (c *Collection[T]) Ready(ctx context.Context) ([]Entity[T], error) {
	c.mu.Lock()
	if !c.hasQuery {
		c.mu.Unlock()
		return []Entity[T]{}, nil
	}
	latch := c.ready
	if latch.resolved() {
		docs := c.docsCopyLocked()
		c.mu.Unlock()
		return docs, nil
	}
	if c.unsub == nil && !c.fetching {
		c.fetching = true
		gen := c.gen
		q := c.query
		// Shared across all waiters of this generation, so it must not
		// die with the caller that happened to trigger it.
		go c.fetchOnce(context.WithoutCancel(ctx), gen, q)
	}
	c.mu.Unlock()

	docs, _, err := latch.wait(ctx)
	if err != nil {
		return nil, err
	}
	// The latch value aliases the applied snapshot's slice; callers get
	// their own copy, same as the resolved path above.
	out := make([]Entity[T], len(docs))
	copy(out, docs)
	return out, nil
}

func (c *Collection[T]) fetchOnce(ctx context.Context, gen uuid.UUID, q store.Query) {
	snap, err := c.st.GetQuery(ctx, q)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen {
			c.fetching = false
		}
		c.mu.Unlock()
		c.fail(fmt.Errorf("docbind: fetching query on %s: %w", q.From().Path(), err))
		return
	}
	c.applySnapshot(gen, snap)
}

// Watch registers a reactive consumer; semantics match Document.Watch.
func (c *Collection[T]) Watch(ctx context.Context) <-chan struct{} {
	ch, cancel := c.changes.Subscribe()
	c.atom.Observe()
	go func() {
		<-ctx.Done()
		cancel()
		c.atom.Unobserve()
	}()
	return ch
}

func (c *Collection[T]) observationChanged() {
	c.mu.Lock()
	c.updateListener()
	c.mu.Unlock()
}

// Docs returns a copy of the current ordered result set.
func (c *Collection[T]) Docs() []Entity[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.docsCopyLocked()
}

func (c *Collection[T]) docsCopyLocked() []Entity[T] {
	docs := make([]Entity[T], len(c.docs))
	copy(docs, c.docs)
	return docs
}

// HasDocs reports whether the current result set is non-empty.
func (c *Collection[T]) HasDocs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs) > 0
}

// Len returns the size of the current result set.
func (c *Collection[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.docs)
}

// IsLoading reports whether a fetch or listen is outstanding with no
// result set resolved yet for the current generation.
func (c *Collection[T]) IsLoading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Path returns the path of the bound collection, or the empty string when
// unbound.
func (c *Collection[T]) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.col.Path()
}

// Ref returns the bound collection reference and whether one is bound.
func (c *Collection[T]) Ref() (store.CollectionRef, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.col, !c.col.IsZero()
}

// Query returns the currently derived concrete query and whether one is
// derived.
func (c *Collection[T]) Query() (store.Query, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.query, c.hasQuery
}

// OnData registers a callback invoked with the mapped entities on every
// applied query snapshot, before loading flips off.
func (c *Collection[T]) OnData(fn func([]Entity[T])) *Collection[T] {
	c.mu.Lock()
	c.onData = fn
	c.mu.Unlock()
	return c
}

// OnError registers the consumer error channel. Transport errors are
// routed here; without it they panic.
func (c *Collection[T]) OnError(fn func(error)) *Collection[T] {
	c.mu.Lock()
	c.onErr = fn
	c.mu.Unlock()
	return c
}

// Add creates a new document in the bound collection through the store.
// The result set does not reflect the new document synchronously; it
// appears in a later snapshot iff it matches the active query.
func (c *Collection[T]) Add(ctx context.Context, data any) (store.DocumentRef, error) {
	c.mu.Lock()
	col := c.col
	c.mu.Unlock()

	if col.IsZero() {
		return store.DocumentRef{}, ErrNoCollectionBound
	}
	return c.st.Add(ctx, col, data)
}
