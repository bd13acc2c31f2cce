package docbind

import (
	"context"
	"sync/atomic"

	"github.com/docbind/docbind.go/pkg/store"
)

type book struct {
	Title  string `cbor:"title"`
	Author string `cbor:"author"`
	Pages  int    `cbor:"pages"`
}

// countingStore wraps a store and counts calls plus live listeners, so
// tests can assert on subscription churn instead of internal state.
type countingStore struct {
	inner store.Store

	gets          atomic.Int64
	listens       atomic.Int64
	getQueries    atomic.Int64
	listenQueries atomic.Int64
	active        atomic.Int64

	// blocked gates Get and GetQuery until released, to widen the window
	// where concurrent callers race for the same fetch.
	blocked atomic.Bool
	release chan struct{}
}

func newCountingStore(inner store.Store) *countingStore {
	return &countingStore{inner: inner, release: make(chan struct{})}
}

func (c *countingStore) block()   { c.blocked.Store(true) }
func (c *countingStore) unblock() { c.blocked.Store(false); close(c.release) }

func (c *countingStore) gate(ctx context.Context) error {
	if !c.blocked.Load() {
		return nil
	}
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *countingStore) Get(ctx context.Context, ref store.DocumentRef) (store.DocumentSnapshot, error) {
	c.gets.Add(1)
	if err := c.gate(ctx); err != nil {
		return store.DocumentSnapshot{}, err
	}
	return c.inner.Get(ctx, ref)
}

func (c *countingStore) Listen(ref store.DocumentRef, onSnapshot func(store.DocumentSnapshot), onError func(error)) (store.Unsubscribe, error) {
	c.listens.Add(1)
	unsub, err := c.inner.Listen(ref, onSnapshot, onError)
	if err != nil {
		return nil, err
	}
	c.active.Add(1)
	return func() {
		c.active.Add(-1)
		unsub()
	}, nil
}

func (c *countingStore) GetQuery(ctx context.Context, q store.Query) (store.QuerySnapshot, error) {
	c.getQueries.Add(1)
	if err := c.gate(ctx); err != nil {
		return store.QuerySnapshot{}, err
	}
	return c.inner.GetQuery(ctx, q)
}

func (c *countingStore) ListenQuery(q store.Query, onSnapshot func(store.QuerySnapshot), onError func(error)) (store.Unsubscribe, error) {
	c.listenQueries.Add(1)
	unsub, err := c.inner.ListenQuery(q, onSnapshot, onError)
	if err != nil {
		return nil, err
	}
	c.active.Add(1)
	return func() {
		c.active.Add(-1)
		unsub()
	}, nil
}

func (c *countingStore) Add(ctx context.Context, col store.CollectionRef, data any) (store.DocumentRef, error) {
	return c.inner.Add(ctx, col, data)
}

func (c *countingStore) Set(ctx context.Context, ref store.DocumentRef, data any) error {
	return c.inner.Set(ctx, ref, data)
}

func (c *countingStore) Update(ctx context.Context, ref store.DocumentRef, data any) error {
	return c.inner.Update(ctx, ref, data)
}

func (c *countingStore) Delete(ctx context.Context, ref store.DocumentRef) error {
	return c.inner.Delete(ctx, ref)
}

var _ store.Store = (*countingStore)(nil)
