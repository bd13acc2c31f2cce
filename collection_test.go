package docbind

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docbind/docbind.go/pkg/store"
	"github.com/docbind/docbind.go/pkg/store/memstore"
)

func seedLibrary(t *testing.T, st store.Store) store.CollectionRef {
	t.Helper()
	col := store.MustCollection("books")
	books := map[string]book{
		"b1": {Title: "Dune", Author: "Herbert", Pages: 412},
		"b2": {Title: "Emma", Author: "Austen", Pages: 474},
		"b3": {Title: "Ubik", Author: "Dick", Pages: 202},
		"b4": {Title: "Solaris", Author: "Lem", Pages: 204},
	}
	for id, b := range books {
		require.NoError(t, st.Set(context.Background(), col.Doc(id), b))
	}
	return col
}

func titles(docs []Entity[book]) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Data.Title
	}
	return out
}

func TestCollectionUnbound(t *testing.T) {
	c := NewCollection[book](memstore.New())

	assert.False(t, c.IsLoading())
	assert.False(t, c.HasDocs())
	assert.Empty(t, c.Docs())
	assert.Empty(t, c.Path())

	docs, err := c.Ready(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, docs)

	_, err = c.Add(context.Background(), book{Title: "Dune"})
	assert.ErrorIs(t, err, ErrNoCollectionBound)
}

func TestCollectionWithoutQueryStaysIdle(t *testing.T) {
	cs := newCountingStore(memstore.New())
	seedLibrary(t, cs.inner)

	c := NewCollectionAt[book](cs, store.MustCollection("books"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Watch(ctx)

	docs, err := c.Ready(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.False(t, c.IsLoading())

	// No query means no store traffic, even while observed.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 0, cs.getQueries.Load())
	assert.EqualValues(t, 0, cs.listenQueries.Load())
}

func TestCollectionReadyOrdered(t *testing.T) {
	st := memstore.New()
	col := seedLibrary(t, st)

	c := NewCollectionQuery[book](st, col, func(q store.Query) store.Query {
		return q.Where("pages", store.OpLt, 450).OrderBy("title")
	})
	assert.True(t, c.IsLoading())

	docs, err := c.Ready(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"Dune", "Solaris", "Ubik"}, titles(docs))
	assert.False(t, c.IsLoading())
	assert.True(t, c.HasDocs())
	assert.Equal(t, 3, c.Len())

	for _, d := range docs {
		assert.NotEmpty(t, d.ID)
		assert.Equal(t, d.ID, d.Ref.ID())
	}
}

func TestCollectionReadySurvivesSiblingCancel(t *testing.T) {
	cs := newCountingStore(memstore.New())
	col := seedLibrary(t, cs.inner)

	var mu sync.Mutex
	var errs []error
	c := NewCollectionQuery[book](cs, col, func(q store.Query) store.Query {
		return q.OrderBy("title")
	}).OnError(func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	})
	cs.block()

	cancelCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := c.Ready(cancelCtx)
		first <- err
	}()

	require.Eventually(t, func() bool { return cs.getQueries.Load() == 1 }, waitFor, tick)

	type result struct {
		docs []Entity[book]
		err  error
	}
	ctx2 := testCtx(t)
	second := make(chan result, 1)
	go func() {
		docs, err := c.Ready(ctx2)
		second <- result{docs, err}
	}()

	// The first caller bails out; the shared fetch keeps running.
	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	cs.unblock()
	select {
	case res := <-second:
		require.NoError(t, res.err)
		assert.Equal(t, []string{"Dune", "Emma", "Solaris", "Ubik"}, titles(res.docs))
	case <-time.After(waitFor):
		t.Fatal("surviving Ready call did not resolve")
	}

	assert.EqualValues(t, 1, cs.getQueries.Load())
	mu.Lock()
	assert.Empty(t, errs)
	mu.Unlock()
}

func TestCollectionReadyReturnsCopy(t *testing.T) {
	st := memstore.New()
	col := seedLibrary(t, st)

	c := NewCollectionQuery[book](st, col, func(q store.Query) store.Query {
		return q.OrderBy("title")
	})

	docs, err := c.Ready(testCtx(t))
	require.NoError(t, err)
	require.NotEmpty(t, docs)

	// Mutating the returned slice must not leak into the observer.
	docs[0].Data.Title = "Scribbled"
	assert.Equal(t, "Dune", c.Docs()[0].Data.Title)
}

func TestCollectionSetQuerySameIsNoop(t *testing.T) {
	cs := newCountingStore(memstore.New())
	col := seedLibrary(t, cs.inner)

	byTitle := func(q store.Query) store.Query { return q.OrderBy("title") }
	c := NewCollectionQuery[book](cs, col, byTitle)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Watch(ctx)

	require.Eventually(t, c.HasDocs, waitFor, tick)
	require.EqualValues(t, 1, cs.listenQueries.Load())

	// A structurally identical derived query keeps everything in place.
	c.SetQuery(byTitle)
	assert.True(t, c.HasDocs())
	assert.False(t, c.IsLoading())
	assert.EqualValues(t, 1, cs.listenQueries.Load())
	assert.EqualValues(t, 1, cs.active.Load())
}

func TestCollectionSetQueryReplaces(t *testing.T) {
	cs := newCountingStore(memstore.New())
	col := seedLibrary(t, cs.inner)

	c := NewCollectionQuery[book](cs, col, func(q store.Query) store.Query {
		return q.OrderBy("title")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Watch(ctx)

	require.Eventually(t, func() bool { return c.Len() == 4 }, waitFor, tick)

	c.SetQuery(func(q store.Query) store.Query {
		return q.Where("author", store.OpEq, "Lem").OrderBy("title")
	})

	// The switch discards the result set synchronously and resubscribes.
	assert.Empty(t, c.Docs())
	assert.True(t, c.IsLoading())
	require.Eventually(t, func() bool { return c.Len() == 1 }, waitFor, tick)
	assert.Equal(t, []string{"Solaris"}, titles(c.Docs()))
	assert.EqualValues(t, 2, cs.listenQueries.Load())
	assert.EqualValues(t, 1, cs.active.Load())

	// Clearing the transform stops fetching and empties the set.
	c.SetQuery(nil)
	assert.False(t, c.IsLoading())
	require.Eventually(t, func() bool { return cs.active.Load() == 0 }, waitFor, tick)
	docs, err := c.Ready(testCtx(t))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCollectionLiveUpdates(t *testing.T) {
	st := memstore.New()
	col := seedLibrary(t, st)

	c := NewCollectionQuery[book](st, col, func(q store.Query) store.Query {
		return q.Where("pages", store.OpGt, 400).OrderBy("title")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Watch(ctx)

	require.Eventually(t, func() bool { return c.Len() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"Dune", "Emma"}, titles(c.Docs()))

	// A matching insert shows up in query order.
	_, err := c.Add(context.Background(), book{Title: "Anathem", Author: "Stephenson", Pages: 937})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return c.Len() == 3 }, waitFor, tick)
	assert.Equal(t, []string{"Anathem", "Dune", "Emma"}, titles(c.Docs()))

	// A non-matching insert does not.
	_, err = c.Add(context.Background(), book{Title: "Pamphlet", Pages: 9})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, c.Len())

	// Each snapshot replaces the set wholesale, so removals apply too.
	require.NoError(t, st.Delete(context.Background(), col.Doc("b1")))
	require.Eventually(t, func() bool { return c.Len() == 2 }, waitFor, tick)
	assert.Equal(t, []string{"Anathem", "Emma"}, titles(c.Docs()))
}

func TestCollectionAttachReset(t *testing.T) {
	st := memstore.New()
	seedLibrary(t, st)
	other := store.MustCollection("magazines")
	require.NoError(t, st.Set(context.Background(), other.Doc("m1"), book{Title: "Wired", Pages: 120}))

	c := NewCollectionQuery[book](st, store.MustCollection("books"), func(q store.Query) store.Query {
		return q.OrderBy("title")
	})

	docs, err := c.Ready(testCtx(t))
	require.NoError(t, err)
	require.Len(t, docs, 4)

	// Attaching another collection re-derives the query against it.
	c.Attach(other)
	assert.Empty(t, c.Docs())
	assert.True(t, c.IsLoading())

	docs, err = c.Ready(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"Wired"}, titles(docs))
	assert.Equal(t, "magazines", c.Path())

	// Attaching the same collection again is a no-op.
	c.Attach(other)
	assert.True(t, c.HasDocs())
	assert.False(t, c.IsLoading())
}

func TestCollectionQueryAccessor(t *testing.T) {
	st := memstore.New()
	c := NewCollectionAt[book](st, store.MustCollection("books"))

	_, ok := c.Query()
	assert.False(t, ok)

	c.SetQuery(func(q store.Query) store.Query { return q.Limit(2) })
	q, ok := c.Query()
	require.True(t, ok)
	assert.Equal(t, 2, q.LimitN())
	assert.Equal(t, "books", q.From().Path())
}
