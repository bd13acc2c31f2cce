package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docbind/docbind.go/pkg/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

type book struct {
	Title  string `cbor:"title"`
	Author string `cbor:"author"`
	Pages  int    `cbor:"pages"`
}

func seed(t *testing.T, s *Store) store.CollectionRef {
	t.Helper()
	col := store.MustCollection("books")
	books := map[string]book{
		"b1": {Title: "Dune", Author: "Herbert", Pages: 412},
		"b2": {Title: "Emma", Author: "Austen", Pages: 474},
		"b3": {Title: "Ubik", Author: "Dick", Pages: 202},
		"b4": {Title: "Solaris", Author: "Lem", Pages: 204},
	}
	for id, b := range books {
		require.NoError(t, s.Set(context.Background(), col.Doc(id), b))
	}
	return col
}

func decode(t *testing.T, snap store.DocumentSnapshot) book {
	t.Helper()
	var b book
	require.NoError(t, snap.Decode(&b))
	return b
}

func TestGetSetDelete(t *testing.T) {
	s := New()
	ref := store.MustCollection("books").Doc("b1")

	snap, err := s.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, snap.Exists)
	assert.ErrorIs(t, snap.Decode(&book{}), store.ErrMissingDocument)

	require.NoError(t, s.Set(context.Background(), ref, book{Title: "Dune", Pages: 412}))
	snap, err = s.Get(context.Background(), ref)
	require.NoError(t, err)
	require.True(t, snap.Exists)
	assert.Equal(t, "Dune", decode(t, snap).Title)

	require.NoError(t, s.Delete(context.Background(), ref))
	snap, err = s.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, snap.Exists)

	// Deleting a missing document is a no-op.
	require.NoError(t, s.Delete(context.Background(), ref))
}

func TestUpdate(t *testing.T) {
	s := New()
	ref := store.MustCollection("books").Doc("b1")

	err := s.Update(context.Background(), ref, map[string]any{"pages": 1})
	assert.ErrorIs(t, err, store.ErrMissingDocument)

	require.NoError(t, s.Set(context.Background(), ref, book{Title: "Dune", Author: "Herbert", Pages: 412}))
	require.NoError(t, s.Update(context.Background(), ref, map[string]any{"pages": 500}))

	snap, err := s.Get(context.Background(), ref)
	require.NoError(t, err)
	b := decode(t, snap)
	assert.Equal(t, 500, b.Pages)
	assert.Equal(t, "Dune", b.Title)
	assert.Equal(t, "Herbert", b.Author)
}

func TestAddGeneratesID(t *testing.T) {
	s := New()
	col := store.MustCollection("books")

	ref1, err := s.Add(context.Background(), col, book{Title: "Dune"})
	require.NoError(t, err)
	ref2, err := s.Add(context.Background(), col, book{Title: "Emma"})
	require.NoError(t, err)

	assert.NotEmpty(t, ref1.ID())
	assert.NotEqual(t, ref1.ID(), ref2.ID())
	assert.Equal(t, "books", ref1.Parent().Path())

	snap, err := s.Get(context.Background(), ref1)
	require.NoError(t, err)
	assert.Equal(t, "Dune", decode(t, snap).Title)
}

func TestListenDeliversInitialAndUpdates(t *testing.T) {
	s := New()
	ref := store.MustCollection("books").Doc("b1")
	require.NoError(t, s.Set(context.Background(), ref, book{Pages: 1}))

	var mu sync.Mutex
	var snaps []store.DocumentSnapshot
	unsub, err := s.Listen(ref, func(snap store.DocumentSnapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	}, func(err error) { t.Errorf("unexpected listen error: %v", err) })
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) == 1
	}, waitFor, tick)

	require.NoError(t, s.Set(context.Background(), ref, book{Pages: 2}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(snaps) >= 2 && decode(t, snaps[len(snaps)-1]).Pages == 2
	}, waitFor, tick)

	// Deletion is delivered as a non-existent snapshot.
	require.NoError(t, s.Delete(context.Background(), ref))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !snaps[len(snaps)-1].Exists
	}, waitFor, tick)
}

func TestListenUnsubscribeStopsDelivery(t *testing.T) {
	s := New()
	ref := store.MustCollection("books").Doc("b1")
	require.NoError(t, s.Set(context.Background(), ref, book{Pages: 1}))

	var mu sync.Mutex
	count := 0
	unsub, err := s.Listen(ref, func(store.DocumentSnapshot) {
		mu.Lock()
		count++
		mu.Unlock()
	}, func(error) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, waitFor, tick)

	unsub()
	unsub() // second call is a no-op

	require.NoError(t, s.Set(context.Background(), ref, book{Pages: 2}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestListenZeroRef(t *testing.T) {
	s := New()
	_, err := s.Listen(store.DocumentRef{}, func(store.DocumentSnapshot) {}, func(error) {})
	assert.Error(t, err)
}

func TestGetQuery(t *testing.T) {
	s := New()
	col := seed(t, s)

	tests := []struct {
		name  string
		query store.Query
		want  []string
	}{
		{
			name:  "all ordered by title",
			query: col.Query().OrderBy("title"),
			want:  []string{"Dune", "Emma", "Solaris", "Ubik"},
		},
		{
			name:  "filter and order desc",
			query: col.Query().Where("pages", store.OpLt, 450).OrderByDesc("pages"),
			want:  []string{"Dune", "Solaris", "Ubik"},
		},
		{
			name:  "equality",
			query: col.Query().Where("author", store.OpEq, "Lem"),
			want:  []string{"Solaris"},
		},
		{
			name:  "inequality ordered",
			query: col.Query().Where("author", store.OpNotEq, "Lem").OrderBy("title"),
			want:  []string{"Dune", "Emma", "Ubik"},
		},
		{
			name:  "limit applies after ordering",
			query: col.Query().OrderBy("pages").Limit(2),
			want:  []string{"Ubik", "Solaris"},
		},
		{
			name:  "no ordering falls back to id order",
			query: col.Query().Where("pages", store.OpGt, 400),
			want:  []string{"Dune", "Emma"},
		},
		{
			name:  "no matches",
			query: col.Query().Where("pages", store.OpGt, 10000),
			want:  []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := s.GetQuery(context.Background(), tt.query)
			require.NoError(t, err)
			got := make([]string, 0, len(snap.Docs))
			for _, doc := range snap.Docs {
				got = append(got, decode(t, doc).Title)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGetQueryZero(t *testing.T) {
	s := New()
	_, err := s.GetQuery(context.Background(), store.Query{})
	assert.Error(t, err)
}

func TestListenQueryReactsToCollectionChanges(t *testing.T) {
	s := New()
	col := seed(t, s)
	q := col.Query().Where("pages", store.OpGt, 400).OrderBy("title")

	var mu sync.Mutex
	var sets [][]string
	unsub, err := s.ListenQuery(q, func(snap store.QuerySnapshot) {
		names := make([]string, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			names = append(names, decode(t, doc).Title)
		}
		mu.Lock()
		sets = append(sets, names)
		mu.Unlock()
	}, func(err error) { t.Errorf("unexpected query error: %v", err) })
	require.NoError(t, err)
	defer unsub()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sets) == 1
	}, waitFor, tick)
	mu.Lock()
	assert.Equal(t, []string{"Dune", "Emma"}, sets[0])
	mu.Unlock()

	// A matching write to the collection re-evaluates the query.
	require.NoError(t, s.Set(context.Background(), col.Doc("b9"), book{Title: "Anathem", Pages: 937}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := sets[len(sets)-1]
		return len(last) == 3 && last[0] == "Anathem"
	}, waitFor, tick)

	// A write to another collection does not.
	mu.Lock()
	n := len(sets)
	mu.Unlock()
	require.NoError(t, s.Set(context.Background(), store.MustCollection("magazines").Doc("m1"), book{Title: "Wired"}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, sets, n)
	mu.Unlock()
}
