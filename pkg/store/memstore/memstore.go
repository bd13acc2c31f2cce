// Package memstore is an in-memory implementation of store.Store with live
// subscriptions. It backs the observer tests and serves as an embedded
// store for applications that do not need a remote backend.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/docbind/docbind.go/pkg/logger"
	"github.com/docbind/docbind.go/pkg/store"
)

// Store is an in-memory document store. Documents are held CBOR-encoded,
// exactly as snapshots deliver them. The zero value is not usable; call New.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string]cbor.RawMessage
	docSubs     map[string]map[uint64]docSub
	querySubs   map[uint64]querySub
	nextSubID   uint64
	log         logger.Logger
}

type docSub struct {
	ref        store.DocumentRef
	onSnapshot func(store.DocumentSnapshot)
	onError    func(error)
}

type querySub struct {
	query      store.Query
	onSnapshot func(store.QuerySnapshot)
	onError    func(error)
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for subscription lifecycle events.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New returns an empty in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		collections: make(map[string]map[string]cbor.RawMessage),
		docSubs:     make(map[string]map[uint64]docSub),
		querySubs:   make(map[uint64]querySub),
		log:         logger.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ store.Store = (*Store)(nil)

// Get resolves the current snapshot of the document. A missing document is
// a snapshot with Exists false, not an error.
func (s *Store) Get(_ context.Context, ref store.DocumentRef) (store.DocumentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(ref), nil
}

// Listen subscribes to the document. The current snapshot is delivered
// asynchronously right after registration, then one snapshot per change.
func (s *Store) Listen(ref store.DocumentRef, onSnapshot func(store.DocumentSnapshot), onError func(error)) (store.Unsubscribe, error) {
	if ref.IsZero() {
		return nil, fmt.Errorf("memstore: cannot listen to a zero document ref")
	}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	path := ref.Path()
	if s.docSubs[path] == nil {
		s.docSubs[path] = make(map[uint64]docSub)
	}
	s.docSubs[path][id] = docSub{ref: ref, onSnapshot: onSnapshot, onError: onError}
	s.mu.Unlock()

	s.log.Debug("memstore: document listener attached", "path", path, "sub", id)

	// Initial snapshot, delivered off the caller's goroutine so that
	// Listen can be called while the observer holds its own lock.
	go func() {
		s.mu.RLock()
		snap := s.snapshotLocked(ref)
		_, alive := s.docSubs[path][id]
		s.mu.RUnlock()
		if alive {
			onSnapshot(snap)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.docSubs[path], id)
			if len(s.docSubs[path]) == 0 {
				delete(s.docSubs, path)
			}
			s.mu.Unlock()
			s.log.Debug("memstore: document listener removed", "path", path, "sub", id)
		})
	}, nil
}

// GetQuery resolves the current result set of the query.
func (s *Store) GetQuery(_ context.Context, q store.Query) (store.QuerySnapshot, error) {
	if q.IsZero() {
		return store.QuerySnapshot{}, fmt.Errorf("memstore: cannot run a zero query")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluateLocked(q)
}

// ListenQuery subscribes to the query result set. The current result set is
// delivered asynchronously right after registration, then once per change
// in the underlying collection.
func (s *Store) ListenQuery(q store.Query, onSnapshot func(store.QuerySnapshot), onError func(error)) (store.Unsubscribe, error) {
	if q.IsZero() {
		return nil, fmt.Errorf("memstore: cannot listen to a zero query")
	}

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.querySubs[id] = querySub{query: q, onSnapshot: onSnapshot, onError: onError}
	s.mu.Unlock()

	s.log.Debug("memstore: query listener attached", "query", q.String(), "sub", id)

	go func() {
		s.mu.RLock()
		snap, err := s.evaluateLocked(q)
		_, alive := s.querySubs[id]
		s.mu.RUnlock()
		if !alive {
			return
		}
		if err != nil {
			onError(err)
			return
		}
		onSnapshot(snap)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.querySubs, id)
			s.mu.Unlock()
			s.log.Debug("memstore: query listener removed", "sub", id)
		})
	}, nil
}

// Add creates a new document with a generated id.
func (s *Store) Add(_ context.Context, col store.CollectionRef, data any) (store.DocumentRef, error) {
	if col.IsZero() {
		return store.DocumentRef{}, fmt.Errorf("memstore: cannot add to a zero collection ref")
	}
	raw, err := cbor.Marshal(data)
	if err != nil {
		return store.DocumentRef{}, fmt.Errorf("memstore: encoding document: %w", err)
	}
	ref := col.Doc(uuid.Must(uuid.NewV4()).String())

	s.mu.Lock()
	s.putLocked(ref, raw)
	s.mu.Unlock()

	s.notify(ref)
	return ref, nil
}

// Set creates or fully replaces the document.
func (s *Store) Set(_ context.Context, ref store.DocumentRef, data any) error {
	if ref.IsZero() {
		return fmt.Errorf("memstore: cannot set a zero document ref")
	}
	raw, err := cbor.Marshal(data)
	if err != nil {
		return fmt.Errorf("memstore: encoding document: %w", err)
	}

	s.mu.Lock()
	s.putLocked(ref, raw)
	s.mu.Unlock()

	s.notify(ref)
	return nil
}

// Update merges the given fields into an existing document.
func (s *Store) Update(_ context.Context, ref store.DocumentRef, data any) error {
	if ref.IsZero() {
		return fmt.Errorf("memstore: cannot update a zero document ref")
	}
	patchRaw, err := cbor.Marshal(data)
	if err != nil {
		return fmt.Errorf("memstore: encoding patch: %w", err)
	}
	var patch map[string]any
	if err := cbor.Unmarshal(patchRaw, &patch); err != nil {
		return fmt.Errorf("memstore: patch must encode to a map: %w", err)
	}

	s.mu.Lock()
	current, ok := s.collections[ref.Parent().Path()][ref.ID()]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("memstore: updating %s: %w", ref.Path(), store.ErrMissingDocument)
	}
	var doc map[string]any
	if err := cbor.Unmarshal(current, &doc); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("memstore: decoding %s: %w", ref.Path(), err)
	}
	for k, v := range patch {
		doc[k] = v
	}
	merged, err := cbor.Marshal(doc)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("memstore: encoding %s: %w", ref.Path(), err)
	}
	s.putLocked(ref, merged)
	s.mu.Unlock()

	s.notify(ref)
	return nil
}

// Delete removes the document. Deleting a missing document is a no-op.
func (s *Store) Delete(_ context.Context, ref store.DocumentRef) error {
	if ref.IsZero() {
		return fmt.Errorf("memstore: cannot delete a zero document ref")
	}

	s.mu.Lock()
	docs, ok := s.collections[ref.Parent().Path()]
	if ok {
		delete(docs, ref.ID())
		if len(docs) == 0 {
			delete(s.collections, ref.Parent().Path())
		}
	}
	s.mu.Unlock()

	s.notify(ref)
	return nil
}

func (s *Store) putLocked(ref store.DocumentRef, raw cbor.RawMessage) {
	colPath := ref.Parent().Path()
	if s.collections[colPath] == nil {
		s.collections[colPath] = make(map[string]cbor.RawMessage)
	}
	s.collections[colPath][ref.ID()] = raw
}

func (s *Store) snapshotLocked(ref store.DocumentRef) store.DocumentSnapshot {
	raw, ok := s.collections[ref.Parent().Path()][ref.ID()]
	return store.DocumentSnapshot{Ref: ref, Exists: ok, Data: raw}
}

// notify delivers fresh snapshots to every subscription affected by a
// change to ref. Callbacks are invoked outside the store lock; snapshots
// reflect the state at delivery time, which keeps delivery at-least-once
// but never stale relative to the final state.
func (s *Store) notify(ref store.DocumentRef) {
	type docDelivery struct {
		fn   func(store.DocumentSnapshot)
		snap store.DocumentSnapshot
	}
	type queryDelivery struct {
		fn    func(store.QuerySnapshot)
		errFn func(error)
		snap  store.QuerySnapshot
		err   error
	}

	s.mu.RLock()
	var docDeliveries []docDelivery
	if subs := s.docSubs[ref.Path()]; len(subs) > 0 {
		snap := s.snapshotLocked(ref)
		for _, sub := range subs {
			docDeliveries = append(docDeliveries, docDelivery{fn: sub.onSnapshot, snap: snap})
		}
	}
	var queryDeliveries []queryDelivery
	for _, sub := range s.querySubs {
		if sub.query.From().Path() != ref.Parent().Path() {
			continue
		}
		snap, err := s.evaluateLocked(sub.query)
		queryDeliveries = append(queryDeliveries, queryDelivery{fn: sub.onSnapshot, errFn: sub.onError, snap: snap, err: err})
	}
	s.mu.RUnlock()

	for _, d := range docDeliveries {
		d.fn(d.snap)
	}
	for _, d := range queryDeliveries {
		if d.err != nil {
			d.errFn(d.err)
			continue
		}
		d.fn(d.snap)
	}
}
