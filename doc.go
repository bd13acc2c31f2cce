// Package docbind mirrors remote documents and query result sets from a
// document store into observable local state.
//
// Two symmetric observers share one lifecycle: Document binds a single
// document by reference, Collection binds the result set of a query over
// a collection. Each maintains a live listener exactly while at least one
// consumer watches it and a source is bound, tears the listener down
// before every resubscribe, and exposes a Ready call that resolves once
// the first snapshot of the current source has been applied.
//
// Backends implement the store.Store interface; pkg/store/memstore is an
// in-memory implementation and pkg/store/wsstore a websocket client.
package docbind
