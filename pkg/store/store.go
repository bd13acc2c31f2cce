// Package store defines the document-store contract consumed by the
// observers in the root package: locators, queries, snapshots and the
// Store interface every backing implementation satisfies.
package store

import (
	"context"
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// ErrMissingDocument is returned by Update when the target document does
// not exist. Get does not return it: a missing document is a snapshot with
// Exists false, not an error.
var ErrMissingDocument = errors.New("store: document does not exist")

// Unsubscribe tears down a live subscription. It may be called at most once.
type Unsubscribe func()

// DocumentSnapshot is a point-in-time view of a single document, delivered
// by a one-shot Get or a live Listen callback.
type DocumentSnapshot struct {
	Ref    DocumentRef
	Exists bool
	// Data is the CBOR-encoded document payload. Empty when Exists is false.
	Data cbor.RawMessage
}

// Decode unmarshals the snapshot payload into dest. It fails when the
// snapshot reports a missing document.
func (s DocumentSnapshot) Decode(dest any) error {
	if !s.Exists {
		return ErrMissingDocument
	}
	return cbor.Unmarshal(s.Data, dest)
}

// QuerySnapshot is a point-in-time view of all documents matching a query,
// in query order.
type QuerySnapshot struct {
	Query Query
	Docs  []DocumentSnapshot
}

// Store is the remote document-store client surface.
//
// Listen and ListenQuery deliver the current state as an initial snapshot
// shortly after registration, followed by a snapshot per observed change.
// Delivery is at-least-once; callbacks run on store-owned goroutines and
// must not block for long. After Unsubscribe returns, changes are no
// longer observed by that subscription; a delivery already in flight may
// still complete.
type Store interface {
	// Get resolves a single point-in-time snapshot of the document.
	// A missing document is reported via Exists, not as an error.
	Get(ctx context.Context, ref DocumentRef) (DocumentSnapshot, error)

	// Listen subscribes to live snapshots of the document.
	Listen(ref DocumentRef, onSnapshot func(DocumentSnapshot), onError func(error)) (Unsubscribe, error)

	// GetQuery resolves a single point-in-time result set for the query.
	GetQuery(ctx context.Context, q Query) (QuerySnapshot, error)

	// ListenQuery subscribes to live result sets of the query.
	ListenQuery(q Query, onSnapshot func(QuerySnapshot), onError func(error)) (Unsubscribe, error)

	// Add creates a new document with a generated id in the collection.
	Add(ctx context.Context, col CollectionRef, data any) (DocumentRef, error)

	// Set creates or fully replaces the document.
	Set(ctx context.Context, ref DocumentRef, data any) error

	// Update merges the given fields into an existing document.
	// Returns ErrMissingDocument when the document does not exist.
	Update(ctx context.Context, ref DocumentRef, data any) error

	// Delete removes the document. Deleting a missing document is a no-op.
	Delete(ctx context.Context, ref DocumentRef) error
}
