package docbind

import "errors"

var (
	// ErrNoParentCollection is reported when AttachID is called on a
	// document observer that has no parent collection to derive the
	// sibling document from.
	ErrNoParentCollection = errors.New("docbind: no parent collection to derive a document from")

	// ErrNoCollectionBound is returned by Collection.Add when the observer
	// is not bound to any collection.
	ErrNoCollectionBound = errors.New("docbind: no collection bound")

	// ErrNoDocumentBound is returned by the document mutation passthroughs
	// when the observer is not bound to any document.
	ErrNoDocumentBound = errors.New("docbind: no document bound")

	// ErrNoData is the panic value of MustData when the bound document does
	// not exist or no snapshot has arrived yet.
	ErrNoData = errors.New("docbind: document has no data")
)
