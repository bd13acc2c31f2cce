package store

import (
	"fmt"
	"strings"
)

// CollectionRef identifies a collection of documents in a store.
// The zero value is "no collection".
type CollectionRef struct {
	path string
}

// NewCollection returns a reference to the collection at the given
// slash-separated path. Collection paths have an odd number of segments
// ("books", "users/u1/posts").
func NewCollection(path string) (CollectionRef, error) {
	segments, err := splitPath(path)
	if err != nil {
		return CollectionRef{}, err
	}
	if len(segments)%2 == 0 {
		return CollectionRef{}, fmt.Errorf("store: %q is a document path, not a collection path", path)
	}
	return CollectionRef{path: path}, nil
}

// MustCollection is like NewCollection but panics on an invalid path.
func MustCollection(path string) CollectionRef {
	c, err := NewCollection(path)
	if err != nil {
		panic(err)
	}
	return c
}

// Path returns the full slash-separated path of the collection.
func (c CollectionRef) Path() string { return c.path }

// IsZero reports whether the reference does not point at any collection.
func (c CollectionRef) IsZero() bool { return c.path == "" }

// Doc returns a reference to the document with the given id in this collection.
func (c CollectionRef) Doc(id string) DocumentRef {
	if c.IsZero() {
		panic("BUG: Doc called on a zero CollectionRef")
	}
	if id == "" || strings.Contains(id, "/") {
		panic(fmt.Errorf("store: invalid document id %q", id))
	}
	return DocumentRef{parent: c, id: id}
}

// Query returns the base query selecting every document of this collection,
// to be refined with Where, OrderBy and Limit.
func (c CollectionRef) Query() Query {
	return Query{from: c}
}

func (c CollectionRef) String() string { return c.path }

// DocumentRef identifies a single document in a store.
// The zero value is "no document".
type DocumentRef struct {
	parent CollectionRef
	id     string
}

// ParseDocumentPath parses a full slash-separated document path such as
// "books/b1" into a DocumentRef.
func ParseDocumentPath(path string) (DocumentRef, error) {
	segments, err := splitPath(path)
	if err != nil {
		return DocumentRef{}, err
	}
	if len(segments)%2 != 0 {
		return DocumentRef{}, fmt.Errorf("store: %q is a collection path, not a document path", path)
	}
	parent := strings.Join(segments[:len(segments)-1], "/")
	return DocumentRef{
		parent: CollectionRef{path: parent},
		id:     segments[len(segments)-1],
	}, nil
}

// ID returns the final path segment naming the document within its parent
// collection, or the empty string for the zero reference.
func (d DocumentRef) ID() string { return d.id }

// Parent returns the collection the document belongs to.
func (d DocumentRef) Parent() CollectionRef { return d.parent }

// Path returns the full slash-separated path of the document.
func (d DocumentRef) Path() string {
	if d.IsZero() {
		return ""
	}
	return d.parent.path + "/" + d.id
}

// IsZero reports whether the reference does not point at any document.
func (d DocumentRef) IsZero() bool { return d.id == "" }

func (d DocumentRef) String() string { return d.Path() }

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("store: empty path")
	}
	segments := strings.Split(path, "/")
	for _, s := range segments {
		if s == "" {
			return nil, fmt.Errorf("store: invalid path %q", path)
		}
	}
	return segments, nil
}
