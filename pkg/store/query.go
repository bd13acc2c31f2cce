package store

import (
	"fmt"
	"strings"
)

// Op is a comparison operator usable in a query condition.
type Op string

const (
	OpEq    Op = "=="
	OpNotEq Op = "!="
	OpLt    Op = "<"
	OpLtEq  Op = "<="
	OpGt    Op = ">"
	OpGtEq  Op = ">="
)

// Condition is a single field comparison of a query.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Ordering is a single ORDER BY clause of a query.
type Ordering struct {
	Field string
	Desc  bool
}

// Query describes a filtered, ordered selection over one collection.
//
// A Query is a value: the builder methods return refined copies and never
// mutate the receiver, so queries can be compared, stored and shared freely.
// Two queries are interchangeable subscriptions iff Equal reports true.
// The zero value is "no query".
type Query struct {
	from   CollectionRef
	conds  []Condition
	orders []Ordering
	limit  int
}

// Where returns a copy of the query with an additional field condition.
func (q Query) Where(field string, op Op, value any) Query {
	q.conds = append(q.conds[:len(q.conds):len(q.conds)], Condition{Field: field, Op: op, Value: value})
	return q
}

// OrderBy returns a copy of the query ordered ascending by the given field.
// Multiple orderings apply in the order they were added.
func (q Query) OrderBy(field string) Query {
	q.orders = append(q.orders[:len(q.orders):len(q.orders)], Ordering{Field: field})
	return q
}

// OrderByDesc returns a copy of the query ordered descending by the given field.
func (q Query) OrderByDesc(field string) Query {
	q.orders = append(q.orders[:len(q.orders):len(q.orders)], Ordering{Field: field, Desc: true})
	return q
}

// Limit returns a copy of the query capped to at most n results.
func (q Query) Limit(n int) Query {
	q.limit = n
	return q
}

// From returns the collection the query selects from.
func (q Query) From() CollectionRef { return q.from }

// Conditions returns the field conditions of the query, in application order.
func (q Query) Conditions() []Condition { return q.conds }

// Orders returns the orderings of the query, in application order.
func (q Query) Orders() []Ordering { return q.orders }

// LimitN returns the result cap of the query, 0 meaning unlimited.
func (q Query) LimitN() int { return q.limit }

// IsZero reports whether the query selects from no collection at all.
func (q Query) IsZero() bool { return q.from.IsZero() }

// String renders the canonical form of the query. Structurally equal queries
// render identically, which is what Equal compares.
func (q Query) String() string {
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(q.from.Path())
	for i, c := range q.conds {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "%s %s %v", c.Field, c.Op, c.Value)
	}
	for i, o := range q.orders {
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(o.Field)
		if o.Desc {
			b.WriteString(" DESC")
		}
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	return b.String()
}

// Equal is the store's query-equality predicate: it reports whether two
// queries describe the same subscription target. Same collection with
// different conditions or ordering compares unequal.
func (q Query) Equal(other Query) bool {
	return q.String() == other.String()
}
