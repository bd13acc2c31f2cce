package memstore

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/docbind/docbind.go/pkg/store"
)

type evalDoc struct {
	id     string
	raw    cbor.RawMessage
	fields map[string]any
}

// evaluateLocked runs the query against the current collection contents.
// Results without an explicit ordering come back sorted by id; id is also
// the tie-breaker within equal ordering keys, so result order is stable.
// Caller holds s.mu.
func (s *Store) evaluateLocked(q store.Query) (store.QuerySnapshot, error) {
	col := q.From()
	candidates := make([]evalDoc, 0, len(s.collections[col.Path()]))
	for id, raw := range s.collections[col.Path()] {
		var fields map[string]any
		if err := cbor.Unmarshal(raw, &fields); err != nil {
			return store.QuerySnapshot{}, fmt.Errorf("memstore: decoding %s/%s: %w", col.Path(), id, err)
		}
		candidates = append(candidates, evalDoc{id: id, raw: raw, fields: fields})
	}

	matched := candidates[:0]
	for _, doc := range candidates {
		ok := true
		for _, cond := range q.Conditions() {
			if !matches(doc.fields[cond.Field], cond) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, doc)
		}
	}

	orders := q.Orders()
	sort.SliceStable(matched, func(i, j int) bool {
		for _, o := range orders {
			c := compareValues(matched[i].fields[o.Field], matched[j].fields[o.Field])
			if c == 0 {
				continue
			}
			if o.Desc {
				return c > 0
			}
			return c < 0
		}
		return matched[i].id < matched[j].id
	})

	if n := q.LimitN(); n > 0 && len(matched) > n {
		matched = matched[:n]
	}

	snap := store.QuerySnapshot{Query: q, Docs: make([]store.DocumentSnapshot, 0, len(matched))}
	for _, doc := range matched {
		snap.Docs = append(snap.Docs, store.DocumentSnapshot{
			Ref:    col.Doc(doc.id),
			Exists: true,
			Data:   doc.raw,
		})
	}
	return snap, nil
}

func matches(value any, cond store.Condition) bool {
	switch cond.Op {
	case store.OpEq:
		return equalValues(value, cond.Value)
	case store.OpNotEq:
		return !equalValues(value, cond.Value)
	}
	c := compareValues(value, cond.Value)
	switch cond.Op {
	case store.OpLt:
		return c < 0
	case store.OpLtEq:
		return c <= 0
	case store.OpGt:
		return c > 0
	case store.OpGtEq:
		return c >= 0
	}
	return false
}

func equalValues(a, b any) bool {
	an, aIsNum := toFloat(a)
	bn, bIsNum := toFloat(b)
	if aIsNum && bIsNum {
		return an == bn
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two field values. Mismatched kinds order by a fixed
// type ranking (nil < bool < number < string) so that sorting is total.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case rankBool:
		ab, bb := a.(bool), b.(bool)
		switch {
		case ab == bb:
			return 0
		case bb:
			return -1
		default:
			return 1
		}
	case rankNumber:
		an, _ := toFloat(a)
		bn, _ := toFloat(b)
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	case rankString:
		as, bs := a.(string), b.(string)
		switch {
		case as < bs:
			return -1
		case as > bs:
			return 1
		default:
			return 0
		}
	}
	return 0
}

const (
	rankNil = iota
	rankBool
	rankNumber
	rankString
	rankOther
)

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNil
	case bool:
		return rankBool
	case string:
		return rankString
	}
	if _, ok := toFloat(v); ok {
		return rankNumber
	}
	return rankOther
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
