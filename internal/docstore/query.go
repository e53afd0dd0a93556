package docstore

import (
	"fmt"
	"sort"
)

// Filter is an equality constraint on a document field.
type Filter struct {
	Field string
	Value any
}

// Query selects documents from a single collection. Filters are ANDed;
// OrderBy, when set, sorts ascending by one field (missing values first).
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
}

func Where(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

func (q Query) validate() error {
	if q.Collection == "" {
		return fmt.Errorf("query collection must not be empty")
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("query filter field must not be empty")
		}
	}
	return nil
}

func (q Query) matches(doc Document) bool {
	for _, f := range q.Filters {
		v, ok := doc.Fields[f.Field]
		if !ok || !valuesEqual(v, f.Value) {
			return false
		}
	}
	return true
}

func (q Query) sortDocs(docs []Document) {
	if q.OrderBy == "" {
		return
	}
	field := q.OrderBy
	sort.SliceStable(docs, func(i, j int) bool {
		return lessValue(docs[i].Fields[field], docs[j].Fields[field])
	})
}

// valuesEqual compares a decoded JSON value against a caller-supplied one,
// normalizing numeric types so that int64 filters match float64 fields.
func valuesEqual(stored, want any) bool {
	if sn, ok := toFloat(stored); ok {
		wn, ok := toFloat(want)
		return ok && sn == wn
	}
	switch s := stored.(type) {
	case string:
		w, ok := want.(string)
		return ok && s == w
	case bool:
		w, ok := want.(bool)
		return ok && s == w
	case nil:
		return want == nil
	default:
		return false
	}
}

func lessValue(a, b any) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		return ok && an < bn
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
