package docstore

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"
)

type Op string

const (
	OpEqual          Op = "=="
	OpNotEqual       Op = "!="
	OpLess           Op = "<"
	OpLessOrEqual    Op = "<="
	OpGreater        Op = ">"
	OpGreaterOrEqual Op = ">="
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where is shorthand for an equality filter.
func Where(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

type Direction int

const (
	Asc Direction = iota
	Desc
)

type OrderBy struct {
	Field     string
	Direction Direction
}

// Query selects documents from a single collection. StartAfter is a document
// id; results resume after that document in the requested order.
type Query struct {
	Filters    []Filter
	OrderBy    []OrderBy
	Limit      int
	StartAfter string
}

// ApplyQuery filters, orders and pages docs in memory. Stores that cannot push
// a query down to their backend run it through here so every implementation
// shares one set of comparison rules.
func ApplyQuery(docs []Snapshot, q Query) []Snapshot {
	filters := make([]Filter, len(q.Filters))
	for i, f := range q.Filters {
		filters[i] = Filter{Field: f.Field, Op: f.Op, Value: normalizeValue(f.Value)}
	}

	out := make([]Snapshot, 0, len(docs))
	for _, doc := range docs {
		if matchesAll(doc, filters) {
			out = append(out, doc)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		for _, o := range q.OrderBy {
			c := compareValues(out[i].Fields[o.Field], out[j].Fields[o.Field])
			if c == 0 {
				continue
			}
			if o.Direction == Desc {
				return c > 0
			}
			return c < 0
		}
		return out[i].ID < out[j].ID
	})

	if q.StartAfter != "" {
		for i, doc := range out {
			if doc.ID == q.StartAfter {
				out = out[i+1:]
				break
			}
		}
	}

	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func matchesAll(doc Snapshot, filters []Filter) bool {
	for _, f := range filters {
		if !matches(doc.Fields[f.Field], f) {
			return false
		}
	}
	return true
}

func matches(value any, f Filter) bool {
	switch f.Op {
	case OpEqual:
		return equalValues(value, f.Value)
	case OpNotEqual:
		return !equalValues(value, f.Value)
	}
	if value == nil || f.Value == nil {
		return false
	}
	c := compareValues(value, f.Value)
	switch f.Op {
	case OpLess:
		return c < 0
	case OpLessOrEqual:
		return c <= 0
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	}
	return false
}

func equalValues(a, b any) bool {
	switch a.(type) {
	case float64, string:
		return compareValues(a, b) == 0 && reflect.TypeOf(a) == reflect.TypeOf(b)
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders nil first, then numbers, then strings. Strings that
// both parse as RFC 3339 timestamps compare chronologically.
func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	case string:
		bv := b.(string)
		if ta, err := time.Parse(time.RFC3339Nano, av); err == nil {
			if tb, err := time.Parse(time.RFC3339Nano, bv); err == nil {
				return ta.Compare(tb)
			}
		}
		return strings.Compare(av, bv)
	}
	return 0
}

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}

func normalizeValue(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
