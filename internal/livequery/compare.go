package livequery

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// AsTime converts a timestamp-typed field value.
func AsTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false
		}
		return *t, true
	case interface{ AsTime() time.Time }:
		return t.AsTime(), true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

// AsFloat converts a numeric field value.
func AsFloat(v any) (float64, bool) {
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
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Compare orders two present field values: numbers numerically, timestamps
// chronologically, anything else by its string form.
func Compare(a, b any) int {
	if fa, ok := AsFloat(a); ok {
		if fb, ok := AsFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := AsTime(a); ok {
		if tb, ok := AsTime(b); ok {
			return ta.Compare(tb)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// Matches reports whether r satisfies every equality filter.
func Matches(r Record, filters []Filter) bool {
	for _, f := range filters {
		v, ok := r.Get(f.Field)
		if !ok || Compare(v, f.Value) != 0 {
			return false
		}
	}
	return true
}

// Less orders a before b under the given clauses. A missing value sorts after
// a present one whatever the direction.
func Less(a, b Record, orders []Order) bool {
	for _, o := range orders {
		va, okA := a.Get(o.Field)
		vb, okB := b.Get(o.Field)
		switch {
		case !okA && !okB:
			continue
		case !okA:
			return false
		case !okB:
			return true
		}
		c := Compare(va, vb)
		if c == 0 {
			continue
		}
		if o.Direction == Descending {
			return c > 0
		}
		return c < 0
	}
	return false
}

// Sort stable-sorts records in place.
func Sort(records []Record, orders []Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		return Less(records[i], records[j], orders)
	})
}

// Apply filters and orders records the way a store serves q.
func Apply(q Query, records []Record) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if Matches(r, q.Filters) {
			out = append(out, r)
		}
	}
	Sort(out, q.OrderBy)
	return out
}
