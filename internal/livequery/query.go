// Package livequery defines the push-based query contract shared by the
// participant stores and the leaderboard view.
package livequery

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidQuery is reported when a query cannot be served by a store.
var ErrInvalidQuery = errors.New("invalid live query")

// Direction orders a field ascending or descending.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

func (d Direction) String() string {
	if d == Descending {
		return "desc"
	}
	return "asc"
}

// Filter is an equality clause.
type Filter struct {
	Field string
	Value any
}

// Order is one ordering clause. Records missing the field sort last.
type Order struct {
	Field     string
	Direction Direction
}

// Query selects records of one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
}

// Collection starts a query over the named collection.
func Collection(name string) Query {
	return Query{Collection: name}
}

// Where returns a copy of q with an added equality filter.
func (q Query) Where(field string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Value: value})
	return q
}

// Order returns a copy of q with an added ordering clause.
func (q Query) Order(field string, dir Direction) Query {
	q.OrderBy = append(append([]Order(nil), q.OrderBy...), Order{Field: field, Direction: dir})
	return q
}

// Equal returns the value q filters field on.
func (q Query) Equal(field string) (any, bool) {
	for _, f := range q.Filters {
		if f.Field == field {
			return f.Value, true
		}
	}
	return nil, false
}

// Validate checks that the query is well formed.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("%w: collection is required", ErrInvalidQuery)
	}
	for _, f := range q.Filters {
		if f.Field == "" {
			return fmt.Errorf("%w: filter without field", ErrInvalidQuery)
		}
	}
	for _, o := range q.OrderBy {
		if o.Field == "" {
			return fmt.Errorf("%w: order clause without field", ErrInvalidQuery)
		}
	}
	return nil
}

// Record is one opaque document of a snapshot.
type Record interface {
	ID() string
	// Get returns the value of field and whether it is present.
	Get(field string) (any, bool)
}

// Document is a map-backed Record.
type Document struct {
	Key    string
	Fields map[string]any
}

func (d Document) ID() string { return d.Key }

func (d Document) Get(field string) (any, bool) {
	v, ok := d.Fields[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// Snapshot is the ordered result of a query at one point in time.
type Snapshot struct {
	Records []Record
	ReadAt  time.Time
}

// Detach cancels a subscription. Once it returns no callback of that
// subscription runs again. It must not be called from inside a callback.
type Detach func()

// Subscriber is a live query facility. Callbacks for one subscription are
// serialized on a goroutine owned by the facility; ctx bounds the
// subscription's lifetime in addition to Detach.
type Subscriber interface {
	Subscribe(ctx context.Context, q Query, onData func(Snapshot), onError func(error)) Detach
}
