// Package docstore defines the document-store contract shared by the call
// signaling and session registry layers, plus an in-memory implementation.
package docstore

import (
	"context"
	"encoding/json"
	"fmt"

	medilink_errors "medilink-signal/pkg/errors"
)

// ErrNotFound is returned by Get and Update when the document is absent.
var ErrNotFound = fmt.Errorf("document %w", medilink_errors.ErrNotFound)

// Fields is a JSON-shaped document body. Stores normalise values through
// JSON, so numbers read back as float64 and times as RFC 3339 strings.
type Fields map[string]any

// Snapshot is the state of one document at a point in time.
type Snapshot struct {
	ID     string
	Exists bool
	Fields Fields
}

// Decode unmarshals the snapshot fields into v.
func (s Snapshot) Decode(v any) error {
	raw, err := json.Marshal(s.Fields)
	if err != nil {
		return fmt.Errorf("decode %s: %w", s.ID, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", s.ID, err)
	}
	return nil
}

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one event on a watched collection.
type Change struct {
	Kind ChangeKind
	Doc  Snapshot
}

// Listener receives document snapshots. The current state is always delivered
// first, followed by one snapshot per applied write, in write order.
type Listener func(Snapshot)

// ChangeListener receives collection changes. Existing documents are
// delivered as ChangeAdded before any live change.
type ChangeListener func(Change)

// Mutator computes the fields to merge into an existing document from its
// current state. Returning no fields skips the write; an error aborts it and
// is returned to the caller unchanged.
type Mutator func(current Snapshot) (Fields, error)

// Unsubscribe stops a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Store is the generic document store consumed by the rest of the module.
type Store interface {
	Get(ctx context.Context, collection, id string) (Snapshot, error)
	// Set writes the document, replacing it unless merge is true.
	Set(ctx context.Context, collection, id string, fields Fields, merge bool) error
	// Update merges fields into an existing document and fails with
	// ErrNotFound if it is absent.
	Update(ctx context.Context, collection, id string, fields Fields) error
	// UpdateFunc is Update with the fields derived from the current document.
	// No other write to the document can land between the read and the write.
	UpdateFunc(ctx context.Context, collection, id string, fn Mutator) error
	Add(ctx context.Context, collection string, fields Fields) (string, error)
	Delete(ctx context.Context, collection, id string) error
	Query(ctx context.Context, collection string, q Query) ([]Snapshot, error)
	Subscribe(ctx context.Context, collection, id string, fn Listener) (Unsubscribe, error)
	Watch(ctx context.Context, collection string, fn ChangeListener) (Unsubscribe, error)
	Close() error
}

// Encode converts a struct (or map) into Fields using its JSON tags.
func Encode(v any) (Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	fields := Fields{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encode fields: %w", err)
	}
	return fields, nil
}

// Normalize returns a JSON round-tripped copy of fields.
func Normalize(fields Fields) (Fields, error) {
	if fields == nil {
		return Fields{}, nil
	}
	return Encode(fields)
}

// Merge overlays patch on top of base and returns a new map.
func Merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Copy returns a deep copy of fields.
func Copy(fields Fields) Fields {
	out, err := Normalize(fields)
	if err != nil {
		return Fields{}
	}
	return out
}
