// Package store is the shared document store used as the message-passing
// medium between two call participants. Both implementations offer
// per-field last-write semantics, conditional writes, change notification
// with replay of the latest value, and append-only lists.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("document not found")
	ErrAlreadyExists   = errors.New("document already exists")
	ErrConditionFailed = errors.New("write condition failed")
	ErrClosed          = errors.New("store closed")
)

// Fields is a flat document. Absent and empty fields are equivalent.
type Fields map[string]string

func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

type DocRef struct {
	Collection string
	ID         string
}

func Doc(collection, id string) DocRef {
	return DocRef{Collection: collection, ID: id}
}

func (r DocRef) String() string { return r.Collection + "/" + r.ID }

type condOp string

const (
	opExists    condOp = "exists"
	opEquals    condOp = "eq"
	opNotEquals condOp = "ne"
)

// Condition guards an Update. All conditions must hold for the write to apply.
type Condition struct {
	op    condOp
	field string
	value string
}

// Exists requires the document to be present.
func Exists() Condition { return Condition{op: opExists} }

// FieldEquals requires field == value; value "" matches an absent field.
func FieldEquals(field, value string) Condition {
	return Condition{op: opEquals, field: field, value: value}
}

func FieldAbsent(field string) Condition { return FieldEquals(field, "") }

func FieldNotEquals(field, value string) Condition {
	return Condition{op: opNotEquals, field: field, value: value}
}

func (c Condition) holds(exists bool, doc Fields) bool {
	switch c.op {
	case opExists:
		return exists
	case opEquals:
		return doc[c.field] == c.value
	case opNotEquals:
		return doc[c.field] != c.value
	}
	return false
}

// Entry is one element of an append-only list. ID is stable per list.
type Entry struct {
	ID   string
	Data []byte
}

// Unsubscribe stops a subscription. When it returns no further callback of
// that subscription runs. It must not be called from inside that
// subscription's own callback.
type Unsubscribe func()

type Store interface {
	Create(ctx context.Context, ref DocRef, fields Fields) error
	Get(ctx context.Context, ref DocRef) (Fields, error)
	// Update merges fields into the document, creating it when absent, and
	// returns the resulting document. ErrConditionFailed if a condition fails.
	Update(ctx context.Context, ref DocRef, fields Fields, conds ...Condition) (Fields, error)
	// Watch delivers the current document (if it exists) and every later change.
	Watch(ctx context.Context, ref DocRef, onChange func(Fields), onError func(error)) (Unsubscribe, error)
	Append(ctx context.Context, ref DocRef, list string, data []byte) (string, error)
	// WatchList delivers every existing and future entry of a list once.
	WatchList(ctx context.Context, ref DocRef, list string, onEntry func(Entry), onError func(error)) (Unsubscribe, error)
	// Now is the store's authoritative clock.
	Now(ctx context.Context) (time.Time, error)
	Close() error
}
