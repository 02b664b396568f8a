// Package store defines the Record Store contract used for relationship
// documents: keyed JSON documents grouped in collections, plus an optimistic
// read-then-write transaction whose reads must all happen before any write.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned by a commit when a document read by the
	// transaction changed before the commit could be applied.
	ErrConflict = errors.New("store: concurrent modification")
	// ErrReadAfterWrite is returned by Tx.Get once the transaction has written.
	ErrReadAfterWrite = errors.New("store: read after write in transaction")
	// ErrTooManyAttempts wraps the final ErrConflict once retries are exhausted.
	ErrTooManyAttempts = errors.New("store: transaction attempts exhausted")
)

// DefaultMaxAttempts is used when a backend is configured with fewer than two
// attempts; every transaction gets at least one retry.
const DefaultMaxAttempts = 3

// MaxBatchWrites bounds the number of writes accepted by one Batch call.
const MaxBatchWrites = 500

// Ref addresses one document.
type Ref struct {
	Collection string
	Key        string
}

func (r Ref) String() string { return r.Collection + "/" + r.Key }

// Snapshot is a document as read at one point in time. A missing document is
// returned as a Snapshot with Exists=false and an empty Revision.
type Snapshot struct {
	Ref      Ref
	Data     []byte
	Revision string
	Exists   bool
}

// Decode unmarshals the document body into v.
func (s *Snapshot) Decode(v any) error {
	if !s.Exists {
		return fmt.Errorf("store: decode %s: document does not exist", s.Ref)
	}
	return json.Unmarshal(s.Data, v)
}

// Write is a pending set (Delete=false) or delete of one document.
type Write struct {
	Ref    Ref
	Data   []byte
	Delete bool
}

// SetJSON builds a set Write from a value.
func SetJSON(ref Ref, v any) (Write, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Write{}, fmt.Errorf("store: encode %s: %w", ref, err)
	}
	return Write{Ref: ref, Data: data}, nil
}

// Query selects documents of one collection whose key starts with Prefix and
// sorts strictly after StartAfter, ordered by key. Limit <= 0 means no limit.
type Query struct {
	Collection string
	Prefix     string
	StartAfter string
	Limit      int
}

// Tx is the view a transaction function gets of the store.
type Tx interface {
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	Set(ref Ref, data []byte)
	Delete(ref Ref)
}

// TxFunc is the body of a transaction. It may be invoked more than once; each
// invocation sees fresh reads and must not carry decisions over from a
// previous invocation.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is a document database with optimistic single-scope transactions.
type Store interface {
	RunTransaction(ctx context.Context, fn TxFunc) error
	Get(ctx context.Context, ref Ref) (*Snapshot, error)
	Query(ctx context.Context, q Query) ([]*Snapshot, error)
	// Batch applies blind writes outside any transaction.
	Batch(ctx context.Context, writes []Write) error
}

// Attempt is one optimistic transaction attempt of a backend.
type Attempt interface {
	Tx
	Commit(ctx context.Context) error
}

// Run drives fn through fresh attempts until one commits, fn fails, or
// maxAttempts conflicting commits have been seen.
func Run(ctx context.Context, maxAttempts int, begin func() Attempt, fn TxFunc) error {
	if maxAttempts < 2 {
		maxAttempts = DefaultMaxAttempts
	}
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		a := begin()
		if err := fn(ctx, a); err != nil {
			return err
		}
		err := a.Commit(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("%w (%d attempts): %w", ErrTooManyAttempts, attempt, err)
		}
	}
}

// CheckBatch validates the size of a Batch call.
func CheckBatch(writes []Write) error {
	if len(writes) > MaxBatchWrites {
		return fmt.Errorf("store: batch of %d writes exceeds %d", len(writes), MaxBatchWrites)
	}
	return nil
}
