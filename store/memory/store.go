package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendsync/store"
)

type doc struct {
	data     []byte
	revision string
}

// Store is an in-process Record Store. Commits are serialized by a mutex and
// validated against the revisions observed by the attempt.
type Store struct {
	mu          sync.RWMutex
	docs        map[store.Ref]doc
	maxAttempts int

	hookMu     sync.Mutex
	commitHook func()
}

// New creates an empty Store.
func New(maxAttempts int) *Store {
	return &Store{docs: make(map[store.Ref]doc), maxAttempts: maxAttempts}
}

// SetCommitHook installs fn to run at the start of every commit, before the
// revision check. Tests use it to line up concurrent transactions.
func (s *Store) SetCommitHook(fn func()) {
	s.hookMu.Lock()
	s.commitHook = fn
	s.hookMu.Unlock()
}

func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	return store.Run(ctx, s.maxAttempts, func() store.Attempt {
		return &attempt{Buffer: store.NewBuffer(), s: s}
	}, fn)
}

func (s *Store) Get(_ context.Context, ref store.Ref) (*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(ref), nil
}

func (s *Store) snapshotLocked(ref store.Ref) *store.Snapshot {
	d, ok := s.docs[ref]
	if !ok {
		return &store.Snapshot{Ref: ref}
	}
	data := make([]byte, len(d.data))
	copy(data, d.data)
	return &store.Snapshot{Ref: ref, Data: data, Revision: d.revision, Exists: true}
}

func (s *Store) Query(_ context.Context, q store.Query) ([]*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for ref := range s.docs {
		if ref.Collection != q.Collection || !strings.HasPrefix(ref.Key, q.Prefix) {
			continue
		}
		if q.StartAfter != "" && ref.Key <= q.StartAfter {
			continue
		}
		keys = append(keys, ref.Key)
	}
	sort.Strings(keys)
	if q.Limit > 0 && len(keys) > q.Limit {
		keys = keys[:q.Limit]
	}
	out := make([]*store.Snapshot, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.snapshotLocked(store.Ref{Collection: q.Collection, Key: k}))
	}
	return out, nil
}

func (s *Store) Batch(_ context.Context, writes []store.Write) error {
	if err := store.CheckBatch(writes); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(writes)
	return nil
}

// Len returns the number of stored documents in a collection.
func (s *Store) Len(collection string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for ref := range s.docs {
		if ref.Collection == collection {
			n++
		}
	}
	return n
}

func (s *Store) applyLocked(writes []store.Write) {
	for _, w := range writes {
		if w.Delete {
			delete(s.docs, w.Ref)
			continue
		}
		data := make([]byte, len(w.Data))
		copy(data, w.Data)
		s.docs[w.Ref] = doc{data: data, revision: uuid.NewString()}
	}
}

type attempt struct {
	*store.Buffer
	s *Store
}

func (a *attempt) Get(ctx context.Context, ref store.Ref) (*store.Snapshot, error) {
	if err := a.BeforeRead(); err != nil {
		return nil, err
	}
	snap, err := a.s.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	a.Observe(snap)
	return snap, nil
}

func (a *attempt) Commit(_ context.Context) error {
	a.s.hookMu.Lock()
	hook := a.s.commitHook
	a.s.hookMu.Unlock()
	if hook != nil {
		hook()
	}

	a.s.mu.Lock()
	defer a.s.mu.Unlock()
	for ref, rev := range a.Reads() {
		if a.s.docs[ref].revision != rev {
			return store.ErrConflict
		}
	}
	a.s.applyLocked(a.Writes())
	return nil
}
