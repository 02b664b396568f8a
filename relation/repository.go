package relation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
)

const listPageSize = 200

// Snapshot is the four records of a pair as read at one point in time.
// Absent records are nil.
type Snapshot struct {
	Pair         Pair
	Relationship *model.Relationship
	Mirrors      map[string]*model.Mirror // by owner
	Conversation *model.Conversation
}

// State returns the explicit state of the canonical record.
func (s *Snapshot) State() State { return StateOf(s.Relationship) }

// Mirror returns the mirror owned by owner, or nil.
func (s *Snapshot) Mirror(owner string) *model.Mirror { return s.Mirrors[owner] }

type getter interface {
	Get(ctx context.Context, ref store.Ref) (*store.Snapshot, error)
}

// Repository gives typed access to relationships, mirrors and conversations.
// Its write path is unexported: only the transition executor and the
// reconciler in this package can change these records.
type Repository struct {
	store store.Store
}

// NewRepository creates a Repository over s.
func NewRepository(s store.Store) *Repository {
	return &Repository{store: s}
}

// LoadPair reads the pair's records outside any transaction.
func (r *Repository) LoadPair(ctx context.Context, p Pair) (*Snapshot, error) {
	return r.read(ctx, r.store, p)
}

// read loads every record of p through g. Inside a transaction all of these
// reads complete before the caller issues its first write.
func (r *Repository) read(ctx context.Context, g getter, p Pair) (*Snapshot, error) {
	snap := &Snapshot{Pair: p, Mirrors: make(map[string]*model.Mirror, 2)}
	var err error
	if snap.Relationship, err = readDoc[model.Relationship](ctx, g, p.relationshipRef()); err != nil {
		return nil, err
	}
	for _, owner := range []string{p.A, p.B} {
		m, err := readDoc[model.Mirror](ctx, g, mirrorRef(owner, p.Other(owner)))
		if err != nil {
			return nil, err
		}
		if m != nil {
			snap.Mirrors[owner] = m
		}
	}
	if snap.Conversation, err = readDoc[model.Conversation](ctx, g, p.conversationRef()); err != nil {
		return nil, err
	}
	return snap, nil
}

func readDoc[T any](ctx context.Context, g getter, ref store.Ref) (*T, error) {
	snap, err := g.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	if !snap.Exists {
		return nil, nil
	}
	v := new(T)
	if err := snap.Decode(v); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ref, err)
	}
	return v, nil
}

// apply buffers writes in tx.
func (r *Repository) apply(tx store.Tx, writes []Write) error {
	for _, w := range writes {
		if w.Delete {
			tx.Delete(w.Ref)
			continue
		}
		data, err := json.Marshal(w.Value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", w.Ref, err)
		}
		tx.Set(w.Ref, data)
	}
	return nil
}

// Relationship returns the canonical record for key, or nil.
func (r *Repository) Relationship(ctx context.Context, key string) (*model.Relationship, error) {
	return readDoc[model.Relationship](ctx, r.store, store.Ref{Collection: CollectionRelationships, Key: key})
}

// Conversation returns the conversation for key, or nil.
func (r *Repository) Conversation(ctx context.Context, key string) (*model.Conversation, error) {
	return readDoc[model.Conversation](ctx, r.store, store.Ref{Collection: CollectionConversations, Key: key})
}

// ListMirrors returns owner's mirrors ordered by the other user's id. An
// empty status returns every status.
func (r *Repository) ListMirrors(ctx context.Context, owner string, status model.RelationshipStatus) ([]model.Mirror, error) {
	var (
		out   []model.Mirror
		after string
	)
	for {
		page, err := r.store.Query(ctx, store.Query{
			Collection: CollectionMirrors,
			Prefix:     owner + "/",
			StartAfter: after,
			Limit:      listPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("list mirrors of %s: %w", owner, err)
		}
		for _, snap := range page {
			var m model.Mirror
			if err := snap.Decode(&m); err != nil {
				return nil, fmt.Errorf("decode %s: %w", snap.Ref, err)
			}
			if status == "" || m.Status == status {
				out = append(out, m)
			}
		}
		if len(page) < listPageSize {
			return out, nil
		}
		after = page[len(page)-1].Ref.Key
	}
}

// Events returns the friendship events recorded for a relationship key,
// oldest first.
func (r *Repository) Events(ctx context.Context, key string) ([]model.FriendshipEvent, error) {
	var (
		out   []model.FriendshipEvent
		after string
	)
	for {
		page, err := r.store.Query(ctx, store.Query{
			Collection: CollectionEvents,
			Prefix:     key + "/",
			StartAfter: after,
			Limit:      listPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		for _, snap := range page {
			var ev model.FriendshipEvent
			if err := snap.Decode(&ev); err != nil {
				return nil, fmt.Errorf("decode %s: %w", snap.Ref, err)
			}
			out = append(out, ev)
		}
		if len(page) < listPageSize {
			break
		}
		after = page[len(page)-1].Ref.Key
	}
	slices.SortStableFunc(out, func(a, b model.FriendshipEvent) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return out, nil
}
