package archive

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
)

// CollectionMessages holds content items keyed "conversationID/messageID".
const CollectionMessages = "messages"

const defaultPageSize = 200

// MessageRef addresses one message document.
func MessageRef(conversationID, messageID string) store.Ref {
	return store.Ref{Collection: CollectionMessages, Key: conversationID + "/" + messageID}
}

// ContentRef is one content item owned by a user, as read from the index.
type ContentRef struct {
	Ref     store.Ref
	Message model.Message
}

// ContentIndex finds the archivable content a user owns in a conversation.
// A non-zero before excludes content created at or after it.
type ContentIndex interface {
	FindOwnedContent(ctx context.Context, conversationID, ownerID string, before time.Time) iter.Seq2[ContentRef, error]
}

// Index is a ContentIndex over the messages collection.
type Index struct {
	store    store.Store
	pageSize int
}

// NewIndex creates an Index reading from s.
func NewIndex(s store.Store) *Index {
	return &Index{store: s, pageSize: defaultPageSize}
}

// FindOwnedContent yields ownerID's messages in conversationID that are
// neither deleted nor archived and were created before the cutoff, in key
// order. Iteration stops at the first error.
func (ix *Index) FindOwnedContent(ctx context.Context, conversationID, ownerID string, before time.Time) iter.Seq2[ContentRef, error] {
	return func(yield func(ContentRef, error) bool) {
		for snap, err := range scan(ctx, ix.store, conversationID, ix.pageSize) {
			if err != nil {
				yield(ContentRef{}, err)
				return
			}
			var msg model.Message
			if err := snap.Decode(&msg); err != nil {
				yield(ContentRef{}, fmt.Errorf("archive: decode %s: %w", snap.Ref, err))
				return
			}
			if msg.SenderID != ownerID || msg.Deleted || msg.Archived {
				continue
			}
			if !before.IsZero() && !msg.CreatedAt.Before(before) {
				continue
			}
			if !yield(ContentRef{Ref: snap.Ref, Message: msg}, nil) {
				return
			}
		}
	}
}

// scan pages through every message document of a conversation.
func scan(ctx context.Context, s store.Store, conversationID string, pageSize int) iter.Seq2[*store.Snapshot, error] {
	return func(yield func(*store.Snapshot, error) bool) {
		after := ""
		for {
			page, err := s.Query(ctx, store.Query{
				Collection: CollectionMessages,
				Prefix:     conversationID + "/",
				StartAfter: after,
				Limit:      pageSize,
			})
			if err != nil {
				yield(nil, fmt.Errorf("archive: scan %s: %w", conversationID, err))
				return
			}
			for _, snap := range page {
				if !yield(snap, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = page[len(page)-1].Ref.Key
		}
	}
}
