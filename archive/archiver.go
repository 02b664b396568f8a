package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
	"go.uber.org/zap"
)

const (
	retryKey      = "archive:retry"
	retryLeaseKey = "archive:retry:lease"
	retryLeaseTTL = 5 * time.Minute

	// maxTxItems is the DynamoDB TransactWriteItems limit.
	maxTxItems = 100
)

// JobKind names an archiver job.
type JobKind string

const (
	JobArchiveOwned      JobKind = "archive_owned"
	JobPurgeConversation JobKind = "purge_conversation"
)

// Job is a unit of archiver work. Jobs are idempotent and may run more than once.
// Before bounds an archive job to content created before the relationship
// ended, so a late run never touches a later friendship's messages.
type Job struct {
	Kind           JobKind   `json:"kind"`
	ConversationID string    `json:"conversationId"`
	OwnerID        string    `json:"ownerId,omitempty"`
	Before         time.Time `json:"before,omitzero"`
}

// Archiver marks a user's content archived after a relationship ends and
// removes a conversation's content after a block.
type Archiver struct {
	store     store.Store
	index     ContentIndex
	cache     cache.Cache
	batchSize int
	now       func() time.Time
	instance  string
	logger    *zap.Logger
}

// New creates an Archiver. batchSize is clamped to (0, store.MaxBatchWrites].
func New(s store.Store, index ContentIndex, c cache.Cache, batchSize int, logger *zap.Logger) *Archiver {
	if batchSize <= 0 || batchSize > store.MaxBatchWrites {
		batchSize = store.MaxBatchWrites
	}
	return &Archiver{
		store:     s,
		index:     index,
		cache:     c,
		batchSize: batchSize,
		now:       time.Now,
		instance:  uuid.NewString(),
		logger:    logger,
	}
}

// ArchiveOwned marks every unarchived, undeleted message ownerID sent in
// conversationID before the cutoff as archived and returns how many it
// marked. A zero before means no cutoff. Items archived earlier keep their
// original timestamp, so a rerun after a partial failure only finishes the
// remainder.
func (a *Archiver) ArchiveOwned(ctx context.Context, conversationID, ownerID string, before time.Time) (int, error) {
	var (
		n     int
		batch = make([]store.Ref, 0, a.batchSize)
		now   = a.now().UTC()
	)
	flush := func() error {
		for start := 0; start < len(batch); start += maxTxItems {
			marked, err := a.markArchived(ctx, batch[start:min(start+maxTxItems, len(batch))], now)
			if err != nil {
				return fmt.Errorf("archive: write batch: %w", err)
			}
			n += marked
		}
		batch = batch[:0]
		return nil
	}

	for item, err := range a.index.FindOwnedContent(ctx, conversationID, ownerID, before) {
		if err != nil {
			return n, err
		}
		batch = append(batch, item.Ref)
		if len(batch) >= a.batchSize {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := flush(); err != nil {
		return n, err
	}
	return n, nil
}

// markArchived re-reads refs in one transaction and archives those still
// live, so a message deleted or archived since the scan is left alone.
func (a *Archiver) markArchived(ctx context.Context, refs []store.Ref, now time.Time) (int, error) {
	var marked int
	err := a.store.RunTransaction(ctx, func(ctx context.Context, tx store.Tx) error {
		marked = 0
		msgs := make([]*model.Message, len(refs))
		for i, ref := range refs {
			snap, err := tx.Get(ctx, ref)
			if err != nil {
				return err
			}
			if !snap.Exists {
				continue
			}
			var msg model.Message
			if err := snap.Decode(&msg); err != nil {
				return err
			}
			if msg.Deleted || msg.Archived {
				continue
			}
			msgs[i] = &msg
		}
		for i, msg := range msgs {
			if msg == nil {
				continue
			}
			msg.Archived = true
			msg.ArchivedAt = &now
			w, err := store.SetJSON(refs[i], msg)
			if err != nil {
				return err
			}
			tx.Set(w.Ref, w.Data)
			marked++
		}
		return nil
	})
	return marked, err
}

// PurgeConversation deletes every message of conversationID and returns how
// many it deleted.
func (a *Archiver) PurgeConversation(ctx context.Context, conversationID string) (int, error) {
	var (
		n     int
		batch = make([]store.Write, 0, a.batchSize)
	)
	for snap, err := range scan(ctx, a.store, conversationID, defaultPageSize) {
		if err != nil {
			return n, err
		}
		batch = append(batch, store.Write{Ref: snap.Ref, Delete: true})
		if len(batch) >= a.batchSize {
			if err := a.store.Batch(ctx, batch); err != nil {
				return n, fmt.Errorf("archive: purge batch: %w", err)
			}
			n += len(batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if err := a.store.Batch(ctx, batch); err != nil {
			return n, fmt.Errorf("archive: purge batch: %w", err)
		}
		n += len(batch)
	}
	return n, nil
}

// Run executes job. A failed job is queued for RetryPending before the error
// is returned.
func (a *Archiver) Run(ctx context.Context, job Job) error {
	n, err := a.exec(ctx, job)
	if err == nil {
		a.logger.Debug("archive job done",
			zap.String("kind", string(job.Kind)),
			zap.String("conversation_id", job.ConversationID),
			zap.Int("items", n))
		return nil
	}
	if qerr := a.enqueue(context.WithoutCancel(ctx), job); qerr != nil {
		a.logger.Error("archive retry enqueue failed",
			zap.String("conversation_id", job.ConversationID), zap.Error(qerr))
	}
	return err
}

func (a *Archiver) exec(ctx context.Context, job Job) (int, error) {
	switch job.Kind {
	case JobArchiveOwned:
		return a.ArchiveOwned(ctx, job.ConversationID, job.OwnerID, job.Before)
	case JobPurgeConversation:
		return a.PurgeConversation(ctx, job.ConversationID)
	}
	return 0, fmt.Errorf("archive: unknown job kind %q", job.Kind)
}

func (a *Archiver) enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return a.cache.SAdd(ctx, retryKey, string(data))
}

// RetryPending replays queued jobs and returns how many succeeded. Only one
// instance drains the queue at a time.
func (a *Archiver) RetryPending(ctx context.Context) (int, error) {
	ok, err := a.cache.SetNX(ctx, retryLeaseKey, a.instance, retryLeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("archive: acquire retry lease: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer func() {
		if _, err := a.cache.Release(context.WithoutCancel(ctx), retryLeaseKey, a.instance); err != nil {
			a.logger.Warn("archive retry lease release failed", zap.Error(err))
		}
	}()

	members, err := a.cache.SMembers(ctx, retryKey)
	if err != nil {
		return 0, fmt.Errorf("archive: list retries: %w", err)
	}
	var (
		done int
		errs []error
	)
	for _, m := range members {
		var job Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			a.logger.Warn("dropping malformed archive job", zap.String("job", m), zap.Error(err))
			_ = a.cache.SRem(ctx, retryKey, m)
			continue
		}
		if _, err := a.exec(ctx, job); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := a.cache.SRem(ctx, retryKey, m); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
