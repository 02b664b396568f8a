package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store keeps documents in the gorm "documents" table. Reads are optimistic;
// the commit re-reads every observed row under lock inside one SQL
// transaction and fails with store.ErrConflict on any revision change.
type Store struct {
	db          *gorm.DB
	maxAttempts int
	logger      *zap.Logger
}

// New creates a Store over db. The documents table must already be migrated.
func New(db *gorm.DB, maxAttempts int, logger *zap.Logger) *Store {
	return &Store{db: db, maxAttempts: maxAttempts, logger: logger}
}

func (s *Store) RunTransaction(ctx context.Context, fn store.TxFunc) error {
	return store.Run(ctx, s.maxAttempts, func() store.Attempt {
		return &attempt{Buffer: store.NewBuffer(), s: s}
	}, fn)
}

func (s *Store) Get(ctx context.Context, ref store.Ref) (*store.Snapshot, error) {
	return s.get(s.db.WithContext(ctx), ref)
}

func (s *Store) get(db *gorm.DB, ref store.Ref) (*store.Snapshot, error) {
	var d model.Document
	err := db.Where("collection = ? AND doc_key = ?", ref.Collection, ref.Key).First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &store.Snapshot{Ref: ref}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get %s: %w", ref, err)
	}
	return toSnapshot(&d), nil
}

func (s *Store) Query(ctx context.Context, q store.Query) ([]*store.Snapshot, error) {
	tx := s.db.WithContext(ctx).Where("collection = ?", q.Collection)
	if q.Prefix != "" {
		tx = tx.Where("doc_key LIKE ? ESCAPE '!'", escapeLike(q.Prefix)+"%")
	}
	if q.StartAfter != "" {
		tx = tx.Where("doc_key > ?", q.StartAfter)
	}
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var docs []model.Document
	if err := tx.Order("doc_key").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("sqlstore: query %s: %w", q.Collection, err)
	}
	out := make([]*store.Snapshot, len(docs))
	for i := range docs {
		out[i] = toSnapshot(&docs[i])
	}
	return out, nil
}

func (s *Store) Batch(ctx context.Context, writes []store.Write) error {
	if err := store.CheckBatch(writes); err != nil {
		return err
	}
	if len(writes) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyWrites(tx, writes)
	})
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

func (a *attempt) Commit(ctx context.Context) error {
	writes := a.Writes()
	if len(writes) == 0 {
		return nil
	}
	err := a.s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for ref, observed := range a.Reads() {
			var d model.Document
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Select("revision").
				Where("collection = ? AND doc_key = ?", ref.Collection, ref.Key).
				Take(&d).Error
			current := d.Revision
			if errors.Is(err, gorm.ErrRecordNotFound) {
				current = ""
			} else if err != nil {
				return fmt.Errorf("sqlstore: check %s: %w", ref, err)
			}
			if current != observed {
				return store.ErrConflict
			}
		}
		return applyWrites(tx, writes)
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// A blind insert raced a concurrent create of the same key.
		return store.ErrConflict
	}
	if err != nil && !errors.Is(err, store.ErrConflict) {
		a.s.logger.Warn("sqlstore commit failed", zap.Int("writes", len(writes)), zap.Error(err))
	}
	return err
}

func applyWrites(tx *gorm.DB, writes []store.Write) error {
	for _, w := range writes {
		if w.Delete {
			if err := tx.Where("collection = ? AND doc_key = ?", w.Ref.Collection, w.Ref.Key).
				Delete(&model.Document{}).Error; err != nil {
				return fmt.Errorf("sqlstore: delete %s: %w", w.Ref, err)
			}
			continue
		}
		d := model.Document{
			Collection: w.Ref.Collection,
			DocKey:     w.Ref.Key,
			Data:       datatypes.JSON(w.Data),
			Revision:   uuid.NewString(),
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "revision", "updated_at"}),
		}).Create(&d).Error; err != nil {
			return fmt.Errorf("sqlstore: put %s: %w", w.Ref, err)
		}
	}
	return nil
}

func toSnapshot(d *model.Document) *store.Snapshot {
	return &store.Snapshot{
		Ref:      store.Ref{Collection: d.Collection, Key: d.DocKey},
		Data:     []byte(d.Data),
		Revision: d.Revision,
		Exists:   true,
	}
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string { return likeEscaper.Replace(s) }
