package relation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendsync/cache"
)

const (
	repairKey      = "relation:repair"
	repairLeaseKey = "relation:repair:lease"
	repairLeaseTTL = 2 * time.Minute
)

// RepairQueue is the set of pairs awaiting reconciliation, shared by every
// instance through the cache.
type RepairQueue struct {
	cache    cache.Cache
	instance string
}

// NewRepairQueue creates a RepairQueue backed by c.
func NewRepairQueue(c cache.Cache) *RepairQueue {
	return &RepairQueue{cache: c, instance: uuid.NewString()}
}

// Enqueue adds p. Adding a queued pair again is a no-op.
func (q *RepairQueue) Enqueue(ctx context.Context, p Pair) error {
	return q.cache.SAdd(ctx, repairKey, p.Key())
}

// Pending returns the queued relationship keys.
func (q *RepairQueue) Pending(ctx context.Context) ([]string, error) {
	return q.cache.SMembers(ctx, repairKey)
}

// Drain calls fn for up to limit queued pairs and removes those it handled.
// Only one instance drains at a time; the others return immediately.
func (q *RepairQueue) Drain(ctx context.Context, limit int, fn func(context.Context, Pair) error) (int, error) {
	ok, err := q.cache.SetNX(ctx, repairLeaseKey, q.instance, repairLeaseTTL)
	if err != nil {
		return 0, fmt.Errorf("relation: acquire repair lease: %w", err)
	}
	if !ok {
		return 0, nil
	}
	defer q.cache.Release(context.WithoutCancel(ctx), repairLeaseKey, q.instance)

	keys, err := q.cache.SMembers(ctx, repairKey)
	if err != nil {
		return 0, fmt.Errorf("relation: list repair queue: %w", err)
	}
	var (
		done int
		errs []error
	)
	for _, key := range keys {
		if limit > 0 && done >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return done, err
		}
		p, err := ParsePairKey(key)
		if err != nil {
			_ = q.cache.SRem(ctx, repairKey, key)
			continue
		}
		if err := fn(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			continue
		}
		if err := q.cache.SRem(ctx, repairKey, key); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}
