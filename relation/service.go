package relation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/friendsync/archive"
	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
	"go.uber.org/zap"
)

const (
	DefaultTransitionTimeout = 20 * time.Second
	DefaultEffectTimeout     = 60 * time.Second
	DefaultRepairBatch       = 100
)

// UserDirectory resolves a user id or email address to a user id.
type UserDirectory interface {
	Resolve(ctx context.Context, emailOrID string) (userID string, found bool, err error)
}

// Archiver runs content jobs after a relationship ends.
type Archiver interface {
	Run(ctx context.Context, job archive.Job) error
}

// Notifier delivers user-facing events. Delivery is fire-and-forget.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload map[string]string) error
}

// Auditor records every transition attempt.
type Auditor interface {
	Log(entry audit.AuditEntry)
}

// Deps are the optional collaborators of a Service. Nil members are skipped.
type Deps struct {
	Users    UserDirectory
	Archiver Archiver
	Notifier Notifier
	Auditor  Auditor
	Queue    *RepairQueue
}

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	TransitionTimeout time.Duration
	EffectTimeout     time.Duration
	RepairBatch       int
}

// Service executes relationship transitions, one store transaction per call,
// and runs their side effects after commit.
type Service struct {
	store   store.Store
	repo    *Repository
	deps    Deps
	opts    Options
	now     func() time.Time
	newID   func() string
	effects sync.WaitGroup
	logger  *zap.Logger
}

// NewService creates a Service over s.
func NewService(s store.Store, deps Deps, opts Options, logger *zap.Logger) *Service {
	if opts.TransitionTimeout <= 0 {
		opts.TransitionTimeout = DefaultTransitionTimeout
	}
	if opts.EffectTimeout <= 0 {
		opts.EffectTimeout = DefaultEffectTimeout
	}
	if opts.RepairBatch <= 0 {
		opts.RepairBatch = DefaultRepairBatch
	}
	return &Service{
		store:  s,
		repo:   NewRepository(s),
		deps:   deps,
		opts:   opts,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger,
	}
}

// Repository exposes the read accessors.
func (svc *Service) Repository() *Repository { return svc.repo }

// Wait blocks until every side effect started so far has finished.
func (svc *Service) Wait() { svc.effects.Wait() }

type traceKey struct{}

// WithTraceID attaches a request trace id used by audit records and logs.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// TraceIDFrom returns the trace id attached by WithTraceID, or "".
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// SendFriendRequest asks targetEmailOrID to become actor's friend and returns
// the relationship key.
func (svc *Service) SendFriendRequest(ctx context.Context, actor, targetEmailOrID string) (string, error) {
	if actor == "" {
		return "", reject(CodeUnauthenticated, ReasonUnauthenticated, "")
	}
	target, err := svc.resolve(ctx, strings.TrimSpace(targetEmailOrID))
	if err != nil {
		return "", err
	}
	p, err := NewPair(actor, target)
	if err != nil {
		return "", err
	}
	if _, err := svc.execute(ctx, ActionSendRequest, actor, p); err != nil {
		return "", err
	}
	return p.Key(), nil
}

// AcceptFriendRequest accepts the pending request identified by key.
func (svc *Service) AcceptFriendRequest(ctx context.Context, actor, key string) error {
	return svc.byKey(ctx, ActionAccept, actor, key)
}

// RejectFriendRequest removes the pending request identified by key. The
// initiator may use it to cancel their own request.
func (svc *Service) RejectFriendRequest(ctx context.Context, actor, key string) error {
	return svc.byKey(ctx, ActionReject, actor, key)
}

// Unfriend ends an accepted relationship and archives both users' content.
func (svc *Service) Unfriend(ctx context.Context, actor, target string) error {
	return svc.byTarget(ctx, ActionUnfriend, actor, target, false)
}

// BlockUser blocks target from any state.
func (svc *Service) BlockUser(ctx context.Context, actor, target string) error {
	return svc.byTarget(ctx, ActionBlock, actor, target, true)
}

// UnblockUser lifts a block placed by actor.
func (svc *Service) UnblockUser(ctx context.Context, actor, target string) error {
	return svc.byTarget(ctx, ActionUnblock, actor, target, false)
}

// ListRelationships returns actor's relationships, optionally filtered by
// status. Blocks placed on actor by others are not listed.
func (svc *Service) ListRelationships(ctx context.Context, actor string, status model.RelationshipStatus) ([]model.Mirror, error) {
	if actor == "" {
		return nil, reject(CodeUnauthenticated, ReasonUnauthenticated, "")
	}
	if err := ValidateUserID(actor); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, reject(CodeInvalidArgument, ReasonInvalidArgument, "")
	}
	mirrors, err := svc.repo.ListMirrors(ctx, actor, status)
	if err != nil {
		return nil, internal("list", err)
	}
	out := mirrors[:0]
	for _, m := range mirrors {
		if m.Status == model.StatusBlocked && m.Role == model.RoleBlocked {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (svc *Service) byKey(ctx context.Context, action Action, actor, key string) error {
	if actor == "" {
		return reject(CodeUnauthenticated, ReasonUnauthenticated, "")
	}
	p, err := ParsePairKey(key)
	if err != nil {
		return err
	}
	_, err = svc.execute(ctx, action, actor, p)
	return err
}

func (svc *Service) byTarget(ctx context.Context, action Action, actor, target string, mustExist bool) error {
	if actor == "" {
		return reject(CodeUnauthenticated, ReasonUnauthenticated, "")
	}
	p, err := NewPair(actor, target)
	if err != nil {
		return err
	}
	if mustExist {
		if _, err := svc.resolve(ctx, target); err != nil {
			return err
		}
	}
	_, err = svc.execute(ctx, action, actor, p)
	return err
}

func (svc *Service) resolve(ctx context.Context, emailOrID string) (string, error) {
	if emailOrID == "" {
		return "", reject(CodeInvalidArgument, ReasonInvalidArgument, "")
	}
	if svc.deps.Users == nil {
		return emailOrID, nil
	}
	id, found, err := svc.deps.Users.Resolve(ctx, emailOrID)
	if err != nil {
		return "", internal("resolve user", err)
	}
	if !found {
		return "", reject(CodeNotFound, ReasonNotFound, "")
	}
	return id, nil
}

// execute runs one transition in a single store transaction. The state
// machine is re-evaluated against fresh reads on every store retry.
func (svc *Service) execute(ctx context.Context, action Action, actor string, p Pair) (Decision, error) {
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, svc.opts.TransitionTimeout)
	defer cancel()

	var (
		dec   Decision
		from  State
		drift bool
	)
	err := svc.store.RunTransaction(tctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := svc.repo.read(ctx, tx, p)
		if err != nil {
			return err
		}
		now := svc.now().UTC()
		from = snap.State()
		issues, _ := inspect(snap, now)
		drift = len(issues) > 0

		d, err := Transition(Input{
			Action:   action,
			Actor:    actor,
			Pair:     p,
			Snapshot: snap,
			Now:      now,
			EventID:  svc.newID(),
		})
		if err != nil {
			return err
		}
		if err := svc.repo.apply(tx, d.Writes); err != nil {
			return err
		}
		dec = d
		return nil
	})
	if err != nil {
		if _, ok := AsRejection(err); !ok {
			err = internal(string(action), err)
		}
	}

	if drift {
		svc.enqueueRepair(ctx, p)
	}
	svc.audit(ctx, action, actor, p, from, dec, err, time.Since(start))
	if err != nil {
		if CodeOf(err) == CodeInternal {
			svc.logger.Error("relationship transition failed",
				zap.String("action", string(action)),
				zap.String("relationship_key", p.Key()),
				zap.String("trace_id", TraceIDFrom(ctx)),
				zap.Error(err))
		}
		return Decision{}, err
	}

	svc.logger.Info("relationship transition",
		zap.String("action", string(action)),
		zap.String("relationship_key", p.Key()),
		zap.String("from", from.String()),
		zap.String("to", StateOf(dec.Next).String()),
		zap.String("trace_id", TraceIDFrom(ctx)))
	svc.dispatch(ctx, p, dec.Effects)
	return dec, nil
}

func (svc *Service) enqueueRepair(ctx context.Context, p Pair) {
	svc.logger.Warn("relationship records drifted",
		zap.String("relationship_key", p.Key()),
		zap.String("trace_id", TraceIDFrom(ctx)))
	if svc.deps.Queue == nil {
		return
	}
	if err := svc.deps.Queue.Enqueue(context.WithoutCancel(ctx), p); err != nil {
		svc.logger.Warn("repair enqueue failed", zap.String("relationship_key", p.Key()), zap.Error(err))
	}
}

func (svc *Service) audit(ctx context.Context, action Action, actor string, p Pair, from State, dec Decision, err error, d time.Duration) {
	if svc.deps.Auditor == nil {
		return
	}
	entry := audit.AuditEntry{
		TraceID:         TraceIDFrom(ctx),
		ActorID:         actor,
		TargetID:        p.Other(actor),
		RelationshipKey: p.Key(),
		Action:          string(action),
		Code:            string(CodeOf(err)),
		Reason:          string(ReasonOf(err)),
		DurationMs:      int(d.Milliseconds()),
	}
	if err == nil {
		entry.Detail = map[string]string{"from": from.String(), "to": StateOf(dec.Next).String()}
	} else if CodeOf(err) == CodeInternal {
		entry.Error = err.Error()
	}
	svc.deps.Auditor.Log(entry)
}

// dispatch starts the committed transition's effects. They outlive the
// request but not their own timeout, and failures never reach the caller.
func (svc *Service) dispatch(ctx context.Context, p Pair, effects []Effect) {
	base := context.WithoutCancel(ctx)
	for _, e := range effects {
		svc.effects.Add(1)
		go func() {
			defer svc.effects.Done()
			ectx, cancel := context.WithTimeout(base, svc.opts.EffectTimeout)
			defer cancel()
			if err := svc.runEffect(ectx, e); err != nil {
				svc.logger.Warn("relationship side effect failed",
					zap.String("kind", string(e.Kind)),
					zap.String("relationship_key", p.Key()),
					zap.String("user_id", e.UserID),
					zap.Error(err))
			}
		}()
	}
}

func (svc *Service) runEffect(ctx context.Context, e Effect) error {
	switch e.Kind {
	case EffectArchiveContent:
		if svc.deps.Archiver == nil {
			return nil
		}
		return svc.deps.Archiver.Run(ctx, archive.Job{
			Kind:           archive.JobArchiveOwned,
			ConversationID: e.ConversationID,
			OwnerID:        e.UserID,
			Before:         e.Before,
		})
	case EffectPurgeConversation:
		if svc.deps.Archiver == nil {
			return nil
		}
		return svc.deps.Archiver.Run(ctx, archive.Job{
			Kind:           archive.JobPurgeConversation,
			ConversationID: e.ConversationID,
		})
	case EffectNotify:
		if svc.deps.Notifier == nil {
			return nil
		}
		return svc.deps.Notifier.Notify(ctx, e.UserID, e.Event, e.Payload)
	}
	return nil
}
