package relation

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
	"go.uber.org/zap"
)

// Record names used in consistency issues.
const (
	RecordRelationship = "relationship"
	RecordMirror       = "mirror"
	RecordConversation = "conversation"
)

// Issue is one field of a derived record that disagrees with the canonical
// relationship.
type Issue struct {
	Record   string `json:"record"`
	OwnerID  string `json:"ownerId,omitempty"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ConsistencyReport is the read-only result of CheckConsistency.
type ConsistencyReport struct {
	RelationshipKey string  `json:"relationshipKey"`
	State           string  `json:"state"`
	Consistent      bool    `json:"consistent"`
	Issues          []Issue `json:"issues"`
}

// RepairResult describes what Repair changed.
type RepairResult struct {
	RelationshipKey string  `json:"relationshipKey"`
	WritesApplied   int     `json:"writesApplied"`
	Issues          []Issue `json:"issues"`
	NothingToRepair bool    `json:"nothingToRepair"`
}

// CheckConsistency compares both mirrors and the conversation of a pair with
// what its relationship requires. It never writes.
func (svc *Service) CheckConsistency(ctx context.Context, userA, userB string) (*ConsistencyReport, error) {
	p, err := NewPair(userA, userB)
	if err != nil {
		return nil, err
	}
	snap, err := svc.repo.LoadPair(ctx, p)
	if err != nil {
		return nil, internal("check consistency", err)
	}
	issues, _ := inspect(snap, svc.now().UTC())
	return &ConsistencyReport{
		RelationshipKey: p.Key(),
		State:           snap.State().String(),
		Consistent:      len(issues) == 0,
		Issues:          issues,
	}, nil
}

// Repair rewrites the mirrors and conversation of a pair that disagree with
// its relationship, in one transaction. The relationship itself is never
// written, and an absent relationship is reported as nothing to repair. A
// conversation removed from a blocked pair has its messages purged after
// commit, as a block would.
func (svc *Service) Repair(ctx context.Context, userA, userB string) (*RepairResult, error) {
	p, err := NewPair(userA, userB)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	tctx, cancel := context.WithTimeout(ctx, svc.opts.TransitionTimeout)
	defer cancel()

	var (
		res   *RepairResult
		purge bool
	)
	err = svc.store.RunTransaction(tctx, func(ctx context.Context, tx store.Tx) error {
		snap, err := svc.repo.read(ctx, tx, p)
		if err != nil {
			return err
		}
		issues, writes := inspect(snap, svc.now().UTC())
		purge = false
		for _, w := range writes {
			if w.Delete && w.Ref == p.conversationRef() {
				purge = true
			}
		}
		res = &RepairResult{
			RelationshipKey: p.Key(),
			Issues:          issues,
			WritesApplied:   len(writes),
			NothingToRepair: snap.Relationship == nil || len(writes) == 0,
		}
		return svc.repo.apply(tx, writes)
	})
	if err != nil {
		err = internal("repair", err)
	}
	if svc.deps.Auditor != nil {
		entry := audit.AuditEntry{
			TraceID:         TraceIDFrom(ctx),
			RelationshipKey: p.Key(),
			Action:          "repair",
			Code:            string(CodeOf(err)),
			DurationMs:      int(time.Since(start).Milliseconds()),
		}
		if err != nil {
			entry.Error = err.Error()
		} else {
			entry.Detail = res
		}
		svc.deps.Auditor.Log(entry)
	}
	if err != nil {
		return nil, err
	}
	if res.WritesApplied > 0 {
		svc.logger.Info("relationship repaired",
			zap.String("relationship_key", res.RelationshipKey),
			zap.Int("writes", res.WritesApplied))
	}
	if purge {
		svc.dispatch(ctx, p, []Effect{{Kind: EffectPurgeConversation, ConversationID: p.Key()}})
	}
	return res, nil
}

// RepairPending repairs pairs queued by the executor when it saw drift and
// returns how many were processed.
func (svc *Service) RepairPending(ctx context.Context) (int, error) {
	if svc.deps.Queue == nil {
		return 0, nil
	}
	return svc.deps.Queue.Drain(ctx, svc.opts.RepairBatch, func(ctx context.Context, p Pair) error {
		_, err := svc.Repair(ctx, p.A, p.B)
		return err
	})
}

// inspect lists the issues of snap and the writes that heal the ones that can
// be healed. Relationship issues are reported only.
func inspect(snap *Snapshot, now time.Time) ([]Issue, []Write) {
	rel := snap.Relationship
	if rel == nil {
		return orphanIssues(snap), nil
	}

	issues := relationshipIssues(snap.Pair, rel)
	if len(issues) > 0 {
		// Mirrors cannot be derived from a malformed relationship.
		return issues, nil
	}

	var writes []Write
	for _, want := range ExpectedMirrors(rel, now) {
		mi := mirrorIssues(want, snap.Mirrors[want.OwnerID])
		if len(mi) == 0 {
			continue
		}
		issues = append(issues, mi...)
		writes = append(writes, Write{Ref: mirrorRef(want.OwnerID, want.OtherUserID), Value: &want})
	}

	if ci := conversationIssues(rel, snap.Conversation); len(ci) > 0 {
		issues = append(issues, ci...)
		if w := planConversation(rel, snap.Conversation, now); w != nil {
			writes = append(writes, *w)
		}
	}
	return issues, writes
}

func orphanIssues(snap *Snapshot) []Issue {
	var issues []Issue
	for _, owner := range []string{snap.Pair.A, snap.Pair.B} {
		if snap.Mirrors[owner] != nil {
			issues = append(issues, Issue{Record: RecordMirror, OwnerID: owner, Field: "exists", Expected: "false", Actual: "true"})
		}
	}
	if c := snap.Conversation; c != nil && c.IsActive {
		issues = append(issues, Issue{Record: RecordConversation, Field: "isActive", Expected: "false", Actual: "true"})
	}
	return issues
}

func relationshipIssues(p Pair, rel *model.Relationship) []Issue {
	var issues []Issue
	add := func(field, expected, actual string) {
		if expected != actual {
			issues = append(issues, Issue{Record: RecordRelationship, Field: field, Expected: expected, Actual: actual})
		}
	}
	add("key", p.Key(), rel.Key)
	add("userA", p.A, rel.UserA)
	add("userB", p.B, rel.UserB)
	if !rel.Status.Valid() {
		issues = append(issues, Issue{Record: RecordRelationship, Field: "status", Expected: "pending|accepted|blocked", Actual: string(rel.Status)})
	}
	if !p.Has(rel.Initiator) {
		issues = append(issues, Issue{Record: RecordRelationship, Field: "initiator", Expected: p.A + "|" + p.B, Actual: rel.Initiator})
	}
	if rel.Status == model.StatusBlocked && !p.Has(rel.BlockedBy) {
		issues = append(issues, Issue{Record: RecordRelationship, Field: "blockedBy", Expected: p.A + "|" + p.B, Actual: rel.BlockedBy})
	}
	return issues
}

func mirrorIssues(want model.Mirror, got *model.Mirror) []Issue {
	if got == nil {
		return []Issue{{Record: RecordMirror, OwnerID: want.OwnerID, Field: "exists", Expected: "true", Actual: "false"}}
	}
	var issues []Issue
	add := func(field, expected, actual string) {
		if expected != actual {
			issues = append(issues, Issue{Record: RecordMirror, OwnerID: want.OwnerID, Field: field, Expected: expected, Actual: actual})
		}
	}
	add("ownerId", want.OwnerID, got.OwnerID)
	add("otherUserId", want.OtherUserID, got.OtherUserID)
	add("relationshipKey", want.RelationshipKey, got.RelationshipKey)
	add("status", string(want.Status), string(got.Status))
	add("role", string(want.Role), string(got.Role))
	return issues
}

func conversationIssues(rel *model.Relationship, conv *model.Conversation) []Issue {
	switch rel.Status {
	case model.StatusAccepted:
		if conv == nil {
			return []Issue{{Record: RecordConversation, Field: "exists", Expected: "true", Actual: "false"}}
		}
		var issues []Issue
		if conv.ID != rel.Key {
			issues = append(issues, Issue{Record: RecordConversation, Field: "id", Expected: rel.Key, Actual: conv.ID})
		}
		if want := []string{rel.UserA, rel.UserB}; !sameParticipants(conv.Participants, want) {
			issues = append(issues, Issue{Record: RecordConversation, Field: "participants",
				Expected: strings.Join(want, ","), Actual: strings.Join(conv.Participants, ",")})
		}
		if !conv.IsActive {
			issues = append(issues, Issue{Record: RecordConversation, Field: "isActive", Expected: "true", Actual: strconv.FormatBool(conv.IsActive)})
		}
		return issues
	case model.StatusBlocked:
		if conv != nil {
			return []Issue{{Record: RecordConversation, Field: "exists", Expected: "false", Actual: "true"}}
		}
	}
	return nil
}
