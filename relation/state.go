package relation

import (
	"time"

	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
)

// State is the explicit relationship state. StateAbsent is never persisted;
// it is the missing Relationship record.
type State int

const (
	StateAbsent State = iota
	StatePending
	StateAccepted
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAccepted:
		return "accepted"
	case StateBlocked:
		return "blocked"
	}
	return "absent"
}

// StateOf maps a possibly-missing record to its State.
func StateOf(rel *model.Relationship) State {
	if rel == nil {
		return StateAbsent
	}
	switch rel.Status {
	case model.StatusPending:
		return StatePending
	case model.StatusAccepted:
		return StateAccepted
	case model.StatusBlocked:
		return StateBlocked
	}
	return StateAbsent
}

// Action is a requested transition.
type Action string

const (
	ActionSendRequest Action = "send_request"
	ActionAccept      Action = "accept"
	ActionReject      Action = "reject"
	ActionUnfriend    Action = "unfriend"
	ActionBlock       Action = "block"
	ActionUnblock     Action = "unblock"
)

// Write is a record-level change produced by a transition or a repair.
type Write struct {
	Ref    store.Ref
	Value  any
	Delete bool
}

// EffectKind names a side effect that runs after commit.
type EffectKind string

const (
	EffectArchiveContent    EffectKind = "archive_content"
	EffectPurgeConversation EffectKind = "purge_conversation"
	EffectNotify            EffectKind = "notify"
)

// Notification event types.
const (
	NotifyFriendRequest          = "friend_request"
	NotifyFriendAccepted         = "friend_accepted"
	NotifyConversationDeactivate = "conversation_deactivated"
)

// Effect is an out-of-transaction side effect. Effects are at-least-once and
// must be idempotent.
type Effect struct {
	Kind           EffectKind
	ConversationID string
	UserID         string
	Event          string
	Payload        map[string]string
	// Before bounds archiving to content created before the transition.
	Before time.Time
}

// Input is everything a transition may depend on.
type Input struct {
	Action   Action
	Actor    string
	Pair     Pair
	Snapshot *Snapshot
	Now      time.Time
	// EventID names the FriendshipEvent the transition may emit.
	EventID string
}

// Decision is an accepted transition: the next canonical record (nil for
// StateAbsent), the writes to apply in the same transaction and the effects
// to run after commit.
type Decision struct {
	Next    *model.Relationship
	Writes  []Write
	Effects []Effect
	Event   *model.FriendshipEvent
}

// Transition is the relationship state machine. It is pure: all reads are in
// in.Snapshot, and a rejection is returned as a *Rejection error.
func Transition(in Input) (Decision, error) {
	if in.Actor == "" {
		return Decision{}, reject(CodeUnauthenticated, ReasonUnauthenticated, "")
	}
	if !in.Pair.Has(in.Actor) {
		return Decision{}, reject(CodePermissionDenied, ReasonNotAuthorized, "")
	}
	rel := in.Snapshot.Relationship

	// A party blocked by the other side cannot tell the block apart from a
	// missing user. Unblock is exempt: it reports PermissionDenied instead.
	if in.Action != ActionUnblock && StateOf(rel) == StateBlocked && rel.BlockedBy != in.Actor {
		return Decision{}, reject(CodeNotFound, ReasonNotFound, "")
	}

	switch in.Action {
	case ActionSendRequest:
		return sendRequest(in, rel)
	case ActionAccept:
		return accept(in, rel)
	case ActionReject:
		return rejectRequest(in, rel)
	case ActionUnfriend:
		return unfriend(in, rel)
	case ActionBlock:
		return block(in, rel)
	case ActionUnblock:
		return unblock(in, rel)
	}
	return Decision{}, reject(CodeInvalidArgument, ReasonInvalidArgument, "")
}

func sendRequest(in Input, rel *model.Relationship) (Decision, error) {
	key := in.Pair.Key()
	switch StateOf(rel) {
	case StatePending:
		return Decision{}, reject(CodeAlreadyExists, ReasonAlreadyPending, key)
	case StateAccepted:
		return Decision{}, reject(CodeAlreadyExists, ReasonAlreadyFriends, key)
	case StateBlocked:
		// Blocked by the actor; blocked by the other side was handled above.
		return Decision{}, reject(CodeFailedPrecondition, ReasonBlocked, key)
	}

	next := &model.Relationship{
		Key:       key,
		UserA:     in.Pair.A,
		UserB:     in.Pair.B,
		Status:    model.StatusPending,
		Initiator: in.Actor,
		CreatedAt: in.Now,
		UpdatedAt: in.Now,
	}
	target := in.Pair.Other(in.Actor)
	return Decision{
		Next:   next,
		Writes: canonicalWrites(next, in.Now),
		Effects: []Effect{{
			Kind:    EffectNotify,
			UserID:  target,
			Event:   NotifyFriendRequest,
			Payload: map[string]string{"relationshipKey": key, "from": in.Actor},
		}},
	}, nil
}

func accept(in Input, rel *model.Relationship) (Decision, error) {
	if rel == nil {
		return Decision{}, reject(CodeNotFound, ReasonNotFound, "")
	}
	if rel.Status != model.StatusPending {
		return Decision{}, reject(CodeFailedPrecondition, ReasonNotPending, rel.Key)
	}
	if rel.Initiator == in.Actor {
		return Decision{}, reject(CodePermissionDenied, ReasonNotAuthorized, rel.Key)
	}

	next := *rel
	next.Status = model.StatusAccepted
	next.UpdatedAt = in.Now
	writes := canonicalWrites(&next, in.Now)
	if w := planConversation(&next, in.Snapshot.Conversation, in.Now); w != nil {
		writes = append(writes, *w)
	}
	return Decision{
		Next:   &next,
		Writes: writes,
		Effects: []Effect{{
			Kind:    EffectNotify,
			UserID:  rel.Initiator,
			Event:   NotifyFriendAccepted,
			Payload: map[string]string{"relationshipKey": rel.Key, "by": in.Actor},
		}},
	}, nil
}

func rejectRequest(in Input, rel *model.Relationship) (Decision, error) {
	if rel == nil {
		return Decision{}, reject(CodeNotFound, ReasonNotFound, "")
	}
	if rel.Status != model.StatusPending {
		return Decision{}, reject(CodeFailedPrecondition, ReasonNotPending, rel.Key)
	}
	return Decision{Writes: removalWrites(in.Pair)}, nil
}

func unfriend(in Input, rel *model.Relationship) (Decision, error) {
	if rel == nil {
		return Decision{}, reject(CodeNotFound, ReasonNotFound, "")
	}
	if rel.Status != model.StatusAccepted {
		return Decision{}, reject(CodeFailedPrecondition, ReasonNotAccepted, rel.Key)
	}

	other := in.Pair.Other(in.Actor)
	writes := removalWrites(in.Pair)
	if conv := in.Snapshot.Conversation; conv != nil {
		inactive := *conv
		inactive.IsActive = false
		writes = append(writes, Write{Ref: in.Pair.conversationRef(), Value: &inactive})
	}
	event := newEvent(in, model.EventUnfriend, other)
	writes = append(writes, Write{Ref: in.Pair.eventRef(event.ID), Value: event})

	convID := in.Pair.Key()
	return Decision{
		Writes: writes,
		Event:  event,
		Effects: []Effect{
			{Kind: EffectArchiveContent, ConversationID: convID, UserID: in.Actor, Before: in.Now},
			{Kind: EffectArchiveContent, ConversationID: convID, UserID: other, Before: in.Now},
			{
				Kind:    EffectNotify,
				UserID:  other,
				Event:   NotifyConversationDeactivate,
				Payload: map[string]string{"conversationId": convID},
			},
		},
	}, nil
}

func block(in Input, rel *model.Relationship) (Decision, error) {
	var next model.Relationship
	if rel == nil {
		next = model.Relationship{
			Key:       in.Pair.Key(),
			UserA:     in.Pair.A,
			UserB:     in.Pair.B,
			Initiator: in.Actor,
			CreatedAt: in.Now,
		}
	} else {
		next = *rel
	}
	next.Status = model.StatusBlocked
	next.BlockedBy = in.Actor
	next.UpdatedAt = in.Now

	writes := canonicalWrites(&next, in.Now)
	var effects []Effect
	if in.Snapshot.Conversation != nil {
		writes = append(writes, *planConversation(&next, in.Snapshot.Conversation, in.Now))
		effects = append(effects, Effect{Kind: EffectPurgeConversation, ConversationID: in.Pair.Key()})
	}
	return Decision{Next: &next, Writes: writes, Effects: effects}, nil
}

func unblock(in Input, rel *model.Relationship) (Decision, error) {
	if rel == nil {
		return Decision{}, reject(CodeNotFound, ReasonNotFound, "")
	}
	if rel.Status != model.StatusBlocked {
		return Decision{}, reject(CodeFailedPrecondition, ReasonNotBlocked, rel.Key)
	}
	if rel.BlockedBy != in.Actor {
		return Decision{}, reject(CodePermissionDenied, ReasonNotAuthorized, rel.Key)
	}

	event := newEvent(in, model.EventUnblock, in.Pair.Other(in.Actor))
	writes := append(removalWrites(in.Pair), Write{Ref: in.Pair.eventRef(event.ID), Value: event})
	return Decision{Writes: writes, Event: event}, nil
}

func newEvent(in Input, action model.FriendshipEventAction, target string) *model.FriendshipEvent {
	return &model.FriendshipEvent{
		ID:              in.EventID,
		RelationshipKey: in.Pair.Key(),
		Action:          action,
		InitiatorID:     in.Actor,
		TargetID:        target,
		Timestamp:       in.Now,
	}
}

// canonicalWrites upserts rel and both of its mirrors.
func canonicalWrites(rel *model.Relationship, now time.Time) []Write {
	writes := []Write{{Ref: store.Ref{Collection: CollectionRelationships, Key: rel.Key}, Value: rel}}
	for _, m := range ExpectedMirrors(rel, now) {
		writes = append(writes, Write{Ref: mirrorRef(m.OwnerID, m.OtherUserID), Value: &m})
	}
	return writes
}

// removalWrites deletes the relationship and both mirrors.
func removalWrites(p Pair) []Write {
	return []Write{
		{Ref: p.relationshipRef(), Delete: true},
		{Ref: mirrorRef(p.A, p.B), Delete: true},
		{Ref: mirrorRef(p.B, p.A), Delete: true},
	}
}

// ExpectedMirrors derives both mirrors of rel. Roles follow the initiator for
// pending and accepted relationships and the blocker for blocked ones.
func ExpectedMirrors(rel *model.Relationship, now time.Time) [2]model.Mirror {
	mk := func(owner, other string) model.Mirror {
		return model.Mirror{
			OwnerID:         owner,
			OtherUserID:     other,
			RelationshipKey: rel.Key,
			Status:          rel.Status,
			Role:            RoleOf(rel, owner),
			UpdatedAt:       now,
		}
	}
	return [2]model.Mirror{mk(rel.UserA, rel.UserB), mk(rel.UserB, rel.UserA)}
}

// RoleOf returns the mirror role owner must have for rel.
func RoleOf(rel *model.Relationship, owner string) model.MirrorRole {
	if rel.Status == model.StatusBlocked {
		if owner == rel.BlockedBy {
			return model.RoleBlocker
		}
		return model.RoleBlocked
	}
	if owner == rel.Initiator {
		return model.RoleInitiator
	}
	return model.RoleRecipient
}

// planConversation returns the conversation write rel requires given the
// current conversation, or nil when current already conforms. Accepted
// relationships need an active conversation; blocked ones need none.
func planConversation(rel *model.Relationship, current *model.Conversation, now time.Time) *Write {
	ref := store.Ref{Collection: CollectionConversations, Key: rel.Key}
	switch rel.Status {
	case model.StatusAccepted:
		participants := []string{rel.UserA, rel.UserB}
		if current == nil {
			return &Write{Ref: ref, Value: &model.Conversation{
				ID:            rel.Key,
				Participants:  participants,
				CreatedAt:     now,
				LastMessageAt: now,
				IsActive:      true,
			}}
		}
		if current.IsActive && current.ID == rel.Key && sameParticipants(current.Participants, participants) {
			return nil
		}
		fixed := *current
		fixed.ID = rel.Key
		fixed.Participants = participants
		fixed.IsActive = true
		return &Write{Ref: ref, Value: &fixed}
	case model.StatusBlocked:
		if current != nil {
			return &Write{Ref: ref, Delete: true}
		}
	}
	return nil
}

func sameParticipants(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
