package relation

import (
	"testing"
	"time"

	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pair = Pair{A: "alice", B: "bob"}
)

func rel(status model.RelationshipStatus, initiator, blockedBy string) *model.Relationship {
	return &model.Relationship{
		Key: pair.Key(), UserA: pair.A, UserB: pair.B,
		Status: status, Initiator: initiator, BlockedBy: blockedBy,
		CreatedAt: t0, UpdatedAt: t0,
	}
}

func activeConv() *model.Conversation {
	return &model.Conversation{ID: pair.Key(), Participants: []string{"alice", "bob"}, CreatedAt: t0, IsActive: true}
}

func input(action Action, actor string, r *model.Relationship, conv *model.Conversation) Input {
	return Input{
		Action:   action,
		Actor:    actor,
		Pair:     pair,
		Snapshot: &Snapshot{Pair: pair, Relationship: r, Conversation: conv},
		Now:      t0.Add(time.Minute),
		EventID:  "ev-1",
	}
}

func TestTransition_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		in     Input
		code   Code
		reason Reason
	}{
		{"no actor", input(ActionSendRequest, "", nil, nil), CodeUnauthenticated, ReasonUnauthenticated},
		{"outsider", input(ActionAccept, "carol", rel(model.StatusPending, "alice", ""), nil), CodePermissionDenied, ReasonNotAuthorized},
		{"request while pending", input(ActionSendRequest, "bob", rel(model.StatusPending, "alice", ""), nil), CodeAlreadyExists, ReasonAlreadyPending},
		{"request while friends", input(ActionSendRequest, "alice", rel(model.StatusAccepted, "alice", ""), nil), CodeAlreadyExists, ReasonAlreadyFriends},
		{"request toward blocked user", input(ActionSendRequest, "alice", rel(model.StatusBlocked, "alice", "alice"), nil), CodeFailedPrecondition, ReasonBlocked},
		{"request from blocked user", input(ActionSendRequest, "bob", rel(model.StatusBlocked, "alice", "alice"), nil), CodeNotFound, ReasonNotFound},
		{"accept absent", input(ActionAccept, "bob", nil, nil), CodeNotFound, ReasonNotFound},
		{"accept own request", input(ActionAccept, "alice", rel(model.StatusPending, "alice", ""), nil), CodePermissionDenied, ReasonNotAuthorized},
		{"accept accepted", input(ActionAccept, "bob", rel(model.StatusAccepted, "alice", ""), nil), CodeFailedPrecondition, ReasonNotPending},
		{"accept while blocked by other", input(ActionAccept, "bob", rel(model.StatusBlocked, "alice", "alice"), nil), CodeNotFound, ReasonNotFound},
		{"reject absent", input(ActionReject, "bob", nil, nil), CodeNotFound, ReasonNotFound},
		{"reject accepted", input(ActionReject, "bob", rel(model.StatusAccepted, "alice", ""), nil), CodeFailedPrecondition, ReasonNotPending},
		{"unfriend absent", input(ActionUnfriend, "bob", nil, nil), CodeNotFound, ReasonNotFound},
		{"unfriend pending", input(ActionUnfriend, "bob", rel(model.StatusPending, "alice", ""), nil), CodeFailedPrecondition, ReasonNotAccepted},
		{"block when blocked by other", input(ActionBlock, "bob", rel(model.StatusBlocked, "alice", "alice"), nil), CodeNotFound, ReasonNotFound},
		{"unblock absent", input(ActionUnblock, "alice", nil, nil), CodeNotFound, ReasonNotFound},
		{"unblock accepted", input(ActionUnblock, "alice", rel(model.StatusAccepted, "alice", ""), nil), CodeFailedPrecondition, ReasonNotBlocked},
		{"unblock by blocked party", input(ActionUnblock, "bob", rel(model.StatusBlocked, "alice", "alice"), nil), CodePermissionDenied, ReasonNotAuthorized},
		{"unknown action", input(Action("poke"), "alice", nil, nil), CodeInvalidArgument, ReasonInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Transition(tc.in)
			requireRejected(t, err, tc.code, tc.reason)
		})
	}
}

func TestTransition_DuplicateRequestCarriesKey(t *testing.T) {
	_, err := Transition(input(ActionSendRequest, "alice", rel(model.StatusPending, "alice", ""), nil))
	r, ok := AsRejection(err)
	require.True(t, ok)
	assert.Equal(t, "alice_bob", r.RelationshipKey)
}

func TestTransition_SendRequest(t *testing.T) {
	d, err := Transition(input(ActionSendRequest, "bob", nil, nil))
	require.NoError(t, err)
	require.NotNil(t, d.Next)
	assert.Equal(t, model.StatusPending, d.Next.Status)
	assert.Equal(t, "bob", d.Next.Initiator)
	require.Len(t, d.Writes, 3)

	mirrors := ExpectedMirrors(d.Next, t0)
	assert.Equal(t, model.RoleRecipient, mirrors[0].Role, "alice")
	assert.Equal(t, model.RoleInitiator, mirrors[1].Role, "bob")

	require.Len(t, d.Effects, 1)
	assert.Equal(t, EffectNotify, d.Effects[0].Kind)
	assert.Equal(t, "alice", d.Effects[0].UserID)
	assert.Equal(t, NotifyFriendRequest, d.Effects[0].Event)
}

func TestTransition_AcceptCreatesConversation(t *testing.T) {
	d, err := Transition(input(ActionAccept, "bob", rel(model.StatusPending, "alice", ""), nil))
	require.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, d.Next.Status)
	assert.Equal(t, "alice", d.Next.Initiator)
	assert.Equal(t, t0, d.Next.CreatedAt)

	var conv *model.Conversation
	for _, w := range d.Writes {
		if w.Ref.Collection == CollectionConversations {
			conv = w.Value.(*model.Conversation)
		}
	}
	require.NotNil(t, conv)
	assert.True(t, conv.IsActive)
	assert.Equal(t, []string{"alice", "bob"}, conv.Participants)
	assert.Equal(t, "alice", d.Effects[0].UserID)
	assert.Equal(t, NotifyFriendAccepted, d.Effects[0].Event)
}

func TestTransition_AcceptReactivatesConversation(t *testing.T) {
	old := activeConv()
	old.IsActive = false
	d, err := Transition(input(ActionAccept, "bob", rel(model.StatusPending, "alice", ""), old))
	require.NoError(t, err)
	last := d.Writes[len(d.Writes)-1]
	conv := last.Value.(*model.Conversation)
	assert.True(t, conv.IsActive)
	assert.Equal(t, t0, conv.CreatedAt, "history kept")
}

func TestTransition_Unfriend(t *testing.T) {
	d, err := Transition(input(ActionUnfriend, "bob", rel(model.StatusAccepted, "alice", ""), activeConv()))
	require.NoError(t, err)
	assert.Nil(t, d.Next)
	require.NotNil(t, d.Event)
	assert.Equal(t, model.EventUnfriend, d.Event.Action)
	assert.Equal(t, "bob", d.Event.InitiatorID)
	assert.Equal(t, "alice", d.Event.TargetID)
	assert.Equal(t, "ev-1", d.Event.ID)
	assert.Contains(t, d.Writes, Write{Ref: store.Ref{Collection: CollectionEvents, Key: "alice_bob/ev-1"}, Value: d.Event})

	deletes := 0
	for _, w := range d.Writes {
		if w.Delete {
			deletes++
		}
		if w.Ref.Collection == CollectionConversations {
			assert.False(t, w.Delete)
			assert.False(t, w.Value.(*model.Conversation).IsActive)
		}
	}
	assert.Equal(t, 3, deletes)

	var archived []string
	for _, e := range d.Effects {
		if e.Kind == EffectArchiveContent {
			archived = append(archived, e.UserID)
			assert.Equal(t, t0.Add(time.Minute), e.Before)
		}
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, archived)
}

func TestTransition_BlockFresh(t *testing.T) {
	d, err := Transition(input(ActionBlock, "alice", nil, nil))
	require.NoError(t, err)
	assert.Equal(t, model.StatusBlocked, d.Next.Status)
	assert.Equal(t, "alice", d.Next.BlockedBy)
	assert.Equal(t, "alice", d.Next.Initiator)
	assert.Empty(t, d.Effects)

	mirrors := ExpectedMirrors(d.Next, t0)
	assert.Equal(t, model.RoleBlocker, mirrors[0].Role)
	assert.Equal(t, model.RoleBlocked, mirrors[1].Role)
}

func TestTransition_BlockFriendPurgesConversation(t *testing.T) {
	d, err := Transition(input(ActionBlock, "bob", rel(model.StatusAccepted, "alice", ""), activeConv()))
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Next.Initiator, "initiator kept")
	assert.Equal(t, "bob", d.Next.BlockedBy)

	last := d.Writes[len(d.Writes)-1]
	assert.Equal(t, CollectionConversations, last.Ref.Collection)
	assert.True(t, last.Delete)
	require.Len(t, d.Effects, 1)
	assert.Equal(t, EffectPurgeConversation, d.Effects[0].Kind)
}

func TestTransition_ReblockIsUpsert(t *testing.T) {
	d, err := Transition(input(ActionBlock, "alice", rel(model.StatusBlocked, "alice", "alice"), nil))
	require.NoError(t, err)
	assert.Equal(t, "alice", d.Next.BlockedBy)
}

func TestTransition_Unblock(t *testing.T) {
	d, err := Transition(input(ActionUnblock, "alice", rel(model.StatusBlocked, "bob", "alice"), nil))
	require.NoError(t, err)
	assert.Nil(t, d.Next)
	require.NotNil(t, d.Event)
	assert.Equal(t, model.EventUnblock, d.Event.Action)
	assert.Len(t, d.Writes, 4)
}

func TestTransition_RejectByEitherParty(t *testing.T) {
	for _, actor := range []string{"alice", "bob"} {
		d, err := Transition(input(ActionReject, actor, rel(model.StatusPending, "alice", ""), nil))
		require.NoError(t, err, actor)
		assert.Len(t, d.Writes, 3)
		for _, w := range d.Writes {
			assert.True(t, w.Delete)
		}
	}
}

func TestStateOf(t *testing.T) {
	assert.Equal(t, StateAbsent, StateOf(nil))
	assert.Equal(t, StatePending, StateOf(rel(model.StatusPending, "alice", "")))
	assert.Equal(t, StateAccepted, StateOf(rel(model.StatusAccepted, "alice", "")))
	assert.Equal(t, StateBlocked, StateOf(rel(model.StatusBlocked, "alice", "alice")))
	assert.Equal(t, "absent", StateAbsent.String())
	assert.Equal(t, "blocked", StateBlocked.String())
}

func TestPlanConversation(t *testing.T) {
	accepted := rel(model.StatusAccepted, "alice", "")
	assert.Nil(t, planConversation(accepted, activeConv(), t0))

	swapped := activeConv()
	swapped.Participants = []string{"bob", "alice"}
	w := planConversation(accepted, swapped, t0)
	require.NotNil(t, w)
	assert.Equal(t, []string{"alice", "bob"}, w.Value.(*model.Conversation).Participants)

	assert.Nil(t, planConversation(rel(model.StatusPending, "alice", ""), nil, t0))
	assert.Nil(t, planConversation(rel(model.StatusBlocked, "alice", "alice"), nil, t0))
	w = planConversation(rel(model.StatusBlocked, "alice", "alice"), activeConv(), t0)
	require.NotNil(t, w)
	assert.True(t, w.Delete)
}
