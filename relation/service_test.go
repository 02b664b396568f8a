package relation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kasuganosora/friendsync/archive"
	"github.com/kasuganosora/friendsync/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFriendRequest_CreatesPendingWithMirrors(t *testing.T) {
	f := newFixture(t)
	key, err := f.svc.SendFriendRequest(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice_bob", key)

	snap := f.load(t, "alice", "bob")
	require.NotNil(t, snap.Relationship)
	assert.Equal(t, model.StatusPending, snap.Relationship.Status)
	assert.Equal(t, "bob", snap.Relationship.Initiator)
	assert.Equal(t, model.RoleInitiator, snap.Mirror("bob").Role)
	assert.Equal(t, model.RoleRecipient, snap.Mirror("alice").Role)
	assert.Equal(t, "bob", snap.Mirror("alice").OtherUserID)
	assert.Nil(t, snap.Conversation)
	f.requireConsistent(t, "alice", "bob")

	f.svc.Wait()
	assert.Equal(t, []string{NotifyFriendRequest}, f.notifier.events("alice"))
}

func TestSendFriendRequest_ByEmail(t *testing.T) {
	f := newFixture(t)
	key, err := f.svc.SendFriendRequest(context.Background(), "alice", "carol@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice_carol", key)
}

func TestSendFriendRequest_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendFriendRequest(ctx, "", "bob")
	requireRejected(t, err, CodeUnauthenticated, ReasonUnauthenticated)

	_, err = f.svc.SendFriendRequest(ctx, "alice", "")
	requireRejected(t, err, CodeInvalidArgument, ReasonInvalidArgument)

	_, err = f.svc.SendFriendRequest(ctx, "alice", "ghost")
	requireRejected(t, err, CodeNotFound, ReasonNotFound)

	_, err = f.svc.SendFriendRequest(ctx, "alice", "ghost@example.com")
	requireRejected(t, err, CodeNotFound, ReasonNotFound)

	_, err = f.svc.SendFriendRequest(ctx, "alice", "alice@example.com")
	requireRejected(t, err, CodeInvalidArgument, ReasonSelfTarget)
}

func TestSendFriendRequest_DuplicateIsClientVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = f.svc.SendFriendRequest(ctx, "alice", "bob")
	requireRejected(t, err, CodeAlreadyExists, ReasonAlreadyPending)
	_, err = f.svc.SendFriendRequest(ctx, "bob", "alice")
	requireRejected(t, err, CodeAlreadyExists, ReasonAlreadyPending)
	r, _ := AsRejection(err)
	assert.Equal(t, "alice_bob", r.RelationshipKey)

	require.NoError(t, f.svc.AcceptFriendRequest(ctx, "bob", "alice_bob"))
	_, err = f.svc.SendFriendRequest(ctx, "bob", "alice")
	requireRejected(t, err, CodeAlreadyExists, ReasonAlreadyFriends)
}

func TestRoundTrip_AcceptThenUnfriend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key := f.befriend(t, "alice", "bob")
	snap := f.load(t, "alice", "bob")
	assert.Equal(t, model.StatusAccepted, snap.Relationship.Status)
	require.NotNil(t, snap.Conversation)
	assert.True(t, snap.Conversation.IsActive)
	assert.ElementsMatch(t, []string{"alice", "bob"}, snap.Conversation.Participants)
	assert.Equal(t, key, snap.Conversation.ID)
	f.requireConsistent(t, "alice", "bob")

	require.NoError(t, f.svc.Unfriend(ctx, "bob", "alice"))
	snap = f.load(t, "alice", "bob")
	assert.Nil(t, snap.Relationship)
	assert.Empty(t, snap.Mirrors)
	require.NotNil(t, snap.Conversation, "conversation is deactivated, not deleted")
	assert.False(t, snap.Conversation.IsActive)
	f.requireConsistent(t, "alice", "bob")

	events, err := f.svc.Repository().Events(ctx, key)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventUnfriend, events[0].Action)
	assert.Equal(t, "bob", events[0].InitiatorID)

	f.svc.Wait()
	jobs := f.archiver.all()
	require.Len(t, jobs, 2)
	var owners []string
	for _, j := range jobs {
		assert.Equal(t, archive.JobArchiveOwned, j.Kind)
		assert.Equal(t, key, j.ConversationID)
		assert.True(t, j.Before.Equal(events[0].Timestamp), "archiving stops at the unfriend time")
		owners = append(owners, j.OwnerID)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, owners)
	assert.ElementsMatch(t, []string{NotifyFriendAccepted, NotifyConversationDeactivate}, f.notifier.events("alice"))
}

func TestRefriend_ReactivatesConversation(t *testing.T) {
	f := newFixture(t)
	f.befriend(t, "alice", "bob")
	require.NoError(t, f.svc.Unfriend(context.Background(), "alice", "bob"))
	f.befriend(t, "bob", "alice")

	snap := f.load(t, "alice", "bob")
	assert.Equal(t, "bob", snap.Relationship.Initiator)
	assert.True(t, snap.Conversation.IsActive)
	f.requireConsistent(t, "alice", "bob")
}

func TestAcceptFriendRequest_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requireRejected(t, f.svc.AcceptFriendRequest(ctx, "bob", "alice_bob"), CodeNotFound, ReasonNotFound)
	requireRejected(t, f.svc.AcceptFriendRequest(ctx, "bob", "bob_alice"), CodeInvalidArgument, ReasonInvalidArgument)
	requireRejected(t, f.svc.AcceptFriendRequest(ctx, "", "alice_bob"), CodeUnauthenticated, ReasonUnauthenticated)

	key, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	requireRejected(t, f.svc.AcceptFriendRequest(ctx, "alice", key), CodePermissionDenied, ReasonNotAuthorized)
	requireRejected(t, f.svc.AcceptFriendRequest(ctx, "carol", key), CodePermissionDenied, ReasonNotAuthorized)

	require.NoError(t, f.svc.AcceptFriendRequest(ctx, "bob", key))
	requireRejected(t, f.svc.AcceptFriendRequest(ctx, "bob", key), CodeFailedPrecondition, ReasonNotPending)
}

func TestRejectThenRerequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	key, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.svc.RejectFriendRequest(ctx, "bob", key))

	snap := f.load(t, "alice", "bob")
	assert.Nil(t, snap.Relationship)
	assert.Empty(t, snap.Mirrors)
	requireRejected(t, f.svc.RejectFriendRequest(ctx, "bob", key), CodeNotFound, ReasonNotFound)

	_, err = f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, f.load(t, "alice", "bob").Relationship.Status)
	f.requireConsistent(t, "alice", "bob")
}

func TestInitiatorCancelsOwnRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	require.NoError(t, f.svc.RejectFriendRequest(ctx, "alice", key))
	assert.Nil(t, f.load(t, "alice", "bob").Relationship)
}

func TestUnfriend_NotAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	requireRejected(t, f.svc.Unfriend(ctx, "alice", "bob"), CodeNotFound, ReasonNotFound)
	_, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	requireRejected(t, f.svc.Unfriend(ctx, "alice", "bob"), CodeFailedPrecondition, ReasonNotAccepted)
}

func TestBlock_WithoutPriorRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.BlockUser(ctx, "alice", "bob"))
	snap := f.load(t, "alice", "bob")
	require.NotNil(t, snap.Relationship)
	assert.Equal(t, model.StatusBlocked, snap.Relationship.Status)
	assert.Equal(t, "alice", snap.Relationship.BlockedBy)
	assert.Equal(t, model.RoleBlocker, snap.Mirror("alice").Role)
	assert.Equal(t, model.RoleBlocked, snap.Mirror("bob").Role)
	f.requireConsistent(t, "alice", "bob")

	requireRejected(t, f.svc.UnblockUser(ctx, "bob", "alice"), CodePermissionDenied, ReasonNotAuthorized)
}

func TestBlock_UnknownUser(t *testing.T) {
	f := newFixture(t)
	requireRejected(t, f.svc.BlockUser(context.Background(), "alice", "ghost"), CodeNotFound, ReasonNotFound)
}

func TestBlock_FriendIsIndistinguishableFromMissingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := f.befriend(t, "alice", "bob")

	require.NoError(t, f.svc.BlockUser(ctx, "alice", "bob"))
	snap := f.load(t, "alice", "bob")
	assert.Equal(t, model.StatusBlocked, snap.Relationship.Status)
	assert.Equal(t, "alice", snap.Relationship.BlockedBy)
	assert.Nil(t, snap.Conversation)
	f.requireConsistent(t, "alice", "bob")

	_, err := f.svc.SendFriendRequest(ctx, "bob", "alice")
	requireRejected(t, err, CodeNotFound, ReasonNotFound)
	requireRejected(t, f.svc.Unfriend(ctx, "bob", "alice"), CodeNotFound, ReasonNotFound)
	requireRejected(t, f.svc.BlockUser(ctx, "bob", "alice"), CodeNotFound, ReasonNotFound)
	requireRejected(t, f.svc.AcceptFriendRequest(ctx, "bob", key), CodeNotFound, ReasonNotFound)

	_, err = f.svc.SendFriendRequest(ctx, "alice", "bob")
	requireRejected(t, err, CodeFailedPrecondition, ReasonBlocked)

	f.svc.Wait()
	assert.Contains(t, f.archiver.all(), archive.Job{Kind: archive.JobPurgeConversation, ConversationID: key})
}

func TestUnblock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requireRejected(t, f.svc.UnblockUser(ctx, "alice", "bob"), CodeNotFound, ReasonNotFound)
	f.befriend(t, "alice", "bob")
	requireRejected(t, f.svc.UnblockUser(ctx, "alice", "bob"), CodeFailedPrecondition, ReasonNotBlocked)

	require.NoError(t, f.svc.BlockUser(ctx, "bob", "alice"))
	require.NoError(t, f.svc.UnblockUser(ctx, "bob", "alice"))
	snap := f.load(t, "alice", "bob")
	assert.Nil(t, snap.Relationship)
	assert.Empty(t, snap.Mirrors)

	events, err := f.svc.Repository().Events(ctx, "alice_bob")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventUnblock, events[0].Action)
	doc, err := f.store.Get(ctx, mustPair(t, "alice", "bob").eventRef(events[0].ID))
	require.NoError(t, err)
	assert.True(t, doc.Exists, "events are keyed under their relationship")

	_, err = f.svc.SendFriendRequest(ctx, "alice", "bob")
	assert.NoError(t, err)
}

func TestConcurrentAccept_ExactlyOneSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)

	var arrived int32
	release := make(chan struct{})
	f.store.SetCommitHook(func() {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(release)
		}
		<-release
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.svc.AcceptFriendRequest(ctx, "bob", key)
		}()
	}
	wg.Wait()
	f.store.SetCommitHook(nil)

	var ok, rejected int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		requireRejected(t, err, CodeFailedPrecondition, ReasonNotPending)
		rejected++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	f.requireConsistent(t, "alice", "bob")
}

func TestConcurrentOppositeRequests_SingleRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var arrived int32
	release := make(chan struct{})
	f.store.SetCommitHook(func() {
		if atomic.AddInt32(&arrived, 1) == 2 {
			close(release)
		}
		<-release
	})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	pairs := [][2]string{{"alice", "bob"}, {"bob", "alice"}}
	for i := range pairs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.SendFriendRequest(ctx, pairs[i][0], pairs[i][1])
		}()
	}
	wg.Wait()
	f.store.SetCommitHook(nil)

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireRejected(t, err, CodeAlreadyExists, ReasonAlreadyPending)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.store.Len(CollectionRelationships))
	assert.Equal(t, 2, f.store.Len(CollectionMirrors))
	f.requireConsistent(t, "alice", "bob")
}

func TestTransition_StoreFailureIsInternal(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.Error(t, err)
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Nil(t, f.load(t, "alice", "bob").Relationship)
}

func TestSideEffectFailure_DoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.archiver.err = errors.New("archive backend down")
	f.befriend(t, "alice", "bob")

	require.NoError(t, f.svc.Unfriend(context.Background(), "alice", "bob"))
	f.svc.Wait()
	assert.Len(t, f.archiver.all(), 2)
	assert.Nil(t, f.load(t, "alice", "bob").Relationship)
}

func TestListRelationships(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	_, err := f.svc.SendFriendRequest(ctx, "carol", "alice")
	require.NoError(t, err)

	all, err := f.svc.ListRelationships(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "bob", all[0].OtherUserID)
	assert.Equal(t, "carol", all[1].OtherUserID)

	pending, err := f.svc.ListRelationships(ctx, "alice", model.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, model.RoleRecipient, pending[0].Role)

	require.NoError(t, f.svc.BlockUser(ctx, "bob", "alice"))
	all, err = f.svc.ListRelationships(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, all, 1, "a block placed on alice is hidden from her")
	blocked, err := f.svc.ListRelationships(ctx, "bob", model.StatusBlocked)
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, model.RoleBlocker, blocked[0].Role)

	_, err = f.svc.ListRelationships(ctx, "alice", "friends")
	requireRejected(t, err, CodeInvalidArgument, ReasonInvalidArgument)
	_, err = f.svc.ListRelationships(ctx, "", "")
	requireRejected(t, err, CodeUnauthenticated, ReasonUnauthenticated)
}

func TestAudit_RecordsRejectionsAndSuccesses(t *testing.T) {
	f := newFixture(t)
	ctx := WithTraceID(context.Background(), "trace-1")

	_, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	require.NoError(t, err)
	e := f.auditor.last()
	assert.Equal(t, "trace-1", e.TraceID)
	assert.Equal(t, string(ActionSendRequest), e.Action)
	assert.Equal(t, string(CodeOK), e.Code)
	assert.Equal(t, "bob", e.TargetID)
	assert.Equal(t, map[string]string{"from": "absent", "to": "pending"}, e.Detail)

	_ = f.svc.AcceptFriendRequest(ctx, "alice", "alice_bob")
	e = f.auditor.last()
	assert.Equal(t, string(CodePermissionDenied), e.Code)
	assert.Equal(t, string(ReasonNotAuthorized), e.Reason)
	assert.Empty(t, e.Error)
}

func TestDrift_EnqueuedForRepair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.befriend(t, "alice", "bob")
	f.remove(t, mirrorRef("bob", "alice"))

	_, err := f.svc.SendFriendRequest(ctx, "alice", "bob")
	requireRejected(t, err, CodeAlreadyExists, ReasonAlreadyFriends)

	pending, err := f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice_bob"}, pending)

	n, err := f.svc.RepairPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.requireConsistent(t, "alice", "bob")
	pending, err = f.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestEvents_ScopedToRelationship(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clock := t0
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	f.befriend(t, "alice", "bob")
	f.befriend(t, "alice", "carol")
	require.NoError(t, f.svc.Unfriend(ctx, "alice", "carol"))
	require.NoError(t, f.svc.Unfriend(ctx, "alice", "bob"))
	require.NoError(t, f.svc.BlockUser(ctx, "bob", "alice"))
	require.NoError(t, f.svc.UnblockUser(ctx, "bob", "alice"))

	events, err := f.svc.Repository().Events(ctx, "alice_bob")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventUnfriend, events[0].Action)
	assert.Equal(t, model.EventUnblock, events[1].Action)
	for _, ev := range events {
		assert.Equal(t, "alice_bob", ev.RelationshipKey)
	}

	events, err = f.svc.Repository().Events(ctx, "alice_carol")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "carol", events[0].TargetID)
}
