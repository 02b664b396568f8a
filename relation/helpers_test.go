package relation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/friendsync/archive"
	"github.com/kasuganosora/friendsync/audit"
	"github.com/kasuganosora/friendsync/cache"
	"github.com/kasuganosora/friendsync/model"
	"github.com/kasuganosora/friendsync/store"
	"github.com/kasuganosora/friendsync/store/memory"
	"github.com/kasuganosora/friendsync/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeUsers struct {
	ids    map[string]bool
	emails map[string]string
}

func (u *fakeUsers) Resolve(_ context.Context, emailOrID string) (string, bool, error) {
	if strings.Contains(emailOrID, "@") {
		id, ok := u.emails[strings.ToLower(emailOrID)]
		return id, ok, nil
	}
	return emailOrID, u.ids[emailOrID], nil
}

type notification struct {
	UserID  string
	Event   string
	Payload map[string]string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(_ context.Context, userID, event string, payload map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{UserID: userID, Event: event, Payload: payload})
	return nil
}

func (n *recordingNotifier) events(userID string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		if s.UserID == userID {
			out = append(out, s.Event)
		}
	}
	return out
}

type recordingArchiver struct {
	mu   sync.Mutex
	jobs []archive.Job
	err  error
}

func (a *recordingArchiver) Run(_ context.Context, job archive.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, job)
	return a.err
}

func (a *recordingArchiver) all() []archive.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]archive.Job(nil), a.jobs...)
}

type recordingAuditor struct {
	mu      sync.Mutex
	entries []audit.AuditEntry
}

func (r *recordingAuditor) Log(e audit.AuditEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func (r *recordingAuditor) last() audit.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[len(r.entries)-1]
}

type fixture struct {
	store    *memory.Store
	cache    cache.Cache
	queue    *RepairQueue
	notifier *recordingNotifier
	archiver *recordingArchiver
	auditor  *recordingAuditor
	svc      *Service
}

var testUsers = []string{"alice", "bob", "carol"}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := testutil.SetupTestStore(t)
	c, _ := testutil.SetupTestCache(t)
	f := &fixture{
		store:    s,
		cache:    c,
		queue:    NewRepairQueue(c),
		notifier: &recordingNotifier{},
		archiver: &recordingArchiver{},
		auditor:  &recordingAuditor{},
	}
	users := &fakeUsers{ids: map[string]bool{}, emails: map[string]string{}}
	for _, id := range testUsers {
		users.ids[id] = true
		users.emails[id+"@example.com"] = id
	}
	f.svc = NewService(s, Deps{
		Users:    users,
		Archiver: f.archiver,
		Notifier: f.notifier,
		Auditor:  f.auditor,
		Queue:    f.queue,
	}, Options{TransitionTimeout: 5 * time.Second, EffectTimeout: 5 * time.Second}, zap.NewNop())
	t.Cleanup(f.svc.Wait)
	return f
}

func mustPair(t *testing.T, x, y string) Pair {
	t.Helper()
	p, err := NewPair(x, y)
	require.NoError(t, err)
	return p
}

func (f *fixture) load(t *testing.T, x, y string) *Snapshot {
	t.Helper()
	snap, err := f.svc.Repository().LoadPair(context.Background(), mustPair(t, x, y))
	require.NoError(t, err)
	return snap
}

// put writes v directly, bypassing the executor, to simulate drift.
func (f *fixture) put(t *testing.T, ref store.Ref, v any) {
	t.Helper()
	w, err := store.SetJSON(ref, v)
	require.NoError(t, err)
	require.NoError(t, f.store.Batch(context.Background(), []store.Write{w}))
}

func (f *fixture) remove(t *testing.T, ref store.Ref) {
	t.Helper()
	require.NoError(t, f.store.Batch(context.Background(), []store.Write{{Ref: ref, Delete: true}}))
}

// requireConsistent asserts both mirrors and the conversation agree with the
// relationship of x and y.
func (f *fixture) requireConsistent(t *testing.T, x, y string) {
	t.Helper()
	report, err := f.svc.CheckConsistency(context.Background(), x, y)
	require.NoError(t, err)
	require.True(t, report.Consistent, "issues: %+v", report.Issues)
}

func (f *fixture) befriend(t *testing.T, x, y string) string {
	t.Helper()
	ctx := context.Background()
	key, err := f.svc.SendFriendRequest(ctx, x, y)
	require.NoError(t, err)
	require.NoError(t, f.svc.AcceptFriendRequest(ctx, y, key))
	return key
}

func requireRejected(t *testing.T, err error, code Code, reason Reason) {
	t.Helper()
	require.Error(t, err)
	var r *Rejection
	require.True(t, errors.As(err, &r), "expected rejection, got %v", err)
	require.Equal(t, code, r.Code, "code")
	if reason != "" {
		require.Equal(t, reason, r.Reason, "reason")
	}
}

func mirrorStatus(snap *Snapshot, owner string) model.RelationshipStatus {
	if m := snap.Mirror(owner); m != nil {
		return m.Status
	}
	return ""
}

func convRef(key string) store.Ref {
	return store.Ref{Collection: CollectionConversations, Key: key}
}
