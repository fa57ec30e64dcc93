package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akosev/ringlet/internal/app"
	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/akosev/ringlet/internal/turncred"
	"github.com/stretchr/testify/require"
)

type captureNotifier struct {
	mu     sync.Mutex
	events map[domain.UserID][]any
}

func newCaptureNotifier() *captureNotifier {
	return &captureNotifier{events: make(map[domain.UserID][]any)}
}

func (n *captureNotifier) SendTo(user domain.UserID, v any) {
	n.mu.Lock()
	n.events[user] = append(n.events[user], v)
	n.mu.Unlock()
}

func (n *captureNotifier) eventsOf(user domain.UserID) []any {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]any, len(n.events[user]))
	copy(out, n.events[user])
	return out
}

func (n *captureNotifier) lastOf(user domain.UserID) any {
	evs := n.eventsOf(user)
	if len(evs) == 0 {
		return nil
	}
	return evs[len(evs)-1]
}

type fakeDirectory struct {
	users map[domain.UserID]core.UserInfo
}

func (d fakeDirectory) Lookup(_ context.Context, id domain.UserID) (core.UserInfo, error) {
	return d.users[id], nil
}

type fakePresence struct {
	offline map[domain.UserID]bool
	fail    map[domain.UserID]bool
}

func (p fakePresence) IsOnline(_ context.Context, id domain.UserID) (bool, error) {
	if p.fail[id] {
		return false, errors.New("presence backend down")
	}
	return !p.offline[id], nil
}

type fixture struct {
	orch   *Orchestrator
	notify *captureNotifier
}

func knownUsers(ids ...domain.UserID) map[domain.UserID]core.UserInfo {
	m := make(map[domain.UserID]core.UserInfo, len(ids))
	for _, id := range ids {
		m[id] = core.UserInfo{Exists: true}
	}
	return m
}

func newFixture(t *testing.T, tweak func(*Orchestrator)) *fixture {
	t.Helper()

	issuer, err := turncred.NewIssuer(turncred.Config{
		SharedSecret: "test-secret",
		TTL:          time.Hour,
		Now:          func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
	})
	require.NoError(t, err)

	notify := newCaptureNotifier()
	reg := app.NewRegistry()

	o := &Orchestrator{
		Registry:  reg,
		Relay:     app.NewRelay(reg, nil, notify, time.Hour),
		Creds:     issuer,
		Presence:  fakePresence{},
		Directory: fakeDirectory{users: knownUsers("alice", "bob", "carol", "dave")},
		Notify:    notify,
		Servers: RelayServers{
			STUNURLs: []string{"stun:stun.example.com:3478"},
			TURNURLs: [][]string{{"turn:turn.example.com:3478?transport=udp"}},
		},
		Limits: Limits{
			RingTimeout:     0, // timers armed per test
			MaxCallDuration: 4 * time.Hour,
			SweepInterval:   time.Hour,
			QualityInterval: time.Hour,
			EvictGrace:      time.Hour,
		},
	}
	if tweak != nil {
		tweak(o)
	}
	return &fixture{orch: o, notify: notify}
}

func TestInitiateHappyPath(t *testing.T) {
	f := newFixture(t, nil)

	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "chat-7")
	require.NoError(t, err)
	require.NotEmpty(t, grant.CallID)

	// One STUN entry plus one credentialed TURN entry.
	require.Len(t, grant.RelayServers, 2)
	require.Empty(t, grant.RelayServers[0].Username)
	require.Contains(t, grant.RelayServers[1].Username, ":alice")
	require.NotEmpty(t, grant.RelayServers[1].Credential)

	ev, ok := f.notify.lastOf("bob").(core.IncomingCallEvent)
	require.True(t, ok)
	require.Equal(t, grant.CallID, ev.CallID)
	require.Equal(t, domain.UserID("alice"), ev.Initiator)
	require.Equal(t, domain.CallKindVoice, ev.Kind)
	require.Equal(t, domain.ChatRef("chat-7"), ev.ChatRef)

	sess, ok := f.orch.Registry.Get(grant.CallID)
	require.True(t, ok)
	require.Equal(t, domain.CallStatusRinging, sess.Status)

	id, ok := f.orch.Registry.ActiveCallOf("bob")
	require.True(t, ok)
	require.Equal(t, grant.CallID, id)
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.Initiate(ctx, "alice", []domain.UserID{"bob"}, "holographic", "")
	require.Error(t, err)

	_, err = f.orch.Initiate(ctx, "alice", nil, domain.CallKindVoice, "")
	require.Error(t, err)

	_, err = f.orch.Initiate(ctx, "alice", []domain.UserID{"alice"}, domain.CallKindVoice, "")
	require.Error(t, err)

	many := make([]domain.UserID, core.MaxCallParticipants)
	for i := range many {
		many[i] = domain.UserID(string(rune('a' + i)))
	}
	_, err = f.orch.Initiate(ctx, "alice", many, domain.CallKindVoice, "")
	require.ErrorIs(t, err, core.ErrCallFull)
}

func TestInitiateRejectsUnknownAndBannedUsers(t *testing.T) {
	f := newFixture(t, func(o *Orchestrator) {
		users := knownUsers("alice", "bob")
		users["mallory"] = core.UserInfo{Exists: true, Banned: true}
		o.Directory = fakeDirectory{users: users}
	})
	ctx := context.Background()

	_, err := f.orch.Initiate(ctx, "alice", []domain.UserID{"ghost"}, domain.CallKindVoice, "")
	require.ErrorIs(t, err, core.ErrParticipantUnavailable)

	_, err = f.orch.Initiate(ctx, "alice", []domain.UserID{"mallory"}, domain.CallKindVoice, "")
	require.ErrorIs(t, err, core.ErrParticipantUnavailable)
}

func TestInitiatePresenceIsAHint(t *testing.T) {
	f := newFixture(t, func(o *Orchestrator) {
		o.Presence = fakePresence{
			offline: map[domain.UserID]bool{"bob": true},
			fail:    map[domain.UserID]bool{"carol": true},
		}
	})
	ctx := context.Background()

	// Confirmed offline rejects early.
	_, err := f.orch.Initiate(ctx, "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.ErrorIs(t, err, core.ErrParticipantUnavailable)

	// A presence backend failure must not block the call.
	_, err = f.orch.Initiate(ctx, "alice", []domain.UserID{"carol"}, domain.CallKindVoice, "")
	require.NoError(t, err)
}

func TestInitiateBusyParticipants(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.orch.Initiate(ctx, "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	_, err = f.orch.Initiate(ctx, "carol", []domain.UserID{"bob", "dave"}, domain.CallKindVoice, "")
	var busy *core.BusyError
	require.ErrorAs(t, err, &busy)
	require.Equal(t, []domain.UserID{"bob"}, busy.Busy)

	// The rejected initiator is free to call someone else.
	_, err = f.orch.Initiate(ctx, "carol", []domain.UserID{"dave"}, domain.CallKindVoice, "")
	require.NoError(t, err)
}

func TestAnswerFlow(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVideo, "")
	require.NoError(t, err)

	answerGrant, err := f.orch.Answer(grant.CallID, "bob")
	require.NoError(t, err)
	require.Equal(t, grant.CallID, answerGrant.CallID)
	require.Contains(t, answerGrant.RelayServers[1].Username, ":bob")

	sess, _ := f.orch.Registry.Get(grant.CallID)
	require.Equal(t, domain.CallStatusAnswered, sess.Status)

	ev, ok := f.notify.lastOf("alice").(core.MemberEvent)
	require.True(t, ok)
	require.Equal(t, core.EventMemberJoined, ev.Type)
	require.Equal(t, domain.UserID("bob"), ev.User)

	_, err = f.orch.Answer(grant.CallID, "mallory")
	require.ErrorIs(t, err, core.ErrNotAuthorized)
}

func TestLeaveKeepsGroupCallRunning(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	grant, err := f.orch.Initiate(ctx, "alice", []domain.UserID{"bob", "carol"}, domain.CallKindVoice, "")
	require.NoError(t, err)
	_, err = f.orch.Answer(grant.CallID, "bob")
	require.NoError(t, err)
	_, err = f.orch.Answer(grant.CallID, "carol")
	require.NoError(t, err)

	require.NoError(t, f.orch.Leave(grant.CallID, "bob"))

	sess, ok := f.orch.Registry.Get(grant.CallID)
	require.True(t, ok)
	require.False(t, sess.Terminal())
	require.False(t, sess.Member("bob"))

	ev, ok := f.notify.lastOf("carol").(core.MemberEvent)
	require.True(t, ok)
	require.Equal(t, core.EventMemberLeft, ev.Type)
	require.Equal(t, domain.UserID("bob"), ev.User)

	// The busy index released bob; a new call can reach them.
	_, ok = f.orch.Registry.ActiveCallOf("bob")
	require.False(t, ok)
	_, err = f.orch.Initiate(ctx, "dave", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)
}

func TestLeaveDrainedCallEndsForLastMember(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob", "carol"}, domain.CallKindVoice, "")
	require.NoError(t, err)
	_, err = f.orch.Answer(grant.CallID, "bob")
	require.NoError(t, err)

	require.NoError(t, f.orch.Leave(grant.CallID, "carol"))
	require.NoError(t, f.orch.Leave(grant.CallID, "bob"))

	sess, _ := f.orch.Registry.Get(grant.CallID)
	require.True(t, sess.Terminal())

	ev, ok := f.notify.lastOf("alice").(core.EndedEvent)
	require.True(t, ok)
	require.Equal(t, domain.EndReasonNormal, ev.Reason)
}

func TestLeaveTwoPartyCallEndsIt(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Leave(grant.CallID, "bob"))

	sess, _ := f.orch.Registry.Get(grant.CallID)
	require.True(t, sess.Terminal())
	_, isEnd := f.notify.lastOf("alice").(core.EndedEvent)
	require.True(t, isEnd)
}

func TestRejectByOneInviteeKeepsGroupRinging(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob", "carol"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Reject(grant.CallID, "bob"))

	sess, ok := f.orch.Registry.Get(grant.CallID)
	require.True(t, ok)
	require.False(t, sess.Terminal())
	require.False(t, sess.Member("bob"))

	ev, ok := f.notify.lastOf("carol").(core.MemberEvent)
	require.True(t, ok)
	require.Equal(t, core.EventMemberRejected, ev.Type)
	require.Equal(t, domain.UserID("bob"), ev.User)

	_, ok = f.orch.Registry.ActiveCallOf("bob")
	require.False(t, ok)
}

func TestAllInviteesRejectedEndsBusy(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob", "carol"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Reject(grant.CallID, "bob"))
	require.NoError(t, f.orch.Reject(grant.CallID, "carol"))

	sess, _ := f.orch.Registry.Get(grant.CallID)
	require.True(t, sess.Terminal())

	ev, ok := f.notify.lastOf("alice").(core.EndedEvent)
	require.True(t, ok)
	require.Equal(t, domain.EndReasonBusy, ev.Reason)
	require.Equal(t, domain.SystemActor, ev.EndedBy)
}

func TestRejectEndsCallForEveryone(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.Reject(grant.CallID, "bob"))

	ev, ok := f.notify.lastOf("alice").(core.EndedEvent)
	require.True(t, ok)
	require.Equal(t, domain.EndReasonRejected, ev.Reason)
	require.Equal(t, domain.UserID("bob"), ev.EndedBy)

	sess, _ := f.orch.Registry.Get(grant.CallID)
	require.Equal(t, domain.CallStatusEnded, sess.Status)
}

func TestEndIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.End(grant.CallID, "alice"))
	before := len(f.notify.eventsOf("bob"))

	require.NoError(t, f.orch.End(grant.CallID, "bob"))
	require.Len(t, f.notify.eventsOf("bob"), before)
}

func TestRingTimeoutEndsAsMissed(t *testing.T) {
	f := newFixture(t, func(o *Orchestrator) {
		o.Limits.RingTimeout = 20 * time.Millisecond
	})
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sess, ok := f.orch.Registry.Get(grant.CallID)
		return ok && sess.Terminal()
	}, time.Second, 5*time.Millisecond)

	ev, ok := f.notify.lastOf("alice").(core.EndedEvent)
	require.True(t, ok)
	require.Equal(t, domain.EndReasonMissed, ev.Reason)
	require.Equal(t, domain.SystemActor, ev.EndedBy)
}

func TestAnswerCancelsRingTimer(t *testing.T) {
	f := newFixture(t, func(o *Orchestrator) {
		o.Limits.RingTimeout = 30 * time.Millisecond
	})
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	_, err = f.orch.Answer(grant.CallID, "bob")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	sess, ok := f.orch.Registry.Get(grant.CallID)
	require.True(t, ok)
	require.False(t, sess.Terminal())
}

func TestSweepEndsExpiredCalls(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	f := newFixture(t, func(o *Orchestrator) {
		o.Now = func() time.Time { return base }
	})
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	// Young calls survive the sweep.
	f.orch.SweepExpired()
	sess, _ := f.orch.Registry.Get(grant.CallID)
	require.False(t, sess.Terminal())

	f.orch.Now = func() time.Time { return base.Add(5 * time.Hour) }
	f.orch.SweepExpired()

	sess, _ = f.orch.Registry.Get(grant.CallID)
	require.True(t, sess.Terminal())

	ev, ok := f.notify.lastOf("bob").(core.EndedEvent)
	require.True(t, ok)
	require.Equal(t, domain.SystemActor, ev.EndedBy)
	require.Equal(t, domain.EndReasonNormal, ev.Reason)
}

func TestAddParticipant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	grant, err := f.orch.Initiate(ctx, "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "chat-9")
	require.NoError(t, err)

	require.NoError(t, f.orch.AddParticipant(ctx, grant.CallID, "alice", "carol"))

	inv, ok := f.notify.lastOf("carol").(core.IncomingCallEvent)
	require.True(t, ok)
	require.Equal(t, grant.CallID, inv.CallID)
	require.Equal(t, domain.ChatRef("chat-9"), inv.ChatRef)

	added, ok := f.notify.lastOf("bob").(core.MemberEvent)
	require.True(t, ok)
	require.Equal(t, core.EventMemberAdded, added.Type)
	require.Equal(t, domain.UserID("carol"), added.User)

	// Outsiders cannot grow the call.
	err = f.orch.AddParticipant(ctx, grant.CallID, "mallory", "dave")
	require.ErrorIs(t, err, core.ErrNotAuthorized)
}

func TestQualityAdvice(t *testing.T) {
	f := newFixture(t, nil)
	grant, err := f.orch.Initiate(context.Background(), "alice", []domain.UserID{"bob"}, domain.CallKindVoice, "")
	require.NoError(t, err)

	require.NoError(t, f.orch.ReportQuality(grant.CallID, "bob", domain.QualitySample{PacketLossPct: 12}))
	require.NoError(t, f.orch.ReportQuality(grant.CallID, "alice", domain.QualitySample{RTTMillis: 50}))

	// A non-member cannot feed the monitor.
	err = f.orch.ReportQuality(grant.CallID, "mallory", domain.QualitySample{})
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	f.orch.reviewQuality()

	ev, ok := f.notify.lastOf("bob").(core.QualityAdviceEvent)
	require.True(t, ok)
	require.Equal(t, grant.CallID, ev.CallID)
	require.NotEmpty(t, ev.Suggestion)

	// Advice goes only to the struggling reporter.
	_, isAdvice := f.notify.lastOf("alice").(core.QualityAdviceEvent)
	require.False(t, isAdvice)
}

func TestSuggestionThresholds(t *testing.T) {
	require.Empty(t, suggestionFor(domain.QualitySample{PacketLossPct: 2, RTTMillis: 100}))
	require.Equal(t, "check connection stability", suggestionFor(domain.QualitySample{PacketLossPct: 6}))
	require.Equal(t, "high latency, consider disabling video", suggestionFor(domain.QualitySample{RTTMillis: 400}))
	require.Equal(t, "poor connection, audio only recommended", suggestionFor(domain.QualitySample{Tier: "poor"}))
}
