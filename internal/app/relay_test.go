package app

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
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

func newRelayFixture(t *testing.T, batchDelay time.Duration) (*Relay, *Registry, *captureNotifier, *core.CallSession) {
	t.Helper()
	reg := NewRegistry()
	notify := newCaptureNotifier()
	relay := NewRelay(reg, nil, notify, batchDelay)

	sess := newSession(t, "alice", "bob", "carol")
	require.NoError(t, reg.Create(sess))
	return relay, reg, notify, sess
}

func TestRelayOfferFansOutToOthers(t *testing.T) {
	relay, _, notify, sess := newRelayFixture(t, time.Hour)
	payload := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)

	require.NoError(t, relay.Offer(sess.ID, "alice", payload))

	for _, other := range []domain.UserID{"bob", "carol"} {
		evs := notify.eventsOf(other)
		require.Len(t, evs, 1)
		ev, ok := evs[0].(core.SignalEvent)
		require.True(t, ok)
		require.Equal(t, core.EventOffer, ev.Type)
		require.Equal(t, domain.UserID("alice"), ev.From)
		require.JSONEq(t, string(payload), string(ev.Payload))
	}
	require.Empty(t, notify.eventsOf("alice"))
}

func TestRelayRejectsNonMembers(t *testing.T) {
	relay, _, _, sess := newRelayFixture(t, time.Hour)

	err := relay.Offer(sess.ID, "mallory", json.RawMessage(`{}`))
	require.ErrorIs(t, err, core.ErrNotAuthorized)

	err = relay.Offer("unknown-call", "alice", json.RawMessage(`{}`))
	require.ErrorIs(t, err, core.ErrSessionNotFound)
}

func TestRelayAnswerConnectsAfterOffer(t *testing.T) {
	relay, reg, _, sess := newRelayFixture(t, time.Hour)

	// Answer before any offer: buffered, not connected.
	require.NoError(t, relay.AnswerSDP(sess.ID, "bob", json.RawMessage(`{"sdp":"b"}`)))
	got, _ := reg.Get(sess.ID)
	require.NotEqual(t, domain.CallStatusConnected, got.Status)

	require.NoError(t, relay.Offer(sess.ID, "alice", json.RawMessage(`{"sdp":"a"}`)))
	require.NoError(t, relay.AnswerSDP(sess.ID, "carol", json.RawMessage(`{"sdp":"c"}`)))

	got, _ = reg.Get(sess.ID)
	require.Equal(t, domain.CallStatusConnected, got.Status)
}

func TestRelayCandidateGoesThroughBatcher(t *testing.T) {
	relay, _, notify, sess := newRelayFixture(t, 15*time.Millisecond)

	require.NoError(t, relay.Candidate(sess.ID, "alice", json.RawMessage(`{"candidate":"a"}`)))
	require.NoError(t, relay.Candidate(sess.ID, "alice", json.RawMessage(`{"candidate":"b"}`)))

	// Nothing leaves before the window closes.
	require.Empty(t, notify.eventsOf("bob"))

	require.Eventually(t, func() bool {
		return len(notify.eventsOf("bob")) == 1
	}, time.Second, 5*time.Millisecond)

	ev, ok := notify.eventsOf("bob")[0].(core.CandidateBatchEvent)
	require.True(t, ok)
	require.Equal(t, core.EventCandidates, ev.Type)
	require.Len(t, ev.Candidates, 2)
}

func TestRelayMediaStateFansOut(t *testing.T) {
	relay, reg, notify, sess := newRelayFixture(t, time.Hour)
	state := domain.MediaState{AudioEnabled: true, VideoEnabled: false}
	raw, _ := json.Marshal(state)

	require.NoError(t, relay.MediaState(sess.ID, "bob", state, raw))

	got, _ := reg.Get(sess.ID)
	require.Equal(t, state, got.Media["bob"])
	require.Len(t, notify.eventsOf("alice"), 1)
	require.Empty(t, notify.eventsOf("bob"))
}

func TestRelayEndBroadcastsOnceToEveryone(t *testing.T) {
	relay, reg, notify, sess := newRelayFixture(t, time.Hour)

	require.NoError(t, relay.End(sess.ID, "bob", domain.EndReasonNormal))

	got, _ := reg.Get(sess.ID)
	require.Equal(t, domain.CallStatusEnded, got.Status)

	// All members hear it, the actor included.
	for _, member := range []domain.UserID{"alice", "bob", "carol"} {
		evs := notify.eventsOf(member)
		require.Len(t, evs, 1)
		ev, ok := evs[0].(core.EndedEvent)
		require.True(t, ok)
		require.Equal(t, domain.UserID("bob"), ev.EndedBy)
		require.Equal(t, domain.EndReasonNormal, ev.Reason)
	}

	// The second end is absorbed without a second broadcast.
	require.NoError(t, relay.End(sess.ID, "alice", domain.EndReasonNormal))
	require.Len(t, notify.eventsOf("carol"), 1)
}

func TestRelayEndBySystemActor(t *testing.T) {
	relay, reg, _, sess := newRelayFixture(t, time.Hour)

	require.NoError(t, relay.End(sess.ID, domain.SystemActor, domain.EndReasonMissed))
	got, _ := reg.Get(sess.ID)
	require.Equal(t, domain.CallStatusEnded, got.Status)
}

func TestRelayEndDiscardsPendingCandidates(t *testing.T) {
	relay, _, notify, sess := newRelayFixture(t, 15*time.Millisecond)

	require.NoError(t, relay.Candidate(sess.ID, "alice", json.RawMessage(`{"candidate":"a"}`)))
	require.NoError(t, relay.End(sess.ID, "alice", domain.EndReasonNormal))

	// The batch window elapses; the cleaned-up entry must not flush.
	time.Sleep(60 * time.Millisecond)
	for _, member := range []domain.UserID{"bob", "carol"} {
		evs := notify.eventsOf(member)
		require.Len(t, evs, 1)
		_, isEnd := evs[0].(core.EndedEvent)
		require.True(t, isEnd)
	}
}

func TestRelayDropsSignalsOnEndedSession(t *testing.T) {
	relay, _, notify, sess := newRelayFixture(t, time.Hour)
	require.NoError(t, relay.End(sess.ID, "alice", domain.EndReasonNormal))

	err := relay.Offer(sess.ID, "alice", json.RawMessage(`{}`))
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	err = relay.Candidate(sess.ID, "bob", json.RawMessage(`{}`))
	require.ErrorIs(t, err, core.ErrSessionNotFound)

	// Only the single ended event went out.
	require.Len(t, notify.eventsOf("bob"), 1)
}
