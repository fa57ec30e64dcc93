package signal

import (
	"encoding/json"
	"testing"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/stretchr/testify/require"
)

func testConn(buf int) *WsSignalConn {
	return &WsSignalConn{send: make(chan core.Frame, buf)}
}

func readFrame(t *testing.T, c *WsSignalConn) map[string]any {
	t.Helper()
	select {
	case f := <-c.send:
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m))
		return m
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestHubSendToDeliversJSON(t *testing.T) {
	h := NewHub()
	conn := testConn(4)
	h.Bind("alice", conn)

	h.SendTo("alice", core.MemberEvent{Type: core.EventMemberJoined, CallID: "c1", User: "bob"})

	m := readFrame(t, conn)
	require.Equal(t, core.EventMemberJoined, m["type"])
	require.Equal(t, "c1", m["callId"])
	require.Equal(t, "bob", m["user"])
}

func TestHubSendToUnknownUserIsDropped(t *testing.T) {
	h := NewHub()
	// Must not panic or block.
	h.SendTo("ghost", map[string]string{"type": "x"})
}

func TestHubSendToFullBufferIsDropped(t *testing.T) {
	h := NewHub()
	conn := testConn(1)
	h.Bind("alice", conn)

	h.SendTo("alice", map[string]string{"type": "one"})
	h.SendTo("alice", map[string]string{"type": "two"})

	m := readFrame(t, conn)
	require.Equal(t, "one", m["type"])
	select {
	case f := <-conn.send:
		t.Fatalf("unexpected second frame: %s", f)
	default:
	}
}

func TestHubRebindReplacesConnection(t *testing.T) {
	h := NewHub()
	old := testConn(1)
	h.Bind("alice", old)

	fresh := testConn(1)
	h.Bind("alice", fresh)

	// The stale socket's teardown must not knock out the fresh one.
	h.Unbind("alice", old)
	got, ok := h.Get("alice")
	require.True(t, ok)
	require.Same(t, fresh, got)

	// The replaced conn was closed; sends to it fail.
	require.Error(t, old.TrySend(core.Frame(`{}`)))

	h.Unbind("alice", fresh)
	_, ok = h.Get("alice")
	require.False(t, ok)
}

func TestSendErrorTaxonomy(t *testing.T) {
	ctl := &SignalWSController{}

	cases := []struct {
		err  error
		code string
	}{
		{core.ErrSessionNotFound, "session_not_found"},
		{core.ErrNotAuthorized, "not_authorized"},
		{core.ErrParticipantUnavailable, "participant_unavailable"},
		{core.ErrCallFull, "call_full"},
		{core.ErrAlreadyMember, "already_member"},
	}
	for _, tc := range cases {
		conn := testConn(1)
		ctl.sendError(conn, "c1", tc.err)
		m := readFrame(t, conn)
		require.Equal(t, "error", m["type"])
		require.Equal(t, tc.code, m["code"], "for %v", tc.err)
		require.Equal(t, "c1", m["callId"])
	}
}

func TestSendErrorNamesBusyParticipants(t *testing.T) {
	ctl := &SignalWSController{}
	conn := testConn(1)

	ctl.sendError(conn, "", &core.BusyError{Busy: []domain.UserID{"bob", "carol"}})

	m := readFrame(t, conn)
	require.Equal(t, "participant_busy", m["code"])
	require.ElementsMatch(t, []any{"bob", "carol"}, m["busy"])
}
