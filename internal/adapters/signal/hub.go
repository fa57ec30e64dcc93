package signal

import (
	"encoding/json"
	"sync"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Hub maps participant ids to their live signaling connections. It is
// the Notifier the call manager and relay fan out through: recipients
// are always named explicitly, offline ones are skipped.
type Hub struct {
	mu    sync.RWMutex
	conns map[domain.UserID]*WsSignalConn
}

func NewHub() *Hub {
	return &Hub{conns: make(map[domain.UserID]*WsSignalConn)}
}

func (h *Hub) Bind(uid domain.UserID, conn *WsSignalConn) {
	h.mu.Lock()
	old := h.conns[uid]
	h.conns[uid] = conn
	h.mu.Unlock()
	// A reconnect replaces the previous socket; close it so its pumps
	// unwind instead of holding a dead channel.
	if old != nil && old != conn {
		old.Close()
	}
}

// Unbind releases the mapping only if it still points at this conn,
// so a fast reconnect is never knocked out by the old socket's
// teardown.
func (h *Hub) Unbind(uid domain.UserID, conn *WsSignalConn) {
	h.mu.Lock()
	if h.conns[uid] == conn {
		delete(h.conns, uid)
	}
	h.mu.Unlock()
}

func (h *Hub) Get(uid domain.UserID) (*WsSignalConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[uid]
	return conn, ok
}

// SendTo implements core.Notifier. Marshal failures and backpressure
// are logged and dropped; signaling never blocks on a slow client.
func (h *Hub) SendTo(uid domain.UserID, v any) {
	conn, ok := h.Get(uid)
	if !ok {
		log.Debug().Str("module", "signal").Str("user", string(uid)).Msg("sendTo: no connection")
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendTo marshal")
		return
	}
	if err := conn.TrySend(core.Frame(b)); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("sendTo dropped")
	}
}
