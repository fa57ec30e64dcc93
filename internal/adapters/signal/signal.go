package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/akosev/ringlet/internal/app/orch"
	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

type SignalWSController struct {
	Orch *orch.Orchestrator
	Hub  *Hub

	ReadLimit  int64
	PingPeriod time.Duration
}

func NewSignalWSController(orch *orch.Orchestrator, hub *Hub, readLimit int64, pingPeriod time.Duration) *SignalWSController {
	return &SignalWSController{
		Orch:       orch,
		Hub:        hub,
		ReadLimit:  readLimit,
		PingPeriod: pingPeriod,
	}
}

type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, 32),
	}
	ctl.Hub.Bind(uid, conn)

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, uid, conn)
		ctl.onDisconnect(uid, conn)
	}()
}

// onDisconnect mirrors a hangup: a dropped socket takes the
// participant out of their live call. A two-party call ends with it;
// a group call keeps running for the rest.
func (ctl *SignalWSController) onDisconnect(uid domain.UserID, conn *WsSignalConn) {
	if callID, ok := ctl.Orch.Registry.ActiveCallOf(uid); ok {
		log.Info().Str("module", "signal").Str("user", string(uid)).Str("call", string(callID)).Msg("disconnect leaves call")
		if err := ctl.Orch.Leave(callID, uid); err != nil {
			log.Error().Err(err).Str("module", "signal").Str("call", string(callID)).Msg("leave on disconnect")
		}
	}
	ctl.Hub.Unbind(uid, conn)
}
