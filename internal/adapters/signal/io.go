package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	pingPeriod := ctl.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, uid domain.UserID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Error().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("readPump read error")
				return
			}
			ctl.handleSignal(uid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(uid domain.UserID, c *WsSignalConn, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		return
	}

	switch env.Type {
	case "call:initiate":
		ctl.handleInitiate(uid, c, data)
	case "call:answer":
		ctl.handleAnswer(uid, c, data)
	case "call:reject":
		ctl.handleReject(uid, c, data)
	case "call:add-participant":
		ctl.handleAddParticipant(uid, c, data)
	case "call:offer":
		ctl.handleOffer(uid, c, data)
	case "call:answer-sdp":
		ctl.handleAnswerSDP(uid, c, data)
	case "call:ice-candidate":
		ctl.handleCandidate(uid, c, data)
	case "call:media":
		ctl.handleMedia(uid, c, data)
	case "call:quality":
		ctl.handleQuality(uid, c, data)
	case "call:leave":
		ctl.handleLeave(uid, c, data)
	case "call:end":
		ctl.handleEnd(uid, c, data)
	case "ping":
		ctl.handlePing(c)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}

type errorReply struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	CallID  domain.CallID   `json:"callId,omitempty"`
	Busy    []domain.UserID `json:"busy,omitempty"`
}

// sendError maps a control-plane failure onto the wire taxonomy.
func (ctl *SignalWSController) sendError(c *WsSignalConn, callID domain.CallID, err error) {
	reply := errorReply{Type: "error", Message: err.Error(), CallID: callID}

	var busy *core.BusyError
	switch {
	case errors.As(err, &busy):
		reply.Code = "participant_busy"
		reply.Busy = busy.Busy
	case errors.Is(err, core.ErrSessionNotFound):
		reply.Code = "session_not_found"
	case errors.Is(err, core.ErrNotAuthorized):
		reply.Code = "not_authorized"
	case errors.Is(err, core.ErrParticipantUnavailable):
		reply.Code = "participant_unavailable"
	case errors.Is(err, core.ErrCallFull):
		reply.Code = "call_full"
	case errors.Is(err, core.ErrAlreadyMember):
		reply.Code = "already_member"
	default:
		reply.Code = "bad_request"
	}
	ctl.sendJSON(c, reply)
}

func (ctl *SignalWSController) handlePing(c *WsSignalConn) {
	ctl.sendJSON(c, struct {
		Type string `json:"type"`
	}{Type: "pong"})
}
