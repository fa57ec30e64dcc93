package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/rs/zerolog/log"
)

// lookupTimeout bounds the directory/presence round-trips a control
// message may trigger.
const lookupTimeout = 5 * time.Second

type grantReply struct {
	Type         string           `json:"type"`
	CallID       domain.CallID    `json:"callId"`
	RelayServers []core.ICEServer `json:"relayServers"`
}

func (ctl *SignalWSController) handleInitiate(
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type initiatePayload struct {
		Type           string          `json:"type"`
		ParticipantIDs []domain.UserID `json:"participantIds"`
		Kind           domain.CallKind `json:"kind"`
		ChatRef        domain.ChatRef  `json:"chatRef,omitempty"`
	}
	var p initiatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad initiate payload")
		ctl.sendJSON(conn, errorReply{Type: "error", Code: "bad_payload", Message: "malformed initiate"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	grant, err := ctl.Orch.Initiate(ctx, uid, p.ParticipantIDs, p.Kind, p.ChatRef)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("initiate rejected")
		ctl.sendError(conn, "", err)
		return
	}
	ctl.sendJSON(conn, grantReply{
		Type:         "call:grant",
		CallID:       grant.CallID,
		RelayServers: grant.RelayServers,
	})
}

func (ctl *SignalWSController) handleAnswer(
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type answerPayload struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}
	var p answerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer payload")
		ctl.sendJSON(conn, errorReply{Type: "error", Code: "bad_payload", Message: "malformed answer"})
		return
	}

	grant, err := ctl.Orch.Answer(p.CallID, uid)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("answer rejected")
		ctl.sendError(conn, p.CallID, err)
		return
	}
	ctl.sendJSON(conn, grantReply{
		Type:         "call:grant",
		CallID:       grant.CallID,
		RelayServers: grant.RelayServers,
	})
}

func (ctl *SignalWSController) handleReject(
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type rejectPayload struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}
	var p rejectPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad reject payload")
		ctl.sendJSON(conn, errorReply{Type: "error", Code: "bad_payload", Message: "malformed reject"})
		return
	}

	if err := ctl.Orch.Reject(p.CallID, uid); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("reject failed")
		ctl.sendError(conn, p.CallID, err)
	}
}

func (ctl *SignalWSController) handleEnd(
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type endPayload struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}
	var p endPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad end payload")
		return
	}

	// A second hangup or a hangup on a swept call is not an error the
	// client can act on; log and move on.
	if err := ctl.Orch.End(p.CallID, uid); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("end dropped")
	}
}

func (ctl *SignalWSController) handleLeave(
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type leavePayload struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
	}
	var p leavePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad leave payload")
		return
	}

	// Leaving a call that already ended under you is not actionable.
	if err := ctl.Orch.Leave(p.CallID, uid); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("leave dropped")
	}
}

func (ctl *SignalWSController) handleAddParticipant(
	uid domain.UserID,
	conn *WsSignalConn,
	data []byte,
) {
	type addPayload struct {
		Type   string        `json:"type"`
		CallID domain.CallID `json:"callId"`
		UserID domain.UserID `json:"userId"`
	}
	var p addPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad add-participant payload")
		ctl.sendJSON(conn, errorReply{Type: "error", Code: "bad_payload", Message: "malformed add-participant"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	if err := ctl.Orch.AddParticipant(ctx, p.CallID, uid, p.UserID); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Str("user", string(p.UserID)).Msg("add-participant rejected")
		ctl.sendError(conn, p.CallID, err)
	}
}

func (ctl *SignalWSController) handleQuality(
	uid domain.UserID,
	_ *WsSignalConn,
	data []byte,
) {
	type qualityPayload struct {
		Type   string               `json:"type"`
		CallID domain.CallID        `json:"callId"`
		Sample domain.QualitySample `json:"sample"`
	}
	var p qualityPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad quality payload")
		return
	}

	if err := ctl.Orch.ReportQuality(p.CallID, uid, p.Sample); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("quality sample dropped")
	}
}
