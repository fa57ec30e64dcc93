package signal

import (
	"encoding/json"

	"github.com/akosev/ringlet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Mid-call relay handlers. Payloads travel verbatim; this layer only
// checks shape before handing them to the relay. Per-call failures
// (stale id, non-member sender) are logged and dropped, never echoed.

func (ctl *SignalWSController) handleOffer(
	uid domain.UserID,
	_ *WsSignalConn,
	data []byte,
) {
	type offerPayload struct {
		Type    string          `json:"type"`
		CallID  domain.CallID   `json:"callId"`
		Payload json.RawMessage `json:"payload"`
	}
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad offer payload")
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(p.Payload, &sdp); err != nil || sdp.SDP == "" {
		log.Error().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("offer is not a session description")
		return
	}

	if err := ctl.Orch.Relay.Offer(p.CallID, uid, p.Payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("offer dropped")
	}
}

func (ctl *SignalWSController) handleAnswerSDP(
	uid domain.UserID,
	_ *WsSignalConn,
	data []byte,
) {
	type answerPayload struct {
		Type    string          `json:"type"`
		CallID  domain.CallID   `json:"callId"`
		Payload json.RawMessage `json:"payload"`
	}
	var p answerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad answer-sdp payload")
		return
	}
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(p.Payload, &sdp); err != nil || sdp.SDP == "" {
		log.Error().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("answer is not a session description")
		return
	}

	if err := ctl.Orch.Relay.AnswerSDP(p.CallID, uid, p.Payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("answer-sdp dropped")
	}
}

func (ctl *SignalWSController) handleCandidate(
	uid domain.UserID,
	_ *WsSignalConn,
	data []byte,
) {
	type candidatePayload struct {
		Type    string          `json:"type"`
		CallID  domain.CallID   `json:"callId"`
		Payload json.RawMessage `json:"payload"`
	}
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad candidate payload")
		return
	}

	// End-of-candidates: browsers signal it with a null candidate or an
	// empty candidate string. Flush whatever is pending right away.
	if len(p.Payload) == 0 || string(p.Payload) == "null" {
		ctl.Orch.Relay.Batcher().CompleteGathering(p.CallID, uid)
		return
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Payload, &cand); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("malformed ice candidate")
		return
	}
	if cand.Candidate == "" {
		ctl.Orch.Relay.Batcher().CompleteGathering(p.CallID, uid)
		return
	}

	if err := ctl.Orch.Relay.Candidate(p.CallID, uid, p.Payload); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("candidate dropped")
	}
}

func (ctl *SignalWSController) handleMedia(
	uid domain.UserID,
	_ *WsSignalConn,
	data []byte,
) {
	type mediaPayload struct {
		Type    string            `json:"type"`
		CallID  domain.CallID     `json:"callId"`
		Payload domain.MediaState `json:"payload"`
	}
	var p mediaPayload
	if err := json.Unmarshal(data, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad media payload")
		return
	}

	raw, err := json.Marshal(p.Payload)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("media payload marshal")
		return
	}
	if err := ctl.Orch.Relay.MediaState(p.CallID, uid, p.Payload, raw); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("call", string(p.CallID)).Msg("media state dropped")
	}
}
