package core

import (
	"encoding/json"

	"github.com/akosev/ringlet/internal/domain"
)

// Outbound event payloads. Every event goes to an explicit recipient
// through a Notifier; the Type field is what clients switch on.

const (
	EventIncomingCall   = "call:incoming"
	EventMemberJoined   = "call:member-joined"
	EventMemberAdded    = "call:member-added"
	EventMemberLeft     = "call:member-left"
	EventMemberRejected = "call:member-rejected"
	EventOffer          = "call:offer"
	EventAnswerSDP      = "call:answer-sdp"
	EventCandidates     = "call:ice-candidates"
	EventMediaState     = "call:media"
	EventEnded          = "call:ended"
	EventQualityAdvice  = "call:quality-advice"
)

// SignalEvent carries a verbatim offer/answer/media payload to the
// other members.
type SignalEvent struct {
	Type    string          `json:"type"`
	CallID  domain.CallID   `json:"callId"`
	From    domain.UserID   `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// CandidateBatchEvent is one flush of the candidate batcher.
type CandidateBatchEvent struct {
	Type       string            `json:"type"`
	CallID     domain.CallID     `json:"callId"`
	From       domain.UserID     `json:"from"`
	Candidates []json.RawMessage `json:"candidates"`
}

type IncomingCallEvent struct {
	Type      string          `json:"type"`
	CallID    domain.CallID   `json:"callId"`
	Initiator domain.UserID   `json:"initiator"`
	Kind      domain.CallKind `json:"kind"`
	ChatRef   domain.ChatRef  `json:"chatRef,omitempty"`
}

type MemberEvent struct {
	Type   string        `json:"type"`
	CallID domain.CallID `json:"callId"`
	User   domain.UserID `json:"user"`
}

type EndedEvent struct {
	Type    string           `json:"type"`
	CallID  domain.CallID    `json:"callId"`
	EndedBy domain.UserID    `json:"endedBy"`
	Reason  domain.EndReason `json:"reason"`
}

type QualityAdviceEvent struct {
	Type       string        `json:"type"`
	CallID     domain.CallID `json:"callId"`
	Suggestion string        `json:"suggestion"`
}
