package domain

import "github.com/google/uuid"

type (
	CallID  string
	ChatRef string
)

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

type CallKind string

const (
	CallKindVoice CallKind = "voice"
	CallKindVideo CallKind = "video"
)

func (k CallKind) Valid() bool {
	return k == CallKindVoice || k == CallKindVideo
}

// CallStatus values are ordered; a session never moves backwards.
type CallStatus string

const (
	CallStatusInitiating CallStatus = "initiating"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusAnswered   CallStatus = "answered"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
)

var statusRank = map[CallStatus]int{
	CallStatusInitiating: 0,
	CallStatusRinging:    1,
	CallStatusAnswered:   2,
	CallStatusConnected:  3,
	CallStatusEnded:      4,
}

func (s CallStatus) Rank() int { return statusRank[s] }

func (s CallStatus) Terminal() bool { return s == CallStatusEnded }

type EndReason string

const (
	EndReasonNormal   EndReason = "normal"
	EndReasonBusy     EndReason = "busy"
	EndReasonMissed   EndReason = "missed"
	EndReasonRejected EndReason = "rejected"
)

// MediaState mirrors a participant's local mute/video toggles.
// Relayed to the other members, never interpreted.
type MediaState struct {
	AudioEnabled  bool `json:"audio_enabled"`
	VideoEnabled  bool `json:"video_enabled"`
	ScreenSharing bool `json:"screen_sharing"`
}

// QualitySample is a self-reported connection measurement.
type QualitySample struct {
	PacketLossPct float64 `json:"packet_loss_pct"`
	RTTMillis     int     `json:"rtt_ms"`
	Tier          string  `json:"tier,omitempty"`
}
