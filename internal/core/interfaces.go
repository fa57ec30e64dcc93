package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/akosev/ringlet/internal/domain"
)

// Frame is a raw outbound payload.
type Frame []byte

// SignalConn abstracts a system messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConn interface {
	TrySend(Frame) error
	Close()
}

// Notifier delivers a typed event to one participant. The recipient
// list is always explicit at the call site; there is no listener
// registry behind this.
type Notifier interface {
	SendTo(user domain.UserID, v any)
}

// CallRecord is the durable projection of a session at creation time.
type CallRecord struct {
	ID           domain.CallID   `bson:"_id"`
	Initiator    domain.UserID   `bson:"initiator"`
	Participants []domain.UserID `bson:"participants"`
	Kind         domain.CallKind `bson:"kind"`
	Status       domain.CallStatus `bson:"status"`
	StartedAt    time.Time       `bson:"started_at"`
	ChatRef      domain.ChatRef  `bson:"chat_ref,omitempty"`
}

// CallPatch carries the fields a later update may touch.
type CallPatch struct {
	Status       *domain.CallStatus `bson:"status,omitempty"`
	Participants []domain.UserID    `bson:"participants,omitempty"`
	EndedBy      *domain.UserID     `bson:"ended_by,omitempty"`
	EndReason    *domain.EndReason  `bson:"end_reason,omitempty"`
	EndedAt      *time.Time         `bson:"ended_at,omitempty"`
}

// CallStore is the durable-store collaborator. Writes are
// fire-and-forget from the signaling path: failures are logged by the
// caller and never reach a participant.
type CallStore interface {
	CreateCall(ctx context.Context, rec CallRecord) error
	UpdateCall(ctx context.Context, id domain.CallID, patch CallPatch) error
	AppendArtifact(ctx context.Context, id domain.CallID, from domain.UserID, kind string, payload json.RawMessage) error
}

// Presence is the online-lookup collaborator. Used only as an
// early-reject hint at initiate time, never trusted mid-call.
type Presence interface {
	IsOnline(ctx context.Context, id domain.UserID) (bool, error)
}

// UserInfo is what the directory knows about a participant id.
type UserInfo struct {
	Exists bool
	Banned bool
}

// Directory is the user-lookup collaborator consulted before a call
// is created.
type Directory interface {
	Lookup(ctx context.Context, id domain.UserID) (UserInfo, error)
}

// ICEServer is one ready-to-use entry for the caller's RTC config.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
