package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/akosev/ringlet/internal/domain"
)

// Per-call error taxonomy. NotFound and NotAuthorized are kept
// distinct so logs can tell a stale call from a spoofed sender, even
// though relay handlers drop both the same way.
var (
	ErrSessionNotFound        = errors.New("call session not found")
	ErrNotAuthorized          = errors.New("sender is not a call member")
	ErrParticipantUnavailable = errors.New("participant unavailable")
	ErrAlreadyMember          = errors.New("already a call member")
	ErrCallFull               = errors.New("call participant limit reached")
)

// BusyError names every invitee already held by another live call.
type BusyError struct {
	Busy []domain.UserID
}

func (e *BusyError) Error() string {
	ids := make([]string, 0, len(e.Busy))
	for _, id := range e.Busy {
		ids = append(ids, string(id))
	}
	return fmt.Sprintf("participants busy: %s", strings.Join(ids, ", "))
}
