package core

import (
	"encoding/json"
	"time"

	"github.com/akosev/ringlet/internal/domain"
)

// MaxCallParticipants caps the member set of one session, initiator
// included.
const MaxCallParticipants = 10

// CallSession is the authoritative protocol state of one live call.
// Owned exclusively by the registry; mutated only inside its per-call
// critical section, so the struct itself carries no lock.
type CallSession struct {
	ID        domain.CallID
	Initiator domain.UserID
	Kind      domain.CallKind
	Status    domain.CallStatus
	StartedAt time.Time
	ChatRef   domain.ChatRef

	// participants is ordered: initiator first, invitees in invite
	// order. Grows via AddParticipant, shrinks via RemoveParticipant.
	participants []domain.UserID

	// Invited counts everyone ever asked in, regardless of later
	// removals. A drained call with Invited == 1 was a plain 1:1.
	Invited int

	Offers     map[domain.UserID]json.RawMessage
	Answers    map[domain.UserID]json.RawMessage
	Candidates map[domain.UserID][]json.RawMessage

	Media   map[domain.UserID]domain.MediaState
	Quality map[domain.UserID]domain.QualitySample
}

func NewCallSession(id domain.CallID, initiator domain.UserID, invitees []domain.UserID, kind domain.CallKind, chatRef domain.ChatRef, now time.Time) *CallSession {
	parts := make([]domain.UserID, 0, len(invitees)+1)
	parts = append(parts, initiator)
	parts = append(parts, invitees...)
	return &CallSession{
		ID:           id,
		Initiator:    initiator,
		Kind:         kind,
		Status:       domain.CallStatusInitiating,
		StartedAt:    now,
		ChatRef:      chatRef,
		participants: parts,
		Invited:      len(invitees),
		Offers:       make(map[domain.UserID]json.RawMessage),
		Answers:      make(map[domain.UserID]json.RawMessage),
		Candidates:   make(map[domain.UserID][]json.RawMessage),
		Media:        make(map[domain.UserID]domain.MediaState),
		Quality:      make(map[domain.UserID]domain.QualitySample),
	}
}

// Participants returns a copy; callers fan out over it after the
// critical section has been released.
func (s *CallSession) Participants() []domain.UserID {
	out := make([]domain.UserID, len(s.participants))
	copy(out, s.participants)
	return out
}

// Others returns every member except the given one.
func (s *CallSession) Others(id domain.UserID) []domain.UserID {
	out := make([]domain.UserID, 0, len(s.participants))
	for _, p := range s.participants {
		if p != id {
			out = append(out, p)
		}
	}
	return out
}

func (s *CallSession) Member(id domain.UserID) bool {
	for _, p := range s.participants {
		if p == id {
			return true
		}
	}
	return false
}

// AddParticipant grows the member set. The busy index is the
// registry's job; here only the invariant "no duplicates" holds.
func (s *CallSession) AddParticipant(id domain.UserID) error {
	if s.Status.Terminal() {
		return ErrSessionNotFound
	}
	if s.Member(id) {
		return ErrAlreadyMember
	}
	s.participants = append(s.participants, id)
	s.Invited++
	return nil
}

// RemoveParticipant drops one member; reports false when they were
// not in the call. The initiator slot is not special once removal
// starts.
func (s *CallSession) RemoveParticipant(id domain.UserID) bool {
	for i, p := range s.participants {
		if p == id {
			s.participants = append(s.participants[:i], s.participants[i+1:]...)
			return true
		}
	}
	return false
}

func (s *CallSession) Terminal() bool { return s.Status.Terminal() }

// AdvanceTo moves the status forward. Regressions and transitions on
// an ended session report false and change nothing.
func (s *CallSession) AdvanceTo(next domain.CallStatus) bool {
	if s.Status.Terminal() || next.Rank() <= s.Status.Rank() {
		return false
	}
	s.Status = next
	return true
}

// SetOffer and SetAnswer overwrite the sender's single buffer slot;
// candidates only ever append.
func (s *CallSession) SetOffer(from domain.UserID, payload json.RawMessage) {
	s.Offers[from] = payload
}

func (s *CallSession) SetAnswer(from domain.UserID, payload json.RawMessage) {
	s.Answers[from] = payload
}

func (s *CallSession) AppendCandidate(from domain.UserID, payload json.RawMessage) {
	s.Candidates[from] = append(s.Candidates[from], payload)
}

// HasOffer reports whether any member has published an offer yet.
// The first relayed answer on top of an offer is what flips the call
// to connected.
func (s *CallSession) HasOffer() bool { return len(s.Offers) > 0 }

// Record projects the session for the durable store.
func (s *CallSession) Record() CallRecord {
	return CallRecord{
		ID:           s.ID,
		Initiator:    s.Initiator,
		Participants: s.Participants(),
		Kind:         s.Kind,
		Status:       s.Status,
		StartedAt:    s.StartedAt,
		ChatRef:      s.ChatRef,
	}
}
