package app

import (
	"sync"
	"time"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Registry is the authoritative in-memory map of live call sessions.
// Alongside the primary map it keeps a participant -> call busy index,
// updated atomically with it, so the busy check never scans all
// sessions.
//
// Every mutation goes through Mutate: the closure runs under the lock
// and must not block, which is what makes read-modify-write atomic per
// call. Collaborator I/O happens after the critical section.
type Registry struct {
	mu     sync.RWMutex
	byCall map[domain.CallID]*core.CallSession
	byUser map[domain.UserID]domain.CallID
}

func NewRegistry() *Registry {
	return &Registry{
		byCall: make(map[domain.CallID]*core.CallSession),
		byUser: make(map[domain.UserID]domain.CallID),
	}
}

// Create inserts a new session after an all-or-nothing busy check over
// every member (initiator included). On conflict it returns a
// BusyError naming all offending participants and inserts nothing.
func (r *Registry) Create(sess *core.CallSession) error {
	members := sess.Participants()

	r.mu.Lock()
	defer r.mu.Unlock()

	var busy []domain.UserID
	for _, id := range members {
		if held, ok := r.byUser[id]; ok {
			if cur, live := r.byCall[held]; live && !cur.Terminal() {
				busy = append(busy, id)
			}
		}
	}
	if len(busy) > 0 {
		return &core.BusyError{Busy: busy}
	}

	r.byCall[sess.ID] = sess
	for _, id := range members {
		r.byUser[id] = sess.ID
	}
	log.Info().Str("module", "app.registry").Str("call", string(sess.ID)).Int("members", len(members)).Msg("session created")
	return nil
}

// Mutate applies fn to the session inside the per-call critical
// section. Unknown and evicted ids both report ErrSessionNotFound;
// consumers cannot tell "never existed" from "already cleaned up".
func (r *Registry) Mutate(id domain.CallID, fn func(*core.CallSession) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byCall[id]
	if !ok {
		return core.ErrSessionNotFound
	}
	return fn(sess)
}

// AddMember grows a group call. Membership check on the actor, busy
// check on the newcomer and the busy-index update all happen under one
// lock, so the index never drifts from the member set.
func (r *Registry) AddMember(call domain.CallID, actor, user domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byCall[call]
	if !ok || sess.Terminal() {
		return core.ErrSessionNotFound
	}
	if !sess.Member(actor) {
		return core.ErrNotAuthorized
	}
	if len(sess.Participants()) >= core.MaxCallParticipants {
		return core.ErrCallFull
	}
	if held, ok := r.byUser[user]; ok {
		if cur, live := r.byCall[held]; live && !cur.Terminal() {
			return &core.BusyError{Busy: []domain.UserID{user}}
		}
	}
	if err := sess.AddParticipant(user); err != nil {
		return err
	}
	r.byUser[user] = call
	return nil
}

// RemoveMember drops one member from a live call and releases their
// busy-index entry under the same lock. Returns the members left
// behind; the caller decides whether the drained call should end.
func (r *Registry) RemoveMember(call domain.CallID, user domain.UserID) ([]domain.UserID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byCall[call]
	if !ok || sess.Terminal() {
		return nil, core.ErrSessionNotFound
	}
	if !sess.RemoveParticipant(user) {
		return nil, core.ErrNotAuthorized
	}
	if r.byUser[user] == call {
		delete(r.byUser, user)
	}
	log.Info().Str("module", "app.registry").Str("call", string(call)).Str("user", string(user)).Msg("member removed")
	return sess.Participants(), nil
}

// OthersOf returns the other members of a live call, read under the
// registry lock so concurrent AddParticipant calls stay safe.
func (r *Registry) OthersOf(id domain.CallID, from domain.UserID) ([]domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byCall[id]
	if !ok || sess.Terminal() {
		return nil, false
	}
	return sess.Others(from), true
}

func (r *Registry) Get(id domain.CallID) (*core.CallSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byCall[id]
	return sess, ok
}

// ActiveCallOf reports the live call holding a participant, if any.
func (r *Registry) ActiveCallOf(user domain.UserID) (domain.CallID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[user]
	if !ok {
		return "", false
	}
	sess, live := r.byCall[id]
	if !live || sess.Terminal() {
		return "", false
	}
	return id, true
}

// Evict removes the session and releases its busy-index entries.
// Safe to call twice.
func (r *Registry) Evict(id domain.CallID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byCall[id]
	if !ok {
		return
	}
	for _, user := range sess.Participants() {
		if r.byUser[user] == id {
			delete(r.byUser, user)
		}
	}
	delete(r.byCall, id)
	log.Info().Str("module", "app.registry").Str("call", string(id)).Msg("session evicted")
}

type CallSnap struct {
	ID        domain.CallID
	Status    domain.CallStatus
	StartedAt time.Time
	Members   int
}

// Snapshot returns a copy for scans (expiry sweep, API listing); the
// sweep then re-enters through Mutate so staleness is harmless.
func (r *Registry) Snapshot() []CallSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CallSnap, 0, len(r.byCall))
	for id, sess := range r.byCall {
		out = append(out, CallSnap{
			ID:        id,
			Status:    sess.Status,
			StartedAt: sess.StartedAt,
			Members:   len(sess.Participants()),
		})
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCall)
}
