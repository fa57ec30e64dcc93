package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/rs/zerolog/log"
)

const persistTimeout = 5 * time.Second

// Relay validates and forwards signaling traffic between the members
// of one session. Buffers are mutated inside the registry's per-call
// critical section; fan-out and store writes happen after it, so no
// I/O ever runs under the lock.
type Relay struct {
	registry *Registry
	store    core.CallStore
	notify   core.Notifier
	batcher  *Batcher
}

func NewRelay(registry *Registry, store core.CallStore, notify core.Notifier, batchDelay time.Duration) *Relay {
	r := &Relay{
		registry: registry,
		store:    store,
		notify:   notify,
	}
	r.batcher = NewBatcher(batchDelay, r.flushCandidates)
	return r
}

// Batcher exposes gathering control to the call manager.
func (r *Relay) Batcher() *Batcher { return r.batcher }

// Offer buffers the sender's session description and forwards it
// verbatim to every other member.
func (r *Relay) Offer(call domain.CallID, from domain.UserID, payload json.RawMessage) error {
	var recipients []domain.UserID
	err := r.registry.Mutate(call, func(sess *core.CallSession) error {
		if sess.Terminal() {
			return core.ErrSessionNotFound
		}
		if !sess.Member(from) {
			return core.ErrNotAuthorized
		}
		sess.SetOffer(from, payload)
		recipients = sess.Others(from)
		return nil
	})
	if err != nil {
		return err
	}
	r.fanOut(recipients, core.SignalEvent{Type: core.EventOffer, CallID: call, From: from, Payload: payload})
	r.persist(call, "offer append", func(ctx context.Context) error {
		return r.store.AppendArtifact(ctx, call, from, "offer", payload)
	})
	return nil
}

// AnswerSDP buffers the sender's answer description. The first answer
// on top of a buffered offer is the two-way confirmation that flips
// the session to connected.
func (r *Relay) AnswerSDP(call domain.CallID, from domain.UserID, payload json.RawMessage) error {
	var (
		recipients []domain.UserID
		connected  bool
	)
	err := r.registry.Mutate(call, func(sess *core.CallSession) error {
		if sess.Terminal() {
			return core.ErrSessionNotFound
		}
		if !sess.Member(from) {
			return core.ErrNotAuthorized
		}
		sess.SetAnswer(from, payload)
		if sess.HasOffer() {
			connected = sess.AdvanceTo(domain.CallStatusConnected)
		}
		recipients = sess.Others(from)
		return nil
	})
	if err != nil {
		return err
	}
	r.fanOut(recipients, core.SignalEvent{Type: core.EventAnswerSDP, CallID: call, From: from, Payload: payload})
	r.persist(call, "answer append", func(ctx context.Context) error {
		return r.store.AppendArtifact(ctx, call, from, "answer", payload)
	})
	if connected {
		status := domain.CallStatusConnected
		r.persist(call, "status update", func(ctx context.Context) error {
			return r.store.UpdateCall(ctx, call, core.CallPatch{Status: &status})
		})
	}
	return nil
}

// Candidate appends to the sender's candidate list and hands the
// payload to the batcher; the batch flush does the actual fan-out.
// The batcher insert happens inside the critical section: a session
// that ends right after the liveness check would otherwise leave an
// orphaned batch entry behind its own Cleanup. The batcher never
// holds its lock while flushing, so the nesting cannot deadlock.
func (r *Relay) Candidate(call domain.CallID, from domain.UserID, payload json.RawMessage) error {
	err := r.registry.Mutate(call, func(sess *core.CallSession) error {
		if sess.Terminal() {
			return core.ErrSessionNotFound
		}
		if !sess.Member(from) {
			return core.ErrNotAuthorized
		}
		sess.AppendCandidate(from, payload)
		r.batcher.Add(call, from, payload)
		return nil
	})
	if err != nil {
		return err
	}
	r.persist(call, "candidate append", func(ctx context.Context) error {
		return r.store.AppendArtifact(ctx, call, from, "ice-candidate", payload)
	})
	return nil
}

// MediaState records the sender's mute/video toggles and relays them.
func (r *Relay) MediaState(call domain.CallID, from domain.UserID, state domain.MediaState, payload json.RawMessage) error {
	var recipients []domain.UserID
	err := r.registry.Mutate(call, func(sess *core.CallSession) error {
		if sess.Terminal() {
			return core.ErrSessionNotFound
		}
		if !sess.Member(from) {
			return core.ErrNotAuthorized
		}
		sess.Media[from] = state
		recipients = sess.Others(from)
		return nil
	})
	if err != nil {
		return err
	}
	r.fanOut(recipients, core.SignalEvent{Type: core.EventMediaState, CallID: call, From: from, Payload: payload})
	return nil
}

// End transitions the session to ended, notifies all members (actor
// included) and tears down batcher state. Idempotent: a second End on
// an ended session broadcasts nothing and reports no error.
func (r *Relay) End(call domain.CallID, actor domain.UserID, reason domain.EndReason) error {
	var (
		recipients []domain.UserID
		ended      bool
	)
	err := r.registry.Mutate(call, func(sess *core.CallSession) error {
		if !sess.Member(actor) && actor != domain.SystemActor {
			return core.ErrNotAuthorized
		}
		ended = sess.AdvanceTo(domain.CallStatusEnded)
		if ended {
			recipients = sess.Participants()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !ended {
		return nil
	}

	r.batcher.Cleanup(call)
	r.fanOut(recipients, core.EndedEvent{Type: core.EventEnded, CallID: call, EndedBy: actor, Reason: reason})

	now := time.Now()
	status := domain.CallStatusEnded
	r.persist(call, "end update", func(ctx context.Context) error {
		return r.store.UpdateCall(ctx, call, core.CallPatch{
			Status:    &status,
			EndedBy:   &actor,
			EndReason: &reason,
			EndedAt:   &now,
		})
	})
	log.Info().Str("module", "app.relay").Str("call", string(call)).Str("by", string(actor)).Str("reason", string(reason)).Msg("call ended")
	return nil
}

func (r *Relay) flushCandidates(call domain.CallID, from domain.UserID, batch []json.RawMessage) {
	recipients, ok := r.registry.OthersOf(call, from)
	if !ok {
		return
	}
	r.fanOut(recipients, core.CandidateBatchEvent{
		Type:       core.EventCandidates,
		CallID:     call,
		From:       from,
		Candidates: batch,
	})
}

func (r *Relay) fanOut(recipients []domain.UserID, v any) {
	for _, to := range recipients {
		r.notify.SendTo(to, v)
	}
}

// persist runs a store write off the signaling path. Failures are
// logged, never surfaced to participants: the in-memory session is the
// source of truth for the duration of the call.
func (r *Relay) persist(call domain.CallID, what string, fn func(context.Context) error) {
	if r.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("module", "app.relay").Str("call", string(call)).Str("op", what).Msg("store write failed")
		}
	}()
}
