// Package orch composes the call manager: session lifecycle,
// credential issuance and the periodic monitors.
package orch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akosev/ringlet/internal/app"
	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/akosev/ringlet/internal/turncred"
	"github.com/rs/zerolog/log"
)

// Limits collects the orchestrator's timing knobs.
type Limits struct {
	RingTimeout     time.Duration
	MaxCallDuration time.Duration
	SweepInterval   time.Duration
	QualityInterval time.Duration
	EvictGrace      time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		RingTimeout:     30 * time.Second,
		MaxCallDuration: 4 * time.Hour,
		SweepInterval:   5 * time.Minute,
		QualityInterval: 10 * time.Second,
		EvictGrace:      30 * time.Second,
	}
}

// RelayServers lists the externally operated STUN/TURN endpoints a
// caller gets in its grant.
type RelayServers struct {
	STUNURLs []string
	TURNURLs [][]string
}

type Orchestrator struct {
	Registry  *app.Registry
	Relay     *app.Relay
	Creds     *turncred.Issuer
	Store     core.CallStore
	Presence  core.Presence
	Directory core.Directory
	Notify    core.Notifier
	Servers   RelayServers
	Limits    Limits
	Now       func() time.Time

	mu         sync.Mutex
	ringTimers map[domain.CallID]*time.Timer
}

// CallGrant is what a participant needs to start negotiating.
type CallGrant struct {
	CallID       domain.CallID    `json:"callId"`
	RelayServers []core.ICEServer `json:"relayServers"`
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Initiate validates every would-be member, runs the all-or-nothing
// busy check and creates the session. The returned grant carries fresh
// relay credentials; invitees get theirs when they answer.
func (o *Orchestrator) Initiate(ctx context.Context, initiator domain.UserID, invitees []domain.UserID, kind domain.CallKind, chatRef domain.ChatRef) (*CallGrant, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown call kind %q", kind)
	}
	if len(invitees) == 0 {
		return nil, fmt.Errorf("no participants invited")
	}
	if len(invitees)+1 > core.MaxCallParticipants {
		return nil, core.ErrCallFull
	}
	for _, id := range invitees {
		if id == initiator {
			return nil, fmt.Errorf("cannot invite yourself")
		}
	}

	members := append([]domain.UserID{initiator}, invitees...)
	for _, id := range members {
		info, err := o.Directory.Lookup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lookup %s: %w", id, err)
		}
		if !info.Exists || info.Banned {
			return nil, fmt.Errorf("%s: %w", id, core.ErrParticipantUnavailable)
		}
	}

	// Presence is a hint, not an authority: a lookup error is logged
	// and ignored, a confirmed-offline invitee rejects early.
	if o.Presence != nil {
		for _, id := range invitees {
			online, err := o.Presence.IsOnline(ctx, id)
			if err != nil {
				log.Warn().Err(err).Str("module", "app.orch").Str("user", string(id)).Msg("presence lookup failed")
				continue
			}
			if !online {
				return nil, fmt.Errorf("%s offline: %w", id, core.ErrParticipantUnavailable)
			}
		}
	}

	sess := core.NewCallSession(domain.NewCallID(), initiator, invitees, kind, chatRef, o.now())
	if err := o.Registry.Create(sess); err != nil {
		return nil, err
	}

	o.persist(sess.ID, "create", func(ctx context.Context) error {
		return o.Store.CreateCall(ctx, sess.Record())
	})

	for _, id := range invitees {
		o.Notify.SendTo(id, core.IncomingCallEvent{
			Type:      core.EventIncomingCall,
			CallID:    sess.ID,
			Initiator: initiator,
			Kind:      kind,
			ChatRef:   chatRef,
		})
	}
	o.advance(sess.ID, domain.CallStatusRinging)

	o.Relay.Batcher().StartGathering(sess.ID, initiator)
	o.armRingTimer(sess.ID)

	servers, err := o.iceServers(initiator)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "app.orch").Str("call", string(sess.ID)).Str("initiator", string(initiator)).Str("kind", string(kind)).Int("invitees", len(invitees)).Msg("call initiated")
	return &CallGrant{CallID: sess.ID, RelayServers: servers}, nil
}

// Answer accepts an incoming call for one member.
func (o *Orchestrator) Answer(callID domain.CallID, user domain.UserID) (*CallGrant, error) {
	var others []domain.UserID
	err := o.Registry.Mutate(callID, func(sess *core.CallSession) error {
		if sess.Terminal() {
			return core.ErrSessionNotFound
		}
		if !sess.Member(user) {
			return core.ErrNotAuthorized
		}
		sess.AdvanceTo(domain.CallStatusAnswered)
		others = sess.Others(user)
		return nil
	})
	if err != nil {
		return nil, err
	}

	o.cancelRingTimer(callID)
	o.Relay.Batcher().StartGathering(callID, user)

	for _, id := range others {
		o.Notify.SendTo(id, core.MemberEvent{Type: core.EventMemberJoined, CallID: callID, User: user})
	}
	status := domain.CallStatusAnswered
	o.persist(callID, "answer update", func(ctx context.Context) error {
		return o.Store.UpdateCall(ctx, callID, core.CallPatch{Status: &status})
	})

	servers, err := o.iceServers(user)
	if err != nil {
		return nil, err
	}
	return &CallGrant{CallID: callID, RelayServers: servers}, nil
}

// Reject declines an incoming call. A two-party call ends outright;
// on a group call the decliner is dropped and the rest keep ringing.
// Once every invitee has declined before anyone answered, the call
// ends with reason busy.
func (o *Orchestrator) Reject(callID domain.CallID, user domain.UserID) error {
	var (
		plainPair bool
		answered  bool
	)
	err := o.Registry.Mutate(callID, func(sess *core.CallSession) error {
		if sess.Terminal() {
			return core.ErrSessionNotFound
		}
		if !sess.Member(user) {
			return core.ErrNotAuthorized
		}
		plainPair = sess.Invited == 1
		answered = sess.Status.Rank() >= domain.CallStatusAnswered.Rank()
		return nil
	})
	if err != nil {
		return err
	}
	if plainPair {
		return o.terminate(callID, user, domain.EndReasonRejected)
	}

	rest, err := o.drop(callID, user, core.EventMemberRejected)
	if err != nil {
		return err
	}
	if len(rest) >= 2 {
		return nil
	}
	// Drained before anyone answered: every invitee declined.
	if !answered {
		return o.terminate(callID, domain.SystemActor, domain.EndReasonBusy)
	}
	return o.terminate(callID, domain.SystemActor, domain.EndReasonNormal)
}

// Leave removes one member and keeps the group call running for the
// rest. A call drained to a single member ends for everyone.
func (o *Orchestrator) Leave(callID domain.CallID, user domain.UserID) error {
	rest, err := o.drop(callID, user, core.EventMemberLeft)
	if err != nil {
		return err
	}
	if len(rest) < 2 {
		return o.terminate(callID, domain.SystemActor, domain.EndReasonNormal)
	}
	return nil
}

// drop shares the removal path of Leave and group Reject: shrink the
// member set, discard the departing member's gathering state, tell
// the rest, mirror the roster to the store.
func (o *Orchestrator) drop(callID domain.CallID, user domain.UserID, event string) ([]domain.UserID, error) {
	rest, err := o.Registry.RemoveMember(callID, user)
	if err != nil {
		return nil, err
	}
	o.Relay.Batcher().CleanupParticipant(callID, user)
	for _, id := range rest {
		o.Notify.SendTo(id, core.MemberEvent{Type: event, CallID: callID, User: user})
	}
	o.persist(callID, "participants update", func(ctx context.Context) error {
		return o.Store.UpdateCall(ctx, callID, core.CallPatch{Participants: rest})
	})
	return rest, nil
}

// End hangs up on behalf of a member.
func (o *Orchestrator) End(callID domain.CallID, user domain.UserID) error {
	return o.terminate(callID, user, domain.EndReasonNormal)
}

// AddParticipant grows a group call with a not-busy, existing user.
func (o *Orchestrator) AddParticipant(ctx context.Context, callID domain.CallID, actor, user domain.UserID) error {
	info, err := o.Directory.Lookup(ctx, user)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", user, err)
	}
	if !info.Exists || info.Banned {
		return fmt.Errorf("%s: %w", user, core.ErrParticipantUnavailable)
	}

	if err := o.Registry.AddMember(callID, actor, user); err != nil {
		return err
	}

	var (
		kind    domain.CallKind
		chatRef domain.ChatRef
		others  []domain.UserID
		members []domain.UserID
	)
	_ = o.Registry.Mutate(callID, func(sess *core.CallSession) error {
		kind = sess.Kind
		chatRef = sess.ChatRef
		others = sess.Others(user)
		members = sess.Participants()
		return nil
	})

	o.Notify.SendTo(user, core.IncomingCallEvent{
		Type:      core.EventIncomingCall,
		CallID:    callID,
		Initiator: actor,
		Kind:      kind,
		ChatRef:   chatRef,
	})
	for _, id := range others {
		o.Notify.SendTo(id, core.MemberEvent{Type: core.EventMemberAdded, CallID: callID, User: user})
	}
	o.persist(callID, "participants update", func(ctx context.Context) error {
		return o.Store.UpdateCall(ctx, callID, core.CallPatch{Participants: members})
	})
	return nil
}

// terminate drives the shared end path: relay broadcast + batcher
// cleanup, ring-timer cancellation, delayed eviction.
func (o *Orchestrator) terminate(callID domain.CallID, actor domain.UserID, reason domain.EndReason) error {
	if err := o.Relay.End(callID, actor, reason); err != nil {
		return err
	}
	o.cancelRingTimer(callID)
	o.scheduleEvict(callID)
	return nil
}

// advance moves a session's status forward and mirrors it to the
// store. Used for transitions no relay operation owns.
func (o *Orchestrator) advance(callID domain.CallID, status domain.CallStatus) {
	changed := false
	_ = o.Registry.Mutate(callID, func(sess *core.CallSession) error {
		changed = sess.AdvanceTo(status)
		return nil
	})
	if !changed {
		return
	}
	o.persist(callID, "status update", func(ctx context.Context) error {
		return o.Store.UpdateCall(ctx, callID, core.CallPatch{Status: &status})
	})
}

// iceServers assembles the ready-to-use server list: the plain STUN
// entries plus one TURN entry per configured relay, each with its own
// freshly issued credential.
func (o *Orchestrator) iceServers(user domain.UserID) ([]core.ICEServer, error) {
	servers := make([]core.ICEServer, 0, len(o.Servers.TURNURLs)+1)
	if len(o.Servers.STUNURLs) > 0 {
		servers = append(servers, core.ICEServer{URLs: o.Servers.STUNURLs})
	}
	for _, urls := range o.Servers.TURNURLs {
		cred, err := o.Creds.Issue(user)
		if err != nil {
			return nil, fmt.Errorf("issue relay credential: %w", err)
		}
		servers = append(servers, core.ICEServer{
			URLs:       urls,
			Username:   cred.Username,
			Credential: cred.Credential,
		})
	}
	return servers, nil
}

func (o *Orchestrator) persist(call domain.CallID, what string, fn func(context.Context) error) {
	if o.Store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("call", string(call)).Str("op", what).Msg("store write failed")
		}
	}()
}
