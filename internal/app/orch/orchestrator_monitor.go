package orch

import (
	"context"
	"time"

	"github.com/akosev/ringlet/internal/core"
	"github.com/akosev/ringlet/internal/domain"
	"github.com/rs/zerolog/log"
)

// Quality thresholds; crossing one earns the reporter an advisory
// suggestion, nothing more. Session state is never touched.
const (
	packetLossAdviceFrom = 5.0
	rttAdviceFromMillis  = 300
)

// Run drives the expiry sweep and the quality monitor until ctx is
// canceled.
func (o *Orchestrator) Run(ctx context.Context) {
	sweep := time.NewTicker(o.Limits.SweepInterval)
	quality := time.NewTicker(o.Limits.QualityInterval)
	defer sweep.Stop()
	defer quality.Stop()

	for {
		select {
		case <-ctx.Done():
			o.stopTimers()
			return
		case <-sweep.C:
			o.SweepExpired()
		case <-quality.C:
			o.reviewQuality()
		}
	}
}

// ReportQuality records a participant's self-reported sample.
func (o *Orchestrator) ReportQuality(callID domain.CallID, from domain.UserID, sample domain.QualitySample) error {
	return o.Registry.Mutate(callID, func(sess *core.CallSession) error {
		if sess.Terminal() {
			return core.ErrSessionNotFound
		}
		if !sess.Member(from) {
			return core.ErrNotAuthorized
		}
		sess.Quality[from] = sample
		return nil
	})
}

// SweepExpired ends every session older than the maximum call
// duration, attributed to the system actor with reason normal.
func (o *Orchestrator) SweepExpired() {
	now := o.now()
	for _, snap := range o.Registry.Snapshot() {
		if snap.Status.Terminal() {
			continue
		}
		if now.Sub(snap.StartedAt) <= o.Limits.MaxCallDuration {
			continue
		}
		log.Warn().Str("module", "app.orch").Str("call", string(snap.ID)).Msg("max duration exceeded, ending call")
		if err := o.terminate(snap.ID, domain.SystemActor, domain.EndReasonNormal); err != nil {
			log.Error().Err(err).Str("module", "app.orch").Str("call", string(snap.ID)).Msg("sweep end failed")
		}
	}
}

type qualityAdvice struct {
	user       domain.UserID
	suggestion string
}

// reviewQuality scans the latest samples and sends advice back to the
// reporting participant when a threshold is crossed.
func (o *Orchestrator) reviewQuality() {
	for _, snap := range o.Registry.Snapshot() {
		if snap.Status.Terminal() {
			continue
		}
		var advice []qualityAdvice
		_ = o.Registry.Mutate(snap.ID, func(sess *core.CallSession) error {
			for user, sample := range sess.Quality {
				if s := suggestionFor(sample); s != "" {
					advice = append(advice, qualityAdvice{user: user, suggestion: s})
				}
			}
			return nil
		})
		for _, a := range advice {
			o.Notify.SendTo(a.user, core.QualityAdviceEvent{
				Type:       core.EventQualityAdvice,
				CallID:     snap.ID,
				Suggestion: a.suggestion,
			})
		}
	}
}

func suggestionFor(s domain.QualitySample) string {
	switch {
	case s.PacketLossPct > packetLossAdviceFrom:
		return "check connection stability"
	case s.RTTMillis > rttAdviceFromMillis:
		return "high latency, consider disabling video"
	case s.Tier == "poor":
		return "poor connection, audio only recommended"
	}
	return ""
}

// armRingTimer ends the call as missed when nobody answers in time.
func (o *Orchestrator) armRingTimer(callID domain.CallID) {
	if o.Limits.RingTimeout <= 0 {
		return
	}
	o.mu.Lock()
	if o.ringTimers == nil {
		o.ringTimers = make(map[domain.CallID]*time.Timer)
	}
	o.ringTimers[callID] = time.AfterFunc(o.Limits.RingTimeout, func() {
		o.onRingTimeout(callID)
	})
	o.mu.Unlock()
}

func (o *Orchestrator) onRingTimeout(callID domain.CallID) {
	unanswered := false
	_ = o.Registry.Mutate(callID, func(sess *core.CallSession) error {
		unanswered = sess.Status.Rank() < domain.CallStatusAnswered.Rank()
		return nil
	})
	if !unanswered {
		return
	}
	log.Info().Str("module", "app.orch").Str("call", string(callID)).Msg("ring timeout, call missed")
	if err := o.terminate(callID, domain.SystemActor, domain.EndReasonMissed); err != nil {
		log.Error().Err(err).Str("module", "app.orch").Str("call", string(callID)).Msg("ring timeout end failed")
	}
}

func (o *Orchestrator) cancelRingTimer(callID domain.CallID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.ringTimers[callID]; ok {
		t.Stop()
		delete(o.ringTimers, callID)
	}
}

func (o *Orchestrator) scheduleEvict(callID domain.CallID) {
	grace := o.Limits.EvictGrace
	if grace <= 0 {
		o.Registry.Evict(callID)
		return
	}
	// Ended sessions linger for the grace window so late duplicate
	// messages hit a terminal session instead of "not found".
	time.AfterFunc(grace, func() { o.Registry.Evict(callID) })
}

func (o *Orchestrator) stopTimers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, t := range o.ringTimers {
		t.Stop()
		delete(o.ringTimers, id)
	}
}
