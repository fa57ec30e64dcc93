package app

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/akosev/ringlet/internal/domain"
	"github.com/rs/zerolog/log"
)

type gatherState int

const (
	gatherNew gatherState = iota
	gatherActive
	gatherComplete
)

type batchKey struct {
	call domain.CallID
	user domain.UserID
}

type gatherEntry struct {
	state   gatherState
	pending []json.RawMessage
	timer   *time.Timer
}

// FlushFunc delivers one coalesced batch. The batcher knows nothing
// about recipients; the relay decides the fan-out.
type FlushFunc func(call domain.CallID, from domain.UserID, batch []json.RawMessage)

// Batcher coalesces ICE candidates per (call, participant) on a short
// timer, so a burst of tiny candidates becomes one relay message. A
// timer firing concurrently with Cleanup finds its entry gone and does
// nothing.
type Batcher struct {
	mu      sync.Mutex
	delay   time.Duration
	flush   FlushFunc
	entries map[batchKey]*gatherEntry
}

func NewBatcher(delay time.Duration, flush FlushFunc) *Batcher {
	return &Batcher{
		delay:   delay,
		flush:   flush,
		entries: make(map[batchKey]*gatherEntry),
	}
}

func (b *Batcher) StartGathering(call domain.CallID, user domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := batchKey{call, user}
	if _, ok := b.entries[key]; ok {
		return
	}
	b.entries[key] = &gatherEntry{state: gatherNew}
}

// Add appends a candidate and (re)arms the flush timer. Candidates
// arriving after CompleteGathering are dropped silently: arrival races
// with completion are expected, not errors.
func (b *Batcher) Add(call domain.CallID, user domain.UserID, candidate json.RawMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := batchKey{call, user}
	e, ok := b.entries[key]
	if !ok {
		e = &gatherEntry{state: gatherNew}
		b.entries[key] = e
	}
	if e.state == gatherComplete {
		log.Debug().Str("module", "app.batcher").Str("call", string(call)).Str("user", string(user)).Msg("candidate after complete, dropped")
		return
	}
	e.state = gatherActive
	e.pending = append(e.pending, candidate)
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(b.delay, func() { b.fire(key) })
}

// CompleteGathering flushes whatever is pending right away and stops
// accepting candidates for that participant.
func (b *Batcher) CompleteGathering(call domain.CallID, user domain.UserID) {
	b.mu.Lock()
	key := batchKey{call, user}
	e, ok := b.entries[key]
	if !ok || e.state == gatherComplete {
		b.mu.Unlock()
		return
	}
	e.state = gatherComplete
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	batch := e.pending
	e.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.flush(call, user, batch)
	}
}

// CleanupParticipant drops one member's gathering state when they
// leave a call that keeps running for the rest.
func (b *Batcher) CleanupParticipant(call domain.CallID, user domain.UserID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := batchKey{call, user}
	if e, ok := b.entries[key]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.entries, key)
	}
}

// Cleanup cancels every pending timer for the call and discards its
// state. Invoked once when a session ends; a second call is a no-op.
func (b *Batcher) Cleanup(call domain.CallID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, e := range b.entries {
		if key.call != call {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.entries, key)
	}
}

func (b *Batcher) fire(key batchKey) {
	b.mu.Lock()
	e, ok := b.entries[key]
	if !ok || len(e.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := e.pending
	e.pending = nil
	e.timer = nil
	b.mu.Unlock()

	b.flush(key.call, key.user, batch)
}

// candidate type ranks for display ordering: direct routes first.
var candidateRank = map[string]int{
	"host":  0,
	"srflx": 1,
	"relay": 2,
}

// RankCandidates sorts candidate strings host > server-reflexive >
// relay by prefix inspection of the "typ" token. Display ordering
// only; delivery order is untouched.
func RankCandidates(candidates []string) []string {
	out := make([]string, len(candidates))
	copy(out, candidates)
	sort.SliceStable(out, func(i, j int) bool {
		return rankOf(out[i]) < rankOf(out[j])
	})
	return out
}

func rankOf(candidate string) int {
	_, after, ok := strings.Cut(candidate, " typ ")
	if !ok {
		return len(candidateRank)
	}
	typ, _, _ := strings.Cut(after, " ")
	if r, ok := candidateRank[typ]; ok {
		return r
	}
	return len(candidateRank)
}
