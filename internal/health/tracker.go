// Package health tracks per-credential rate-limit penalties and per-pipeline
// health, and selects failover candidates for the dispatch loop.
package health

import (
	"sync"
	"time"
)

// State is a pipeline's health classification.
type State string

const (
	StateHealthy     State = "healthy"
	StateDegraded    State = "degraded"
	StateBlacklisted State = "blacklisted"
)

// Options configure the tracker thresholds and recovery cooldowns.
type Options struct {
	// BlacklistThreshold is the consecutive-429 count at which a credential
	// fingerprint is blacklisted.
	BlacklistThreshold int
	// BlacklistCooldown is how long a blacklisted fingerprint stays out of
	// rotation before it may be tried again.
	BlacklistCooldown time.Duration
	// DegradedThreshold is the consecutive non-429 error count at which a
	// pipeline is degraded.
	DegradedThreshold int
	// DegradedCooldown is how long a degraded pipeline stays out of rotation.
	DegradedCooldown time.Duration
}

func (o Options) withDefaults() Options {
	if o.BlacklistThreshold <= 0 {
		o.BlacklistThreshold = 3
	}
	if o.BlacklistCooldown <= 0 {
		o.BlacklistCooldown = 10 * time.Minute
	}
	if o.DegradedThreshold <= 0 {
		o.DegradedThreshold = 3
	}
	if o.DegradedCooldown <= 0 {
		o.DegradedCooldown = time.Minute
	}
	return o
}

// keyPenalty is the per-fingerprint 429 record.
type keyPenalty struct {
	consecutive429   int
	touched          map[string]struct{}
	blacklistedSince time.Time
}

// pipeHealth is the per-pipeline record.
type pipeHealth struct {
	state             State
	consecutiveErrors int
	lastSuccessAt     time.Time
	lastFailureAt     time.Time
	degradedSince     time.Time
}

// Tracker holds the mutable health state. All mutation runs under one mutex;
// records are small and updates are cheap, so finer-grained locking buys
// nothing here.
type Tracker struct {
	mu    sync.Mutex
	opts  Options
	keys  map[string]*keyPenalty
	pipes map[string]*pipeHealth

	// fingerprint per pipeline, fixed at registration.
	prints map[string]string

	now func() time.Time
}

// NewTracker builds an empty tracker.
func NewTracker(opts Options) *Tracker {
	return &Tracker{
		opts:   opts.withDefaults(),
		keys:   make(map[string]*keyPenalty),
		pipes:  make(map[string]*pipeHealth),
		prints: make(map[string]string),
		now:    time.Now,
	}
}

// Register binds a pipeline to its credential fingerprint. Called once per
// pipeline at build time; an empty fingerprint means the credential could
// not be resolved and the pipeline is tracked without key penalties.
func (t *Tracker) Register(pipelineID, fingerprint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prints[pipelineID] = fingerprint
	if _, ok := t.pipes[pipelineID]; !ok {
		t.pipes[pipelineID] = &pipeHealth{state: StateHealthy}
	}
}

// RecordSuccess clears penalties after a successful exchange: the pipeline
// returns to healthy and its fingerprint's 429 streak resets.
func (t *Tracker) RecordSuccess(pipelineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pipe(pipelineID)
	p.state = StateHealthy
	p.consecutiveErrors = 0
	p.lastSuccessAt = t.now()

	if fp := t.prints[pipelineID]; fp != "" {
		if k, ok := t.keys[fp]; ok {
			k.consecutive429 = 0
			k.blacklistedSince = time.Time{}
		}
	}
}

// Record429 notes a rate-limit failure against the pipeline's fingerprint.
// It returns true when this failure pushed the fingerprint over the
// blacklist threshold; every pipeline the fingerprint has touched is then
// degraded. A pipeline with no known fingerprint records the failure
// without penalising any credential.
func (t *Tracker) Record429(pipelineID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pipe(pipelineID)
	p.lastFailureAt = t.now()

	fp := t.prints[pipelineID]
	if fp == "" {
		return false
	}

	k, ok := t.keys[fp]
	if !ok {
		k = &keyPenalty{touched: make(map[string]struct{})}
		t.keys[fp] = k
	}
	k.consecutive429++
	k.touched[pipelineID] = struct{}{}

	if k.consecutive429 < t.opts.BlacklistThreshold {
		return false
	}
	if k.blacklistedSince.IsZero() {
		k.blacklistedSince = t.now()
	}
	for id := range k.touched {
		tp := t.pipe(id)
		tp.state = StateDegraded
		tp.degradedSince = t.now()
	}
	return true
}

// RecordFailure notes a non-429 upstream failure. Reaching the degraded
// threshold takes the pipeline out of rotation until the cooldown passes.
func (t *Tracker) RecordFailure(pipelineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.pipe(pipelineID)
	p.consecutiveErrors++
	p.lastFailureAt = t.now()
	if p.consecutiveErrors >= t.opts.DegradedThreshold {
		p.state = StateDegraded
		p.degradedSince = t.now()
	}
}

// Eligible reports whether a pipeline may serve a request now. A pipeline
// whose fingerprint is blacklisted counts as degraded; both states recover
// after their cooldown.
func (t *Tracker) Eligible(pipelineID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eligibleLocked(pipelineID)
}

func (t *Tracker) eligibleLocked(pipelineID string) bool {
	if fp := t.prints[pipelineID]; fp != "" {
		if k, ok := t.keys[fp]; ok && !k.blacklistedSince.IsZero() {
			if t.now().Sub(k.blacklistedSince) < t.opts.BlacklistCooldown {
				return false
			}
			// Cooldown passed: let the fingerprint try again.
			k.blacklistedSince = time.Time{}
			k.consecutive429 = 0
		}
	}

	p, ok := t.pipes[pipelineID]
	if !ok {
		return true
	}
	if p.state == StateDegraded {
		if t.now().Sub(p.degradedSince) < t.opts.DegradedCooldown {
			return false
		}
		p.state = StateHealthy
		p.consecutiveErrors = 0
	}
	return true
}

// NextCandidate returns the next eligible, non-excluded pipeline from the
// pool, round-robin anchored on the attempt count. The second return is
// false when no candidate remains.
func (t *Tracker) NextCandidate(pool []string, exclude map[string]bool, attempt int) (string, bool) {
	if len(pool) == 0 {
		return "", false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	start := attempt % len(pool)
	for i := 0; i < len(pool); i++ {
		id := pool[(start+i)%len(pool)]
		if exclude[id] {
			continue
		}
		if t.eligibleLocked(id) {
			return id, true
		}
	}
	return "", false
}

// StateOf returns a pipeline's current classification, folding a
// blacklisted fingerprint into the blacklisted state for reporting.
func (t *Tracker) StateOf(pipelineID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fp := t.prints[pipelineID]; fp != "" {
		if k, ok := t.keys[fp]; ok && !k.blacklistedSince.IsZero() &&
			t.now().Sub(k.blacklistedSince) < t.opts.BlacklistCooldown {
			return StateBlacklisted
		}
	}
	p, ok := t.pipes[pipelineID]
	if !ok {
		return StateHealthy
	}
	if p.state == StateDegraded && t.now().Sub(p.degradedSince) >= t.opts.DegradedCooldown {
		return StateHealthy
	}
	return p.state
}

func (t *Tracker) pipe(id string) *pipeHealth {
	p, ok := t.pipes[id]
	if !ok {
		p = &pipeHealth{state: StateHealthy}
		t.pipes[id] = p
	}
	return p
}

// PipelineView is one pipeline's health snapshot for the admin API.
type PipelineView struct {
	ID                string    `json:"id"`
	State             State     `json:"state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastSuccessAt     time.Time `json:"last_success_at,omitzero"`
	LastFailureAt     time.Time `json:"last_failure_at,omitzero"`
}

// KeyView is one credential fingerprint's penalty snapshot. Only the
// fingerprint identifies the credential; the secret never reaches this view.
type KeyView struct {
	Fingerprint      string    `json:"fingerprint"`
	Consecutive429   int       `json:"consecutive_429"`
	PipelinesTouched []string  `json:"pipelines_touched"`
	BlacklistedSince time.Time `json:"blacklisted_since,omitzero"`
}

// Snapshot returns a consistent copy of the tracker state.
func (t *Tracker) Snapshot() (pipes []PipelineView, keys []KeyView) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.pipes {
		pipes = append(pipes, PipelineView{
			ID:                id,
			State:             p.state,
			ConsecutiveErrors: p.consecutiveErrors,
			LastSuccessAt:     p.lastSuccessAt,
			LastFailureAt:     p.lastFailureAt,
		})
	}
	for fp, k := range t.keys {
		kv := KeyView{
			Fingerprint:      fp,
			Consecutive429:   k.consecutive429,
			BlacklistedSince: k.blacklistedSince,
		}
		for id := range k.touched {
			kv.PipelinesTouched = append(kv.PipelinesTouched, id)
		}
		keys = append(keys, kv)
	}
	return pipes, keys
}
