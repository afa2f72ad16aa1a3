package health

import (
	"math"
	"sync"
	"time"

	"candleflow/config"
	"candleflow/models"
)

// Tracker keeps rolling success/failure/latency statistics per adapter.
// Counters decay exponentially over the configured half-life so old
// failures stop penalizing an adapter that has recovered.
//
// Each adapter has its own lock; recording for one adapter never blocks
// another.
type Tracker struct {
	cfg config.HealthConfig

	mu      sync.RWMutex
	entries map[string]*entry

	now func() time.Time
}

type entry struct {
	mu sync.Mutex

	requests  float64
	successes float64
	failures  float64

	consecutiveFailures int
	avgLatency          time.Duration
	lastSuccessAt       time.Time
	lastErrorAt         time.Time
	lastDecayAt         time.Time
	suspendedUntil      time.Time
}

func NewTracker(cfg config.HealthConfig) *Tracker {
	return &Tracker{
		cfg:     cfg,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

func (t *Tracker) entryFor(adapter string) *entry {
	t.mu.RLock()
	e, ok := t.entries[adapter]
	t.mu.RUnlock()
	if ok {
		return e
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok = t.entries[adapter]; ok {
		return e
	}
	e = &entry{lastDecayAt: t.now()}
	t.entries[adapter] = e
	return e
}

// decayLocked applies exponential decay for the time elapsed since the
// last update. Caller holds e.mu.
func (e *entry) decayLocked(now time.Time, halfLife time.Duration) {
	if halfLife <= 0 || e.lastDecayAt.IsZero() {
		e.lastDecayAt = now
		return
	}
	dt := now.Sub(e.lastDecayAt)
	if dt <= 0 {
		return
	}
	factor := math.Pow(0.5, dt.Seconds()/halfLife.Seconds())
	e.requests *= factor
	e.successes *= factor
	e.failures *= factor
	e.lastDecayAt = now
}

// Record updates the rolling counters for one adapter call outcome.
func (t *Tracker) Record(adapter string, success bool, latency time.Duration) {
	now := t.now()
	e := t.entryFor(adapter)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.decayLocked(now, t.cfg.DecayHalfLife)
	e.requests++

	if success {
		e.successes++
		e.consecutiveFailures = 0
		e.lastSuccessAt = now
		// Exponential moving average over observed latencies.
		if e.avgLatency == 0 {
			e.avgLatency = latency
		} else {
			const alpha = 0.1
			e.avgLatency = time.Duration(alpha*float64(latency) + (1-alpha)*float64(e.avgLatency))
		}
		return
	}

	e.failures++
	e.consecutiveFailures++
	e.lastErrorAt = now
	if e.consecutiveFailures >= t.cfg.SuspendAfter && e.suspendedUntil.Before(now) {
		e.suspendedUntil = now.Add(t.cfg.SuspensionCooldown)
	}
}

// State derives the selection state for an adapter.
func (t *Tracker) State(adapter string) models.AdapterState {
	return t.Snapshot(adapter).State
}

// Snapshot returns a copy of the adapter's current health. Suspension is
// lifted once the cooldown has elapsed; the adapter then re-enters
// selection as degraded until it proves itself again.
func (t *Tracker) Snapshot(adapter string) models.SourceHealth {
	now := t.now()
	e := t.entryFor(adapter)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.decayLocked(now, t.cfg.DecayHalfLife)

	if !e.suspendedUntil.IsZero() && !e.suspendedUntil.After(now) {
		// Cooldown elapsed, adapter is reconsidered.
		e.suspendedUntil = time.Time{}
		e.consecutiveFailures = 0
	}

	h := models.SourceHealth{
		Adapter:             adapter,
		RequestCount:        e.requests,
		SuccessCount:        e.successes,
		ErrorCount:          e.failures,
		ConsecutiveFailures: e.consecutiveFailures,
		AverageLatency:      e.avgLatency,
		LastSuccessAt:       e.lastSuccessAt,
		LastErrorAt:         e.lastErrorAt,
	}

	switch {
	case e.suspendedUntil.After(now):
		h.State = models.AdapterSuspended
	case h.SuccessRate() >= t.cfg.HealthySuccessRate && e.consecutiveFailures < t.cfg.DegradeAfter:
		h.State = models.AdapterHealthy
	default:
		h.State = models.AdapterDegraded
	}
	return h
}

// Snapshots returns the health of every adapter seen so far.
func (t *Tracker) Snapshots() []models.SourceHealth {
	t.mu.RLock()
	names := make([]string, 0, len(t.entries))
	for name := range t.entries {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make([]models.SourceHealth, 0, len(names))
	for _, name := range names {
		out = append(out, t.Snapshot(name))
	}
	return out
}

// SetNow overrides the clock, used by tests.
func (t *Tracker) SetNow(now func() time.Time) { t.now = now }
