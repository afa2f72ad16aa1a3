package breaker

import (
	"sync"
	"time"

	"candleflow/config"
	"candleflow/models"
)

// State of a circuit breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker protects one adapter. After failureThreshold consecutive
// failures it opens and fails calls immediately with CircuitOpen. Once the
// cooldown elapses it half-opens: the next call is allowed through, a
// success closes the breaker, a failure re-opens it with a doubled
// cooldown capped at the configured maximum.
type Breaker struct {
	adapter string
	cfg     config.BreakerConfig

	mu            sync.Mutex
	state         State
	failures      int
	cooldown      time.Duration
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

func New(adapter string, cfg config.BreakerConfig) *Breaker {
	return &Breaker{
		adapter:  adapter,
		cfg:      cfg,
		state:    Closed,
		cooldown: cfg.Cooldown,
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. While open it returns a
// CircuitOpen fetch error without contacting the adapter. In half-open
// state only a single probe call is admitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return models.NewFetchError(models.ErrCircuitOpen, b.adapter, nil)
		}
		b.state = HalfOpen
		b.probeInFlight = true
		return nil
	default: // HalfOpen
		if b.probeInFlight {
			return models.NewFetchError(models.ErrCircuitOpen, b.adapter, nil)
		}
		b.probeInFlight = true
		return nil
	}
}

// Cancel releases the half-open probe slot when an admitted call never
// reached the adapter, so no outcome will be recorded. State is
// otherwise unchanged.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probeInFlight = false
	}
}

// RecordSuccess closes the breaker and restores the base cooldown.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failures = 0
	b.cooldown = b.cfg.Cooldown
	b.probeInFlight = false
}

// RecordFailure counts a failed call. The half-open probe failing re-opens
// immediately with a doubled cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.cooldown *= 2
		if b.cooldown > b.cfg.MaxCooldown {
			b.cooldown = b.cfg.MaxCooldown
		}
		b.open()
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.state = Open
	b.openedAt = b.now()
	b.failures = 0
	b.probeInFlight = false
}

// Current returns the observable state, promoting Open to HalfOpen once
// the cooldown has elapsed so ranking sees the breaker as probeable.
func (b *Breaker) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// SetNow overrides the clock, used by tests.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Set manages one breaker per adapter id.
type Set struct {
	cfg config.BreakerConfig

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewSet(cfg config.BreakerConfig) *Set {
	return &Set{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the breaker for an adapter, creating it on first use.
func (s *Set) For(adapter string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[adapter]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[adapter]; ok {
		return b
	}
	b = New(adapter, s.cfg)
	s.breakers[adapter] = b
	return b
}
