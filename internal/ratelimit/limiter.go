package ratelimit

import (
	"context"
	"sync"
	"time"

	"candleflow/models"
)

// Registry enforces one fixed request quota per adapter over a rolling
// window (60 seconds by default). Live tasks are granted first, but
// whenever backfill tasks are queued one token per window is reserved for
// them so backfill never starves.
type Registry struct {
	window time.Duration

	mu       sync.RWMutex
	adapters map[string]*adapterWindow

	now func() time.Time
}

type grant struct {
	at       time.Time
	backfill bool
}

type adapterWindow struct {
	mu      sync.Mutex
	quota   int
	maxWait time.Duration
	grants  []grant

	liveWaiting     int
	backfillWaiting int

	// closed and replaced whenever waiter state changes so blocked
	// acquirers re-evaluate fairness
	changed chan struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		window:   60 * time.Second,
		adapters: make(map[string]*adapterWindow),
		now:      time.Now,
	}
}

// Register configures the quota for one adapter. Must be called before
// Acquire for that adapter.
func (r *Registry) Register(adapter string, quotaPerWindow int, maxWait time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter] = &adapterWindow{
		quota:   quotaPerWindow,
		maxWait: maxWait,
		changed: make(chan struct{}),
	}
}

// SetWindow overrides the rolling window size, used by tests.
func (r *Registry) SetWindow(d time.Duration) { r.window = d }

func (r *Registry) adapterFor(name string) *adapterWindow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters[name]
}

// pruneLocked drops grants that have rolled out of the window and returns
// how many backfill grants remain inside it.
func (w *adapterWindow) pruneLocked(now time.Time, window time.Duration) (used, backfillUsed int) {
	cutoff := now.Add(-window)
	kept := w.grants[:0]
	for _, g := range w.grants {
		if g.at.After(cutoff) {
			kept = append(kept, g)
			if g.backfill {
				backfillUsed++
			}
		}
	}
	w.grants = kept
	return len(w.grants), backfillUsed
}

// grantableLocked applies the fairness rule for one waiter.
func (w *adapterWindow) grantableLocked(now time.Time, window time.Duration, backfill bool) bool {
	used, backfillUsed := w.pruneLocked(now, window)
	if used >= w.quota {
		return false
	}
	if backfill {
		// Backfill takes the reserved token when live traffic contends,
		// and anything spare when it does not.
		return w.liveWaiting == 0 || backfillUsed == 0
	}
	// A live task may not take the last token while backfill is queued
	// and still unserved this window.
	if w.quota-used == 1 && w.backfillWaiting > 0 && backfillUsed == 0 {
		return false
	}
	return true
}

func (w *adapterWindow) notifyLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// Acquire blocks until a token is available for the adapter or the
// configured max wait is exceeded, in which case it fails with
// RateLimited. Context cancellation aborts the wait.
func (r *Registry) Acquire(ctx context.Context, adapter string, priority models.TaskPriority) error {
	w := r.adapterFor(adapter)
	if w == nil {
		return models.NewFetchError(models.ErrUnavailable, adapter, nil)
	}
	backfill := priority == models.PriorityBackfill
	deadline := r.now().Add(w.maxWait)

	w.mu.Lock()
	if backfill {
		w.backfillWaiting++
	} else {
		w.liveWaiting++
	}
	w.notifyLocked()

	defer func() {
		if backfill {
			w.backfillWaiting--
		} else {
			w.liveWaiting--
		}
		w.notifyLocked()
		w.mu.Unlock()
	}()

	for {
		now := r.now()
		if w.grantableLocked(now, r.window, backfill) {
			w.grants = append(w.grants, grant{at: now, backfill: backfill})
			return nil
		}
		if !now.Before(deadline) {
			return models.NewFetchError(models.ErrRateLimited, adapter, nil)
		}

		// Sleep until the oldest grant rolls out of the window, the
		// waiter population changes, or the deadline passes.
		wait := deadline.Sub(now)
		if len(w.grants) > 0 {
			if until := w.grants[0].at.Add(r.window).Sub(now); until > 0 && until < wait {
				wait = until
			}
		}
		changed := w.changed
		w.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.mu.Lock()
			return ctx.Err()
		case <-changed:
			timer.Stop()
		case <-timer.C:
		}
		w.mu.Lock()
	}
}

// Used reports how many tokens the adapter has consumed in the current
// window.
func (r *Registry) Used(adapter string) int {
	w := r.adapterFor(adapter)
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	used, _ := w.pruneLocked(r.now(), r.window)
	return used
}
