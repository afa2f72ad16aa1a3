package selector

import (
	"sort"

	"candleflow/internal/breaker"
	"candleflow/internal/health"
	"candleflow/models"
)

// Selector ranks the configured adapters for a fetch. Suspended adapters
// and adapters behind an open breaker are excluded; the rest are ordered
// by breaker state first (closed before half-open), then health state
// (healthy before degraded), then lower average latency. Ties fall back
// to configuration order so ranking is deterministic.
type Selector struct {
	adapters []string
	tracker  *health.Tracker
	breakers *breaker.Set
}

func New(adapters []string, tracker *health.Tracker, breakers *breaker.Set) *Selector {
	return &Selector{
		adapters: adapters,
		tracker:  tracker,
		breakers: breakers,
	}
}

type candidate struct {
	name      string
	probing   bool
	degraded  bool
	latency   int64
	configPos int
}

// Rank returns the adapters to try, best first. An empty result means
// every source is unavailable and the task cannot be served right now.
func (s *Selector) Rank() []string {
	cands := make([]candidate, 0, len(s.adapters))
	for i, name := range s.adapters {
		if s.breakers.For(name).Current() == breaker.Open {
			continue
		}
		snap := s.tracker.Snapshot(name)
		if snap.State == models.AdapterSuspended {
			continue
		}
		cands = append(cands, candidate{
			name:      name,
			probing:   s.breakers.For(name).Current() == breaker.HalfOpen,
			degraded:  snap.State == models.AdapterDegraded,
			latency:   int64(snap.AverageLatency),
			configPos: i,
		})
	}

	sort.SliceStable(cands, func(a, b int) bool {
		ca, cb := cands[a], cands[b]
		if ca.probing != cb.probing {
			return !ca.probing
		}
		if ca.degraded != cb.degraded {
			return !ca.degraded
		}
		if ca.latency != cb.latency {
			return ca.latency < cb.latency
		}
		return ca.configPos < cb.configPos
	})

	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.name
	}
	return out
}

// Exhausted builds the terminal error for a task no adapter could serve.
func Exhausted() error {
	return models.NewFetchError(models.ErrUnavailable, "all", nil)
}
