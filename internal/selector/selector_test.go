package selector

import (
	"testing"
	"time"

	"candleflow/config"
	"candleflow/internal/breaker"
	"candleflow/internal/health"
)

func fixtures() (*health.Tracker, *breaker.Set) {
	tracker := health.NewTracker(config.HealthConfig{
		DecayHalfLife:      15 * time.Minute,
		HealthySuccessRate: 0.95,
		DegradeAfter:       3,
		SuspendAfter:       5,
		SuspensionCooldown: 2 * time.Minute,
	})
	breakers := breaker.NewSet(config.BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		MaxCooldown:      10 * time.Minute,
	})
	return tracker, breakers
}

func TestConfigOrderWhenAllEqual(t *testing.T) {
	tracker, breakers := fixtures()
	s := New([]string{"binance", "bybit", "kucoin"}, tracker, breakers)

	got := s.Rank()
	if len(got) != 3 || got[0] != "binance" || got[1] != "bybit" || got[2] != "kucoin" {
		t.Fatalf("Rank() = %v, want configuration order", got)
	}
}

func TestLowerLatencyRanksFirst(t *testing.T) {
	tracker, breakers := fixtures()
	s := New([]string{"binance", "bybit"}, tracker, breakers)

	tracker.Record("binance", true, 300*time.Millisecond)
	tracker.Record("bybit", true, 40*time.Millisecond)

	if got := s.Rank(); got[0] != "bybit" {
		t.Fatalf("Rank() = %v, want bybit first on latency", got)
	}
}

func TestDegradedRanksAfterHealthy(t *testing.T) {
	tracker, breakers := fixtures()
	s := New([]string{"binance", "bybit"}, tracker, breakers)

	// binance is faster but degraded, bybit healthy.
	tracker.Record("binance", true, 10*time.Millisecond)
	tracker.Record("binance", false, 0)
	tracker.Record("bybit", true, 500*time.Millisecond)

	if got := s.Rank(); got[0] != "bybit" {
		t.Fatalf("Rank() = %v, want healthy bybit ahead of degraded binance", got)
	}
}

func TestSuspendedExcluded(t *testing.T) {
	tracker, breakers := fixtures()
	s := New([]string{"binance", "bybit"}, tracker, breakers)

	for i := 0; i < 5; i++ {
		tracker.Record("binance", false, 0)
	}

	got := s.Rank()
	if len(got) != 1 || got[0] != "bybit" {
		t.Fatalf("Rank() = %v, want suspended binance excluded", got)
	}
}

func TestOpenBreakerExcluded(t *testing.T) {
	tracker, breakers := fixtures()
	s := New([]string{"binance", "bybit"}, tracker, breakers)

	b := breakers.For("binance")
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}

	got := s.Rank()
	if len(got) != 1 || got[0] != "bybit" {
		t.Fatalf("Rank() = %v, want open-breaker binance excluded", got)
	}
}

func TestHalfOpenRanksLast(t *testing.T) {
	tracker, breakers := fixtures()
	s := New([]string{"binance", "bybit"}, tracker, breakers)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	b := breakers.For("binance")
	b.SetNow(func() time.Time { return now })
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	now = now.Add(61 * time.Second)

	got := s.Rank()
	if len(got) != 2 || got[0] != "bybit" || got[1] != "binance" {
		t.Fatalf("Rank() = %v, want half-open binance ranked last", got)
	}
}

func TestAllUnavailable(t *testing.T) {
	tracker, breakers := fixtures()
	s := New([]string{"binance"}, tracker, breakers)

	for i := 0; i < 5; i++ {
		tracker.Record("binance", false, 0)
	}

	if got := s.Rank(); len(got) != 0 {
		t.Fatalf("Rank() = %v, want empty when every adapter is out", got)
	}
}
