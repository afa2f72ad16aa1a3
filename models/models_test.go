package models

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestParseInterval(t *testing.T) {
	cases := []struct {
		in   string
		want Interval
		ok   bool
	}{
		{"1m", Interval1m, true},
		{"5m", Interval5m, true},
		{"1h", Interval1h, true},
		{"1d", Interval1d, true},
		{"2h", Interval(2 * time.Hour), true},
		{"", 0, false},
		{"bogus", 0, false},
	}
	for _, c := range cases {
		got, err := ParseInterval(c.in)
		if c.ok && err != nil {
			t.Errorf("ParseInterval(%q) failed: %v", c.in, err)
		}
		if !c.ok && err == nil {
			t.Errorf("ParseInterval(%q) expected error", c.in)
		}
		if c.ok && got != c.want {
			t.Errorf("ParseInterval(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestIntervalAlign(t *testing.T) {
	ts := time.Date(2024, 3, 1, 14, 37, 12, 0, time.UTC)
	if got := Interval1h.Align(ts); !got.Equal(time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected aligned time: %v", got)
	}
	if got := Interval5m.Align(ts); !got.Equal(time.Date(2024, 3, 1, 14, 35, 0, 0, time.UTC)) {
		t.Errorf("unexpected aligned time: %v", got)
	}
}

func TestCandleWellFormed(t *testing.T) {
	base := Candle{Symbol: "BTCUSDT", Open: 100, High: 110, Low: 95, Close: 105, Volume: 1}
	if !base.WellFormed() {
		t.Fatalf("expected well-formed candle")
	}

	bad := base
	bad.High = 90
	if bad.WellFormed() {
		t.Errorf("high below open must be rejected")
	}

	bad = base
	bad.Low = 120
	if bad.WellFormed() {
		t.Errorf("low above close must be rejected")
	}

	bad = base
	bad.Volume = -1
	if bad.WellFormed() {
		t.Errorf("negative volume must be rejected")
	}
}

func TestFetchErrorClassification(t *testing.T) {
	err := NewFetchError(ErrTimeout, "binance", errors.New("deadline exceeded"))
	if !Retryable(err) {
		t.Errorf("timeout must be retryable")
	}
	if KindOf(err) != ErrTimeout {
		t.Errorf("unexpected kind: %s", KindOf(err))
	}

	wrapped := fmt.Errorf("task failed: %w", err)
	if !Retryable(wrapped) {
		t.Errorf("wrapped timeout must stay retryable")
	}

	fatal := NewFetchError(ErrAuth, "binance", nil)
	if Retryable(fatal) {
		t.Errorf("auth error must not be retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Errorf("unclassified error must not be retryable")
	}
}

func TestGapExpectedPoints(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGap("BTCUSDT", Interval1h, start, start.Add(20*time.Hour))
	if g.Status != GapPending {
		t.Fatalf("new gap must be pending, got %s", g.Status)
	}
	if got := g.ExpectedPoints(); got != 20 {
		t.Errorf("ExpectedPoints = %d, want 20", got)
	}

	empty := NewGap("BTCUSDT", Interval1h, start, start)
	if got := empty.ExpectedPoints(); got != 0 {
		t.Errorf("empty gap ExpectedPoints = %d, want 0", got)
	}
}
