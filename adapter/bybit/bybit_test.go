package bybit

import (
	"testing"
	"time"

	"candleflow/models"
)

func TestIntervalCode(t *testing.T) {
	tests := []struct {
		in   models.Interval
		want string
	}{
		{models.Interval1m, "1"},
		{models.Interval15m, "15"},
		{models.Interval1h, "60"},
		{models.Interval4h, "240"},
		{models.Interval1d, "D"},
	}
	for _, tt := range tests {
		got, err := IntervalCode(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("IntervalCode(%s) = %s, %v, want %s", tt.in, got, err, tt.want)
		}
	}
	if _, err := IntervalCode(models.Interval(90 * time.Second)); err == nil {
		t.Errorf("unsupported interval must error")
	}
}

func TestToCandle(t *testing.T) {
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	row := []string{"1717243200000", "100", "103", "99", "102", "5.5", "550"}

	got, err := toCandle("BTCUSDT", row)
	if err != nil {
		t.Fatalf("toCandle: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Fatalf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.Open != 100 || got.High != 103 || got.Low != 99 || got.Close != 102 || got.Volume != 5.5 {
		t.Fatalf("row parsed wrong: %+v", got)
	}
	if got.Source != "bybit" {
		t.Fatalf("source = %s", got.Source)
	}
}

func TestToCandleShortRow(t *testing.T) {
	if _, err := toCandle("BTCUSDT", []string{"1717243200000", "100"}); models.KindOf(err) != models.ErrMalformedResponse {
		t.Fatalf("short row must be MalformedResponse, got %v", err)
	}
}

func TestRetCodeClassification(t *testing.T) {
	if got := models.KindOf(classifyRetCode(10006, "rate limit")); got != models.ErrRateLimited {
		t.Fatalf("10006 = %s, want rate_limited", got)
	}
	if got := models.KindOf(classifyRetCode(10003, "invalid api key")); got != models.ErrAuth {
		t.Fatalf("10003 = %s, want auth_error", got)
	}
	if got := models.KindOf(classifyRetCode(10001, "params error")); got != models.ErrMalformedResponse {
		t.Fatalf("10001 = %s, want malformed_response", got)
	}
}
