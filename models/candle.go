package models

import (
	"fmt"
	"time"
)

// Interval is the expected cadence between consecutive candles for a
// symbol. Timestamps of stored candles are always aligned to it.
type Interval time.Duration

const (
	Interval1m  = Interval(time.Minute)
	Interval5m  = Interval(5 * time.Minute)
	Interval15m = Interval(15 * time.Minute)
	Interval1h  = Interval(time.Hour)
	Interval4h  = Interval(4 * time.Hour)
	Interval1d  = Interval(24 * time.Hour)
)

// ParseInterval converts the compact exchange notation ("1m", "1h", "1d")
// into an Interval.
func ParseInterval(s string) (Interval, error) {
	switch s {
	case "1m":
		return Interval1m, nil
	case "5m":
		return Interval5m, nil
	case "15m":
		return Interval15m, nil
	case "1h":
		return Interval1h, nil
	case "4h":
		return Interval4h, nil
	case "1d":
		return Interval1d, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return Interval(d), nil
}

func (i Interval) Duration() time.Duration { return time.Duration(i) }

func (i Interval) String() string {
	d := time.Duration(i)
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		return fmt.Sprintf("%dd", d/(24*time.Hour))
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	default:
		return fmt.Sprintf("%dm", d/time.Minute)
	}
}

// Align truncates t down to the interval grid in UTC.
func (i Interval) Align(t time.Time) time.Time {
	return t.UTC().Truncate(time.Duration(i))
}

// Candle is one validated OHLCV record, uniquely identified by
// (symbol, timestamp). After acceptance only the quality score and the
// validated flag may change, and only upward.
type Candle struct {
	Symbol       string    `json:"symbol"`
	Timestamp    time.Time `json:"timestamp"`
	Open         float64   `json:"open"`
	High         float64   `json:"high"`
	Low          float64   `json:"low"`
	Close        float64   `json:"close"`
	Volume       float64   `json:"volume"`
	Source       string    `json:"source"`
	QualityScore float64   `json:"quality_score"`
	Validated    bool      `json:"validated"`
}

// WellFormed reports whether the OHLC geometry and volume sign are valid.
func (c Candle) WellFormed() bool {
	if c.Open < 0 || c.High < 0 || c.Low < 0 || c.Close < 0 || c.Volume < 0 {
		return false
	}
	if c.High < c.Open || c.High < c.Close || c.High < c.Low {
		return false
	}
	if c.Low > c.Open || c.Low > c.Close || c.Low > c.High {
		return false
	}
	return true
}
