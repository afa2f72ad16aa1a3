package models

import (
	"time"

	"github.com/google/uuid"
)

// GapStatus tracks the recovery lifecycle of a missing range.
type GapStatus string

const (
	GapPending    GapStatus = "pending"
	GapInProgress GapStatus = "in_progress"
	GapResolved   GapStatus = "resolved"
	GapFailed     GapStatus = "failed"
)

// Gap is a contiguous half-open range [Start, End) of expected but missing
// candle timestamps for a symbol/interval. A failed gap stays queryable for
// manual requeue, it is never discarded.
type Gap struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Interval      Interval  `json:"interval"`
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	Status        GapStatus `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	DetectedAt    time.Time `json:"detected_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// NewGap creates a pending gap covering [start, end).
func NewGap(symbol string, interval Interval, start, end time.Time) Gap {
	return Gap{
		ID:         uuid.NewString(),
		Symbol:     symbol,
		Interval:   interval,
		Start:      start.UTC(),
		End:        end.UTC(),
		Status:     GapPending,
		DetectedAt: time.Now().UTC(),
	}
}

// ExpectedPoints is the number of candles the range should contain.
func (g Gap) ExpectedPoints() int {
	if !g.End.After(g.Start) {
		return 0
	}
	return int(g.End.Sub(g.Start) / g.Interval.Duration())
}
