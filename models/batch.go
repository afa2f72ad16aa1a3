package models

import "time"

// CandleBatch is a validated batch of candles headed for storage and the
// archive writer.
type CandleBatch struct {
	Symbol    string       `json:"symbol"`
	Interval  Interval     `json:"interval"`
	Source    string       `json:"source"`
	Priority  TaskPriority `json:"priority"`
	Candles   []Candle     `json:"candles"`
	FetchedAt time.Time    `json:"fetched_at"`
}
