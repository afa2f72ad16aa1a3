package adapter

import (
	"context"
	"time"

	"candleflow/models"
)

// Adapter fetches historical candles from one exchange. Implementations
// return candles ascending by timestamp, parse prices exactly, and wrap
// every failure in a models.FetchError so the scheduler can classify it.
// Requests wider than the venue's batch limit are paginated internally.
type Adapter interface {
	Name() string

	// FetchCandles returns the candles with timestamps in [start, end).
	FetchCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error)
}
