package store

import (
	"context"
	"errors"
	"time"

	"candleflow/models"
)

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("store: not found")

// Store persists candles and gap records. Candles are keyed by
// (symbol, timestamp); writing an existing key overwrites the row, so
// callers decide merge semantics before writing.
type Store interface {
	// UpsertCandles writes a batch, inserting new rows and replacing
	// existing ones. Returns the number of rows written.
	UpsertCandles(ctx context.Context, candles []models.Candle) (int, error)

	// GetCandle looks up one candle by its key.
	GetCandle(ctx context.Context, symbol string, ts time.Time) (models.Candle, error)

	// QueryRange returns candles with Timestamp in [from, to), ascending.
	QueryRange(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error)

	// Timestamps returns only the stored timestamps in [from, to),
	// ascending. Gap scanning walks these without loading full rows.
	Timestamps(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error)

	// SaveGap inserts or replaces a gap record by ID.
	SaveGap(ctx context.Context, gap models.Gap) error

	// GetGap looks up one gap by ID.
	GetGap(ctx context.Context, id string) (models.Gap, error)

	// ListGaps returns gaps in the given status ordered oldest Start
	// first, at most limit rows. limit <= 0 means no limit.
	ListGaps(ctx context.Context, status models.GapStatus, limit int) ([]models.Gap, error)

	Close()
}
