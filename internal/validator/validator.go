package validator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"candleflow/config"
	"candleflow/internal/store"
	"candleflow/logger"
	"candleflow/models"
)

// initialQuality is the score of a candle accepted from a single
// source. Confirmation by another source sets the validated flag and
// moves the score halfway to 1, which never lowers it.
const initialQuality = 1.0

// Validator checks fetched batches before they reach the store.
//
// A candle must be well formed (OHLC geometry, non-negative volume) and
// land on the interval grid. When its key already exists, the stored and
// incoming prices are compared under the duplicate tolerance: agreement
// from a different source marks the stored row validated, agreement from
// the same source is an idempotent refetch, and
// disagreement rejects the incoming candle while the stored row keeps
// its score. Quality scores never go down.
type Validator struct {
	cfg   config.ValidatorConfig
	store store.Store
	log   *logger.Entry
}

// Rejection pairs a rejected candle with the reason.
type Rejection struct {
	Candle models.Candle
	Reason error
}

// Result of validating one batch.
type Result struct {
	Accepted []models.Candle
	Rejected []Rejection
}

func New(cfg config.ValidatorConfig, st store.Store) *Validator {
	return &Validator{
		cfg:   cfg,
		store: st,
		log:   logger.GetLogger().WithComponent("validator"),
	}
}

// ValidateBatch filters a fetched batch down to the candles that may be
// written. The returned Accepted slice is ascending by timestamp and free
// of in-batch duplicates.
func (v *Validator) ValidateBatch(ctx context.Context, interval models.Interval, batch []models.Candle) (Result, error) {
	var res Result

	sorted := make([]models.Candle, len(batch))
	copy(sorted, batch)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	seen := make(map[int64]models.Candle)
	for _, c := range sorted {
		if !c.WellFormed() {
			res.Rejected = append(res.Rejected, Rejection{
				Candle: c,
				Reason: models.NewFetchError(models.ErrValidationFailed, c.Source, fmt.Errorf("malformed ohlcv for %s at %s", c.Symbol, c.Timestamp)),
			})
			continue
		}

		c.Timestamp = snap(interval, c.Timestamp)
		key := c.Timestamp.UnixMilli()

		if prev, dup := seen[key]; dup {
			// Same slot twice in one batch: a near-identical repeat is
			// dropped silently, a conflicting one is rejected.
			if !v.pricesAgree(prev, c) {
				res.Rejected = append(res.Rejected, Rejection{
					Candle: c,
					Reason: models.NewFetchError(models.ErrValidationFailed, c.Source, fmt.Errorf("conflicting duplicate in batch for %s at %s", c.Symbol, c.Timestamp)),
				})
			}
			continue
		}

		merged, reject, err := v.mergeWithStored(ctx, c)
		if err != nil {
			return Result{}, err
		}
		if reject != nil {
			res.Rejected = append(res.Rejected, *reject)
			continue
		}
		seen[key] = merged
		res.Accepted = append(res.Accepted, merged)
	}

	if n := len(res.Rejected); n > 0 {
		v.log.WithFields(logger.Fields{
			"rejected": n,
			"accepted": len(res.Accepted),
		}).Warn("batch partially rejected")
	}
	return res, nil
}

// mergeWithStored resolves the incoming candle against an existing row
// for the same key, if any.
func (v *Validator) mergeWithStored(ctx context.Context, c models.Candle) (models.Candle, *Rejection, error) {
	existing, err := v.store.GetCandle(ctx, c.Symbol, c.Timestamp)
	if errors.Is(err, store.ErrNotFound) {
		c.QualityScore = initialQuality
		c.Validated = false
		return c, nil, nil
	}
	if err != nil {
		return models.Candle{}, nil, fmt.Errorf("lookup %s at %s: %w", c.Symbol, c.Timestamp, err)
	}

	if !v.pricesAgree(existing, c) {
		return models.Candle{}, &Rejection{
			Candle: c,
			Reason: models.NewFetchError(models.ErrValidationFailed, c.Source,
				fmt.Errorf("%s at %s disagrees with stored row from %s", c.Source, c.Timestamp, existing.Source)),
		}, nil
	}

	// Agreement. The stored row wins; a second source counts as
	// cross-source confirmation.
	if existing.Source != c.Source {
		existing.QualityScore += (1 - existing.QualityScore) / 2
		existing.Validated = true
	}
	return existing, nil, nil
}

// pricesAgree compares OHLC under the relative duplicate tolerance.
// Volume is excluded: venues report materially different volumes for the
// same interval.
func (v *Validator) pricesAgree(a, b models.Candle) bool {
	return within(a.Open, b.Open, v.cfg.DuplicateTolerance) &&
		within(a.High, b.High, v.cfg.DuplicateTolerance) &&
		within(a.Low, b.Low, v.cfg.DuplicateTolerance) &&
		within(a.Close, b.Close, v.cfg.DuplicateTolerance)
}

func within(a, b, tolerance float64) bool {
	da, db := decimal.NewFromFloat(a), decimal.NewFromFloat(b)
	if da.Equal(db) {
		return true
	}
	denom := decimal.Max(da.Abs(), db.Abs())
	if denom.IsZero() {
		return true
	}
	diff := da.Sub(db).Abs().Div(denom)
	return diff.LessThanOrEqual(decimal.NewFromFloat(tolerance))
}

// snap rounds a timestamp to the nearest interval grid point.
func snap(interval models.Interval, ts time.Time) time.Time {
	step := interval.Duration()
	aligned := interval.Align(ts)
	if ts.Sub(aligned) > step/2 {
		aligned = aligned.Add(step)
	}
	return aligned
}
