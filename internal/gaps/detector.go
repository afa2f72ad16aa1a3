package gaps

import (
	"context"
	"fmt"
	"time"

	"candleflow/config"
	"candleflow/internal/store"
	"candleflow/logger"
	"candleflow/models"
)

// Detector scans stored candles for a symbol and records missing ranges
// as gap rows. Scanning walks the expected timestamp grid from the
// collection start to the last complete interval; contiguous missing
// points merge into a single gap. Re-scanning is idempotent: ranges
// already covered by an unresolved gap are not recorded again.
type Detector struct {
	cfg      config.GapsConfig
	interval models.Interval
	store    store.Store
	log      *logger.Entry

	now func() time.Time
}

func NewDetector(cfg config.GapsConfig, interval models.Interval, st store.Store) *Detector {
	return &Detector{
		cfg:      cfg,
		interval: interval,
		store:    st,
		log:      logger.GetLogger().WithComponent("gap-detector"),
		now:      time.Now,
	}
}

// Scan detects and persists new gaps for one symbol since start. It
// returns only the gaps created by this scan.
func (d *Detector) Scan(ctx context.Context, symbol string, start time.Time) ([]models.Gap, error) {
	step := d.interval.Duration()
	from := d.interval.Align(start)
	// The candle stamped T is complete once now >= T+interval; the scan
	// stops before the forming one.
	end := d.interval.Align(d.now())
	if !end.After(from) {
		return nil, nil
	}

	stored, err := d.store.Timestamps(ctx, symbol, from, end)
	if err != nil {
		return nil, fmt.Errorf("load timestamps for %s: %w", symbol, err)
	}
	present := make(map[int64]struct{}, len(stored))
	for _, ts := range stored {
		present[d.snap(ts).UnixMilli()] = struct{}{}
	}

	covered, err := d.unresolvedRanges(ctx, symbol)
	if err != nil {
		return nil, err
	}

	var (
		created  []models.Gap
		runStart time.Time
		inRun    bool
	)
	flush := func(runEnd time.Time) error {
		if !inRun {
			return nil
		}
		inRun = false
		gap := models.NewGap(symbol, d.interval, runStart, runEnd)
		if err := d.store.SaveGap(ctx, gap); err != nil {
			return fmt.Errorf("save gap for %s: %w", symbol, err)
		}
		created = append(created, gap)
		logger.IncrementGapDetected()
		d.log.WithFields(logger.Fields{
			"symbol": symbol,
			"start":  gap.Start.Format(time.RFC3339),
			"end":    gap.End.Format(time.RFC3339),
			"points": gap.ExpectedPoints(),
		}).Info("gap detected")
		return nil
	}

	for ts := from; ts.Before(end); ts = ts.Add(step) {
		_, have := present[ts.UnixMilli()]
		missing := !have && !covered.contains(ts)
		switch {
		case missing && !inRun:
			runStart, inRun = ts, true
		case !missing:
			if err := flush(ts); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(end); err != nil {
		return nil, err
	}
	return created, nil
}

// snap rounds a stored timestamp to the nearest grid point, so rows up to
// half an interval off the grid still count as their expected slot.
func (d *Detector) snap(ts time.Time) time.Time {
	step := d.interval.Duration()
	aligned := d.interval.Align(ts)
	if ts.Sub(aligned) > step/2 {
		aligned = aligned.Add(step)
	}
	return aligned
}

type ranges []models.Gap

func (r ranges) contains(ts time.Time) bool {
	for _, g := range r {
		if !ts.Before(g.Start) && ts.Before(g.End) {
			return true
		}
	}
	return false
}

// unresolvedRanges collects the gap ranges that already track missing
// data for the symbol, in any status but resolved.
func (d *Detector) unresolvedRanges(ctx context.Context, symbol string) (ranges, error) {
	var out ranges
	for _, status := range []models.GapStatus{models.GapPending, models.GapInProgress, models.GapFailed} {
		gaps, err := d.store.ListGaps(ctx, status, 0)
		if err != nil {
			return nil, fmt.Errorf("list %s gaps: %w", status, err)
		}
		for _, g := range gaps {
			if g.Symbol == symbol {
				out = append(out, g)
			}
		}
	}
	return out, nil
}

// SetNow overrides the clock, used by tests.
func (d *Detector) SetNow(now func() time.Time) { d.now = now }
