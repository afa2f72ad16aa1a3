package recovery

import (
	"context"
	"fmt"
	"time"

	"candleflow/config"
	"candleflow/internal/store"
	"candleflow/logger"
	"candleflow/models"
)

// Orchestrator drives gap recovery. Claim picks the oldest pending gaps,
// marks them in progress and splits each into backfill tasks no wider
// than the configured chunk span, oldest chunk first. Completion reports
// from the workers move the gap to resolved, back to pending for another
// round, or to failed once the attempt ceiling is hit. Failed gaps stay
// in the store for manual requeue.
type Orchestrator struct {
	cfg      config.GapsConfig
	interval models.Interval
	store    store.Store
	log      *logger.Entry

	now func() time.Time
}

func NewOrchestrator(cfg config.GapsConfig, interval models.Interval, st store.Store) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		interval: interval,
		store:    st,
		log:      logger.GetLogger().WithComponent("gap-recovery"),
		now:      time.Now,
	}
}

// Claim transitions up to maxGaps pending gaps to in progress and returns
// their backfill tasks, oldest gap first. maxGaps <= 0 claims everything
// pending.
func (o *Orchestrator) Claim(ctx context.Context, maxGaps int) ([]models.FetchTask, error) {
	pending, err := o.store.ListGaps(ctx, models.GapPending, maxGaps)
	if err != nil {
		return nil, fmt.Errorf("list pending gaps: %w", err)
	}

	var tasks []models.FetchTask
	for _, gap := range pending {
		gap.Status = models.GapInProgress
		gap.AttemptCount++
		gap.LastAttemptAt = o.now().UTC()
		if err := o.store.SaveGap(ctx, gap); err != nil {
			return nil, fmt.Errorf("claim gap %s: %w", gap.ID, err)
		}

		chunks := o.chunk(gap)
		tasks = append(tasks, chunks...)
		o.log.WithFields(logger.Fields{
			"gap_id":  gap.ID,
			"symbol":  gap.Symbol,
			"start":   gap.Start.Format(time.RFC3339),
			"end":     gap.End.Format(time.RFC3339),
			"chunks":  len(chunks),
			"attempt": gap.AttemptCount,
		}).Info("gap claimed for recovery")
	}
	return tasks, nil
}

// chunk splits a gap into tasks of at most MaxChunkSpan each.
func (o *Orchestrator) chunk(gap models.Gap) []models.FetchTask {
	var tasks []models.FetchTask
	for start := gap.Start; start.Before(gap.End); {
		end := start.Add(o.cfg.MaxChunkSpan)
		if end.After(gap.End) {
			end = gap.End
		}
		tasks = append(tasks, models.NewBackfillTask(gap, start, end))
		start = end
	}
	return tasks
}

// Complete is called once every chunk of an in-progress gap has finished.
// The gap resolves when the range now holds every expected candle; an
// incomplete range goes back to pending until the attempt ceiling, then
// to failed.
func (o *Orchestrator) Complete(ctx context.Context, gapID string) error {
	gap, err := o.store.GetGap(ctx, gapID)
	if err != nil {
		return fmt.Errorf("load gap %s: %w", gapID, err)
	}
	if gap.Status != models.GapInProgress {
		return nil
	}

	stored, err := o.store.Timestamps(ctx, gap.Symbol, gap.Start, gap.End)
	if err != nil {
		return fmt.Errorf("verify gap %s: %w", gapID, err)
	}

	fields := logger.Fields{
		"gap_id":  gap.ID,
		"symbol":  gap.Symbol,
		"have":    len(stored),
		"want":    gap.ExpectedPoints(),
		"attempt": gap.AttemptCount,
	}

	switch {
	case len(stored) >= gap.ExpectedPoints():
		gap.Status = models.GapResolved
		logger.IncrementGapResolved()
		o.log.WithFields(fields).Info("gap resolved")
	case gap.AttemptCount >= o.cfg.MaxAttempts:
		gap.Status = models.GapFailed
		o.log.WithFields(fields).Error("gap recovery failed, attempt ceiling reached")
	default:
		gap.Status = models.GapPending
		o.log.WithFields(fields).Warn("gap still incomplete, requeued")
	}
	if err := o.store.SaveGap(ctx, gap); err != nil {
		return fmt.Errorf("update gap %s: %w", gapID, err)
	}
	return nil
}

// Requeue moves a failed gap back to pending with a fresh attempt budget.
func (o *Orchestrator) Requeue(ctx context.Context, gapID string) error {
	gap, err := o.store.GetGap(ctx, gapID)
	if err != nil {
		return fmt.Errorf("load gap %s: %w", gapID, err)
	}
	if gap.Status != models.GapFailed {
		return fmt.Errorf("gap %s is %s, only failed gaps can be requeued", gapID, gap.Status)
	}
	gap.Status = models.GapPending
	gap.AttemptCount = 0
	if err := o.store.SaveGap(ctx, gap); err != nil {
		return fmt.Errorf("requeue gap %s: %w", gapID, err)
	}
	o.log.WithFields(logger.Fields{"gap_id": gapID}).Info("failed gap requeued")
	return nil
}

// SetNow overrides the clock, used by tests.
func (o *Orchestrator) SetNow(now func() time.Time) { o.now = now }
