package recovery

import (
	"context"
	"testing"
	"time"

	"candleflow/config"
	"candleflow/internal/store"
	"candleflow/models"
)

func testConfig() config.GapsConfig {
	return config.GapsConfig{
		ScanInterval: 15 * time.Minute,
		MaxChunkSpan: time.Hour,
		MaxAttempts:  5,
	}
}

func fill(t *testing.T, st store.Store, gap models.Gap) {
	t.Helper()
	var batch []models.Candle
	step := gap.Interval.Duration()
	for ts := gap.Start; ts.Before(gap.End); ts = ts.Add(step) {
		batch = append(batch, models.Candle{
			Symbol: gap.Symbol, Timestamp: ts,
			Open: 1, High: 1, Low: 1, Close: 1, Volume: 1,
			Source: "binance",
		})
	}
	if _, err := st.UpsertCandles(context.Background(), batch); err != nil {
		t.Fatalf("fill: %v", err)
	}
}

func TestClaimChunksOldestFirst(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := NewOrchestrator(testConfig(), models.Interval1m, st)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	// 2.5 hours wide, chunk span 1h: expect three chunks.
	gap := models.NewGap("BTCUSDT", models.Interval1m, base, base.Add(150*time.Minute))
	if err := st.SaveGap(ctx, gap); err != nil {
		t.Fatalf("save: %v", err)
	}

	tasks, err := o.Claim(ctx, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(tasks))
	}
	for i, task := range tasks {
		if task.Priority != models.PriorityBackfill || task.GapID != gap.ID {
			t.Fatalf("chunk %d misbound: %+v", i, task)
		}
	}
	if !tasks[0].Start.Equal(base) || !tasks[0].End.Equal(base.Add(time.Hour)) {
		t.Fatalf("first chunk [%v, %v)", tasks[0].Start, tasks[0].End)
	}
	if !tasks[2].Start.Equal(base.Add(2*time.Hour)) || !tasks[2].End.Equal(base.Add(150*time.Minute)) {
		t.Fatalf("last chunk [%v, %v), want the 30m remainder", tasks[2].Start, tasks[2].End)
	}

	claimed, err := st.GetGap(ctx, gap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if claimed.Status != models.GapInProgress || claimed.AttemptCount != 1 {
		t.Fatalf("gap after claim: %+v", claimed)
	}
}

func TestClaimOrdersGapsByStart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := NewOrchestrator(testConfig(), models.Interval1m, st)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	newer := models.NewGap("BTCUSDT", models.Interval1m, base.Add(2*time.Hour), base.Add(3*time.Hour))
	older := models.NewGap("BTCUSDT", models.Interval1m, base, base.Add(time.Hour))
	for _, g := range []models.Gap{newer, older} {
		if err := st.SaveGap(ctx, g); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	tasks, err := o.Claim(ctx, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(tasks) != 2 || tasks[0].GapID != older.ID {
		t.Fatalf("oldest gap must be claimed first: %+v", tasks)
	}
}

func TestCompleteResolvesFilledGap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := NewOrchestrator(testConfig(), models.Interval1m, st)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	gap := models.NewGap("BTCUSDT", models.Interval1m, base, base.Add(10*time.Minute))
	if err := st.SaveGap(ctx, gap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := o.Claim(ctx, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	fill(t, st, gap)
	if err := o.Complete(ctx, gap.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	got, err := st.GetGap(ctx, gap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.GapResolved {
		t.Fatalf("status = %s, want resolved", got.Status)
	}
}

func TestCompleteRequeuesIncompleteGap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := NewOrchestrator(testConfig(), models.Interval1m, st)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	gap := models.NewGap("BTCUSDT", models.Interval1m, base, base.Add(10*time.Minute))
	if err := st.SaveGap(ctx, gap); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := o.Claim(ctx, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Nothing was fetched.
	if err := o.Complete(ctx, gap.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := st.GetGap(ctx, gap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.GapPending {
		t.Fatalf("status = %s, want pending for another round", got.Status)
	}
}

func TestGapFailsAtAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := NewOrchestrator(testConfig(), models.Interval1m, st)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	gap := models.NewGap("BTCUSDT", models.Interval1m, base, base.Add(10*time.Minute))
	if err := st.SaveGap(ctx, gap); err != nil {
		t.Fatalf("save: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := o.Claim(ctx, 0); err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if err := o.Complete(ctx, gap.ID); err != nil {
			t.Fatalf("complete %d: %v", i, err)
		}
	}

	got, err := st.GetGap(ctx, gap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.GapFailed {
		t.Fatalf("status = %s, want failed after 5 attempts", got.Status)
	}

	// Failed gaps are not claimed again.
	tasks, err := o.Claim(ctx, 0)
	if err != nil {
		t.Fatalf("claim after failure: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("failed gap was claimed: %+v", tasks)
	}
}

func TestRequeueFailedGap(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	o := NewOrchestrator(testConfig(), models.Interval1m, st)

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	gap := models.NewGap("BTCUSDT", models.Interval1m, base, base.Add(10*time.Minute))
	gap.Status = models.GapFailed
	gap.AttemptCount = 5
	if err := st.SaveGap(ctx, gap); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := o.Requeue(ctx, gap.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	got, err := st.GetGap(ctx, gap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.GapPending || got.AttemptCount != 0 {
		t.Fatalf("requeued gap: %+v", got)
	}

	if err := o.Requeue(ctx, gap.ID); err == nil {
		t.Fatalf("requeue of a pending gap must be rejected")
	}
}
