package coordinator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"candleflow/adapter"
	"candleflow/config"
	"candleflow/internal/channel"
	"candleflow/internal/store"
	"candleflow/models"
)

type fakeAdapter struct {
	name  string
	calls int64
	fetch func(symbol string, start, end time.Time) ([]models.Candle, error)
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) FetchCandles(_ context.Context, symbol string, _ models.Interval, start, end time.Time) ([]models.Candle, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.fetch(symbol, start, end)
}

func goodCandles(symbol string, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	for ts := start; ts.Before(end); ts = ts.Add(time.Minute) {
		out = append(out, models.Candle{
			Symbol: symbol, Timestamp: ts,
			Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 2,
		})
	}
	return out, nil
}

func testConfig() *config.Config {
	acfg := config.AdapterConfig{
		Enabled:        true,
		QuotaPerWindow: 1000,
		MaxWait:        50 * time.Millisecond,
		BatchLimit:     1000,
		SmoothingRPS:   1000,
		Burst:          100,
		Timeout:        time.Second,
	}
	return &config.Config{
		Collection: config.CollectionConfig{
			Symbols:        []string{"BTCUSDT"},
			ParsedInterval: models.Interval1m,
			Start:          models.Interval1m.Align(time.Now().Add(-5 * time.Minute)),
		},
		Coordinator: config.CoordinatorConfig{
			MaxWorkers:    2,
			QueueSize:     100,
			ShutdownGrace: time.Second,
		},
		Adapters: config.AdaptersConfig{Binance: acfg, Bybit: acfg, Kucoin: acfg, Okx: acfg},
		Health: config.HealthConfig{
			DecayHalfLife:      15 * time.Minute,
			HealthySuccessRate: 0.95,
			DegradeAfter:       3,
			SuspendAfter:       5,
			SuspensionCooldown: 2 * time.Minute,
		},
		Breaker: config.BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute, MaxCooldown: 10 * time.Minute},
		Retry: config.RetryConfig{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       5 * time.Millisecond,
			JitterFraction: 0.1,
		},
		Gaps:      config.GapsConfig{ScanInterval: time.Hour, MaxChunkSpan: time.Hour, MaxAttempts: 5},
		Validator: config.ValidatorConfig{DuplicateTolerance: 0.0001},
	}
}

func newTestCoordinator(t *testing.T, adapters ...adapter.Adapter) (*Coordinator, *store.Memory, *channel.Channels) {
	t.Helper()
	st := store.NewMemory()
	ch := channel.NewChannels(16, 16, 16)
	c := New(testConfig(), adapters, st, ch)
	c.ctx = context.Background()
	return c, st, ch
}

func claimAll(models.FetchTask) bool { return true }

func TestQueuePriorityOrder(t *testing.T) {
	q := newTaskQueue(10)
	gap := models.NewGap("BTCUSDT", models.Interval1m, time.Now().Add(-time.Hour), time.Now())
	back := models.NewBackfillTask(gap, gap.Start, gap.End)
	live := models.NewLiveTask("BTCUSDT", models.Interval1m, time.Now().Add(-time.Minute), time.Now())

	q.push(back)
	q.push(live)

	got, ok := q.pop(context.Background(), claimAll)
	if !ok || got.Priority != models.PriorityLive {
		t.Fatalf("first pop = %+v, want the live task", got)
	}
	got, ok = q.pop(context.Background(), claimAll)
	if !ok || got.Priority != models.PriorityBackfill {
		t.Fatalf("second pop = %+v, want the backfill task", got)
	}
}

func TestLiveTasksForOneSymbolSerialize(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	q := c.queue

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	first := models.NewLiveTask("BTCUSDT", models.Interval1m, base, base.Add(time.Minute))
	second := models.NewLiveTask("BTCUSDT", models.Interval1m, base.Add(time.Minute), base.Add(2*time.Minute))
	other := models.NewLiveTask("ETHUSDT", models.Interval1m, base, base.Add(time.Minute))

	q.push(first)
	q.push(second)
	q.push(other)

	got, ok := q.pop(context.Background(), c.claimTask)
	if !ok || !got.Start.Equal(first.Start) || got.Symbol != "BTCUSDT" {
		t.Fatalf("first pop = %+v, want the earliest BTCUSDT window", got)
	}

	// The second BTCUSDT window is blocked while the first is in
	// flight; the other symbol proceeds.
	got, ok = q.pop(context.Background(), c.claimTask)
	if !ok || got.Symbol != "ETHUSDT" {
		t.Fatalf("second pop = %+v, want the ETHUSDT task", got)
	}

	c.releaseTask(first)
	got, ok = q.pop(context.Background(), c.claimTask)
	if !ok || got.Symbol != "BTCUSDT" || !got.Start.Equal(second.Start) {
		t.Fatalf("after release pop = %+v, want the second BTCUSDT window", got)
	}
}

func TestQueueCapacity(t *testing.T) {
	q := newTaskQueue(1)
	live := models.NewLiveTask("BTCUSDT", models.Interval1m, time.Now().Add(-time.Minute), time.Now())
	if !q.push(live) {
		t.Fatal("first push must fit")
	}
	if q.push(live) {
		t.Fatal("push past capacity must be rejected")
	}
}

func TestRunTaskPersistsBatch(t *testing.T) {
	ad := &fakeAdapter{name: "binance", fetch: func(symbol string, start, end time.Time) ([]models.Candle, error) {
		c, _ := goodCandles(symbol, start, end)
		for i := range c {
			c[i].Source = "binance"
		}
		return c, nil
	}}
	c, st, ch := newTestCoordinator(t, ad)

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := models.NewLiveTask("BTCUSDT", models.Interval1m, start, start.Add(time.Minute))
	if err := c.runTask(task); err != nil {
		t.Fatalf("runTask: %v", err)
	}

	got, err := st.QueryRange(context.Background(), "BTCUSDT", start, start.Add(time.Minute))
	if err != nil || len(got) != 1 {
		t.Fatalf("stored %d candles (%v), want 1", len(got), err)
	}
	select {
	case batch := <-ch.Batches:
		if batch.Symbol != "BTCUSDT" || batch.Source != "binance" || len(batch.Candles) != 1 {
			t.Fatalf("batch = %+v", batch)
		}
	default:
		t.Fatal("no batch reached the archive channel")
	}
}

func TestRunTaskFailsOverToNextAdapter(t *testing.T) {
	down := &fakeAdapter{name: "binance", fetch: func(string, time.Time, time.Time) ([]models.Candle, error) {
		return nil, models.NewFetchError(models.ErrUnavailable, "binance", nil)
	}}
	up := &fakeAdapter{name: "bybit", fetch: func(symbol string, start, end time.Time) ([]models.Candle, error) {
		c, _ := goodCandles(symbol, start, end)
		for i := range c {
			c[i].Source = "bybit"
		}
		return c, nil
	}}
	c, st, _ := newTestCoordinator(t, down, up)

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := models.NewLiveTask("BTCUSDT", models.Interval1m, start, start.Add(time.Minute))
	if err := c.runTask(task); err != nil {
		t.Fatalf("runTask: %v", err)
	}

	got, err := st.GetCandle(context.Background(), "BTCUSDT", start)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Source != "bybit" {
		t.Fatalf("source = %s, want the failover adapter", got.Source)
	}
	if n := atomic.LoadInt64(&down.calls); n != 3 {
		t.Fatalf("down adapter tried %d times, want the full retry budget of 3", n)
	}
}

func TestFatalErrorSkipsRetries(t *testing.T) {
	bad := &fakeAdapter{name: "binance", fetch: func(string, time.Time, time.Time) ([]models.Candle, error) {
		return nil, models.NewFetchError(models.ErrAuth, "binance", nil)
	}}
	ok := &fakeAdapter{name: "bybit", fetch: goodCandles}
	c, _, _ := newTestCoordinator(t, bad, ok)

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	task := models.NewLiveTask("BTCUSDT", models.Interval1m, start, start.Add(time.Minute))
	if err := c.runTask(task); err != nil {
		t.Fatalf("runTask: %v", err)
	}
	if n := atomic.LoadInt64(&bad.calls); n != 1 {
		t.Fatalf("auth failure retried %d times, want 1 attempt", n)
	}
}

func TestPartialLiveFetchRecordsGap(t *testing.T) {
	ad := &fakeAdapter{name: "binance", fetch: func(symbol string, start, end time.Time) ([]models.Candle, error) {
		c, _ := goodCandles(symbol, start, start.Add(time.Minute))
		return c, nil
	}}
	c, st, _ := newTestCoordinator(t, ad)

	end := models.Interval1m.Align(time.Now())
	start := end.Add(-3 * time.Minute)

	task := models.NewLiveTask("BTCUSDT", models.Interval1m, start, end)
	if err := c.runTask(task); err != nil {
		t.Fatalf("runTask: %v", err)
	}

	pending, err := st.ListGaps(context.Background(), models.GapPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("recorded %d gaps, want the missing tail of the window", len(pending))
	}
	if !pending[0].Start.Equal(start.Add(time.Minute)) || pending[0].End.Before(end) {
		t.Fatalf("gap = [%v, %v), want it to cover [%v, %v)", pending[0].Start, pending[0].End, start.Add(time.Minute), end)
	}
}

func TestBackfillChunkCompletionResolvesGap(t *testing.T) {
	ad := &fakeAdapter{name: "binance", fetch: goodCandles}
	c, st, _ := newTestCoordinator(t, ad)
	ctx := context.Background()

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	gap := models.NewGap("BTCUSDT", models.Interval1m, start, start.Add(5*time.Minute))
	if err := st.SaveGap(ctx, gap); err != nil {
		t.Fatalf("save: %v", err)
	}

	tasks, err := c.recovery.Claim(ctx, 0)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	c.chunksMu.Lock()
	for _, task := range tasks {
		c.chunks[task.GapID]++
	}
	c.chunksMu.Unlock()

	for _, task := range tasks {
		if err := c.runTask(task); err != nil {
			t.Fatalf("runTask: %v", err)
		}
		c.finishChunk(task.GapID)
	}

	got, err := st.GetGap(ctx, gap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.GapResolved {
		t.Fatalf("gap status = %s, want resolved", got.Status)
	}
}

func TestStartStop(t *testing.T) {
	ad := &fakeAdapter{name: "binance", fetch: goodCandles}
	st := store.NewMemory()
	ch := channel.NewChannels(16, 16, 16)
	c := New(testConfig(), []adapter.Adapter{ad}, st, ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(ctx); err == nil {
		t.Fatal("second start must fail")
	}
	cancel()
	c.Stop()
}
