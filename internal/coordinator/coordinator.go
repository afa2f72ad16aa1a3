package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candleflow/adapter"
	"candleflow/config"
	"candleflow/internal/breaker"
	"candleflow/internal/channel"
	"candleflow/internal/gaps"
	"candleflow/internal/health"
	"candleflow/internal/ratelimit"
	"candleflow/internal/recovery"
	"candleflow/internal/retry"
	"candleflow/internal/selector"
	"candleflow/internal/store"
	"candleflow/internal/validator"
	"candleflow/logger"
	"candleflow/models"
)

// Coordinator schedules all fetch work. A live ticker enqueues one task
// per symbol for every closed interval, a scan ticker detects gaps and
// enqueues their backfill chunks, and a bounded worker pool executes
// tasks through the healthiest available adapter with retry, breaker and
// rate limit enforcement along the way.
type Coordinator struct {
	cfg      *config.Config
	adapters map[string]adapter.Adapter
	ordered  []string

	tracker  *health.Tracker
	breakers *breaker.Set
	limits   *ratelimit.Registry
	retrier  *retry.Policy
	selector *selector.Selector
	valid    *validator.Validator
	store    store.Store
	detector *gaps.Detector
	recovery *recovery.Orchestrator
	channels *channel.Channels

	queue *taskQueue

	// symbols with a live task in flight; keeps live windows for one
	// symbol strictly in arrival order across the worker pool
	liveMu   sync.Mutex
	liveBusy map[string]struct{}

	// outstanding backfill chunks per gap id
	chunksMu sync.Mutex
	chunks   map[string]int

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log
}

func New(
	cfg *config.Config,
	adapters []adapter.Adapter,
	st store.Store,
	channels *channel.Channels,
) *Coordinator {
	tracker := health.NewTracker(cfg.Health)
	breakers := breaker.NewSet(cfg.Breaker)
	limits := ratelimit.NewRegistry()

	byName := make(map[string]adapter.Adapter, len(adapters))
	ordered := make([]string, 0, len(adapters))
	for _, ad := range adapters {
		byName[ad.Name()] = ad
		ordered = append(ordered, ad.Name())
		acfg := cfg.AdapterConfig(ad.Name())
		limits.Register(ad.Name(), acfg.QuotaPerWindow, acfg.MaxWait)
	}

	return &Coordinator{
		cfg:      cfg,
		adapters: byName,
		ordered:  ordered,
		tracker:  tracker,
		breakers: breakers,
		limits:   limits,
		retrier:  retry.NewPolicy(cfg.Retry),
		selector: selector.New(ordered, tracker, breakers),
		valid:    validator.New(cfg.Validator, st),
		store:    st,
		detector: gaps.NewDetector(cfg.Gaps, cfg.Collection.ParsedInterval, st),
		recovery: recovery.NewOrchestrator(cfg.Gaps, cfg.Collection.ParsedInterval, st),
		channels: channels,
		queue:    newTaskQueue(cfg.Coordinator.QueueSize),
		liveBusy: make(map[string]struct{}),
		chunks:   make(map[string]int),
		log:      logger.GetLogger(),
	}
}

// Start launches the worker pool and the scheduling loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already running")
	}
	c.running = true
	c.ctx = ctx
	c.mu.Unlock()

	log := c.log.WithComponent("coordinator")
	log.WithFields(logger.Fields{
		"symbols":  c.cfg.Collection.Symbols,
		"interval": c.cfg.Collection.ParsedInterval.String(),
		"workers":  c.cfg.Coordinator.MaxWorkers,
		"adapters": c.ordered,
	}).Info("starting coordinator")

	for i := 0; i < c.cfg.Coordinator.MaxWorkers; i++ {
		c.wg.Add(1)
		go c.worker(i)
	}

	c.wg.Add(2)
	go c.liveLoop()
	go c.scanLoop()

	log.Info("coordinator started")
	return nil
}

// Stop waits for in-flight work up to the shutdown grace period.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	log := c.log.WithComponent("coordinator")
	log.Info("stopping coordinator")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("coordinator stopped")
	case <-time.After(c.cfg.Coordinator.ShutdownGrace):
		log.WithFields(logger.Fields{
			"grace": c.cfg.Coordinator.ShutdownGrace,
		}).Warn("shutdown grace exceeded, abandoning in-flight tasks")
	}
}

// liveLoop enqueues a live task per symbol each time an interval closes.
func (c *Coordinator) liveLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"worker": "live_loop"})

	interval := c.cfg.Collection.ParsedInterval
	period := c.cfg.Coordinator.LivePeriod
	if period <= 0 {
		period = interval.Duration()
	}

	// First tick lands just after the next interval close.
	now := time.Now()
	next := now.Truncate(period).Add(period)
	timer := time.NewTimer(next.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			log.Info("live loop stopped")
			return
		case <-timer.C:
			end := interval.Align(time.Now())
			start := end.Add(-interval.Duration())
			for _, symbol := range c.cfg.Collection.Symbols {
				task := models.NewLiveTask(symbol, interval, start, end)
				if !c.queue.push(task) {
					log.WithFields(logger.Fields{"symbol": symbol}).Warn("queue full, live task dropped")
				}
			}
			timer.Reset(time.Until(time.Now().Truncate(period).Add(period)))
		}
	}
}

// scanLoop periodically detects gaps and enqueues recovery work.
func (c *Coordinator) scanLoop() {
	defer c.wg.Done()
	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"worker": "scan_loop"})

	ticker := time.NewTicker(c.cfg.Gaps.ScanInterval)
	defer ticker.Stop()

	// Pre-existing deficits start recovering immediately instead of
	// waiting out the first scan interval.
	c.runScan(log)

	for {
		select {
		case <-c.ctx.Done():
			log.Info("scan loop stopped")
			return
		case <-ticker.C:
			c.runScan(log)
		}
	}
}

func (c *Coordinator) runScan(log *logger.Entry) {
	for _, symbol := range c.cfg.Collection.Symbols {
		if _, err := c.detector.Scan(c.ctx, symbol, c.cfg.Collection.Start); err != nil {
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Error("gap scan failed")
		}
	}

	tasks, err := c.recovery.Claim(c.ctx, 0)
	if err != nil {
		log.WithError(err).Error("gap claim failed")
		return
	}
	c.chunksMu.Lock()
	for _, task := range tasks {
		c.chunks[task.GapID]++
	}
	c.chunksMu.Unlock()

	for _, task := range tasks {
		if !c.queue.push(task) {
			log.WithFields(logger.Fields{"gap_id": task.GapID}).Warn("queue full, backfill chunk deferred")
			c.finishChunk(task.GapID)
		}
	}
}

func (c *Coordinator) worker(id int) {
	defer c.wg.Done()
	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"worker": id})

	for {
		task, ok := c.queue.pop(c.ctx, c.claimTask)
		if !ok {
			return
		}
		if err := c.runTask(task); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"symbol":   task.Symbol,
				"priority": task.Priority.String(),
			}).Error("task failed")
		}
		c.releaseTask(task)
		if task.Priority == models.PriorityBackfill {
			c.finishChunk(task.GapID)
		}
	}
}

// claimTask admits a task to a worker. A live task is refused while an
// earlier live task for the same symbol is still in flight.
func (c *Coordinator) claimTask(task models.FetchTask) bool {
	if task.Priority != models.PriorityLive {
		return true
	}
	c.liveMu.Lock()
	defer c.liveMu.Unlock()
	if _, busy := c.liveBusy[task.Symbol]; busy {
		return false
	}
	c.liveBusy[task.Symbol] = struct{}{}
	return true
}

func (c *Coordinator) releaseTask(task models.FetchTask) {
	if task.Priority != models.PriorityLive {
		return
	}
	c.liveMu.Lock()
	delete(c.liveBusy, task.Symbol)
	c.liveMu.Unlock()
	c.queue.wake()
}

// finishChunk decrements the outstanding chunk count for a gap and
// finalizes the gap once every chunk has reported in.
func (c *Coordinator) finishChunk(gapID string) {
	c.chunksMu.Lock()
	c.chunks[gapID]--
	remaining := c.chunks[gapID]
	if remaining <= 0 {
		delete(c.chunks, gapID)
	}
	c.chunksMu.Unlock()

	if remaining <= 0 {
		if err := c.recovery.Complete(c.ctx, gapID); err != nil {
			c.log.WithComponent("coordinator").WithError(err).WithFields(logger.Fields{
				"gap_id": gapID,
			}).Error("gap completion failed")
		}
	}
}

// runTask walks the ranked adapters until one serves the window.
func (c *Coordinator) runTask(task models.FetchTask) error {
	ranked := c.selector.Rank()
	if len(ranked) == 0 {
		c.alertAllUnavailable()
		return selector.Exhausted()
	}

	var lastErr error
	for _, name := range ranked {
		candles, err := c.fetchWithRetry(name, task)
		if err != nil {
			lastErr = err
			continue
		}
		return c.persist(task, name, candles)
	}
	if lastErr == nil {
		lastErr = selector.Exhausted()
	}
	return lastErr
}

// fetchWithRetry runs the task against one adapter under its breaker,
// rate limit and the retry policy.
func (c *Coordinator) fetchWithRetry(name string, task models.FetchTask) ([]models.Candle, error) {
	ad := c.adapters[name]
	br := c.breakers.For(name)

	var lastErr error
	for attempt := 1; attempt <= c.retrier.MaxAttempts(); attempt++ {
		if err := br.Allow(); err != nil {
			return nil, err
		}
		if err := c.limits.Acquire(c.ctx, name, task.Priority); err != nil {
			// Local quota exhaustion is not an adapter failure. The
			// admitted probe slot must be handed back or a half-open
			// breaker would reject every future call.
			br.Cancel()
			lastErr = err
			if c.ctx.Err() != nil || !c.retrier.Retryable(err) {
				return nil, err
			}
			if err := c.retrier.Wait(c.ctx, attempt); err != nil {
				return nil, err
			}
			continue
		}

		start := time.Now()
		candles, err := ad.FetchCandles(c.ctx, task.Symbol, task.Interval, task.Start, task.End)
		latency := time.Since(start)

		c.tracker.Record(name, err == nil, latency)
		if err == nil {
			br.RecordSuccess()
			return candles, nil
		}
		br.RecordFailure()
		lastErr = err

		if !c.retrier.Retryable(err) {
			return nil, err
		}
		if attempt < c.retrier.MaxAttempts() {
			if werr := c.retrier.Wait(c.ctx, attempt); werr != nil {
				return nil, werr
			}
		}
	}
	return nil, lastErr
}

// persist validates and writes a fetched batch, then hands it to the
// archive channel.
func (c *Coordinator) persist(task models.FetchTask, source string, candles []models.Candle) error {
	res, err := c.valid.ValidateBatch(c.ctx, task.Interval, candles)
	if err != nil {
		return fmt.Errorf("validate %s: %w", task.Symbol, err)
	}
	if len(res.Accepted) == 0 {
		if len(res.Rejected) > 0 {
			return models.NewFetchError(models.ErrValidationFailed, source,
				fmt.Errorf("every candle in the batch was rejected"))
		}
		return nil
	}

	written, err := c.store.UpsertCandles(c.ctx, res.Accepted)
	if err != nil {
		return fmt.Errorf("store %s: %w", task.Symbol, err)
	}
	logger.IncrementBatchStored(written)
	if task.Priority == models.PriorityLive {
		logger.IncrementLiveFetch(written)
	} else {
		logger.IncrementBackfillFetch(written)
	}

	batch := models.CandleBatch{
		Symbol:    task.Symbol,
		Interval:  task.Interval,
		Source:    source,
		Priority:  task.Priority,
		Candles:   res.Accepted,
		FetchedAt: time.Now().UTC(),
	}
	c.channels.SendBatch(c.ctx, batch)

	// A short live batch means the window has holes; record them now
	// instead of waiting for the next periodic scan.
	if task.Priority == models.PriorityLive {
		expected := int(task.End.Sub(task.Start) / task.Interval.Duration())
		if len(res.Accepted) < expected {
			if _, err := c.detector.Scan(c.ctx, task.Symbol, task.Start); err != nil {
				c.log.WithComponent("coordinator").WithError(err).
					WithFields(logger.Fields{"symbol": task.Symbol}).
					Warn("on-demand gap scan failed")
			}
		}
	}
	return nil
}

// alertAllUnavailable fires when every adapter is suspended or behind an
// open breaker.
func (c *Coordinator) alertAllUnavailable() {
	log := c.log.WithComponent("coordinator")
	log.WithFields(logger.Fields{
		"adapters": c.ordered,
	}).Error("all sources unavailable, ingestion stalled")
	log.LogMetric("coordinator", "all_sources_unavailable", 1, "counter", nil)
}

// Health exposes current adapter snapshots, used by the status report.
func (c *Coordinator) Health() []models.SourceHealth {
	return c.tracker.Snapshots()
}

// QueueDepth reports how many tasks are waiting.
func (c *Coordinator) QueueDepth() int { return c.queue.len() }
