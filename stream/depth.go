package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"candleflow/config"
	"candleflow/internal/channel"
	"candleflow/logger"
	"candleflow/models"
)

// DepthReader polls top-of-book snapshots on a fixed cadence and forwards
// them to the depth channel for archival. One worker per symbol, ticks
// aligned to the poll interval.
type DepthReader struct {
	cfg      config.DepthStreamConfig
	client   *http.Client
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewDepthReader(cfg config.DepthStreamConfig, ch *channel.Channels) *DepthReader {
	return &DepthReader{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches one polling worker per configured symbol.
func (r *DepthReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("depth reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("depth_reader")
	if !r.cfg.Enabled {
		log.Warn("depth snapshots are disabled")
		return fmt.Errorf("depth snapshots are disabled")
	}

	log.WithFields(logger.Fields{
		"symbols":  r.cfg.Symbols,
		"interval": r.cfg.IntervalMs,
	}).Info("starting depth reader")

	for _, symbol := range r.cfg.Symbols {
		r.wg.Add(1)
		go r.pollWorker(symbol)
	}

	log.Info("depth reader started successfully")
	return nil
}

// Stop signals all workers to stop and waits for completion.
func (r *DepthReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("depth_reader").Info("stopping depth reader")
	r.wg.Wait()
	r.log.WithComponent("depth_reader").Info("depth reader stopped")
}

func (r *DepthReader) pollWorker(symbol string) {
	defer r.wg.Done()

	log := r.log.WithComponent("depth_reader").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "depth_poller",
	})
	log.Info("starting depth worker")

	interval := time.Duration(r.cfg.IntervalMs) * time.Millisecond

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-r.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			r.fetchDepth(symbol)
			if duration := time.Since(start); duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": r.cfg.IntervalMs,
				}).Warn("fetch took longer than interval")
			}
			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

// depthResponse is the REST order book payload, levels as price/quantity
// string pairs.
type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (r *DepthReader) fetchDepth(symbol string) {
	log := r.log.WithComponent("depth_reader").WithFields(logger.Fields{
		"symbol":    symbol,
		"operation": "fetch_depth",
	})

	reqURL := fmt.Sprintf("%s?symbol=%s&limit=%d", r.cfg.URL, symbol, r.cfg.Limit)
	req, err := http.NewRequestWithContext(r.ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		log.WithError(err).Warn("failed to build request")
		return
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		log.WithError(err).Warn("failed to fetch depth")
		return
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(log, "depth_reader", "api_request", time.Since(start), logger.Fields{
		"symbol": symbol,
	})

	var body depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		log.WithError(err).Warn("failed to decode depth")
		return
	}

	snap := models.DepthSnapshot{
		Exchange:  "binance",
		Symbol:    symbol,
		Bids:      parseLevels(body.Bids),
		Asks:      parseLevels(body.Asks),
		Timestamp: time.Now().UTC(),
	}
	if r.channels.SendDepth(r.ctx, snap) {
		logger.LogDataFlowEntry(log, "binance_api", "depth_channel", len(snap.Bids)+len(snap.Asks), "depth_levels")
	} else if r.ctx.Err() == nil {
		log.Warn("depth channel full, dropping snapshot")
	}
}

func parseLevels(rows [][]string) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(row[0], 64)
		qty, err2 := strconv.ParseFloat(row[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, models.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

// parseFloat returns the first value that parses; used where a preferred
// field may be empty.
func parseFloat(candidates ...string) (float64, error) {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("no parsable value in %v", candidates)
}
