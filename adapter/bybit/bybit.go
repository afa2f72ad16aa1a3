package bybit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"candleflow/adapter"
	"candleflow/config"
	"candleflow/logger"
	"candleflow/models"
)

const name = "bybit"

// Client fetches candles from Bybit's v5 market kline endpoint.
type Client struct {
	cfg      config.AdapterConfig
	client   *bybit.Client
	smoother *rate.Limiter
	log      *logger.Entry
}

func New(cfg config.AdapterConfig) *Client {
	base := cfg.URL
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	client := bybit.NewBybitHttpClient(cfg.APIKey, cfg.APISecret, bybit.WithBaseURL(base))
	client.HTTPClient = adapter.NewHTTPClient(cfg)

	log := logger.GetLogger().WithComponent("bybit_adapter")
	log.WithFields(logger.Fields{
		"base_url":    base,
		"batch_limit": cfg.BatchLimit,
	}).Info("bybit adapter initialized")

	return &Client{
		cfg:      cfg,
		client:   client,
		smoother: rate.NewLimiter(rate.Limit(cfg.SmoothingRPS), cfg.Burst),
		log:      log,
	}
}

func (c *Client) Name() string { return name }

// klineResult is the v5 kline payload; rows are newest first.
type klineResult struct {
	Category string     `json:"category"`
	Symbol   string     `json:"symbol"`
	List     [][]string `json:"list"`
}

func (c *Client) FetchCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	code, err := IntervalCode(interval)
	if err != nil {
		return nil, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	step := interval.Duration()
	var out []models.Candle

	for cursor := start; cursor.Before(end); {
		if err := c.smoother.Wait(ctx); err != nil {
			return nil, models.NewFetchError(models.ErrTimeout, name, err)
		}

		params := map[string]interface{}{
			"category": "linear",
			"symbol":   symbol,
			"interval": code,
			"start":    cursor.UnixMilli(),
			"end":      end.UnixMilli() - 1,
			"limit":    c.cfg.BatchLimit,
		}

		reqStart := time.Now()
		resp, err := c.client.NewUtaBybitServiceWithParams(params).GetMarketKline(ctx)
		if err != nil {
			return nil, classify(err)
		}
		if resp.RetCode != 0 {
			return nil, classifyRetCode(resp.RetCode, resp.RetMsg)
		}
		logger.LogPerformanceEntry(c.log, "bybit_adapter", "kline_request", time.Since(reqStart), logger.Fields{
			"symbol": symbol,
		})

		payload, err := json.Marshal(resp.Result)
		if err != nil {
			return nil, models.NewFetchError(models.ErrMalformedResponse, name, err)
		}
		var result klineResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return nil, models.NewFetchError(models.ErrMalformedResponse, name, err)
		}
		if len(result.List) == 0 {
			break
		}

		// Rows arrive newest first; walk backwards for ascending order.
		var newest time.Time
		for i := len(result.List) - 1; i >= 0; i-- {
			candle, err := toCandle(symbol, result.List[i])
			if err != nil {
				return nil, err
			}
			newest = candle.Timestamp
			if candle.Timestamp.Before(end) && !candle.Timestamp.Before(cursor) {
				out = append(out, candle)
			}
		}
		cursor = newest.Add(step)
		if len(result.List) < c.cfg.BatchLimit {
			break
		}
	}
	return out, nil
}

// toCandle parses one kline row: [startTime, open, high, low, close,
// volume, turnover].
func toCandle(symbol string, row []string) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name,
			fmt.Errorf("kline row has %d fields", len(row)))
	}
	ms, err0 := adapter.ParsePrice(row[0])
	open, err1 := adapter.ParsePrice(row[1])
	high, err2 := adapter.ParsePrice(row[2])
	low, err3 := adapter.ParsePrice(row[3])
	closep, err4 := adapter.ParsePrice(row[4])
	volume, err5 := adapter.ParsePrice(row[5])
	if err := errors.Join(err0, err1, err2, err3, err4, err5); err != nil {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	return models.Candle{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(int64(ms)).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    volume,
		Source:    name,
	}, nil
}

// IntervalCode maps an interval onto Bybit's kline notation, which uses
// bare minute counts below a day.
func IntervalCode(interval models.Interval) (string, error) {
	switch interval {
	case models.Interval1m:
		return "1", nil
	case models.Interval5m:
		return "5", nil
	case models.Interval15m:
		return "15", nil
	case models.Interval1h:
		return "60", nil
	case models.Interval4h:
		return "240", nil
	case models.Interval1d:
		return "D", nil
	}
	return "", fmt.Errorf("interval %s not supported by bybit", interval)
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewFetchError(models.ErrTimeout, name, err)
	}
	return models.NewFetchError(models.ErrUnavailable, name, err)
}

// classifyRetCode maps Bybit business codes: 10006 is the rate limit,
// 10003..10005 are key and signature problems.
func classifyRetCode(code int, msg string) error {
	err := fmt.Errorf("bybit ret_code %d: %s", code, msg)
	switch {
	case code == 10006:
		return models.NewFetchError(models.ErrRateLimited, name, err)
	case code >= 10003 && code <= 10005:
		return models.NewFetchError(models.ErrAuth, name, err)
	}
	return models.NewFetchError(models.ErrMalformedResponse, name, err)
}
