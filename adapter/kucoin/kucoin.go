package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"candleflow/adapter"
	"candleflow/config"
	"candleflow/internal/symbols"
	"candleflow/logger"
	"candleflow/models"
)

const name = "kucoin"

// Client fetches candles from KuCoin's spot market candles endpoint. The
// official SDK covers futures only, so this adapter speaks REST directly.
type Client struct {
	cfg      config.AdapterConfig
	client   *http.Client
	baseURL  string
	smoother *rate.Limiter
	log      *logger.Entry
}

func New(cfg config.AdapterConfig) *Client {
	base := cfg.URL
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		base = fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host)
	}

	log := logger.GetLogger().WithComponent("kucoin_adapter")
	log.WithFields(logger.Fields{
		"base_url":    base,
		"batch_limit": cfg.BatchLimit,
	}).Info("kucoin adapter initialized")

	return &Client{
		cfg:      cfg,
		client:   adapter.NewHTTPClient(cfg),
		baseURL:  base,
		smoother: rate.NewLimiter(rate.Limit(cfg.SmoothingRPS), cfg.Burst),
		log:      log,
	}
}

func (c *Client) Name() string { return name }

// candlesResponse wraps the kline rows. Each row is
// [time, open, close, high, low, volume, turnover] with time in seconds,
// newest first.
type candlesResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

func (c *Client) FetchCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	code, err := IntervalCode(interval)
	if err != nil {
		return nil, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	step := interval.Duration()
	venueSymbol := symbols.ToVenue(name, symbol)
	var out []models.Candle

	for cursor := start; cursor.Before(end); {
		if err := c.smoother.Wait(ctx); err != nil {
			return nil, models.NewFetchError(models.ErrTimeout, name, err)
		}

		// The window is capped so one page covers it; endAt is exclusive
		// through the second-resolution grid.
		pageEnd := cursor.Add(step * time.Duration(c.cfg.BatchLimit))
		if pageEnd.After(end) {
			pageEnd = end
		}

		reqURL := fmt.Sprintf("%s/api/v1/market/candles?type=%s&symbol=%s&startAt=%d&endAt=%d",
			c.baseURL, code, url.QueryEscape(venueSymbol), cursor.Unix(), pageEnd.Unix())
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, models.NewFetchError(models.ErrMalformedResponse, name, err)
		}

		reqStart := time.Now()
		resp, err := c.client.Do(req)
		if cerr := adapter.ClassifyHTTP(name, resp, err); cerr != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, cerr
		}
		logger.LogPerformanceEntry(c.log, "kucoin_adapter", "candles_request", time.Since(reqStart), logger.Fields{
			"symbol": symbol,
		})

		var body candlesResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, models.NewFetchError(models.ErrMalformedResponse, name, decodeErr)
		}
		if body.Code != "200000" {
			return nil, classifyCode(body.Code, body.Msg)
		}

		// Newest first; walk backwards for ascending order.
		for i := len(body.Data) - 1; i >= 0; i-- {
			candle, err := toCandle(symbol, body.Data[i])
			if err != nil {
				return nil, err
			}
			if candle.Timestamp.Before(end) && !candle.Timestamp.Before(cursor) {
				out = append(out, candle)
			}
		}
		cursor = pageEnd
	}
	return out, nil
}

func toCandle(symbol string, row []string) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name,
			fmt.Errorf("candle row has %d fields", len(row)))
	}
	sec, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	open, err1 := adapter.ParsePrice(row[1])
	closep, err2 := adapter.ParsePrice(row[2])
	high, err3 := adapter.ParsePrice(row[3])
	low, err4 := adapter.ParsePrice(row[4])
	volume, err5 := adapter.ParsePrice(row[5])
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	return models.Candle{
		Symbol:    symbol,
		Timestamp: time.Unix(sec, 0).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    volume,
		Source:    name,
	}, nil
}

// IntervalCode maps an interval onto KuCoin's candle type notation.
func IntervalCode(interval models.Interval) (string, error) {
	switch interval {
	case models.Interval1m:
		return "1min", nil
	case models.Interval5m:
		return "5min", nil
	case models.Interval15m:
		return "15min", nil
	case models.Interval1h:
		return "1hour", nil
	case models.Interval4h:
		return "4hour", nil
	case models.Interval1d:
		return "1day", nil
	}
	return "", fmt.Errorf("interval %s not supported by kucoin", interval)
}

// classifyCode maps KuCoin business codes: 429000 is the rate limit, the
// 4001xx range covers key and signature problems.
func classifyCode(code, msg string) error {
	err := fmt.Errorf("kucoin code %s: %s", code, msg)
	switch {
	case code == "429000":
		return models.NewFetchError(models.ErrRateLimited, name, err)
	case len(code) >= 4 && code[:4] == "4001":
		return models.NewFetchError(models.ErrAuth, name, err)
	}
	return models.NewFetchError(models.ErrMalformedResponse, name, err)
}
