package okx

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

const name = "okx"

// Client fetches candles from OKX's history-candles endpoint. OKX rejects
// Go's default User-Agent, so requests go through a rewriting transport.
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

	client := adapter.NewHTTPClient(cfg)
	client.Transport = adapter.UserAgentTransport{
		Agent: "candleflow/1.0",
		Base:  client.Transport,
	}

	log := logger.GetLogger().WithComponent("okx_adapter")
	log.WithFields(logger.Fields{
		"base_url":    base,
		"batch_limit": cfg.BatchLimit,
	}).Info("okx adapter initialized")

	return &Client{
		cfg:      cfg,
		client:   client,
		baseURL:  base,
		smoother: rate.NewLimiter(rate.Limit(cfg.SmoothingRPS), cfg.Burst),
		log:      log,
	}
}

func (c *Client) Name() string { return name }

type candlesResponse struct {
	Code string     `json:"code"`
	Msg  string     `json:"msg"`
	Data [][]string `json:"data"`
}

// FetchCandles pages backwards from end using the after cursor, then
// reverses into ascending order.
func (c *Client) FetchCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	bar, err := IntervalCode(interval)
	if err != nil {
		return nil, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	venueSymbol := symbols.ToVenue(name, symbol)

	var collected []models.Candle
	after := end.UnixMilli()

	for {
		if err := c.smoother.Wait(ctx); err != nil {
			return nil, models.NewFetchError(models.ErrTimeout, name, err)
		}

		reqURL := fmt.Sprintf("%s/api/v5/market/history-candles?instId=%s&bar=%s&after=%d&limit=%d",
			c.baseURL, url.QueryEscape(venueSymbol), bar, after, c.cfg.BatchLimit)
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
		logger.LogPerformanceEntry(c.log, "okx_adapter", "candles_request", time.Since(reqStart), logger.Fields{
			"symbol": symbol,
		})

		var body candlesResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, models.NewFetchError(models.ErrMalformedResponse, name, decodeErr)
		}
		if body.Code != "0" {
			return nil, classifyCode(body.Code, body.Msg)
		}
		if len(body.Data) == 0 {
			break
		}

		reachedStart := false
		for _, row := range body.Data {
			candle, err := toCandle(symbol, row)
			if err != nil {
				return nil, err
			}
			if candle.Timestamp.Before(start) {
				reachedStart = true
				break
			}
			if candle.Timestamp.Before(end) {
				collected = append(collected, candle)
			}
		}
		if reachedStart || len(body.Data) < c.cfg.BatchLimit {
			break
		}
		oldest, err := strconv.ParseInt(body.Data[len(body.Data)-1][0], 10, 64)
		if err != nil {
			return nil, models.NewFetchError(models.ErrMalformedResponse, name, err)
		}
		after = oldest
	}

	// collected is newest first.
	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return collected, nil
}

// toCandle parses one row: [ts, open, high, low, close, volume, ...].
func toCandle(symbol string, row []string) (models.Candle, error) {
	if len(row) < 6 {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name,
			fmt.Errorf("candle row has %d fields", len(row)))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	open, err1 := adapter.ParsePrice(row[1])
	high, err2 := adapter.ParsePrice(row[2])
	low, err3 := adapter.ParsePrice(row[3])
	closep, err4 := adapter.ParsePrice(row[4])
	volume, err5 := adapter.ParsePrice(row[5])
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	return models.Candle{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    volume,
		Source:    name,
	}, nil
}

// IntervalCode maps an interval onto OKX bar notation; hours and days are
// uppercase there.
func IntervalCode(interval models.Interval) (string, error) {
	switch interval {
	case models.Interval1m:
		return "1m", nil
	case models.Interval5m:
		return "5m", nil
	case models.Interval15m:
		return "15m", nil
	case models.Interval1h:
		return "1H", nil
	case models.Interval4h:
		return "4H", nil
	case models.Interval1d:
		return "1D", nil
	}
	return "", fmt.Errorf("interval %s not supported by okx", interval)
}

// classifyCode maps OKX business codes: 50011 is the rate limit, 50100
// range covers API key problems.
func classifyCode(code, msg string) error {
	err := fmt.Errorf("okx code %s: %s", code, msg)
	switch {
	case code == "50011":
		return models.NewFetchError(models.ErrRateLimited, name, err)
	case len(code) >= 3 && code[:3] == "501":
		return models.NewFetchError(models.ErrAuth, name, err)
	}
	return models.NewFetchError(models.ErrMalformedResponse, name, err)
}
