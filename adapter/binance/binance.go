package binance

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/adshao/go-binance/v2/common"
	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	"candleflow/adapter"
	"candleflow/config"
	"candleflow/logger"
	"candleflow/models"
)

const name = "binance"

// Client fetches candles from Binance futures through the go-binance SDK.
type Client struct {
	cfg      config.AdapterConfig
	client   *futures.Client
	smoother *rate.Limiter
	log      *logger.Entry
}

func New(cfg config.AdapterConfig) *Client {
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	client.HTTPClient = adapter.NewHTTPClient(cfg)
	if parsed, err := url.Parse(cfg.URL); err == nil && parsed.Host != "" {
		client.SetApiEndpoint(fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host))
	}

	log := logger.GetLogger().WithComponent("binance_adapter")
	log.WithFields(logger.Fields{
		"timeout":     cfg.Timeout,
		"batch_limit": cfg.BatchLimit,
	}).Info("binance adapter initialized")

	return &Client{
		cfg:      cfg,
		client:   client,
		smoother: rate.NewLimiter(rate.Limit(cfg.SmoothingRPS), cfg.Burst),
		log:      log,
	}
}

func (c *Client) Name() string { return name }

// FetchCandles pages through the klines endpoint until the window is
// covered or the venue returns a short page.
func (c *Client) FetchCandles(ctx context.Context, symbol string, interval models.Interval, start, end time.Time) ([]models.Candle, error) {
	step := interval.Duration()
	var out []models.Candle

	for cursor := start; cursor.Before(end); {
		if err := c.smoother.Wait(ctx); err != nil {
			return nil, models.NewFetchError(models.ErrTimeout, name, err)
		}

		reqStart := time.Now()
		klines, err := c.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval.String()).
			StartTime(cursor.UnixMilli()).
			EndTime(end.UnixMilli() - 1).
			Limit(c.cfg.BatchLimit).
			Do(ctx)
		if err != nil {
			return nil, classify(err)
		}
		logger.LogPerformanceEntry(c.log, "binance_adapter", "klines_request", time.Since(reqStart), logger.Fields{
			"symbol": symbol,
			"rows":   len(klines),
		})

		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			candle, err := toCandle(symbol, k)
			if err != nil {
				return nil, err
			}
			if candle.Timestamp.Before(end) {
				out = append(out, candle)
			}
		}
		cursor = time.UnixMilli(klines[len(klines)-1].OpenTime).Add(step)
		if len(klines) < c.cfg.BatchLimit {
			break
		}
	}
	return out, nil
}

func toCandle(symbol string, k *futures.Kline) (models.Candle, error) {
	open, err1 := adapter.ParsePrice(k.Open)
	high, err2 := adapter.ParsePrice(k.High)
	low, err3 := adapter.ParsePrice(k.Low)
	closep, err4 := adapter.ParsePrice(k.Close)
	volume, err5 := adapter.ParsePrice(k.Volume)
	if err := errors.Join(err1, err2, err3, err4, err5); err != nil {
		return models.Candle{}, models.NewFetchError(models.ErrMalformedResponse, name, err)
	}
	return models.Candle{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(k.OpenTime).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closep,
		Volume:    volume,
		Source:    name,
	}, nil
}

// classify maps go-binance errors to fetch error kinds. Binance signals
// rate limiting with code -1003 and auth problems with the -2xxx range.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.NewFetchError(models.ErrTimeout, name, err)
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == -1003:
			return models.NewFetchError(models.ErrRateLimited, name, err)
		case apiErr.Code <= -2008 && apiErr.Code >= -2015:
			return models.NewFetchError(models.ErrAuth, name, err)
		}
	}
	return models.NewFetchError(models.ErrUnavailable, name, err)
}
