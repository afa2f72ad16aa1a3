package kucoin

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"candleflow/config"
	"candleflow/models"
)

func testConfig(url string) config.AdapterConfig {
	return config.AdapterConfig{
		Enabled:        true,
		URL:            url,
		BatchLimit:     1500,
		SmoothingRPS:   100,
		Burst:          10,
		Timeout:        time.Second,
		ConnectionPool: config.ConnectionPoolConfig{MaxIdleConns: 1, MaxConnsPerHost: 1, IdleConnTimeout: time.Second},
	}
}

func TestFetchCandlesAscending(t *testing.T) {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "BTC-USDT" {
			t.Errorf("symbol = %s, want venue notation BTC-USDT", got)
		}
		if got := r.URL.Query().Get("type"); got != "1min" {
			t.Errorf("type = %s, want 1min", got)
		}
		// Rows newest first: [time, open, close, high, low, volume, turnover].
		fmt.Fprintf(w, `{"code":"200000","data":[
			["%d","101","102","103","100","7","700"],
			["%d","100","101","102","99","5","500"]
		]}`, start.Add(time.Minute).Unix(), start.Unix())
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	got, err := c.FetchCandles(context.Background(), "BTCUSDT", models.Interval1m, start, start.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d candles, want 2", len(got))
	}
	if !got[0].Timestamp.Equal(start) || !got[1].Timestamp.Equal(start.Add(time.Minute)) {
		t.Fatalf("candles not ascending: %v, %v", got[0].Timestamp, got[1].Timestamp)
	}
	first := got[0]
	if first.Open != 100 || first.Close != 101 || first.High != 102 || first.Low != 99 || first.Volume != 5 {
		t.Fatalf("row field order parsed wrong: %+v", first)
	}
	if first.Source != "kucoin" || first.Symbol != "BTCUSDT" {
		t.Fatalf("candle identity: %+v", first)
	}
}

func TestRateLimitCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"429000","msg":"Too Many Requests"}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.FetchCandles(context.Background(), "BTCUSDT", models.Interval1m,
		time.Now().Add(-time.Hour), time.Now())
	if models.KindOf(err) != models.ErrRateLimited {
		t.Fatalf("err = %v, want RateLimited", err)
	}
}

func TestServerErrorClassified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.FetchCandles(context.Background(), "BTCUSDT", models.Interval1m,
		time.Now().Add(-time.Hour), time.Now())
	if models.KindOf(err) != models.ErrUnavailable {
		t.Fatalf("err = %v, want Unavailable", err)
	}
}

func TestMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"200000","data":[["not-a-time","1","2","3","4","5","6"]]}`)
	}))
	defer srv.Close()

	c := New(testConfig(srv.URL))
	_, err := c.FetchCandles(context.Background(), "BTCUSDT", models.Interval1m,
		time.Now().Add(-time.Hour), time.Now())
	if models.KindOf(err) != models.ErrMalformedResponse {
		t.Fatalf("err = %v, want MalformedResponse", err)
	}
}

func TestIntervalCode(t *testing.T) {
	if got, err := IntervalCode(models.Interval1h); err != nil || got != "1hour" {
		t.Fatalf("IntervalCode(1h) = %s, %v", got, err)
	}
	if _, err := IntervalCode(models.Interval(90 * time.Second)); err == nil {
		t.Fatalf("unsupported interval must error")
	}
}
