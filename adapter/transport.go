package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"

	"candleflow/config"
	"candleflow/models"
)

// NewHTTPClient builds the pooled HTTP client an adapter uses for its
// REST calls.
func NewHTTPClient(cfg config.AdapterConfig) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DisableCompression:  false,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}

// UserAgentTransport sets a fixed User-Agent on every request. Some
// venues reject requests carrying Go's default agent.
type UserAgentTransport struct {
	Agent string
	Base  http.RoundTripper
}

func (t UserAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.Agent)
	return t.Base.RoundTrip(req)
}

// ClassifyHTTP maps a transport error or response status to an error
// kind. A nil return means the response is usable.
func ClassifyHTTP(adapter string, resp *http.Response, err error) error {
	if err != nil {
		return models.NewFetchError(classifyTransport(err), adapter, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return models.NewFetchError(models.ErrRateLimited, adapter, errStatus(resp))
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return models.NewFetchError(models.ErrAuth, adapter, errStatus(resp))
	case resp.StatusCode >= 500:
		return models.NewFetchError(models.ErrUnavailable, adapter, errStatus(resp))
	case resp.StatusCode >= 400:
		return models.NewFetchError(models.ErrMalformedResponse, adapter, errStatus(resp))
	}
	return nil
}

func classifyTransport(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.ErrTimeout
	}
	return models.ErrUnavailable
}

type statusError struct {
	status string
}

func (e statusError) Error() string { return "http " + e.status }

func errStatus(resp *http.Response) error {
	return statusError{status: resp.Status}
}
