package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"candleflow/config"
	"candleflow/models"
)

// Policy computes exponential backoff for retryable fetch failures.
// Delays double per attempt from the base, are capped at the maximum and
// jittered by up to ±10% so synchronized workers do not hammer an adapter
// in lockstep.
type Policy struct {
	cfg config.RetryConfig

	// jitter returns a value in [-1, 1), overridable in tests
	jitter func() float64
}

func NewPolicy(cfg config.RetryConfig) *Policy {
	return &Policy{
		cfg:    cfg,
		jitter: func() float64 { return rand.Float64()*2 - 1 },
	}
}

// MaxAttempts is the total number of tries per adapter, the first call
// included.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Retryable reports whether the error class warrants another attempt on
// the same adapter. Auth and malformed-response failures never do; they
// need operator or upstream fixes, not patience.
func (p *Policy) Retryable(err error) bool {
	return models.Retryable(err)
}

// Delay returns the backoff before the given attempt. Attempt numbering
// starts at 1 for the first retry.
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max := float64(p.cfg.MaxDelay); d > max {
		d = max
	}
	d *= 1 + p.cfg.JitterFraction*p.jitter()
	return time.Duration(d)
}

// Wait sleeps for the backoff of the given attempt or until the context
// is cancelled.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
