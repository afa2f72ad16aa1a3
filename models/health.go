package models

import "time"

// AdapterState is the health classification of one source adapter.
type AdapterState string

const (
	AdapterHealthy   AdapterState = "healthy"
	AdapterDegraded  AdapterState = "degraded"
	AdapterSuspended AdapterState = "suspended"
)

// SourceHealth is a point-in-time snapshot of the rolling statistics the
// health tracker keeps per adapter. The tracker owns the mutable state;
// consumers only ever see copies.
type SourceHealth struct {
	Adapter             string        `json:"adapter"`
	RequestCount        float64       `json:"request_count"`
	SuccessCount        float64       `json:"success_count"`
	ErrorCount          float64       `json:"error_count"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	AverageLatency      time.Duration `json:"average_latency"`
	LastSuccessAt       time.Time     `json:"last_success_at"`
	LastErrorAt         time.Time     `json:"last_error_at"`
	State               AdapterState  `json:"state"`
}

// SuccessRate returns the decayed success ratio, 1.0 when no requests have
// been recorded yet so new adapters start selectable.
func (h SourceHealth) SuccessRate() float64 {
	if h.RequestCount <= 0 {
		return 1.0
	}
	return h.SuccessCount / h.RequestCount
}
