package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"candleflow/models"
)

// Memory is an in-process Store used when Postgres is disabled and by
// tests. Safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	candles map[string]map[int64]models.Candle
	gaps    map[string]models.Gap
}

func NewMemory() *Memory {
	return &Memory{
		candles: make(map[string]map[int64]models.Candle),
		gaps:    make(map[string]models.Gap),
	}
}

func (m *Memory) UpsertCandles(_ context.Context, candles []models.Candle) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		bySym, ok := m.candles[c.Symbol]
		if !ok {
			bySym = make(map[int64]models.Candle)
			m.candles[c.Symbol] = bySym
		}
		key := c.Timestamp.UTC().UnixMilli()
		// quality_score and validated only move up: a stale write racing
		// a cross-source confirmation must not demote the row.
		if prev, exists := bySym[key]; exists {
			if prev.QualityScore > c.QualityScore {
				c.QualityScore = prev.QualityScore
			}
			c.Validated = c.Validated || prev.Validated
		}
		bySym[key] = c
	}
	return len(candles), nil
}

func (m *Memory) GetCandle(_ context.Context, symbol string, ts time.Time) (models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candles[symbol][ts.UTC().UnixMilli()]
	if !ok {
		return models.Candle{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) QueryRange(_ context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Candle
	for _, c := range m.candles[symbol] {
		if !c.Timestamp.Before(from) && c.Timestamp.Before(to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *Memory) Timestamps(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
	candles, err := m.QueryRange(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, len(candles))
	for i, c := range candles {
		out[i] = c.Timestamp
	}
	return out, nil
}

func (m *Memory) SaveGap(_ context.Context, gap models.Gap) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gaps[gap.ID] = gap
	return nil
}

func (m *Memory) GetGap(_ context.Context, id string) (models.Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gaps[id]
	if !ok {
		return models.Gap{}, ErrNotFound
	}
	return g, nil
}

func (m *Memory) ListGaps(_ context.Context, status models.GapStatus, limit int) ([]models.Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Gap
	for _, g := range m.gaps {
		if g.Status == status {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Close() {}
