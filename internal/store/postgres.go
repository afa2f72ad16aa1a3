package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"candleflow/config"
	"candleflow/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	symbol        TEXT             NOT NULL,
	ts            TIMESTAMPTZ      NOT NULL,
	open          DOUBLE PRECISION NOT NULL,
	high          DOUBLE PRECISION NOT NULL,
	low           DOUBLE PRECISION NOT NULL,
	close         DOUBLE PRECISION NOT NULL,
	volume        DOUBLE PRECISION NOT NULL,
	source        TEXT             NOT NULL,
	quality_score DOUBLE PRECISION NOT NULL,
	validated     BOOLEAN          NOT NULL,
	PRIMARY KEY (symbol, ts)
);
CREATE TABLE IF NOT EXISTS gaps (
	id              UUID        PRIMARY KEY,
	symbol          TEXT        NOT NULL,
	interval_ms     BIGINT      NOT NULL,
	start_ts        TIMESTAMPTZ NOT NULL,
	end_ts          TIMESTAMPTZ NOT NULL,
	status          TEXT        NOT NULL,
	attempt_count   INT         NOT NULL DEFAULT 0,
	detected_at     TIMESTAMPTZ NOT NULL,
	last_attempt_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS gaps_status_start_idx ON gaps (status, start_ts);
`

// Postgres is the durable Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects, pings and ensures the schema exists.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) UpsertCandles(ctx context.Context, candles []models.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	// quality_score and validated only move up: a stale write racing a
	// cross-source confirmation must not demote the row.
	query := `
		INSERT INTO candles (symbol, ts, open, high, low, close, volume, source, quality_score, validated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			source = EXCLUDED.source,
			quality_score = GREATEST(candles.quality_score, EXCLUDED.quality_score),
			validated = candles.validated OR EXCLUDED.validated
	`
	for _, c := range candles {
		batch.Queue(query,
			c.Symbol, c.Timestamp.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume,
			c.Source, c.QualityScore, c.Validated,
		)
	}

	results := p.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range candles {
		if _, err := results.Exec(); err != nil {
			return 0, fmt.Errorf("upsert candles: %w", err)
		}
	}
	return len(candles), nil
}

func (p *Postgres) GetCandle(ctx context.Context, symbol string, ts time.Time) (models.Candle, error) {
	query := `
		SELECT symbol, ts, open, high, low, close, volume, source, quality_score, validated
		FROM candles
		WHERE symbol = $1 AND ts = $2
	`
	var c models.Candle
	err := p.pool.QueryRow(ctx, query, symbol, ts.UTC()).Scan(
		&c.Symbol, &c.Timestamp,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
		&c.Source, &c.QualityScore, &c.Validated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Candle{}, ErrNotFound
	}
	if err != nil {
		return models.Candle{}, fmt.Errorf("get candle: %w", err)
	}
	return c, nil
}

func (p *Postgres) QueryRange(ctx context.Context, symbol string, from, to time.Time) ([]models.Candle, error) {
	query := `
		SELECT symbol, ts, open, high, low, close, volume, source, quality_score, validated
		FROM candles
		WHERE symbol = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
	`
	rows, err := p.pool.Query(ctx, query, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []models.Candle
	for rows.Next() {
		var c models.Candle
		if err := rows.Scan(
			&c.Symbol, &c.Timestamp,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume,
			&c.Source, &c.QualityScore, &c.Validated,
		); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) Timestamps(ctx context.Context, symbol string, from, to time.Time) ([]time.Time, error) {
	query := `
		SELECT ts FROM candles
		WHERE symbol = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
	`
	rows, err := p.pool.Query(ctx, query, symbol, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("scan timestamp: %w", err)
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveGap(ctx context.Context, gap models.Gap) error {
	query := `
		INSERT INTO gaps (id, symbol, interval_ms, start_ts, end_ts, status, attempt_count, detected_at, last_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempt_count = EXCLUDED.attempt_count,
			last_attempt_at = EXCLUDED.last_attempt_at
	`
	var lastAttempt *time.Time
	if !gap.LastAttemptAt.IsZero() {
		t := gap.LastAttemptAt.UTC()
		lastAttempt = &t
	}
	_, err := p.pool.Exec(ctx, query,
		gap.ID, gap.Symbol, gap.Interval.Duration().Milliseconds(),
		gap.Start.UTC(), gap.End.UTC(),
		string(gap.Status), gap.AttemptCount, gap.DetectedAt.UTC(), lastAttempt,
	)
	if err != nil {
		return fmt.Errorf("save gap: %w", err)
	}
	return nil
}

func (p *Postgres) GetGap(ctx context.Context, id string) (models.Gap, error) {
	query := `
		SELECT id, symbol, interval_ms, start_ts, end_ts, status, attempt_count, detected_at, last_attempt_at
		FROM gaps WHERE id = $1
	`
	g, err := scanGap(p.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Gap{}, ErrNotFound
	}
	return g, err
}

func (p *Postgres) ListGaps(ctx context.Context, status models.GapStatus, limit int) ([]models.Gap, error) {
	query := `
		SELECT id, symbol, interval_ms, start_ts, end_ts, status, attempt_count, detected_at, last_attempt_at
		FROM gaps WHERE status = $1
		ORDER BY start_ts
	`
	args := []any{string(status)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list gaps: %w", err)
	}
	defer rows.Close()

	var out []models.Gap
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func scanGap(row pgx.Row) (models.Gap, error) {
	var (
		g           models.Gap
		intervalMs  int64
		status      string
		lastAttempt *time.Time
	)
	err := row.Scan(
		&g.ID, &g.Symbol, &intervalMs,
		&g.Start, &g.End, &status, &g.AttemptCount,
		&g.DetectedAt, &lastAttempt,
	)
	if err != nil {
		return models.Gap{}, err
	}
	g.Interval = models.Interval(time.Duration(intervalMs) * time.Millisecond)
	g.Status = models.GapStatus(status)
	if lastAttempt != nil {
		g.LastAttemptAt = *lastAttempt
	}
	return g, nil
}

func (p *Postgres) Close() { p.pool.Close() }
