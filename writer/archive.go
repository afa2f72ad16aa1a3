package writer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	appconfig "candleflow/config"
	"candleflow/internal/channel"
	"candleflow/logger"
	"candleflow/models"
)

const (
	keySeparator = "|"

	// maxBufferedRecords flushes a buffer early when it grows past this
	// many rows, regardless of the flush interval.
	maxBufferedRecords = 5000
)

// ArchiveWriter drains the pipeline channels into per-key buffers and
// periodically flushes each buffer as a snappy-compressed parquet file
// under the archive directory, optionally mirroring every file to S3.
type ArchiveWriter struct {
	cfg      appconfig.ArchiveConfig
	channels *channel.Channels
	uploader *s3Uploader
	log      *logger.Log

	ctx     context.Context
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	mu      sync.Mutex
	running bool

	candles      map[string][]models.CandleBatch
	liquidations map[string][]models.Liquidation
	depth        map[string][]models.DepthSnapshot
	lastFlush    map[string]time.Time
	flushTicker  *time.Ticker
}

// NewArchiveWriter prepares the buffers and, when S3 mirroring is
// enabled, the upload client.
func NewArchiveWriter(cfg appconfig.ArchiveConfig, ch *channel.Channels) (*ArchiveWriter, error) {
	log := logger.GetLogger()
	if !cfg.Enabled {
		return nil, fmt.Errorf("archive storage is disabled")
	}

	w := &ArchiveWriter{
		cfg:          cfg,
		channels:     ch,
		log:          log,
		wg:           &sync.WaitGroup{},
		candles:      make(map[string][]models.CandleBatch),
		liquidations: make(map[string][]models.Liquidation),
		depth:        make(map[string][]models.DepthSnapshot),
		lastFlush:    make(map[string]time.Time),
	}

	if cfg.S3.Enabled {
		uploader, err := newS3Uploader(context.Background(), cfg.S3)
		if err != nil {
			return nil, err
		}
		w.uploader = uploader
	}

	log.WithComponent("archive_writer").WithFields(logger.Fields{
		"dir":            cfg.Dir,
		"flush_interval": cfg.FlushInterval.String(),
		"s3_enabled":     cfg.S3.Enabled,
	}).Info("archive writer initialized")

	return w, nil
}

// Start launches the channel drain workers and the flush loop.
func (w *ArchiveWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.tickerInterval())
	w.mu.Unlock()

	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	w.log.WithComponent("archive_writer").Info("starting archive writer")

	w.wg.Add(2)
	go w.drainWorker()
	go w.flushWorker()

	return nil
}

// Stop terminates the workers and flushes whatever remains buffered.
func (w *ArchiveWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	ticker := w.flushTicker
	w.cancel = nil
	w.flushTicker = nil
	w.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if cancel != nil {
		cancel()
	}

	w.wg.Wait()
	w.flushAll("stop")
	w.log.WithComponent("archive_writer").Info("archive writer stopped")
}

func (w *ArchiveWriter) tickerInterval() time.Duration {
	if w.cfg.FlushInterval > 0 && w.cfg.FlushInterval < time.Second {
		return w.cfg.FlushInterval
	}
	return time.Second
}

func (w *ArchiveWriter) drainWorker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case batch, ok := <-w.channels.Batches:
			if !ok {
				return
			}
			w.addCandles(batch)
		case liq, ok := <-w.channels.Liquidations:
			if !ok {
				return
			}
			w.addLiquidation(liq)
		case snap, ok := <-w.channels.Depth:
			if !ok {
				return
			}
			w.addDepth(snap)
		}
	}
}

func (w *ArchiveWriter) flushWorker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flushTimedOut()
		}
	}
}

func (w *ArchiveWriter) addCandles(batch models.CandleBatch) {
	if batch.Symbol == "" || len(batch.Candles) == 0 {
		return
	}
	key := bufferKey("candles", batch.Symbol, batch.Interval.String())
	w.mu.Lock()
	w.candles[key] = append(w.candles[key], batch)
	if _, ok := w.lastFlush[key]; !ok {
		w.lastFlush[key] = time.Now()
	}
	full := candleRows(w.candles[key]) >= maxBufferedRecords
	w.mu.Unlock()

	if full {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) addLiquidation(liq models.Liquidation) {
	if liq.Symbol == "" {
		return
	}
	key := bufferKey("liquidations", liq.Exchange, liq.Symbol)
	w.mu.Lock()
	w.liquidations[key] = append(w.liquidations[key], liq)
	if _, ok := w.lastFlush[key]; !ok {
		w.lastFlush[key] = time.Now()
	}
	full := len(w.liquidations[key]) >= maxBufferedRecords
	w.mu.Unlock()

	if full {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) addDepth(snap models.DepthSnapshot) {
	if snap.Symbol == "" {
		return
	}
	key := bufferKey("depth", snap.Exchange, snap.Symbol)
	w.mu.Lock()
	w.depth[key] = append(w.depth[key], snap)
	if _, ok := w.lastFlush[key]; !ok {
		w.lastFlush[key] = time.Now()
	}
	full := len(w.depth[key]) >= maxBufferedRecords
	w.mu.Unlock()

	if full {
		w.flushKey(key)
	}
}

func candleRows(batches []models.CandleBatch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Candles)
	}
	return n
}

func (w *ArchiveWriter) flushTimedOut() {
	interval := w.cfg.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}

	now := time.Now()
	w.mu.Lock()
	keys := make([]string, 0, len(w.lastFlush))
	for key, last := range w.lastFlush {
		if now.Sub(last) >= interval {
			keys = append(keys, key)
		}
	}
	w.mu.Unlock()

	for _, key := range keys {
		w.flushKey(key)
	}
}

func (w *ArchiveWriter) flushAll(reason string) {
	w.mu.Lock()
	keys := make([]string, 0, len(w.lastFlush))
	for key := range w.lastFlush {
		keys = append(keys, key)
	}
	w.mu.Unlock()

	if len(keys) == 0 {
		return
	}

	w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"flushed_buffers": len(keys),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for _, key := range keys {
		w.flushKey(key)
	}
}

// flushKey drains one buffer, encodes it to parquet and writes the file
// locally plus optionally to S3.
func (w *ArchiveWriter) flushKey(key string) {
	kind := strings.SplitN(key, keySeparator, 2)[0]

	w.mu.Lock()
	var (
		data    []byte
		err     error
		records int
	)
	switch kind {
	case "candles":
		batches := w.candles[key]
		delete(w.candles, key)
		delete(w.lastFlush, key)
		w.mu.Unlock()
		if len(batches) == 0 {
			return
		}
		records = candleRows(batches)
		data, err = encodeCandles(batches)
	case "liquidations":
		events := w.liquidations[key]
		delete(w.liquidations, key)
		delete(w.lastFlush, key)
		w.mu.Unlock()
		if len(events) == 0 {
			return
		}
		records = len(events)
		data, err = encodeLiquidations(events)
	case "depth":
		snaps := w.depth[key]
		delete(w.depth, key)
		delete(w.lastFlush, key)
		w.mu.Unlock()
		if len(snaps) == 0 {
			return
		}
		records = len(snaps)
		data, err = encodeDepth(snaps)
	default:
		delete(w.lastFlush, key)
		w.mu.Unlock()
		return
	}

	log := w.log.WithComponent("archive_writer").WithFields(logger.Fields{
		"buffer":  key,
		"records": records,
	})
	if err != nil {
		log.WithError(err).Error("failed to encode parquet")
		return
	}

	objectKey := w.objectKey(key, time.Now().UTC())
	if err := w.writeLocal(objectKey, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{"file": objectKey}).Error("failed to write archive file")
		return
	}
	logger.IncrementArchiveWrite(int64(len(data)))

	if w.uploader != nil {
		if err := w.uploader.upload(w.ctx, objectKey, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{"s3_key": objectKey}).Error("failed to upload archive file")
			return
		}
	}

	log.WithFields(logger.Fields{
		"file":  objectKey,
		"bytes": len(data),
	}).Info("archive file flushed")
}

// objectKey partitions archive files by kind, buffer identity and UTC
// date, with the flush time in the file name.
func (w *ArchiveWriter) objectKey(key string, now time.Time) string {
	parts := strings.Split(key, keySeparator)
	dir := filepath.Join(parts...)
	return filepath.Join(
		dir,
		fmt.Sprintf("date=%s", now.Format("2006-01-02")),
		fmt.Sprintf("%s.parquet", now.Format("150405.000")),
	)
}

func (w *ArchiveWriter) writeLocal(objectKey string, data []byte) error {
	path := filepath.Join(w.cfg.Dir, objectKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func bufferKey(kind string, parts ...string) string {
	out := []string{kind}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			p = "unknown"
		}
		out = append(out, strings.ToLower(p))
	}
	return strings.Join(out, keySeparator)
}
