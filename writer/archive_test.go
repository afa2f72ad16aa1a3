package writer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	pbuffer "github.com/xitongsys/parquet-go-source/buffer"
	preader "github.com/xitongsys/parquet-go/reader"

	appconfig "candleflow/config"
	"candleflow/internal/channel"
	"candleflow/models"
)

func testBatch(n int) models.CandleBatch {
	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	batch := models.CandleBatch{
		Symbol:    "BTCUSDT",
		Interval:  models.Interval1m,
		Source:    "binance",
		FetchedAt: time.Now().UTC(),
	}
	for i := 0; i < n; i++ {
		batch.Candles = append(batch.Candles, models.Candle{
			Symbol:    "BTCUSDT",
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 2,
			Source: "binance", QualityScore: 1.0,
		})
	}
	return batch
}

func TestDisabledArchiveRefusesToConstruct(t *testing.T) {
	_, err := NewArchiveWriter(appconfig.ArchiveConfig{Enabled: false}, channel.NewChannels(1, 1, 1))
	if err == nil {
		t.Fatal("disabled archive must refuse to construct")
	}
}

func TestEncodeCandlesReadableParquet(t *testing.T) {
	data, err := encodeCandles([]models.CandleBatch{testBatch(3)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	pf := pbuffer.NewBufferFileFromBytes(data)
	pr, err := preader.NewParquetReader(pf, new(candleRecord), 1)
	if err != nil {
		t.Fatalf("open parquet: %v", err)
	}
	defer pr.ReadStop()

	if pr.GetNumRows() != 3 {
		t.Fatalf("rows = %d, want 3", pr.GetNumRows())
	}
	rows := make([]candleRecord, 1)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rows[0].Symbol != "BTCUSDT" || rows[0].Interval != "1m" || rows[0].Source != "binance" {
		t.Fatalf("first row = %+v", rows[0])
	}
}

func TestStopFlushesBufferedBatches(t *testing.T) {
	dir := t.TempDir()
	cfg := appconfig.ArchiveConfig{
		Enabled:       true,
		Dir:           dir,
		FlushInterval: time.Hour,
	}
	ch := channel.NewChannels(4, 4, 4)
	w, err := NewArchiveWriter(cfg, ch)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if !ch.SendBatch(context.Background(), testBatch(2)) {
		t.Fatal("send failed")
	}
	ch.SendLiquidation(context.Background(), models.Liquidation{
		Exchange: "binance", Symbol: "BTCUSDT", Side: "SELL",
		Price: 50000, Quantity: 0.01, Timestamp: time.Now().UTC(),
	})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		drained := len(w.candles) > 0 && len(w.liquidations) > 0
		w.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	var files []string
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".parquet" {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("flushed %d files, want candle and liquidation archives", len(files))
	}
	for _, f := range files {
		info, err := os.Stat(f)
		if err != nil || info.Size() == 0 {
			t.Fatalf("archive file %s is empty (%v)", f, err)
		}
	}
}

func TestBufferAndObjectKeys(t *testing.T) {
	key := bufferKey("candles", "BTCUSDT", "1m")
	if key != "candles|btcusdt|1m" {
		t.Fatalf("bufferKey = %s", key)
	}

	w := &ArchiveWriter{cfg: appconfig.ArchiveConfig{Dir: "/tmp"}}
	now := time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC)
	got := w.objectKey(key, now)
	want := filepath.Join("candles", "btcusdt", "1m", "date=2024-06-01", "123045.000.parquet")
	if got != want {
		t.Fatalf("objectKey = %s, want %s", got, want)
	}
}
