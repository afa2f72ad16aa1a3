package writer

import (
	"bytes"
	"io"
	"strings"

	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pwriter "github.com/xitongsys/parquet-go/writer"

	"candleflow/models"
)

// memFile satisfies source.ParquetFile over an in-memory buffer so a
// parquet file can be assembled without touching disk first.
type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

// candleRecord is the parquet schema for archived candles.
type candleRecord struct {
	Symbol       string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Interval     string  `parquet:"name=interval, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source       string  `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenTime     int64   `parquet:"name=open_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	Open         float64 `parquet:"name=open, type=DOUBLE"`
	High         float64 `parquet:"name=high, type=DOUBLE"`
	Low          float64 `parquet:"name=low, type=DOUBLE"`
	Close        float64 `parquet:"name=close, type=DOUBLE"`
	Volume       float64 `parquet:"name=volume, type=DOUBLE"`
	QualityScore float64 `parquet:"name=quality_score, type=DOUBLE"`
	Validated    bool    `parquet:"name=validated, type=BOOLEAN"`
}

// liquidationRecord is the parquet schema for archived forced orders.
type liquidationRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	EventTime int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// depthRecord is the parquet schema for archived order book levels, one
// row per level.
type depthRecord struct {
	Exchange  string  `parquet:"name=exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol    string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Level     int32   `parquet:"name=level, type=INT32"`
	Price     float64 `parquet:"name=price, type=DOUBLE"`
	Quantity  float64 `parquet:"name=quantity, type=DOUBLE"`
	EventTime int64   `parquet:"name=event_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// encodeParquet writes rows of one record type into a snappy-compressed
// parquet byte slice.
func encodeParquet(schema interface{}, write func(pw *pwriter.ParquetWriter) error) ([]byte, error) {
	mf := newMemFile()
	pw, err := pwriter.NewParquetWriter(mf, schema, 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	if err := write(pw); err != nil {
		return nil, err
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}

func encodeCandles(batches []models.CandleBatch) ([]byte, error) {
	return encodeParquet(new(candleRecord), func(pw *pwriter.ParquetWriter) error {
		for _, batch := range batches {
			for _, c := range batch.Candles {
				rec := candleRecord{
					Symbol:       strings.ToUpper(c.Symbol),
					Interval:     batch.Interval.String(),
					Source:       strings.ToLower(c.Source),
					OpenTime:     c.Timestamp.UTC().UnixMilli(),
					Open:         c.Open,
					High:         c.High,
					Low:          c.Low,
					Close:        c.Close,
					Volume:       c.Volume,
					QualityScore: c.QualityScore,
					Validated:    c.Validated,
				}
				if err := pw.Write(rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func encodeLiquidations(events []models.Liquidation) ([]byte, error) {
	return encodeParquet(new(liquidationRecord), func(pw *pwriter.ParquetWriter) error {
		for _, e := range events {
			rec := liquidationRecord{
				Exchange:  strings.ToLower(e.Exchange),
				Symbol:    strings.ToUpper(e.Symbol),
				Side:      e.Side,
				Price:     e.Price,
				Quantity:  e.Quantity,
				EventTime: e.Timestamp.UTC().UnixMilli(),
			}
			if err := pw.Write(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeDepth(snaps []models.DepthSnapshot) ([]byte, error) {
	return encodeParquet(new(depthRecord), func(pw *pwriter.ParquetWriter) error {
		for _, snap := range snaps {
			ts := snap.Timestamp.UTC().UnixMilli()
			for i, lvl := range snap.Bids {
				rec := depthRecord{
					Exchange:  strings.ToLower(snap.Exchange),
					Symbol:    strings.ToUpper(snap.Symbol),
					Side:      "bid",
					Level:     int32(i),
					Price:     lvl.Price,
					Quantity:  lvl.Quantity,
					EventTime: ts,
				}
				if err := pw.Write(rec); err != nil {
					return err
				}
			}
			for i, lvl := range snap.Asks {
				rec := depthRecord{
					Exchange:  strings.ToLower(snap.Exchange),
					Symbol:    strings.ToUpper(snap.Symbol),
					Side:      "ask",
					Level:     int32(i),
					Price:     lvl.Price,
					Quantity:  lvl.Quantity,
					EventTime: ts,
				}
				if err := pw.Write(rec); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
