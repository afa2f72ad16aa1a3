package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsLive     int64
	errorsBackfill int64
	warnsLive      int64
	warnsBackfill  int64
	liveFetches    int64
	backfillReads  int64
	gapsDetected   int64
	gapsResolved   int64
	batchesStored  int64
	archiveWrites  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "recovery") || strings.Contains(component, "backfill") {
		atomic.AddInt64(&warnsBackfill, 1)
	} else {
		atomic.AddInt64(&warnsLive, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "recovery") || strings.Contains(component, "backfill") {
		atomic.AddInt64(&errorsBackfill, 1)
	} else {
		atomic.AddInt64(&errorsLive, 1)
	}
}

func IncrementLiveFetch(size int) {
	atomic.AddInt64(&liveFetches, 1)
	recordChannel("live_fetch", size)
}

func IncrementBackfillFetch(size int) {
	atomic.AddInt64(&backfillReads, 1)
	recordChannel("backfill_fetch", size)
}

func IncrementGapDetected() {
	atomic.AddInt64(&gapsDetected, 1)
}

func IncrementGapResolved() {
	atomic.AddInt64(&gapsResolved, 1)
}

func IncrementBatchStored(points int) {
	atomic.AddInt64(&batchesStored, 1)
	recordChannel("store_upsert", points)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_write", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_live":     atomic.LoadInt64(&errorsLive),
		"errors_backfill": atomic.LoadInt64(&errorsBackfill),
		"warns_live":      atomic.LoadInt64(&warnsLive),
		"warns_backfill":  atomic.LoadInt64(&warnsBackfill),
		"live_fetches":    atomic.LoadInt64(&liveFetches),
		"backfill_reads":  atomic.LoadInt64(&backfillReads),
		"gaps_detected":   atomic.LoadInt64(&gapsDetected),
		"gaps_resolved":   atomic.LoadInt64(&gapsResolved),
		"batches_stored":  atomic.LoadInt64(&batchesStored),
		"archive_writes":  atomic.LoadInt64(&archiveWrites),
		"goroutines":      runtime.NumGoroutine(),
		"heap_mb":         int64(memStats.HeapAlloc) / 1024 / 1024,
		"channels":        channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.HeapAlloc) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsLive"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsLive)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsBackfill"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsBackfill)))},
		cwtypes.MetricDatum{MetricName: aws.String("LiveFetches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&liveFetches)))},
		cwtypes.MetricDatum{MetricName: aws.String("BackfillReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&backfillReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("GapsDetected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&gapsDetected)))},
		cwtypes.MetricDatum{MetricName: aws.String("GapsResolved"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&gapsResolved)))},
		cwtypes.MetricDatum{MetricName: aws.String("BatchesStored"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&batchesStored)))},
		cwtypes.MetricDatum{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveWrites)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
