package channel

import (
	"context"
	"sync"

	"candleflow/logger"
	"candleflow/models"
)

type ChannelStats struct {
	BatchesSent         int64
	BatchesDropped      int64
	LiquidationsSent    int64
	LiquidationsDropped int64
	DepthSent           int64
	DepthDropped        int64
}

// Channels carries data between the pipeline stages: validated candle
// batches from the coordinator to the writers, and stream events from the
// websocket readers to the archive.
type Channels struct {
	Batches      chan models.CandleBatch
	Liquidations chan models.Liquidation
	Depth        chan models.DepthSnapshot

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(batchBuffer, liquidationBuffer, depthBuffer int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Batches:      make(chan models.CandleBatch, batchBuffer),
		Liquidations: make(chan models.Liquidation, liquidationBuffer),
		Depth:        make(chan models.DepthSnapshot, depthBuffer),
		log:          log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"batch_buffer":       batchBuffer,
		"liquidation_buffer": liquidationBuffer,
		"depth_buffer":       depthBuffer,
	}).Info("channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Batches)
	close(c.Liquidations)
	close(c.Depth)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendBatch enqueues a candle batch without blocking. A full channel
// drops the batch and reports false; the store write has already
// happened by then, only the archive copy is lost.
func (c *Channels) SendBatch(ctx context.Context, batch models.CandleBatch) bool {
	select {
	case c.Batches <- batch:
		c.count(func(s *ChannelStats) { s.BatchesSent++ })
		logger.RecordChannelMessage("batches", len(batch.Candles))
		return true
	case <-ctx.Done():
		return false
	default:
		c.count(func(s *ChannelStats) { s.BatchesDropped++ })
		return false
	}
}

func (c *Channels) SendLiquidation(ctx context.Context, liq models.Liquidation) bool {
	select {
	case c.Liquidations <- liq:
		c.count(func(s *ChannelStats) { s.LiquidationsSent++ })
		logger.RecordChannelMessage("liquidations", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.count(func(s *ChannelStats) { s.LiquidationsDropped++ })
		return false
	}
}

func (c *Channels) SendDepth(ctx context.Context, snap models.DepthSnapshot) bool {
	select {
	case c.Depth <- snap:
		c.count(func(s *ChannelStats) { s.DepthSent++ })
		logger.RecordChannelMessage("depth", 1)
		return true
	case <-ctx.Done():
		return false
	default:
		c.count(func(s *ChannelStats) { s.DepthDropped++ })
		return false
	}
}

func (c *Channels) count(update func(*ChannelStats)) {
	c.statsMutex.Lock()
	update(&c.stats)
	c.statsMutex.Unlock()
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
