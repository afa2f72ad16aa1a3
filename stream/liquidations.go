package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"candleflow/config"
	"candleflow/internal/channel"
	"candleflow/logger"
	"candleflow/models"
)

// LiquidationReader streams forced-order events from the Binance futures
// combined websocket and forwards them to the liquidation channel. The
// connection reconnects with a fixed delay whenever the read loop fails.
type LiquidationReader struct {
	cfg      config.LiquidationStreamConfig
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log
}

func NewLiquidationReader(cfg config.LiquidationStreamConfig, ch *channel.Channels) *LiquidationReader {
	return &LiquidationReader{
		cfg:      cfg,
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start connects the combined forceOrder stream for the configured
// symbols.
func (r *LiquidationReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("liquidation reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	log := r.log.WithComponent("liquidation_reader")
	if !r.cfg.Enabled {
		log.Warn("liquidation stream is disabled")
		return fmt.Errorf("liquidation stream is disabled")
	}

	log.WithFields(logger.Fields{"symbols": r.cfg.Symbols}).Info("starting liquidation reader")

	r.wg.Add(1)
	go r.stream()

	log.Info("liquidation reader started successfully")
	return nil
}

// Stop terminates the websocket subscription.
func (r *LiquidationReader) Stop() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("liquidation_reader").Info("stopping liquidation reader")
	r.wg.Wait()
	r.log.WithComponent("liquidation_reader").Info("liquidation reader stopped")
}

func (r *LiquidationReader) streamURL() string {
	streams := make([]string, 0, len(r.cfg.Symbols))
	for _, sym := range r.cfg.Symbols {
		streams = append(streams, strings.ToLower(sym)+"@forceOrder")
	}
	return fmt.Sprintf("%s/stream?streams=%s", strings.TrimRight(r.cfg.URL, "/"), strings.Join(streams, "/"))
}

// stream handles websocket lifecycle, reconnection and event forwarding.
func (r *LiquidationReader) stream() {
	defer r.wg.Done()
	log := r.log.WithComponent("liquidation_reader").WithFields(logger.Fields{"worker": "liquidation_stream"})

	wsURL := r.streamURL()
	for {
		if r.ctx.Err() != nil {
			return
		}

		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.Dial(wsURL, nil)
		if err != nil {
			log.WithError(err).Warn("failed to connect websocket, retrying")
			select {
			case <-time.After(5 * time.Second):
				continue
			case <-r.ctx.Done():
				return
			}
		}
		log.Info("liquidation stream connected")

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				conn.Close()
				if r.ctx.Err() != nil {
					return
				}
				log.WithError(err).Warn("websocket read error, reconnecting")
				break
			}
			r.processMessage(msg)
		}

		time.Sleep(time.Second)
	}
}

// forceOrderEvent is the combined-stream envelope for one forced order.
type forceOrderEvent struct {
	Stream string `json:"stream"`
	Data   struct {
		EventType string `json:"e"`
		EventTime int64  `json:"E"`
		Order     struct {
			Symbol    string `json:"s"`
			Side      string `json:"S"`
			Quantity  string `json:"q"`
			Price     string `json:"p"`
			AvgPrice  string `json:"ap"`
			TradeTime int64  `json:"T"`
		} `json:"o"`
	} `json:"data"`
}

// processMessage parses one stream frame and forwards the liquidation.
// It reports whether a liquidation was emitted.
func (r *LiquidationReader) processMessage(msg []byte) bool {
	log := r.log.WithComponent("liquidation_reader")

	var event forceOrderEvent
	if err := json.Unmarshal(msg, &event); err != nil {
		log.WithError(err).Debug("failed to decode stream frame")
		return false
	}
	if event.Data.EventType != "forceOrder" {
		return false
	}

	price, err := parseFloat(event.Data.Order.AvgPrice, event.Data.Order.Price)
	if err != nil {
		log.WithError(err).Warn("failed to parse liquidation price")
		return false
	}
	qty, err := parseFloat(event.Data.Order.Quantity)
	if err != nil {
		log.WithError(err).Warn("failed to parse liquidation quantity")
		return false
	}

	liq := models.Liquidation{
		Exchange:  "binance",
		Symbol:    event.Data.Order.Symbol,
		Side:      event.Data.Order.Side,
		Price:     price,
		Quantity:  qty,
		Timestamp: time.UnixMilli(event.Data.Order.TradeTime).UTC(),
	}
	if !r.channels.SendLiquidation(r.ctx, liq) {
		if r.ctx.Err() == nil {
			log.Warn("liquidation channel full, dropping event")
		}
		return false
	}
	return true
}
