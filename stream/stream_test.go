package stream

import (
	"context"
	"testing"
	"time"

	"candleflow/config"
	"candleflow/internal/channel"
)

func TestProcessForceOrderMessage(t *testing.T) {
	ch := channel.NewChannels(1, 1, 1)
	r := NewLiquidationReader(config.LiquidationStreamConfig{Enabled: true}, ch)
	r.ctx = context.Background()

	raw := []byte(`{"stream":"btcusdt@forceOrder","data":{"e":"forceOrder","E":1717243200000,` +
		`"o":{"s":"BTCUSDT","S":"SELL","q":"0.014","p":"49000","ap":"50032.07","T":1717243200000}}}`)
	if !r.processMessage(raw) {
		t.Fatal("processMessage returned false")
	}

	select {
	case liq := <-ch.Liquidations:
		if liq.Symbol != "BTCUSDT" || liq.Side != "SELL" {
			t.Fatalf("unexpected liquidation: %+v", liq)
		}
		if liq.Price != 50032.07 || liq.Quantity != 0.014 {
			t.Fatalf("price/quantity parsed wrong: %+v", liq)
		}
		want := time.UnixMilli(1717243200000).UTC()
		if !liq.Timestamp.Equal(want) {
			t.Fatalf("timestamp = %v, want %v", liq.Timestamp, want)
		}
	case <-time.After(time.Second):
		t.Fatal("no liquidation received")
	}
}

func TestNonForceOrderFrameIgnored(t *testing.T) {
	ch := channel.NewChannels(1, 1, 1)
	r := NewLiquidationReader(config.LiquidationStreamConfig{Enabled: true}, ch)
	r.ctx = context.Background()

	if r.processMessage([]byte(`{"result":null,"id":1}`)) {
		t.Fatal("subscription ack must not produce a liquidation")
	}
	if r.processMessage([]byte(`not json`)) {
		t.Fatal("garbage frame must not produce a liquidation")
	}
}

func TestStreamURL(t *testing.T) {
	r := NewLiquidationReader(config.LiquidationStreamConfig{
		Enabled: true,
		URL:     "wss://fstream.binance.com",
		Symbols: []string{"BTCUSDT", "ETHUSDT"},
	}, channel.NewChannels(1, 1, 1))

	want := "wss://fstream.binance.com/stream?streams=btcusdt@forceOrder/ethusdt@forceOrder"
	if got := r.streamURL(); got != want {
		t.Fatalf("streamURL = %s, want %s", got, want)
	}
}

func TestParseLevels(t *testing.T) {
	levels := parseLevels([][]string{{"100.5", "2"}, {"bad", "1"}, {"99"}})
	if len(levels) != 1 || levels[0].Price != 100.5 || levels[0].Quantity != 2 {
		t.Fatalf("parseLevels = %+v", levels)
	}
}

func TestDisabledReadersRefuseToStart(t *testing.T) {
	ch := channel.NewChannels(1, 1, 1)
	liq := NewLiquidationReader(config.LiquidationStreamConfig{Enabled: false}, ch)
	if err := liq.Start(context.Background()); err == nil {
		t.Fatal("disabled liquidation reader must refuse to start")
	}
	depth := NewDepthReader(config.DepthStreamConfig{Enabled: false}, ch)
	if err := depth.Start(context.Background()); err == nil {
		t.Fatal("disabled depth reader must refuse to start")
	}
}
