package feed

import (
	"context"
	"testing"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	appconfig "marketstream/config"
	"marketstream/internal/channel"
	"marketstream/models"
)

func feedConfig() *appconfig.Config {
	return &appconfig.Config{
		Feed: appconfig.FeedConfig{
			Binance: appconfig.BinanceFeedConfig{
				Enabled:        true,
				QuoteFilter:    "USDT",
				ReconnectDelay: time.Second,
				DelistAfter:    time.Minute,
				OpenInterest: appconfig.OpenInterestConfig{
					PollInterval:      time.Minute,
					RequestsPerSecond: 1,
					BurstSize:         1,
				},
			},
		},
	}
}

func newTestReader(t *testing.T, cfg *appconfig.Config, buffer int) (*BinanceReader, *channel.Channels) {
	t.Helper()
	ch := channel.NewChannels(buffer)
	r := NewBinanceReader(cfg, ch)
	r.ctx = context.Background()
	return r, ch
}

func drainTicks(ch *channel.Channels) []models.Tick {
	var out []models.Tick
	for {
		select {
		case tick := <-ch.Ticks:
			out = append(out, tick)
		default:
			return out
		}
	}
}

func TestHandleTickerEventsNormalizes(t *testing.T) {
	r, ch := newTestReader(t, feedConfig(), 8)

	r.handleTickerEvents(futures.WsAllMarketTickerEvent{
		{
			Symbol:             "btcusdt",
			Time:               1700000000000,
			ClosePrice:         "65000.5",
			OpenPrice:          "63000.0",
			PriceChangePercent: "3.17",
			QuoteVolume:        "1250000000",
		},
	})

	ticks := drainTicks(ch)
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(ticks))
	}
	s := ticks[0].Snapshot
	if s.Symbol != "BTCUSDT" {
		t.Errorf("symbol not normalized: %s", s.Symbol)
	}
	if s.MidPrice != 65000.5 || s.PrevDayPrice != 63000.0 || s.DayChangePct != 3.17 || s.Volume24h != 1250000000 {
		t.Errorf("unexpected snapshot: %+v", s)
	}
}

func TestHandleTickerEventsFiltersQuote(t *testing.T) {
	r, ch := newTestReader(t, feedConfig(), 8)

	r.handleTickerEvents(futures.WsAllMarketTickerEvent{
		{Symbol: "BTCBUSD", Time: 1, ClosePrice: "1", OpenPrice: "1", PriceChangePercent: "0", QuoteVolume: "1"},
	})

	if ticks := drainTicks(ch); len(ticks) != 0 {
		t.Fatalf("non-USDT symbol must be filtered, got %d ticks", len(ticks))
	}
}

func TestHandleTickerEventsExplicitSymbols(t *testing.T) {
	cfg := feedConfig()
	cfg.Feed.Binance.Symbols = []string{"ethusdt"}
	r, ch := newTestReader(t, cfg, 8)

	r.handleTickerEvents(futures.WsAllMarketTickerEvent{
		{Symbol: "BTCUSDT", Time: 1, ClosePrice: "1", OpenPrice: "1", PriceChangePercent: "0", QuoteVolume: "1"},
		{Symbol: "ETHUSDT", Time: 1, ClosePrice: "2", OpenPrice: "2", PriceChangePercent: "0", QuoteVolume: "2"},
	})

	ticks := drainTicks(ch)
	if len(ticks) != 1 || ticks[0].Symbol != "ETHUSDT" {
		t.Fatalf("expected only ETHUSDT, got %+v", ticks)
	}
}

func TestHandleTickerEventsBadPayload(t *testing.T) {
	r, ch := newTestReader(t, feedConfig(), 8)

	r.handleTickerEvents(futures.WsAllMarketTickerEvent{
		{Symbol: "BTCUSDT", Time: 1, ClosePrice: "not-a-number", OpenPrice: "1", PriceChangePercent: "0", QuoteVolume: "1"},
	})

	if ticks := drainTicks(ch); len(ticks) != 0 {
		t.Fatal("malformed event must not emit a tick")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.errorsCount != 1 {
		t.Fatalf("expected 1 parse error, got %d", r.errorsCount)
	}
}

func TestMarkPriceMergesIntoExistingRecord(t *testing.T) {
	r, ch := newTestReader(t, feedConfig(), 8)

	r.handleTickerEvents(futures.WsAllMarketTickerEvent{
		{Symbol: "BTCUSDT", Time: 1, ClosePrice: "65000", OpenPrice: "63000", PriceChangePercent: "3.1", QuoteVolume: "100"},
	})
	r.handleMarkPriceEvents(futures.WsAllMarkPriceEvent{
		{Symbol: "BTCUSDT", Time: 2, MarkPrice: "65010.5", FundingRate: "0.0001"},
	})

	ticks := drainTicks(ch)
	if len(ticks) != 2 {
		t.Fatalf("expected 2 ticks, got %d", len(ticks))
	}
	merged := ticks[1].Snapshot
	if merged.MidPrice != 65000 {
		t.Errorf("mark price update lost ticker fields: %+v", merged)
	}
	if merged.MarkPrice != 65010.5 || merged.FundingRate != 0.0001 {
		t.Errorf("mark price fields not merged: %+v", merged)
	}
}

func TestSweepDelistedEmitsDelistTick(t *testing.T) {
	r, ch := newTestReader(t, feedConfig(), 8)

	r.handleTickerEvents(futures.WsAllMarketTickerEvent{
		{Symbol: "OLDUSDT", Time: 1, ClosePrice: "1", OpenPrice: "1", PriceChangePercent: "0", QuoteVolume: "1"},
	})
	drainTicks(ch)

	// Backdate the symbol so the sweep considers it stale.
	r.mu.Lock()
	r.state["OLDUSDT"].lastSeen = time.Now().Add(-time.Hour)
	r.mu.Unlock()

	r.sweepDelisted(time.Minute, r.log.WithComponent("binance_feed"))

	ticks := drainTicks(ch)
	if len(ticks) != 1 || !ticks[0].Delisted || ticks[0].Symbol != "OLDUSDT" {
		t.Fatalf("expected delist tick for OLDUSDT, got %+v", ticks)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.state["OLDUSDT"]; ok {
		t.Fatal("stale symbol must be removed from feed state")
	}
}
