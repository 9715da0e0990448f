package ranking

import (
	"context"
	"reflect"
	"testing"
	"time"

	"marketstream/internal/channel"
	"marketstream/models"
)

func coin(symbol string, changePct, volume float64) models.CoinSnapshot {
	return models.CoinSnapshot{
		Symbol:       symbol,
		MidPrice:     100,
		DayChangePct: changePct,
		Volume24h:    volume,
	}
}

func universe(coins ...models.CoinSnapshot) map[string]models.CoinSnapshot {
	u := make(map[string]models.CoinSnapshot, len(coins))
	for _, c := range coins {
		u[c.Symbol] = c
	}
	return u
}

func symbols(coins []models.CoinSnapshot) []string {
	out := make([]string, len(coins))
	for i, c := range coins {
		out[i] = c.Symbol
	}
	return out
}

func TestRecomputeOrdering(t *testing.T) {
	u := universe(
		coin("BTCUSDT", 2.5, 900),
		coin("ETHUSDT", -1.2, 1200),
		coin("SOLUSDT", 7.8, 300),
		coin("XRPUSDT", -4.0, 50),
		coin("ADAUSDT", 0.0, 700),
	)

	view := Recompute(u)

	if view.TotalCoins != 5 {
		t.Fatalf("expected total_coins=5, got %d", view.TotalCoins)
	}
	if len(view.Gainers) != 5 || len(view.Losers) != 5 || len(view.TopVolume) != 5 {
		t.Fatalf("every symbol must appear in all three orderings: %d/%d/%d",
			len(view.Gainers), len(view.Losers), len(view.TopVolume))
	}

	wantGainers := []string{"SOLUSDT", "BTCUSDT", "ADAUSDT", "ETHUSDT", "XRPUSDT"}
	if got := symbols(view.Gainers); !reflect.DeepEqual(got, wantGainers) {
		t.Errorf("gainers ordering = %v, want %v", got, wantGainers)
	}

	wantLosers := []string{"XRPUSDT", "ETHUSDT", "ADAUSDT", "BTCUSDT", "SOLUSDT"}
	if got := symbols(view.Losers); !reflect.DeepEqual(got, wantLosers) {
		t.Errorf("losers ordering = %v, want %v", got, wantLosers)
	}

	wantVolume := []string{"ETHUSDT", "BTCUSDT", "ADAUSDT", "SOLUSDT", "XRPUSDT"}
	if got := symbols(view.TopVolume); !reflect.DeepEqual(got, wantVolume) {
		t.Errorf("top volume ordering = %v, want %v", got, wantVolume)
	}

	for i := 1; i < len(view.Gainers); i++ {
		if view.Gainers[i-1].DayChangePct < view.Gainers[i].DayChangePct {
			t.Errorf("gainers not descending at %d", i)
		}
		if view.Losers[i-1].DayChangePct > view.Losers[i].DayChangePct {
			t.Errorf("losers not ascending at %d", i)
		}
		if view.TopVolume[i-1].Volume24h < view.TopVolume[i].Volume24h {
			t.Errorf("top volume not descending at %d", i)
		}
	}
}

func TestRecomputeDeterministicTieBreak(t *testing.T) {
	u := universe(
		coin("BBBUSDT", 1.0, 500),
		coin("AAAUSDT", 1.0, 500),
		coin("CCCUSDT", 1.0, 500),
	)

	first := Recompute(u)
	second := Recompute(u)

	if !reflect.DeepEqual(first, second) {
		t.Fatal("recompute is not deterministic for identical input")
	}

	want := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}
	if got := symbols(first.Gainers); !reflect.DeepEqual(got, want) {
		t.Errorf("tie-break ordering = %v, want %v", got, want)
	}
	if got := symbols(first.Losers); !reflect.DeepEqual(got, want) {
		t.Errorf("losers tie-break ordering = %v, want %v", got, want)
	}
	if got := symbols(first.TopVolume); !reflect.DeepEqual(got, want) {
		t.Errorf("top volume tie-break ordering = %v, want %v", got, want)
	}
}

func TestRecomputeEmptyUniverse(t *testing.T) {
	view := Recompute(map[string]models.CoinSnapshot{})
	if view.TotalCoins != 0 {
		t.Fatalf("expected total_coins=0, got %d", view.TotalCoins)
	}
	if len(view.Gainers) != 0 || len(view.Losers) != 0 || len(view.TopVolume) != 0 {
		t.Fatal("expected empty orderings for empty universe")
	}
}

func TestEngineApplyAndDelist(t *testing.T) {
	e := NewEngine(channel.NewChannels(1))

	e.Apply(models.Tick{Symbol: "BTCUSDT", Snapshot: coin("BTCUSDT", 1.0, 10)})
	e.Apply(models.Tick{Symbol: "ETHUSDT", Snapshot: coin("ETHUSDT", 2.0, 20)})
	if e.UniverseSize() != 2 {
		t.Fatalf("expected 2 symbols, got %d", e.UniverseSize())
	}

	// Update in place, not append.
	e.Apply(models.Tick{Symbol: "BTCUSDT", Snapshot: coin("BTCUSDT", 3.0, 30)})
	if e.UniverseSize() != 2 {
		t.Fatalf("update must not grow universe, got %d", e.UniverseSize())
	}
	view := e.View()
	if view.Gainers[0].Symbol != "BTCUSDT" || view.Gainers[0].DayChangePct != 3.0 {
		t.Errorf("expected BTCUSDT updated to 3.0, got %+v", view.Gainers[0])
	}

	e.Apply(models.Tick{Symbol: "ETHUSDT", Delisted: true})
	if e.UniverseSize() != 1 {
		t.Fatalf("expected delisted symbol removed, got %d", e.UniverseSize())
	}
}

func TestEngineConsumesChannel(t *testing.T) {
	ch := channel.NewChannels(8)
	e := NewEngine(ch)

	ctx, cancel := context.WithCancel(context.Background())
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer func() {
		cancel()
		e.Stop()
	}()

	ch.SendTick(ctx, models.Tick{Symbol: "BTCUSDT", Snapshot: coin("BTCUSDT", 5.0, 10)})

	deadline := time.After(2 * time.Second)
	for e.UniverseSize() != 1 {
		select {
		case <-deadline:
			t.Fatal("engine did not apply tick from channel")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
