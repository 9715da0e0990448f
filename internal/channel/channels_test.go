package channel

import (
	"context"
	"testing"

	"marketstream/models"
)

func TestSendTickCountsDrops(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx := context.Background()
	if !c.SendTick(ctx, models.Tick{Symbol: "BTCUSDT"}) {
		t.Fatal("first send should succeed")
	}
	if c.SendTick(ctx, models.Tick{Symbol: "ETHUSDT"}) {
		t.Fatal("second send should drop on a full buffer")
	}

	stats := c.GetStats()
	if stats.TicksSent != 1 || stats.TicksDropped != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestSendTickCancelledContext(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	if !c.SendTick(context.Background(), models.Tick{Symbol: "BTCUSDT"}) {
		t.Fatal("send should succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Full buffer and cancelled context: send must not block.
	c.SendTick(ctx, models.Tick{Symbol: "ETHUSDT"})
}
