package channel

import (
	"context"
	"sync"
	"time"

	"marketstream/logger"
	"marketstream/models"
)

type ChannelStats struct {
	TicksSent    int64
	TicksDropped int64
}

// Channels carries normalized ticks from the feed readers to the ranking
// engine. Sends are non-blocking; a full buffer drops the tick and counts it.
type Channels struct {
	Ticks chan models.Tick

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(tickBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Ticks: make(chan models.Tick, tickBufferSize),
		log:   log,
	}

	log.WithComponent("tick_channels").WithFields(logger.Fields{
		"tick_buffer_size": tickBufferSize,
	}).Info("tick channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Ticks)
	c.log.WithComponent("tick_channels").Info("tick channels closed")
}

func (c *Channels) IncrementTicksSent() {
	c.statsMutex.Lock()
	c.stats.TicksSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementTicksDropped() {
	c.statsMutex.Lock()
	c.stats.TicksDropped++
	c.statsMutex.Unlock()
}

// SendTick enqueues a tick without blocking. Ticks are full-record
// replacements per symbol, so dropping one under backpressure only delays the
// symbol until its next update.
func (c *Channels) SendTick(ctx context.Context, tick models.Tick) bool {
	select {
	case c.Ticks <- tick:
		c.IncrementTicksSent()
		logger.RecordChannelMessage("ticks", 0)
		return true
	case <-ctx.Done():
		return false
	default:
		c.IncrementTicksDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically logs channel throughput the same way the
// pipeline components report theirs.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.LogMetric("tick_channels", "ticks_sent", stats.TicksSent, "counter", logger.Fields{})
			c.log.LogMetric("tick_channels", "ticks_dropped", stats.TicksDropped, "counter", logger.Fields{})
			c.log.WithComponent("tick_channels").WithFields(logger.Fields{
				"ticks_sent":    stats.TicksSent,
				"ticks_dropped": stats.TicksDropped,
				"channel_len":   len(c.Ticks),
				"channel_cap":   cap(c.Ticks),
			}).Info("tick channel metrics")
		}
	}
}
