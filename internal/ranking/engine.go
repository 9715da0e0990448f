package ranking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketstream/internal/channel"
	"marketstream/logger"
	"marketstream/models"
)

// Recompute produces the three ranked orderings over the full symbol universe.
// It is a pure function: identical input yields identical output ordering.
// Ties are broken by symbol name ascending so recomputes are reproducible.
func Recompute(universe map[string]models.CoinSnapshot) models.RankedView {
	coins := make([]models.CoinSnapshot, 0, len(universe))
	for _, snapshot := range universe {
		coins = append(coins, snapshot)
	}

	gainers := make([]models.CoinSnapshot, len(coins))
	losers := make([]models.CoinSnapshot, len(coins))
	topVolume := make([]models.CoinSnapshot, len(coins))
	copy(gainers, coins)
	copy(losers, coins)
	copy(topVolume, coins)

	sort.Slice(gainers, func(i, j int) bool {
		if gainers[i].DayChangePct != gainers[j].DayChangePct {
			return gainers[i].DayChangePct > gainers[j].DayChangePct
		}
		return gainers[i].Symbol < gainers[j].Symbol
	})

	sort.Slice(losers, func(i, j int) bool {
		if losers[i].DayChangePct != losers[j].DayChangePct {
			return losers[i].DayChangePct < losers[j].DayChangePct
		}
		return losers[i].Symbol < losers[j].Symbol
	})

	sort.Slice(topVolume, func(i, j int) bool {
		if topVolume[i].Volume24h != topVolume[j].Volume24h {
			return topVolume[i].Volume24h > topVolume[j].Volume24h
		}
		return topVolume[i].Symbol < topVolume[j].Symbol
	})

	return models.RankedView{
		Gainers:    gainers,
		Losers:     losers,
		TopVolume:  topVolume,
		TotalCoins: len(coins),
	}
}

// Engine owns the symbol universe. It applies ticks from the feed channel and
// serves full-universe recomputes to the publisher. Ticks and recomputes are
// the only writers and readers of the universe and both go through the mutex,
// so a published view is never a partially applied one.
type Engine struct {
	channels *channel.Channels
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	universe map[string]models.CoinSnapshot

	// Metrics
	ticksApplied   int64
	symbolsDropped int64
}

func NewEngine(ch *channel.Channels) *Engine {
	return &Engine{
		channels: ch,
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
		universe: make(map[string]models.CoinSnapshot),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("ranking engine already running")
	}
	e.running = true
	e.ctx = ctx
	e.mu.Unlock()

	log := e.log.WithComponent("ranking_engine").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting ranking engine")

	e.wg.Add(1)
	go e.worker()

	go e.metricsReporter(ctx)

	log.Info("ranking engine started successfully")
	return nil
}

func (e *Engine) Stop() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.log.WithComponent("ranking_engine").Info("stopping ranking engine")
	e.wg.Wait()
	e.log.WithComponent("ranking_engine").Info("ranking engine stopped")
}

func (e *Engine) worker() {
	defer e.wg.Done()

	log := e.log.WithComponent("ranking_engine").WithFields(logger.Fields{"worker": "tick_applier"})

	for {
		select {
		case <-e.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case tick, ok := <-e.channels.Ticks:
			if !ok {
				log.Info("tick channel closed, worker stopping")
				return
			}
			e.Apply(tick)
		}
	}
}

// Apply merges one tick into the universe. Delisted ticks remove the symbol.
func (e *Engine) Apply(tick models.Tick) {
	if tick.Symbol == "" {
		return
	}

	e.mu.Lock()
	if tick.Delisted {
		if _, ok := e.universe[tick.Symbol]; ok {
			delete(e.universe, tick.Symbol)
			e.symbolsDropped++
		}
	} else {
		e.universe[tick.Symbol] = tick.Snapshot
		e.ticksApplied++
	}
	e.mu.Unlock()

	logger.IncrementTickIngested(0)
}

// View recomputes the ranked orderings from the current universe.
func (e *Engine) View() models.RankedView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Recompute(e.universe)
}

// UniverseSize reports the number of live symbols.
func (e *Engine) UniverseSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.universe)
}

func (e *Engine) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reportMetrics()
		}
	}
}

func (e *Engine) reportMetrics() {
	e.mu.RLock()
	ticksApplied := e.ticksApplied
	symbolsDropped := e.symbolsDropped
	universeSize := len(e.universe)
	e.mu.RUnlock()

	e.log.LogMetric("ranking_engine", "ticks_applied", ticksApplied, "counter", logger.Fields{})
	e.log.LogMetric("ranking_engine", "symbols_dropped", symbolsDropped, "counter", logger.Fields{})
	e.log.LogMetric("ranking_engine", "universe_size", universeSize, "gauge", logger.Fields{})

	e.log.WithComponent("ranking_engine").WithFields(logger.Fields{
		"ticks_applied":   ticksApplied,
		"symbols_dropped": symbolsDropped,
		"universe_size":   universeSize,
	}).Info("ranking engine metrics")
}
