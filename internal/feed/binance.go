package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	"golang.org/x/time/rate"

	appconfig "marketstream/config"
	"marketstream/internal/channel"
	"marketstream/internal/metrics"
	"marketstream/logger"
	"marketstream/models"
)

const sourceName = "binance"

// symbolState is the merged per-symbol record built from the ticker stream,
// the mark price stream and the open-interest poller.
type symbolState struct {
	snapshot models.CoinSnapshot
	lastSeen time.Time
}

// BinanceReader ingests the Binance USDT-perp all-market streams and emits
// normalized ticks. The 24h ticker stream carries price/volume/change, the
// mark price stream carries mark price and funding, and open interest is
// polled over REST inside a request budget.
type BinanceReader struct {
	config   *appconfig.Config
	channels *channel.Channels
	client   *futures.Client
	limiter  *rate.Limiter
	ctx      context.Context
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	running  bool
	log      *logger.Log

	state   map[string]*symbolState
	symbols map[string]struct{}

	// Metrics
	eventsReceived int64
	errorsCount    int64
}

func NewBinanceReader(cfg *appconfig.Config, ch *channel.Channels) *BinanceReader {
	log := logger.GetLogger()

	feedCfg := cfg.Feed.Binance
	limiter := rate.NewLimiter(
		rate.Limit(feedCfg.OpenInterest.RequestsPerSecond),
		feedCfg.OpenInterest.BurstSize,
	)

	symbols := make(map[string]struct{}, len(feedCfg.Symbols))
	for _, s := range feedCfg.Symbols {
		symbols[strings.ToUpper(s)] = struct{}{}
	}

	reader := &BinanceReader{
		config:   cfg,
		channels: ch,
		client:   futures.NewClient("", ""),
		limiter:  limiter,
		wg:       &sync.WaitGroup{},
		log:      log,
		state:    make(map[string]*symbolState),
		symbols:  symbols,
	}

	log.WithComponent("binance_feed").WithFields(logger.Fields{
		"symbols":      len(feedCfg.Symbols),
		"quote_filter": feedCfg.QuoteFilter,
	}).Info("binance feed reader initialized")

	return reader
}

func (r *BinanceReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("binance feed reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	feedCfg := r.config.Feed.Binance
	if !feedCfg.Enabled {
		r.log.WithComponent("binance_feed").Warn("binance feed disabled via configuration")
		return fmt.Errorf("binance feed disabled")
	}

	log := r.log.WithComponent("binance_feed").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting binance feed reader")

	r.wg.Add(1)
	go r.runTickerStream()

	r.wg.Add(1)
	go r.runMarkPriceStream()

	if feedCfg.OpenInterest.Enabled {
		r.wg.Add(1)
		go r.openInterestPoller()
	}

	if feedCfg.DelistAfter > 0 {
		r.wg.Add(1)
		go r.delistSweeper()
	}

	go r.metricsReporter(ctx)

	log.Info("binance feed reader started successfully")
	return nil
}

func (r *BinanceReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("binance_feed").Info("stopping binance feed reader")
	r.wg.Wait()
	r.log.WithComponent("binance_feed").Info("binance feed reader stopped")
}

// runTickerStream keeps the all-market 24h ticker subscription alive,
// reconnecting on stream end until the context is cancelled.
func (r *BinanceReader) runTickerStream() {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_feed").WithFields(logger.Fields{"stream": "ticker"})
	reconnect := r.config.Feed.Binance.ReconnectDelay

	for {
		if r.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := futures.WsAllMarketTickerServe(r.handleTickerEvents, func(err error) {
			log.WithError(err).Warn("ticker stream error")
		})
		if err != nil {
			log.WithError(err).Warn("failed to connect to binance ticker stream")
			if waitForReconnect(r.ctx, reconnect) {
				return
			}
			continue
		}

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("binance ticker stream ended, reconnecting")
		}

		if waitForReconnect(r.ctx, reconnect) {
			return
		}
	}
}

func (r *BinanceReader) runMarkPriceStream() {
	defer r.wg.Done()

	log := r.log.WithComponent("binance_feed").WithFields(logger.Fields{"stream": "mark_price"})
	reconnect := r.config.Feed.Binance.ReconnectDelay

	for {
		if r.ctx.Err() != nil {
			return
		}

		doneC, stopC, err := futures.WsAllMarkPriceServe(r.handleMarkPriceEvents, func(err error) {
			log.WithError(err).Warn("mark price stream error")
		})
		if err != nil {
			log.WithError(err).Warn("failed to connect to binance mark price stream")
			if waitForReconnect(r.ctx, reconnect) {
				return
			}
			continue
		}

		select {
		case <-r.ctx.Done():
			close(stopC)
			<-doneC
			return
		case <-doneC:
			log.Warn("binance mark price stream ended, reconnecting")
		}

		if waitForReconnect(r.ctx, reconnect) {
			return
		}
	}
}

func (r *BinanceReader) handleTickerEvents(events futures.WsAllMarketTickerEvent) {
	for _, event := range events {
		if event == nil || !r.accepts(event.Symbol) {
			continue
		}

		midPrice, err := strconv.ParseFloat(event.ClosePrice, 64)
		if err != nil {
			r.recordParseError("close_price", event.Symbol, err)
			continue
		}
		prevDayPrice, err := strconv.ParseFloat(event.OpenPrice, 64)
		if err != nil {
			r.recordParseError("open_price", event.Symbol, err)
			continue
		}
		changePct, err := strconv.ParseFloat(event.PriceChangePercent, 64)
		if err != nil {
			r.recordParseError("price_change_percent", event.Symbol, err)
			continue
		}
		volume, err := strconv.ParseFloat(event.QuoteVolume, 64)
		if err != nil {
			r.recordParseError("quote_volume", event.Symbol, err)
			continue
		}

		if midPrice == 0 {
			continue
		}

		r.merge(event.Symbol, time.UnixMilli(event.Time), func(s *models.CoinSnapshot) {
			s.MidPrice = midPrice
			s.PrevDayPrice = prevDayPrice
			s.DayChangePct = changePct
			s.Volume24h = volume
		})
	}
}

func (r *BinanceReader) handleMarkPriceEvents(events futures.WsAllMarkPriceEvent) {
	for _, event := range events {
		if event == nil || !r.accepts(event.Symbol) {
			continue
		}

		markPrice, err := strconv.ParseFloat(event.MarkPrice, 64)
		if err != nil {
			r.recordParseError("mark_price", event.Symbol, err)
			continue
		}
		fundingRate, err := strconv.ParseFloat(event.FundingRate, 64)
		if err != nil {
			r.recordParseError("funding_rate", event.Symbol, err)
			continue
		}

		r.merge(event.Symbol, time.UnixMilli(event.Time), func(s *models.CoinSnapshot) {
			s.MarkPrice = markPrice
			s.FundingRate = fundingRate
		})
	}
}

// accepts reports whether a symbol belongs to this feed's universe: either it
// is listed explicitly, or it matches the quote filter when no list is given.
func (r *BinanceReader) accepts(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	if len(r.symbols) > 0 {
		_, ok := r.symbols[symbol]
		return ok
	}
	if quote := r.config.Feed.Binance.QuoteFilter; quote != "" {
		return strings.HasSuffix(symbol, strings.ToUpper(quote))
	}
	return true
}

// merge applies a partial update to the symbol's record and emits the merged
// snapshot as a tick.
func (r *BinanceReader) merge(symbol string, at time.Time, update func(*models.CoinSnapshot)) {
	symbol = strings.ToUpper(symbol)
	if at.IsZero() || at.Unix() <= 0 {
		at = time.Now().UTC()
	}

	r.mu.Lock()
	st, ok := r.state[symbol]
	if !ok {
		st = &symbolState{snapshot: models.CoinSnapshot{Symbol: symbol}}
		r.state[symbol] = st
	}
	update(&st.snapshot)
	st.lastSeen = at
	snapshot := st.snapshot
	r.eventsReceived++
	r.mu.Unlock()

	tick := models.Tick{
		Symbol:    symbol,
		Snapshot:  snapshot,
		Source:    sourceName,
		Timestamp: at,
	}

	if r.channels.SendTick(r.ctx, tick) {
		metrics.IncrementTicksIngested(sourceName)
	} else if r.ctx.Err() == nil {
		r.log.WithComponent("binance_feed").WithFields(logger.Fields{
			"symbol": symbol,
		}).Debug("dropping tick due to backpressure")
	}
}

// openInterestPoller refreshes open interest for known symbols over REST. The
// limiter keeps the request rate inside the configured budget so the poller
// never burns exchange weight needed elsewhere.
func (r *BinanceReader) openInterestPoller() {
	defer r.wg.Done()

	oiCfg := r.config.Feed.Binance.OpenInterest
	log := r.log.WithComponent("binance_feed").WithFields(logger.Fields{"worker": "open_interest"})

	ticker := time.NewTicker(oiCfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.pollOpenInterest(log)
		}
	}
}

func (r *BinanceReader) pollOpenInterest(log *logger.Entry) {
	r.mu.RLock()
	symbols := make([]string, 0, len(r.state))
	for s := range r.state {
		symbols = append(symbols, s)
	}
	r.mu.RUnlock()

	for _, symbol := range symbols {
		if err := r.limiter.Wait(r.ctx); err != nil {
			return
		}

		res, err := r.client.NewGetOpenInterestService().Symbol(symbol).Do(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				return
			}
			log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("open interest request failed")
			continue
		}

		value, err := strconv.ParseFloat(res.OpenInterest, 64)
		if err != nil {
			r.recordParseError("open_interest", symbol, err)
			continue
		}

		r.merge(symbol, time.UnixMilli(res.Time), func(s *models.CoinSnapshot) {
			s.OpenInterest = value
		})
	}
}

// delistSweeper drops symbols the upstream stopped reporting. The all-market
// ticker re-announces every active symbol, so prolonged silence means the
// contract was delisted.
func (r *BinanceReader) delistSweeper() {
	defer r.wg.Done()

	after := r.config.Feed.Binance.DelistAfter
	log := r.log.WithComponent("binance_feed").WithFields(logger.Fields{"worker": "delist_sweeper"})

	ticker := time.NewTicker(after / 2)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepDelisted(after, log)
		}
	}
}

func (r *BinanceReader) sweepDelisted(after time.Duration, log *logger.Entry) {
	now := time.Now().UTC()

	r.mu.Lock()
	var dropped []string
	for symbol, st := range r.state {
		if now.Sub(st.lastSeen) >= after {
			delete(r.state, symbol)
			dropped = append(dropped, symbol)
		}
	}
	r.mu.Unlock()

	for _, symbol := range dropped {
		log.WithFields(logger.Fields{"symbol": symbol}).Info("delisting stale symbol")
		r.channels.SendTick(r.ctx, models.Tick{
			Symbol:    symbol,
			Delisted:  true,
			Source:    sourceName,
			Timestamp: now,
		})
	}
}

func (r *BinanceReader) recordParseError(field, symbol string, err error) {
	r.mu.Lock()
	r.errorsCount++
	r.mu.Unlock()

	r.log.WithComponent("binance_feed").WithError(err).WithFields(logger.Fields{
		"field":  field,
		"symbol": symbol,
	}).Debug("failed to parse feed value")
}

func (r *BinanceReader) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportMetrics()
		}
	}
}

func (r *BinanceReader) reportMetrics() {
	r.mu.RLock()
	eventsReceived := r.eventsReceived
	errorsCount := r.errorsCount
	trackedSymbols := len(r.state)
	r.mu.RUnlock()

	r.log.LogMetric("binance_feed", "events_received", eventsReceived, "counter", logger.Fields{})
	r.log.LogMetric("binance_feed", "errors_count", errorsCount, "counter", logger.Fields{})
	r.log.LogMetric("binance_feed", "tracked_symbols", trackedSymbols, "gauge", logger.Fields{})

	r.log.WithComponent("binance_feed").WithFields(logger.Fields{
		"events_received": eventsReceived,
		"errors_count":    errorsCount,
		"tracked_symbols": trackedSymbols,
	}).Info("binance feed metrics")
}

func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = 5 * time.Second
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
