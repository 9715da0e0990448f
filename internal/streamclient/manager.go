package streamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "marketstream/config"
	"marketstream/logger"
	"marketstream/models"
)

// Connection states as reported by State.
const (
	StateDisabled      = "disabled"
	StateConnecting    = "connecting"
	StateConnected     = "connected"
	StateReconnectWait = "reconnect_wait"
)

// FlashDirection marks a price move since the previous snapshot.
type FlashDirection string

const (
	FlashUp   FlashDirection = "up"
	FlashDown FlashDirection = "down"
)

// Update is one consumable view delivered to the subscriber: the latest ranked
// data plus the per-symbol flash markers active at delivery time.
type Update struct {
	View       models.RankedView
	Flashes    map[string]FlashDirection
	ReceivedAt time.Time
}

// streamConn is the slice of the websocket connection the manager uses. Tests
// substitute an in-memory implementation.
type streamConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type dialFunc func(ctx context.Context, url string) (streamConn, error)

type connEvent struct {
	gen     int
	payload []byte
	err     error
}

type command int

const (
	cmdEnable command = iota
	cmdDisable
)

type flashEntry struct {
	direction FlashDirection
	expiresAt time.Time
}

// Manager maintains a subscription to the snapshot stream. A single run
// goroutine owns all connection state: dialing, heartbeats, reconnect backoff
// and flash bookkeeping all happen there, so callers only ever see a coherent
// view. Consecutive failed connects back off exponentially from the initial
// delay up to the cap; a successful connect resets the sequence.
type Manager struct {
	config appconfig.ClientConfig
	dial   dialFunc

	cmds    chan command
	events  chan connEvent
	updates chan Update

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	// Shared snapshots of loop state, guarded by mu.
	state    string
	lastView models.RankedView
	hasView  bool

	// Loop-owned state, touched only by the run goroutine.
	enabled    bool
	conn       streamConn
	gen        int
	attempt    int
	reconnectC <-chan time.Time
	heartbeat  *time.Ticker
	prevPrices map[string]float64
	flashes    map[string]flashEntry
}

func NewManager(cfg appconfig.ClientConfig) *Manager {
	return &Manager{
		config:     cfg,
		dial:       gorillaDial,
		cmds:       make(chan command, 4),
		events:     make(chan connEvent, 16),
		updates:    make(chan Update, 1),
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
		state:      StateDisabled,
		prevPrices: make(map[string]float64),
		flashes:    make(map[string]flashEntry),
	}
}

func gorillaDial(ctx context.Context, url string) (streamConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("stream client already running")
	}
	m.running = true
	m.ctx = ctx
	m.mu.Unlock()

	log := m.log.WithComponent("stream_client").WithFields(logger.Fields{"operation": "start"})
	log.WithFields(logger.Fields{"url": m.config.URL}).Info("starting stream client")

	m.wg.Add(1)
	go m.run()

	if m.config.Enabled {
		m.Enable()
	}

	log.Info("stream client started successfully")
	return nil
}

func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	m.log.WithComponent("stream_client").Info("stopping stream client")
	m.wg.Wait()
	m.log.WithComponent("stream_client").Info("stream client stopped")
}

// Enable requests a live subscription. Calling it while already enabled is a
// no-op.
func (m *Manager) Enable() {
	select {
	case m.cmds <- cmdEnable:
	case <-m.ctx.Done():
	}
}

// Disable drops the subscription and cancels any pending reconnect attempt.
func (m *Manager) Disable() {
	select {
	case m.cmds <- cmdDisable:
	case <-m.ctx.Done():
	}
}

// Updates delivers ranked views with keep-latest semantics: a slow consumer
// only ever misses intermediate frames, never the newest one.
func (m *Manager) Updates() <-chan Update {
	return m.updates
}

// State reports the current connection state.
func (m *Manager) State() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// View returns the most recently received ranked view, if any arrived yet.
func (m *Manager) View() (models.RankedView, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastView, m.hasView
}

func (m *Manager) run() {
	defer m.wg.Done()
	defer m.teardown()

	log := m.log.WithComponent("stream_client").WithFields(logger.Fields{"worker": "run_loop"})

	flashSweep := time.NewTicker(sweepInterval(m.config.FlashWindow))
	defer flashSweep.Stop()

	for {
		var heartbeatC <-chan time.Time
		if m.heartbeat != nil {
			heartbeatC = m.heartbeat.C
		}

		select {
		case <-m.ctx.Done():
			return

		case cmd := <-m.cmds:
			switch cmd {
			case cmdEnable:
				if m.enabled {
					continue
				}
				m.enabled = true
				m.attempt = 0
				m.connect(log)
			case cmdDisable:
				m.enabled = false
				m.reconnectC = nil
				m.dropConn()
				m.clearCachedState()
				m.setState(StateDisabled)
				log.Info("subscription disabled")
			}

		case ev := <-m.events:
			if ev.gen != m.gen {
				continue
			}
			if ev.err != nil {
				log.WithError(ev.err).Warn("stream connection lost")
				m.dropConn()
				m.scheduleReconnect(log)
				continue
			}
			m.handleFrame(ev.payload, log)

		case <-m.reconnectC:
			m.reconnectC = nil
			if m.enabled {
				m.connect(log)
			}

		case <-heartbeatC:
			if m.conn == nil {
				continue
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, []byte(models.HeartbeatPayload)); err != nil {
				log.WithError(err).Warn("heartbeat write failed")
				m.dropConn()
				m.scheduleReconnect(log)
			}

		case now := <-flashSweep.C:
			if m.expireFlashes(now) && m.hasView {
				m.publishUpdate(m.lastView, now)
			}
		}
	}
}

func (m *Manager) connect(log *logger.Entry) {
	m.setState(StateConnecting)

	conn, err := m.dial(m.ctx, m.config.URL)
	if err != nil {
		if m.ctx.Err() != nil {
			return
		}
		log.WithError(err).Warn("failed to connect to stream")
		m.scheduleReconnect(log)
		return
	}

	m.conn = conn
	m.gen++
	m.attempt = 0
	m.setState(StateConnected)

	if m.heartbeat != nil {
		m.heartbeat.Stop()
	}
	m.heartbeat = time.NewTicker(m.config.HeartbeatInterval)

	go m.readLoop(m.gen, conn)

	log.Info("stream connected")
}

func (m *Manager) readLoop(gen int, conn streamConn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			select {
			case m.events <- connEvent{gen: gen, err: err}:
			case <-m.ctx.Done():
			}
			return
		}
		select {
		case m.events <- connEvent{gen: gen, payload: payload}:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) scheduleReconnect(log *logger.Entry) {
	if !m.enabled {
		return
	}

	delay := nextReconnectDelay(m.attempt, m.config.InitialReconnectDelay, m.config.MaxReconnectDelay)
	m.attempt++
	m.setState(StateReconnectWait)
	m.reconnectC = time.After(delay)

	log.WithFields(logger.Fields{
		"attempt": m.attempt,
		"delay":   delay.String(),
	}).Info("scheduling reconnect")
}

// handleFrame decodes one inbound frame. Frames that fail to decode are
// dropped without surfacing an error to the consumer.
func (m *Manager) handleFrame(payload []byte, log *logger.Entry) {
	msg, ok := decodeFrame(payload)
	if !ok {
		log.Debug("dropping malformed frame")
		return
	}

	switch msg.Type {
	case models.MessageTypePong:
		// Heartbeat acknowledged, nothing to update.
	case models.MessageTypeTopGainersUpdate:
		now := time.Now()
		m.applyFlashes(msg.Data, now)
		m.publishUpdate(msg.Data, now)
	default:
		log.WithFields(logger.Fields{"type": msg.Type}).Debug("dropping frame of unknown type")
	}
}

// applyFlashes diffs mid prices against the previous snapshot and arms a flash
// marker per moved symbol, expiring after the flash window. Both orderings
// carry the full universe, so scanning gainers then losers covers every
// symbol exactly once.
func (m *Manager) applyFlashes(view models.RankedView, now time.Time) {
	expires := now.Add(m.config.FlashWindow)
	next := make(map[string]float64, len(view.Gainers))

	for _, list := range [][]models.CoinSnapshot{view.Gainers, view.Losers} {
		for _, coin := range list {
			if _, done := next[coin.Symbol]; done {
				continue
			}
			next[coin.Symbol] = coin.MidPrice
			prev, seen := m.prevPrices[coin.Symbol]
			if !seen || prev == coin.MidPrice {
				continue
			}
			direction := FlashUp
			if coin.MidPrice < prev {
				direction = FlashDown
			}
			m.flashes[coin.Symbol] = flashEntry{direction: direction, expiresAt: expires}
		}
	}

	m.prevPrices = next
}

// expireFlashes clears markers past their window. It reports whether anything
// changed.
func (m *Manager) expireFlashes(now time.Time) bool {
	var changed bool
	for symbol, entry := range m.flashes {
		if !now.Before(entry.expiresAt) {
			delete(m.flashes, symbol)
			changed = true
		}
	}
	return changed
}

func (m *Manager) activeFlashes() map[string]FlashDirection {
	out := make(map[string]FlashDirection, len(m.flashes))
	for symbol, entry := range m.flashes {
		out[symbol] = entry.direction
	}
	return out
}

func (m *Manager) publishUpdate(view models.RankedView, now time.Time) {
	m.mu.Lock()
	m.lastView = view
	m.hasView = true
	m.mu.Unlock()

	update := Update{
		View:       view,
		Flashes:    m.activeFlashes(),
		ReceivedAt: now,
	}

	select {
	case m.updates <- update:
		return
	default:
	}
	select {
	case <-m.updates:
	default:
	}
	select {
	case m.updates <- update:
	default:
	}
}

// clearCachedState forgets the delivered view and flash bookkeeping so a later
// re-enable starts from a clean slate.
func (m *Manager) clearCachedState() {
	m.prevPrices = make(map[string]float64)
	m.flashes = make(map[string]flashEntry)

	m.mu.Lock()
	m.lastView = models.RankedView{}
	m.hasView = false
	m.mu.Unlock()
}

func (m *Manager) dropConn() {
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	m.gen++
}

func (m *Manager) teardown() {
	m.dropConn()
	m.setState(StateDisabled)
}

func (m *Manager) setState(state string) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}

// decodeFrame parses a wire frame, reporting failure instead of an error so
// the caller can drop bad input quietly.
func decodeFrame(payload []byte) (models.SnapshotMessage, bool) {
	var msg models.SnapshotMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.SnapshotMessage{}, false
	}
	if msg.Type == "" {
		return models.SnapshotMessage{}, false
	}
	return msg, true
}

// nextReconnectDelay doubles from the initial delay per consecutive failed
// attempt, capped at max. Attempt numbering starts at zero.
func nextReconnectDelay(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		return max
	}
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func sweepInterval(window time.Duration) time.Duration {
	interval := window / 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return interval
}
