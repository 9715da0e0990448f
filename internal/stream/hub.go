package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "marketstream/config"
	"marketstream/internal/cache"
	"marketstream/internal/metrics"
	"marketstream/internal/ranking"
	"marketstream/logger"
	"marketstream/models"
)

// idleMultiplier times the heartbeat interval gives the idle cutoff: a session
// that misses that many consecutive heartbeats is reaped.
const idleMultiplier = 3

// SnapshotSink receives every published snapshot for out-of-band persistence.
type SnapshotSink interface {
	Enqueue(models.SnapshotMessage)
}

// Hub fans published snapshots out to subscriber sessions. A single run
// goroutine owns the session set, the publish ticker and the idle reaper, so
// session add/remove and frame enqueue never race.
type Hub struct {
	config  *appconfig.Config
	engine  *ranking.Engine
	cache   *cache.SnapshotCache
	archive SnapshotSink

	register   chan *Session
	unregister chan *Session
	sessions   map[*Session]struct{}

	// lastFrame is the most recent marshalled snapshot, replayed to new
	// subscribers so they never wait a full cycle for their first frame.
	lastFrame []byte

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	// Metrics
	snapshotsPublished int64
	framesDropped      int64
	subscriberCount    int64
	lastPublish        time.Time
}

func NewHub(cfg *appconfig.Config, engine *ranking.Engine, snapshotCache *cache.SnapshotCache, archive SnapshotSink) *Hub {
	return &Hub{
		config:     cfg,
		engine:     engine,
		cache:      snapshotCache,
		archive:    archive,
		register:   make(chan *Session),
		unregister: make(chan *Session),
		sessions:   make(map[*Session]struct{}),
		wg:         &sync.WaitGroup{},
		log:        logger.GetLogger(),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return fmt.Errorf("stream hub already running")
	}
	h.running = true
	h.ctx = ctx
	h.mu.Unlock()

	log := h.log.WithComponent("stream_hub").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting stream hub")

	h.warmStart(ctx)

	h.wg.Add(1)
	go h.run()

	go h.metricsReporter(ctx)

	log.WithFields(logger.Fields{
		"publish_interval": h.config.Ranking.PublishInterval.String(),
		"send_queue_size":  h.config.Server.SendQueueSize,
	}).Info("stream hub started successfully")
	return nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	h.log.WithComponent("stream_hub").Info("stopping stream hub")
	h.wg.Wait()
	h.log.WithComponent("stream_hub").Info("stream hub stopped")
}

// warmStart seeds the replay frame from the cache so the first subscriber
// after a restart gets data immediately.
func (h *Hub) warmStart(ctx context.Context) {
	if h.cache == nil {
		return
	}

	loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	msg, err := h.cache.Load(loadCtx)
	if err != nil {
		h.log.WithComponent("stream_hub").WithError(err).Debug("no cached snapshot for warm start")
		return
	}

	frame, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.lastFrame = frame
	h.log.WithComponent("stream_hub").WithFields(logger.Fields{
		"total_coins": msg.Data.TotalCoins,
	}).Info("warm started from cached snapshot")
}

// Register hands a session to the hub. The session's pumps must already be
// running so the initial frame replay is consumed.
func (h *Hub) Register(s *Session) {
	select {
	case h.register <- s:
	case <-h.ctx.Done():
		s.closeConn()
	}
}

func (h *Hub) Unregister(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.ctx.Done():
	}
}

// SubscriberCount reports the number of attached sessions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int(h.subscriberCount)
}

// LastPublish reports when the most recent broadcast cycle completed. Zero
// until the first cycle.
func (h *Hub) LastPublish() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastPublish
}

func (h *Hub) run() {
	defer h.wg.Done()

	log := h.log.WithComponent("stream_hub").WithFields(logger.Fields{"worker": "fanout"})

	publishTicker := time.NewTicker(h.config.Ranking.PublishInterval)
	defer publishTicker.Stop()

	reapTicker := time.NewTicker(h.config.Server.HeartbeatInterval)
	defer reapTicker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			for s := range h.sessions {
				h.detach(s)
			}
			log.Info("fanout worker stopped due to context cancellation")
			return

		case s := <-h.register:
			h.sessions[s] = struct{}{}
			s.state.Store(StateOpen)
			h.setSubscriberCount(len(h.sessions))
			if h.lastFrame != nil {
				h.enqueue(s, h.lastFrame)
			}
			s.log.WithFields(logger.Fields{
				"subscribers": len(h.sessions),
				"state":       s.StateName(),
			}).Info("session registered")

		case s := <-h.unregister:
			if _, ok := h.sessions[s]; ok {
				h.detach(s)
				h.setSubscriberCount(len(h.sessions))
				s.log.WithFields(logger.Fields{"subscribers": len(h.sessions)}).Info("session unregistered")
			}

		case <-publishTicker.C:
			h.publish(log)

		case now := <-reapTicker.C:
			h.reapIdle(now, log)
		}
	}
}

// publish recomputes the ranked view, marshals it once and fans the frame out
// to every session.
func (h *Hub) publish(log *logger.Entry) {
	view := h.engine.View()
	msg := models.NewSnapshotMessage(view, time.Now())

	frame, err := json.Marshal(msg)
	if err != nil {
		log.WithError(err).Error("failed to marshal snapshot")
		return
	}

	h.lastFrame = frame

	for s := range h.sessions {
		h.enqueue(s, frame)
	}

	h.mu.Lock()
	h.snapshotsPublished++
	h.lastPublish = time.Now()
	h.mu.Unlock()
	metrics.IncrementSnapshotsPublished()

	h.cache.Store(h.ctx, msg)
	if h.archive != nil {
		h.archive.Enqueue(msg)
	}
}

// enqueue delivers a frame to one session with keep-latest semantics: when the
// queue is full the oldest queued frame is evicted so a slow subscriber always
// converges on the newest snapshot instead of falling further behind.
func (h *Hub) enqueue(s *Session, frame []byte) {
	select {
	case s.send <- frame:
		return
	default:
	}

	select {
	case <-s.send:
		h.mu.Lock()
		h.framesDropped++
		h.mu.Unlock()
		metrics.IncrementFramesDropped("backpressure")
	default:
	}

	select {
	case s.send <- frame:
	default:
	}
}

// reapIdle detaches sessions that missed idleMultiplier consecutive
// heartbeats.
func (h *Hub) reapIdle(now time.Time, log *logger.Entry) {
	cutoff := time.Duration(idleMultiplier) * h.config.Server.HeartbeatInterval

	for s := range h.sessions {
		if s.idleSince(now) >= cutoff {
			log.WithFields(logger.Fields{
				"session_id": s.ID,
				"idle":       s.idleSince(now).String(),
			}).Warn("reaping idle session")
			h.detach(s)
		}
	}
	h.setSubscriberCount(len(h.sessions))
}

// detach removes a session and closes its queue. Only the run goroutine calls
// this, which is what makes closing the queue safe.
func (h *Hub) detach(s *Session) {
	if _, ok := h.sessions[s]; !ok {
		return
	}
	delete(h.sessions, s)
	s.state.Store(StateClosing)
	close(s.send)
}

func (h *Hub) setSubscriberCount(n int) {
	h.mu.Lock()
	h.subscriberCount = int64(n)
	h.mu.Unlock()
	metrics.SetSubscribers(n)
}

func (h *Hub) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.reportMetrics()
		}
	}
}

func (h *Hub) reportMetrics() {
	h.mu.RLock()
	snapshotsPublished := h.snapshotsPublished
	framesDropped := h.framesDropped
	subscriberCount := h.subscriberCount
	h.mu.RUnlock()

	h.log.LogMetric("stream_hub", "snapshots_published", snapshotsPublished, "counter", logger.Fields{})
	h.log.LogMetric("stream_hub", "frames_dropped", framesDropped, "counter", logger.Fields{})
	h.log.LogMetric("stream_hub", "subscribers", subscriberCount, "gauge", logger.Fields{})

	h.log.WithComponent("stream_hub").WithFields(logger.Fields{
		"snapshots_published": snapshotsPublished,
		"frames_dropped":      framesDropped,
		"subscribers":         subscriberCount,
	}).Info("stream hub metrics")
}
