package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketstream/logger"
	"marketstream/models"
)

// Session lifecycle states. Transitions only move forward: a closed session is
// never reused.
const (
	StateConnecting int32 = iota
	StateOpen
	StateClosing
	StateClosed
)

const maxInboundFrameSize = 512

// Session is one subscriber connection. The hub owns the send queue: it is the
// only goroutine that enqueues snapshot frames and the only one that closes the
// queue, so the write pump can treat a closed queue as the shutdown signal.
type Session struct {
	ID  string
	hub *Hub

	conn  *websocket.Conn
	send  chan []byte
	pongC chan struct{}

	state    atomic.Int32
	lastRecv atomic.Int64

	closeOnce sync.Once
	log       *logger.Entry
}

func newSession(hub *Hub, conn *websocket.Conn) *Session {
	id := uuid.New().String()
	s := &Session{
		ID:    id,
		hub:   hub,
		conn:  conn,
		send:  make(chan []byte, hub.config.Server.SendQueueSize),
		pongC: make(chan struct{}, 1),
		log: logger.GetLogger().WithComponent("stream_session").WithFields(logger.Fields{
			"session_id": id,
		}),
	}
	s.state.Store(StateConnecting)
	s.touch()
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() int32 {
	return s.state.Load()
}

// StateName renders the lifecycle state for logs.
func (s *Session) StateName() string {
	switch s.state.Load() {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// touch records inbound activity for the idle reaper.
func (s *Session) touch() {
	s.lastRecv.Store(time.Now().UnixNano())
}

// idleSince reports how long the session has been silent.
func (s *Session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, s.lastRecv.Load()))
}

// readPump consumes inbound frames. Every frame counts as activity; a bare
// heartbeat payload additionally triggers a pong reply. Any read error ends
// the session.
func (s *Session) readPump() {
	defer func() {
		s.hub.Unregister(s)
		s.closeConn()
	}()

	s.conn.SetReadLimit(maxInboundFrameSize)

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.WithError(err).Debug("session read failed")
			}
			return
		}

		s.touch()

		if string(payload) == models.HeartbeatPayload {
			select {
			case s.pongC <- struct{}{}:
			default:
			}
		}
	}
}

// writePump serializes all outbound writes. It drains the send queue and the
// pong signal until the hub closes the queue or a write fails.
func (s *Session) writePump() {
	defer s.closeConn()

	pong, err := json.Marshal(models.PongMessage{Type: models.MessageTypePong})
	if err != nil {
		s.log.WithError(err).Error("failed to marshal pong payload")
		return
	}

	writeTimeout := s.hub.config.Server.WriteTimeout

	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				s.state.Store(StateClosing)
				s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.log.WithError(err).Debug("session write failed")
				return
			}
			logger.IncrementFramePublished(len(frame))
		case <-s.pongC:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, pong); err != nil {
				s.log.WithError(err).Debug("session pong write failed")
				return
			}
		}
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		s.state.Store(StateClosed)
		s.conn.Close()
	})
}
