package stream

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	appconfig "marketstream/config"
	"marketstream/internal/metrics"
	"marketstream/internal/ranking"
	"marketstream/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server hosts the streaming endpoint and the ops surface on one listener.
type Server struct {
	config  *appconfig.Config
	hub     *Hub
	engine  *ranking.Engine
	router  *gin.Engine
	srv     *http.Server
	started time.Time
	log     *logger.Log
}

func NewServer(cfg *appconfig.Config, hub *Hub, engine *ranking.Engine) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:  cfg,
		hub:     hub,
		engine:  engine,
		router:  router,
		started: time.Now(),
		log:     logger.GetLogger(),
	}

	router.GET(cfg.Server.StreamPath, s.handleStream)
	router.GET("/healthz", s.handleHealth)
	router.GET("/api/status", s.handleStatus)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	s.srv = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: router,
	}

	return s
}

// Run serves until the context is cancelled, then drains with a bounded
// shutdown window.
func (s *Server) Run(ctx context.Context) error {
	log := s.log.WithComponent("stream_server")

	errC := make(chan error, 1)
	go func() {
		log.WithFields(logger.Fields{
			"address":     s.config.Server.Address,
			"stream_path": s.config.Server.StreamPath,
		}).Info("stream server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Info("shutting down stream server")
	return s.srv.Shutdown(shutdownCtx)
}

// Handler exposes the router for in-process tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("stream_server").WithError(err).Warn("websocket upgrade failed")
		return
	}

	session := newSession(s.hub, conn)

	go session.writePump()
	go session.readPump()

	s.hub.Register(session)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{
		"service":     s.config.Marketstream.Name,
		"version":     s.config.Marketstream.Version,
		"uptime":      time.Since(s.started).String(),
		"subscribers": s.hub.SubscriberCount(),
		"universe":    s.engine.UniverseSize(),
	}
	if last := s.hub.LastPublish(); !last.IsZero() {
		status["last_publish"] = last.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, status)
}
