// Package admin exposes the kernel's operational surface over HTTP: queue
// inspection and control, conversation listing, health, and the WebSocket
// monitor feed.
package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tenex/tenex/internal/common/config"
	"github.com/tenex/tenex/internal/common/httpmw"
	"github.com/tenex/tenex/internal/common/logger"
	"github.com/tenex/tenex/internal/conversation/store"
	"github.com/tenex/tenex/internal/kernel"
	"github.com/tenex/tenex/internal/streaming"
)

// Server is the admin HTTP server for one kernel instance.
type Server struct {
	cfg    *config.Config
	kernel *kernel.Kernel
	logger *logger.Logger
	router *gin.Engine
	http   *http.Server

	upgrader websocket.Upgrader
}

// NewServer creates the admin server.
func NewServer(cfg *config.Config, k *kernel.Kernel, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:    cfg,
		kernel: k,
		logger: log.WithFields(zap.String("component", "admin-server")),
		router: gin.New(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local operator surface
			},
		},
	}

	s.router.Use(gin.Recovery())
	s.router.Use(httpmw.RequestLogger(s.logger, "admin"))
	s.router.Use(httpmw.OtelTracing("admin"))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	api := s.router.Group("/api/v1")
	{
		api.GET("/queue", s.handleQueueStatus)
		api.POST("/queue/force-release", s.handleForceRelease)
		api.DELETE("/queue/:conversation_id", s.handleQueueRemove)

		api.GET("/conversations", s.handleConversations)
		api.GET("/conversations/:id", s.handleConversation)
		api.POST("/conversations/:id/archive", s.handleArchive)

		api.GET("/monitor", s.handleMonitorWS)
	}
}

// Router returns the HTTP handler, for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: s.cfg.Server.WriteTimeoutDuration(),
	}
	s.logger.Info("admin server listening", zap.String("addr", addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"project_id": s.cfg.Project.ID,
		"time":       time.Now().Unix(),
	})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.kernel.Queue.Status())
}

func (s *Server) handleForceRelease(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversation_id"`
		Reason         string `json:"reason"`
	}
	// Body is optional; an empty request releases whoever holds the lock.
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "operator"
	}
	released := s.kernel.ForceRelease(req.ConversationID, req.Reason)
	if released == "" {
		c.JSON(http.StatusOK, gin.H{"released": nil, "reason": req.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released, "reason": req.Reason})
}

func (s *Server) handleQueueRemove(c *gin.Context) {
	id := c.Param("conversation_id")
	if err := s.kernel.Queue.Remove(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": id})
}

func (s *Server) handleConversations(c *gin.Context) {
	c.JSON(http.StatusOK, s.kernel.Store.List())
}

func (s *Server) handleConversation(c *gin.Context) {
	conv, err := s.kernel.Store.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleArchive(c *gin.Context) {
	id := c.Param("id")
	if err := s.kernel.Archive(id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": id})
}

// handleMonitorWS upgrades the connection and attaches it to the monitor
// hub. The client steers its subscriptions with JSON commands.
func (s *Server) handleMonitorWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("monitor upgrade failed", zap.Error(err))
		return
	}

	client := streaming.NewClient(uuid.NewString(), conn, s.kernel.Hub, s.logger)
	s.kernel.Hub.Register(client)
	go client.WritePump()
	go client.ReadPump()
}
