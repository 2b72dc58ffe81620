package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"launchpad/agent/internal/logger"
	"launchpad/agent/internal/runtime"
)

const defaultHistoryLimit = 20

// Controller is the part of the runner the API exposes.
type Controller interface {
	Status() runtime.Status
	Results(n int) []runtime.ExecutionResult
	Pause()
	Resume()
	Stop()
}

type Server struct {
	addr   string
	ctrl   Controller
	hub    *Hub
	router *gin.Engine
}

func NewServer(addr string, ctrl Controller, hub *Hub) (*Server, error) {
	if ctrl == nil {
		return nil, errors.New("api: controller is required")
	}
	if hub == nil {
		hub = NewHub()
	}
	if addr == "" {
		addr = "127.0.0.1:8787"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{addr: addr, ctrl: ctrl, hub: hub, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	v1 := s.router.Group("/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/history", s.handleHistory)
	v1.POST("/pause", s.handlePause)
	v1.POST("/resume", s.handleResume)
	v1.POST("/stop", s.handleStop)
	v1.GET("/stream", s.handleStream)
}

func (s *Server) handleHealth(c *gin.Context) {
	st := s.ctrl.Status()
	c.JSON(http.StatusOK, gin.H{"ok": true, "running": st.Running, "phase": st.Phase})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	c.JSON(http.StatusOK, gin.H{"results": s.ctrl.Results(limit)})
}

func (s *Server) handlePause(c *gin.Context) {
	s.ctrl.Pause()
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleResume(c *gin.Context) {
	s.ctrl.Resume()
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStop(c *gin.Context) {
	s.ctrl.Stop()
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleStream(c *gin.Context) {
	s.hub.Serve(c.Writer, c.Request)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[api] listening on %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.hub.Close()
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
