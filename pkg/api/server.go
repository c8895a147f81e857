// Package api serves the two HTTP surfaces: the session/execute wire
// protocol over a session manager, and the inference endpoint over a task
// coordinator. Both share one server shape with health and readiness
// probes and graceful drain.
package api

import (
	"context"
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
)

// Server is one HTTP listener: a routing engine plus lifecycle. Build one
// with NewExecutionServer or NewInferenceServer.
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	ready  atomic.Bool
}

func newServer() *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	s := &Server{
		engine: engine,
		srv:    &http.Server{Handler: engine},
	}
	// Construction happens after all dependencies are live, so the server
	// is ready as soon as it exists. Shutdown flips this back.
	s.ready.Store(true)

	engine.GET("/health", s.health)
	engine.GET("/ready", s.readiness)
	return s
}

// Start serves on addr until Shutdown. A graceful shutdown surfaces as
// http.ErrServerClosed, which callers should not treat as a failure.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	return s.srv.ListenAndServe()
}

// Shutdown stops the readiness probe from answering 200, then drains
// in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

// Handler exposes the routing engine, mainly for tests that drive the
// server without a listener.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) readiness(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
