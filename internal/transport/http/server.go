// Package http is the producer surface in front of the engine: it turns
// webhook signals and manual API calls into queued jobs and answers status
// polls. It holds no trading logic; every decision lives behind the queue.
package http

import (
	"context"
	"net/http"
	"time"

	"signaltrader/internal/health"
	"signaltrader/internal/logger"
	"signaltrader/internal/store"
	"signaltrader/internal/vault"
	"signaltrader/internal/worker"

	"github.com/gin-gonic/gin"
)

type Server struct {
	store    *store.Store
	vault    *vault.Vault
	pool     *worker.Pool
	reporter *health.Reporter

	engine *gin.Engine
	srv    *http.Server
}

func NewServer(st *store.Store, vlt *vault.Vault, pool *worker.Pool, reporter *health.Reporter) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:    st,
		vault:    vlt,
		pool:     pool,
		reporter: reporter,
		engine:   gin.New(),
	}
	s.engine.Use(gin.Recovery())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.POST("/webhook/:token", s.handleWebhook)

	api := s.engine.Group("/api")
	api.POST("/orders", s.handleExecuteOrder)
	api.POST("/positions/close", s.handleClosePosition)
	api.GET("/jobs/:id", s.handleJobStatus)
	api.GET("/settings/:user", s.handleGetSettings)
	api.PUT("/settings/:user", s.handleUpdateSettings)
	api.PUT("/credentials/:user", s.handlePutCredentials)

	s.engine.GET("/healthz", s.handleHealth)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) Run(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Infof("http: listening on %s", addr)
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
