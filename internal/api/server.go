// Package api exposes the operator actions over HTTP
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"copytrade/internal/core"
	"copytrade/internal/events"
	"copytrade/internal/infrastructure/health"
	"copytrade/internal/operator"
	"copytrade/internal/trading/reconcile"

	"github.com/gin-gonic/gin"
)

// Reconciler is the part of the reconciliation loop the API drives
type Reconciler interface {
	GetStatus() reconcile.Status
	TriggerManual(ctx context.Context) (reconcile.Status, error)
}

// Options configures the operator API
type Options struct {
	Port int
	// StreamOrigins lists browser origins allowed on the event stream
	StreamOrigins    []string
	MaxStreamClients int
}

// Server wires HTTP endpoints around the operator service
type Server struct {
	router     *gin.Engine
	operator   *operator.Service
	reconciler Reconciler
	health     *health.HealthManager
	auth       *APIKeyValidator
	stream     *streamer
	port       int
	logger     core.ILogger
	srv        *http.Server
}

// NewServer builds the router. Every route but /health requires an API key.
// A nil hub disables the event stream.
func NewServer(opts Options, op *operator.Service, rec Reconciler, hm *health.HealthManager, hub *events.Hub, auth *APIKeyValidator, logger core.ILogger) *Server {
	r := gin.New()
	log := logger.WithField("component", "api")

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(log))

	s := &Server{
		router:     r,
		operator:   op,
		reconciler: rec,
		health:     hm,
		auth:       auth,
		port:       opts.Port,
		logger:     log,
	}
	if hub != nil {
		s.stream = newStreamer(s, hub, opts.StreamOrigins, opts.MaxStreamClients)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.getHealth)

	api := s.router.Group("/api/v1")
	api.Use(s.auth.Middleware())
	{
		api.GET("/signals", s.listSignals)
		api.POST("/signals", s.openSignal)
		api.GET("/signals/:id", s.getSignal)
		api.POST("/signals/:id/cancel", s.action(s.operator.Cancel))
		api.POST("/signals/:id/close-stop", s.action(s.operator.CloseStop))
		api.POST("/signals/:id/close-targets", s.action(s.operator.CloseTargets))
		api.POST("/signals/:id/rolling-stop", s.action(s.operator.RollingStop))
		api.POST("/signals/:id/targets", s.setTarget)
		api.POST("/signals/:id/stop", s.setStop)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings/limit-balance", s.setLimitBalance)

		api.GET("/accounts/balances", s.getBalances)
		api.GET("/accounts/positions/:symbol", s.getPositions)
		api.GET("/accounts/pnl/:symbol", s.getPnL)

		api.GET("/reconcile/status", s.getReconcileStatus)
		api.POST("/reconcile/trigger", s.triggerReconcile)

		if s.stream != nil {
			api.GET("/events", s.stream.handle)
		}
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting operator API", "port", s.port)
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		s.logger.Info("Stopping operator API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) getHealth(c *gin.Context) {
	status, healthy := s.health.GetStatus(c.Request.Context())
	code := http.StatusOK
	state := "ok"
	if !healthy {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	c.JSON(code, gin.H{"status": state, "components": status})
}
