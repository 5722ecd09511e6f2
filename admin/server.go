package admin

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-cache/types"
	"github.com/saiset-co/sai-cache/utils"
)

type ServerState int32

const (
	ServerStateStopped ServerState = iota
	ServerStateStarting
	ServerStateRunning
	ServerStateStopping
)

type registryProvider interface {
	Registry() *prometheus.Registry
}

// Server exposes the local diagnostic surface: health report, cache
// statistics with their evaluation, and the metrics exposition. Bound
// to localhost by default; it is not a public API.
type Server struct {
	ctx     context.Context
	logger  types.Logger
	config  *types.AdminConfig
	store   types.EntryStore
	health  types.HealthMonitor
	metrics types.MetricsManager

	server         *fasthttp.Server
	metricsHandler fasthttp.RequestHandler
	state          atomic.Value
}

func NewServer(ctx context.Context, logger types.Logger, config *types.AdminConfig, store types.EntryStore, health types.HealthMonitor, metrics types.MetricsManager) *Server {
	s := &Server{
		ctx:     ctx,
		logger:  logger,
		config:  config,
		store:   store,
		health:  health,
		metrics: metrics,
	}

	if provider, ok := metrics.(registryProvider); ok {
		promHandler := promhttp.HandlerFor(provider.Registry(), promhttp.HandlerOpts{})
		s.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(promHandler)
	}

	s.server = &fasthttp.Server{
		Handler:      s.route,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		Name:         "sai-cache-admin",
	}

	s.state.Store(ServerStateStopped)
	return s
}

func (s *Server) Start() error {
	if s.config == nil || !s.config.Enabled {
		return types.ErrServerNotRunning
	}

	if !s.transitionState(ServerStateStopped, ServerStateStarting) {
		return types.ErrServerAlreadyRunning
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	go func() {
		if err := s.server.ListenAndServe(addr); err != nil {
			if s.getState() != ServerStateStopping && s.getState() != ServerStateStopped {
				s.logger.Error("Admin server failed", zap.Error(err))
				s.setState(ServerStateStopped)
			}
		}
	}()

	s.setState(ServerStateRunning)
	s.logger.Info("Admin server started", zap.String("addr", addr))
	return nil
}

func (s *Server) Stop() error {
	if !s.transitionState(ServerStateRunning, ServerStateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		s.setState(ServerStateStopped)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.ShutdownWithContext(ctx); err != nil {
		return types.WrapError(err, "failed to shut down admin server")
	}

	s.logger.Info("Admin server stopped gracefully")
	return nil
}

func (s *Server) IsRunning() bool {
	return s.getState() == ServerStateRunning
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	if string(ctx.Method()) != fasthttp.MethodGet {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	switch string(ctx.Path()) {
	case "/health":
		s.handleHealth(ctx)
	case "/stats":
		s.handleStats(ctx)
	case "/metrics":
		s.handleMetrics(ctx)
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	report := s.health.Check(ctx)

	data, err := utils.Marshal(report)
	if err != nil {
		s.fail(ctx, "Failed to encode health report", err)
		return
	}

	statusCode := fasthttp.StatusOK
	if report.Status == types.StatusUnhealthy {
		statusCode = fasthttp.StatusServiceUnavailable
	}

	s.writeJSON(ctx, statusCode, data)
}

func (s *Server) handleStats(ctx *fasthttp.RequestCtx) {
	stats := s.store.Stats()
	evaluation := s.health.Evaluate(stats)

	response := struct {
		Stats      types.CacheStatistics `json:"stats"`
		Evaluation types.Evaluation      `json:"evaluation"`
	}{
		Stats:      stats,
		Evaluation: evaluation,
	}

	data, err := utils.Marshal(response)
	if err != nil {
		s.fail(ctx, "Failed to encode statistics", err)
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, data)
}

func (s *Server) handleMetrics(ctx *fasthttp.RequestCtx) {
	if s.metricsHandler != nil {
		s.metricsHandler(ctx)
		return
	}

	// No prometheus registry behind the manager: fall back to the JSON
	// dump.
	data, err := s.metrics.GetMetrics()
	if err != nil {
		s.fail(ctx, "Failed to gather metrics", err)
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, data)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, statusCode int, data []byte) {
	ctx.SetContentType("application/json")
	ctx.SetStatusCode(statusCode)

	if _, err := ctx.Write(data); err != nil {
		s.logger.Error("Failed to write admin response", zap.Error(err))
	}
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, msg string, err error) {
	s.logger.Error(msg, zap.Error(err))
	ctx.Error(http.StatusText(http.StatusInternalServerError), fasthttp.StatusInternalServerError)
}

func (s *Server) getState() ServerState {
	return s.state.Load().(ServerState)
}

func (s *Server) setState(newState ServerState) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Server) transitionState(from, to ServerState) bool {
	return s.state.CompareAndSwap(from, to)
}
