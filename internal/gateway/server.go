// Package gateway assembles the data plane and the ops plane into a
// runnable server.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finsight/gateway/internal/cache"
	"github.com/finsight/gateway/internal/circuitbreaker"
	"github.com/finsight/gateway/internal/config"
	"github.com/finsight/gateway/internal/dispatch"
	"github.com/finsight/gateway/internal/health"
	"github.com/finsight/gateway/internal/middleware"
	"github.com/finsight/gateway/internal/observability"
	"github.com/finsight/gateway/internal/pool"
	"github.com/finsight/gateway/internal/registry"
)

// Server runs the proxy listener and the ops listener side by side.
// The data plane serves proxied traffic; the ops plane serves health,
// status, and metrics on a separate port so operational probes never
// compete with user requests.
type Server struct {
	cfg      *config.GatewayConfig
	logger   observability.Logger
	registry *registry.Registry
	monitor  *health.Monitor
	store    cache.Cache
	tracer   *observability.Tracer

	dataSrv *http.Server
	opsSrv  *http.Server
}

// New wires all components from the configuration.
func New(cfg *config.GatewayConfig, logger observability.Logger) (*Server, error) {
	reg := registry.New(cfg.Services)
	pm := pool.NewManager(cfg.Pool)
	breakers := circuitbreaker.NewRegistry()

	var store cache.Cache
	if cfg.Cache.Enabled {
		local := cache.NewMemoryCache(cfg.Cache.MaxEntries)
		var primary cache.Cache
		if cfg.Cache.RedisURL != "" {
			rc, err := cache.NewRedisCache(cfg.Cache.RedisURL,
				cache.WithKeyPrefix(cfg.Cache.KeyPrefix),
				cache.WithTTLJitter(cfg.Cache.TTLJitter),
			)
			if err != nil {
				return nil, fmt.Errorf("cache: %w", err)
			}
			primary = rc
		}
		store = cache.NewTiered(primary, local)
	}

	dispatchOpts := []dispatch.Option{dispatch.WithLogger(logger)}
	if store != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithCache(store))
	}
	dispatcher := dispatch.New(reg, pm, breakers, cfg.Retry, dispatchOpts...)

	monitor := health.NewMonitor(reg, cfg.Health,
		health.WithMonitorLogger(logger),
	)

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	mws := []middleware.Middleware{
		middleware.Recovery(logger),
		middleware.RequestID(),
	}
	if cfg.Tracing.Enabled {
		mws = append(mws, middleware.Tracing(tracer))
	}
	mws = append(mws, middleware.AccessLog(logger))
	if cfg.RateLimit != nil && cfg.RateLimit.Enabled {
		mws = append(mws, middleware.RateLimit(*cfg.RateLimit))
	}
	if cfg.CORS != nil {
		mws = append(mws, middleware.CORS(*cfg.CORS))
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		monitor:  monitor,
		store:    store,
		tracer:   tracer,
		dataSrv: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port),
			Handler:      middleware.Chain(dispatcher, mws...),
			ReadTimeout:  cfg.Gateway.ReadTimeout.Duration(),
			WriteTimeout: cfg.Gateway.WriteTimeout.Duration(),
			IdleTimeout:  cfg.Gateway.IdleTimeout.Duration(),
		},
		opsSrv: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.OpsPort),
			Handler: opsRouter(reg, monitor, breakers),
		},
	}
	return s, nil
}

func opsRouter(reg *registry.Registry, monitor *health.Monitor, breakers *circuitbreaker.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	health.NewHandler(reg, monitor, breakers).Register(r)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Start begins serving on both listeners and blocks until one of them
// fails or Stop is called.
func (s *Server) Start() error {
	s.monitor.Start()

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("data plane listening",
			observability.String("addr", s.dataSrv.Addr))
		errCh <- s.dataSrv.ListenAndServe()
	}()
	go func() {
		s.logger.Info("ops plane listening",
			observability.String("addr", s.opsSrv.Addr))
		errCh <- s.opsSrv.ListenAndServe()
	}()

	err := <-errCh
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop drains in-flight requests and shuts everything down.
func (s *Server) Stop(ctx context.Context) error {
	s.monitor.Stop()

	var firstErr error
	if err := s.dataSrv.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.opsSrv.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.tracer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Reload swaps the routing table for the new configuration. Listener
// addresses and pool sizing are fixed for the process lifetime; a
// change to those requires a restart.
func (s *Server) Reload(cfg *config.GatewayConfig) {
	s.registry.Load(cfg.Services)
	s.logger.Info("routing table reloaded",
		observability.Int("services", len(cfg.Services)))
}
