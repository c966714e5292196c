package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/flightbus/internal/api/http"
	"github.com/GriffinCanCode/flightbus/internal/api/middleware"
	"github.com/GriffinCanCode/flightbus/internal/api/ws"
	"github.com/GriffinCanCode/flightbus/internal/domain/app"
	"github.com/GriffinCanCode/flightbus/internal/domain/bus"
	"github.com/GriffinCanCode/flightbus/internal/domain/events"
	"github.com/GriffinCanCode/flightbus/internal/domain/msg"
	"github.com/GriffinCanCode/flightbus/internal/domain/report"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/config"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/logging"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/flightbus/internal/infrastructure/tracing"
)

// Server owns the bus runtime and its diagnostics HTTP surface
type Server struct {
	router  *gin.Engine
	http    *http.Server
	bus     *bus.Bus
	apps    *app.Manager
	events  *events.Service
	tracer  *tracing.Tracer
	metrics *monitoring.Metrics
	logger  *logging.Logger
	config  *config.Config
}

// New assembles the runtime from configuration
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.NewDefault()
	}

	logger.Info("Initializing flight bus",
		zap.String("addr", cfg.Server.Addr()),
		zap.Int("max_pipes", cfg.Limits.MaxPipes),
		zap.Int("max_apps", cfg.Limits.MaxApps),
	)

	// Metrics first, the registry and the bus both report into it
	metrics := monitoring.NewMetrics()
	tracer := tracing.New("flightbus", logger.Component("tracing"))

	apps := app.NewManager(cfg.Limits.MaxApps, cfg.Limits.MaxTasks).WithMetrics(metrics)
	breaker := resilience.New("event-publish", resilience.Settings{
		Trip:     cfg.Events.BreakerTrip,
		Cooldown: time.Duration(cfg.Events.BreakerCooldown) * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	evs := events.NewService(logger.Component("events"),
		events.WithTaskNamer(apps),
		events.WithFilters(cfg.Events.Filters),
		events.WithHistory(cfg.Events.History),
		events.WithPublishBreaker(breaker),
	)

	b, err := bus.New(cfg.Limits.Bus(), apps,
		bus.WithLogger(logger.Component("bus")),
		bus.WithEvents(evs),
		bus.WithObserver(metrics),
		bus.WithTracer(tracer),
	)
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}
	apps.OnClose(b.CleanUpApp)

	if cfg.Events.MsgID != 0 {
		evs.SetPublisher(b.EventPublisher(msg.ID(cfg.Events.MsgID)))
		logger.Info("Event messages enabled", zap.Uint32("msg_id", cfg.Events.MsgID))
	}

	if err := metrics.Register(monitoring.NewStatsCollector(b, evs)); err != nil {
		tracer.Close()
		return nil, multierr.Append(fmt.Errorf("failed to register bus collector: %w", err), b.Close())
	}
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "flightbus",
		Subsystem: "tracing",
		Name:      "spans_dropped_total",
		Help:      "Spans discarded because the collector buffer was full",
	}, func() float64 { return float64(tracer.Dropped()) })
	if err := metrics.Register(dropped); err != nil {
		tracer.Close()
		return nil, multierr.Append(fmt.Errorf("failed to register tracing metrics: %w", err), b.Close())
	}

	dumper := report.NewDumper(b, cfg.Reports.Dir, cfg.Reports.Compress, cfg.Reports.MaxLoop, logger.Component("report"))

	s := &Server{
		bus:     b,
		apps:    apps,
		events:  evs,
		tracer:  tracer,
		metrics: metrics,
		logger:  logger,
		config:  cfg,
	}
	s.router = s.buildRouter(apihttp.NewHandlers(apihttp.Deps{
		Bus:     b,
		Apps:    apps,
		Events:  evs,
		Dumper:  dumper,
		Metrics: metrics,
		Logger:  logger,
		MaxLoop: cfg.Reports.MaxLoop,
	}))
	return s, nil
}

func (s *Server) buildRouter(h *apihttp.Handlers) *gin.Engine {
	if !s.config.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(s.metrics))

	corsCfg := middleware.DefaultCORSConfig()
	if len(s.config.Server.CORSOrigins) > 0 {
		corsCfg.AllowOrigins = s.config.Server.CORSOrigins
	}
	router.Use(middleware.CORS(corsCfg))

	if s.config.RateLimit.Enabled {
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = s.config.RateLimit.RequestsPerSecond
		rl.Burst = s.config.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
		s.logger.Info("Rate limiting enabled",
			zap.Int("rps", rl.RequestsPerSecond),
			zap.Int("burst", rl.Burst),
		)
	}

	router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	router.GET("/stream", ws.NewHandler(s.events, s.metrics, s.logger.Component("ws")).HandleConnection)
	h.Register(router)
	return router
}

// Bus returns the software bus
func (s *Server) Bus() *bus.Bus { return s.bus }

// Apps returns the application registry
func (s *Server) Apps() *app.Manager { return s.apps }

// Events returns the event service
func (s *Server) Events() *events.Service { return s.events }

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler { return s.router }

// Run serves HTTP until ctx is cancelled, then shuts down gracefully. With
// the server disabled it just waits for ctx.
func (s *Server) Run(ctx context.Context) error {
	if !s.config.Server.Enabled {
		s.logger.Info("Diagnostics server disabled")
		<-ctx.Done()
		return nil
	}

	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves HTTP on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	grace := time.Duration(s.config.Server.ShutdownSeconds) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	return <-errCh
}

// Close tears the runtime down: apps first so their cleanup hooks run, then
// the bus itself.
func (s *Server) Close() error {
	s.logger.Info("Shutting down flight bus...")

	err := s.apps.CloseAll()
	err = multierr.Append(err, s.bus.Close())
	s.tracer.Close()

	if err != nil {
		s.logger.Error("Shutdown completed with errors", zap.Error(err))
	}
	// stdout sync fails on some platforms
	_ = s.logger.Sync()
	return err
}
