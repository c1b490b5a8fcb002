package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/fleetroute/fleetroute/config"
	"github.com/fleetroute/fleetroute/delivery/http/handlers"
	httprouter "github.com/fleetroute/fleetroute/delivery/http/router"
	"github.com/fleetroute/fleetroute/domain/entity"
	"github.com/fleetroute/fleetroute/infrastructure/events"
	"github.com/fleetroute/fleetroute/infrastructure/health"
	"github.com/fleetroute/fleetroute/infrastructure/metrics"
	"github.com/fleetroute/fleetroute/infrastructure/middleware"
	"github.com/fleetroute/fleetroute/infrastructure/monitoring"
	"github.com/fleetroute/fleetroute/infrastructure/provision"
	"github.com/fleetroute/fleetroute/infrastructure/registry"
	"github.com/fleetroute/fleetroute/infrastructure/store"
	"github.com/fleetroute/fleetroute/infrastructure/strategy"
	"github.com/fleetroute/fleetroute/usecase"
)

const serviceName = "fleetroute"

// Application wires the registry, routing, health checking, metrics and
// scaling subsystems together and owns their lifecycles.
type Application struct {
	cfg    *config.Config
	logger *zap.Logger

	kv        store.Store
	registry  *registry.Registry
	checker   *health.Checker
	collector *metrics.Collector
	scaler    *usecase.Scaler
	publisher *events.Publisher

	httpServer *http.Server
}

func main() {
	app, err := NewApplication()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize %s: %v\n", serviceName, err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		app.logger.Fatal("Service terminated", zap.Error(err))
	}
	app.logger.Info("Service stopped")
}

// NewApplication builds the full dependency graph from configuration.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	logger.Info("Starting fleetroute",
		zap.String("service", cfg.Service.Name),
		zap.String("environment", cfg.Service.Environment),
		zap.String("strategy", string(cfg.Balancer.Strategy)),
	)

	app := &Application{cfg: cfg, logger: logger}

	// Shared KV store: Redis when configured, in-memory otherwise.
	if cfg.UseRedis {
		app.kv, err = store.NewRedisStore(cfg.Redis, logger)
		if err != nil {
			return nil, err
		}
	} else {
		app.kv = store.NewMemoryStore()
	}

	promRegistry := prometheus.NewRegistry()
	mon := monitoring.New(promRegistry)

	app.publisher = events.New(cfg.Events, logger)
	app.registry = registry.New(cfg.Registry, app.kv, logger)

	strat, err := strategy.New(cfg.Balancer.Strategy)
	if err != nil {
		return nil, err
	}

	router := usecase.NewRouter(cfg.Router, app.registry, strat, app.kv, nil, mon, logger)

	app.checker = health.New(cfg.HealthCheck, app.registry, app.publisher, logger)

	var source metrics.Source
	if cfg.MetricsSourceURL != "" {
		source = metrics.NewHTTPSource(cfg.MetricsSourceURL)
	} else {
		source = fleetSource{registry: app.registry}
	}
	app.collector = metrics.NewCollector(cfg.Collector, source, logger)
	predictor := metrics.NewPredictor(cfg.Predictor, app.collector.Window(), logger)

	var provider provision.Provider
	if cfg.Provisioner.BaseURL != "" {
		provider = provision.NewHTTPProvider(cfg.Provisioner, logger)
	} else {
		provider = provision.NewStaticProvider(logger)
	}

	app.scaler = usecase.NewScaler(cfg.Scaling, app.registry, app.collector.Window(),
		predictor, provider, app.publisher, mon, logger)

	engine := httprouter.New(httprouter.Dependencies{
		Fleet:       handlers.NewFleetHandler(app.registry, router, logger),
		Scaling:     handlers.NewScalingHandler(app.scaler, logger),
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimit, logger),
		Auth:        middleware.NewAuth(cfg.Auth, logger),
		Prometheus:  promRegistry,
		Logger:      logger,
	})

	app.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      engine,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return app, nil
}

// Run starts the background loops and the HTTP server, then blocks until
// shutdown completes.
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.checker.Start(ctx)
	app.collector.Start(ctx)
	app.scaler.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.logger.Info("Operator API listening", zap.String("addr", app.httpServer.Addr))
		if err := app.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return app.shutdown()
	})

	return g.Wait()
}

// shutdown stops components in reverse dependency order.
func (app *Application) shutdown() error {
	app.logger.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.Service.ShutdownTimeout)
	defer cancel()

	err := app.httpServer.Shutdown(ctx)

	app.scaler.Stop()
	app.collector.Stop()
	app.checker.Stop()

	if cerr := app.publisher.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := app.kv.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// fleetSource derives load samples from the registry itself when no
// external metrics endpoint is configured: gauges are averaged over healthy
// instances and connections are summed.
type fleetSource struct {
	registry *registry.Registry
}

func (s fleetSource) Sample(_ context.Context) (sample entity.MetricSample, err error) {
	servers := s.registry.Snapshot()
	if len(servers) == 0 {
		return sample, nil
	}
	var cpu, mem, rt float64
	conns := 0
	for _, srv := range servers {
		cpu += srv.CPU
		mem += srv.Memory
		rt += srv.ResponseTime
		conns += srv.Connections
	}
	n := float64(len(servers))
	sample.CPULoad = cpu / n
	sample.MemoryUsage = mem / n
	sample.ResponseTime = rt / n
	sample.ActiveConnections = conns
	sample.Timestamp = time.Now()
	return sample, nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
