/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package app wires all components into a single service unit.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/secureshare/secureshare/httpserver"
	"github.com/secureshare/secureshare/httpserver/middleware"
	"github.com/secureshare/secureshare/internal/buildinfo"
	"github.com/secureshare/secureshare/internal/jobhandlers"
	"github.com/secureshare/secureshare/internal/jobsapi"
	"github.com/secureshare/secureshare/internal/scheduler"
	"github.com/secureshare/secureshare/jobqueue"
	"github.com/secureshare/secureshare/jobqueue/sqlitestore"
	"github.com/secureshare/secureshare/log"
	"github.com/secureshare/secureshare/lrucache"
	"github.com/secureshare/secureshare/profserver"
	"github.com/secureshare/secureshare/ratelimit"
	"github.com/secureshare/secureshare/ratelimit/redisstore"
	"github.com/secureshare/secureshare/restapi"
	"github.com/secureshare/secureshare/service"
)

// ServiceName is used in API URLs and as the metrics namespace.
const ServiceName = "secureshare"

// Health check component names.
const (
	HealthComponentJobQueue       = "jobQueue"
	HealthComponentRateLimitStore = "rateLimitStore"
)

const dispatcherStopMargin = 5 * time.Second

// Opts contains optional parameters for constructing App.
type Opts struct {
	// Clock is passed to the job queue and the handlers. jobqueue.SystemClock by default.
	Clock jobqueue.Clock
	// HTTPServerOpts are passed to httpserver.New, routes and the health check are always set by App.
	HTTPServerOpts httpserver.Opts
}

// App holds all components of the service. It implements service.Unit and service.MetricsRegisterer.
type App struct {
	Logger     log.FieldLogger
	Queue      *jobqueue.Queue
	RateLimits *ratelimit.Registry
	Scheduler  *scheduler.Scheduler
	HTTPServer *httpserver.HTTPServer
	ProfServer *profserver.ProfServer

	handlers  *jobqueue.Registry
	unit      *service.CompositeUnit
	collector metricsCollectors
	pingers   map[string]func(ctx context.Context) error
	closers   []func() error
}

var _ service.Unit = (*App)(nil)
var _ service.MetricsRegisterer = (*App)(nil)

// New creates all components. Jobs left by a previous run in a durable store are recovered here.
// On error, everything created so far is closed.
func New(ctx context.Context, cfg *Config, logger log.FieldLogger, opts Opts) (app *App, err error) {
	app = &App{Logger: logger, pingers: make(map[string]func(ctx context.Context) error)}
	defer func() {
		if err != nil {
			if closeErr := app.close(); closeErr != nil {
				logger.Error("failed to close components", log.Error(closeErr))
			}
			app = nil
		}
	}()
	if opts.Clock == nil {
		opts.Clock = jobqueue.SystemClock{}
	}

	var units []service.Unit

	rateLimitUnits, err := app.initRateLimiting(cfg.RateLimit, logger)
	if err != nil {
		return nil, err
	}
	units = append(units, rateLimitUnits...)

	queueUnits, err := app.initJobQueue(ctx, cfg, logger, opts.Clock)
	if err != nil {
		return nil, err
	}
	units = append(units, queueUnits...)

	if cfg.Scheduler.Enabled {
		if app.Scheduler, err = app.initScheduler(cfg.Scheduler, logger); err != nil {
			return nil, err
		}
		units = append(units, service.NewWorkerUnit(app.Scheduler))
	}

	if app.HTTPServer, err = app.initHTTPServer(cfg, logger, opts.HTTPServerOpts); err != nil {
		return nil, err
	}
	units = append(units, app.HTTPServer)

	if cfg.ProfServer.Enabled {
		app.ProfServer = profserver.New(cfg.ProfServer, logger.With(log.String("component", "profserver")))
		units = append(units, app.ProfServer)
	}
	app.collector.buildInfo = buildinfo.NewPrometheusCollector(ServiceName)
	app.collector.restAPI = restapi.NewPrometheusMetrics(ServiceName)

	app.unit = service.NewCompositeUnit(units...)
	return app, nil
}

func (a *App) initRateLimiting(cfg *ratelimit.Config, logger log.FieldLogger) ([]service.Unit, error) {
	logger = logger.With(log.String("component", "rate-limiter"))
	a.collector.rateLimit = ratelimit.NewPrometheusMetricsWithOpts(ratelimit.PrometheusMetricsOpts{Namespace: ServiceName})

	var store ratelimit.Store
	var units []service.Unit
	switch cfg.Store {
	case ratelimit.StoreTypeRedis:
		redisStore := redisstore.NewFromConfig(cfg.Redis)
		a.closers = append(a.closers, redisStore.Close)
		a.pingers[HealthComponentRateLimitStore] = redisStore.Ping
		store = redisStore
		logger.Info("rate limit counters are kept in Redis", log.String("addr", cfg.Redis.Addr))
	default:
		a.collector.rateLimitCache = lrucache.NewPrometheusMetricsWithOpts(
			lrucache.PrometheusMetricsOpts{Namespace: ServiceName + "_rate_limit"})
		memStore, err := ratelimit.NewMemoryStore(cfg.MaxKeys, a.collector.rateLimitCache, ratelimit.SystemClock{})
		if err != nil {
			return nil, fmt.Errorf("create rate limit memory store: %w", err)
		}
		store = memStore
		evictWorker := service.WorkerFunc(func(ctx context.Context) error {
			if n := memStore.DeleteExpired(ctx); n > 0 {
				logger.Debug("expired rate limit counters removed", log.Int("removed", n))
			}
			return nil
		})
		units = append(units, service.NewWorkerUnit(service.NewPeriodicWorkerWithOpts(
			evictWorker, cfg.CleanupInterval, logger, service.PeriodicWorkerOpts{
				Name: "rate-limit-counters-eviction", InitialDelay: cfg.CleanupInterval,
			})))
	}

	limiter := ratelimit.NewFixedWindowLimiterWithOpts(store, ratelimit.FixedWindowLimiterOpts{
		Metrics: a.collector.rateLimit,
	})
	registry, err := ratelimit.NewRegistryFromConfig(cfg, limiter, ratelimit.RegistryOpts{Metrics: a.collector.rateLimit})
	if err != nil {
		return nil, fmt.Errorf("create rate limit policies: %w", err)
	}
	a.RateLimits = registry
	logger.Info("rate limit policies registered", log.Strings("policies", registry.Names()))
	return units, nil
}

func (a *App) initJobQueue(ctx context.Context, cfg *Config, logger log.FieldLogger, clock jobqueue.Clock) ([]service.Unit, error) {
	qCfg := cfg.JobQueue
	logger = logger.With(log.String("component", "job-queue"))

	queueOpts := qCfg.QueueOpts()
	queueOpts.Clock = clock
	a.collector.jobQueue = jobqueue.NewPrometheusMetricsWithOpts(jobqueue.PrometheusMetricsOpts{Namespace: ServiceName})
	queueOpts.Metrics = a.collector.jobQueue

	switch qCfg.Store {
	case jobqueue.StoreTypeSQLite:
		sqlStore, err := sqlitestore.Open(ctx, qCfg.SQLite.Path, sqlitestore.Opts{
			RetryPolicy: qCfg.SQLite.Retry.Policy(),
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("open job store: %w", err)
		}
		a.closers = append(a.closers, sqlStore.Close)
		a.pingers[HealthComponentJobQueue] = sqlStore.Ping
		queueOpts.Store = sqlStore
		logger.Info("jobs are kept in SQLite", log.String("path", qCfg.SQLite.Path))
	default:
		queueOpts.Store = jobqueue.NewMemoryStore()
	}

	a.handlers = jobqueue.NewRegistry()
	if err := jobhandlers.Register(a.handlers, cfg.JobHandlers, clock, logger); err != nil {
		return nil, fmt.Errorf("register job handlers: %w", err)
	}

	a.Queue = jobqueue.New(a.handlers, logger, queueOpts)
	if err := a.Queue.Recover(ctx); err != nil {
		return nil, fmt.Errorf("recover job queue: %w", err)
	}

	var stopTimeout time.Duration
	if qCfg.JobTimeout > 0 {
		stopTimeout = qCfg.JobTimeout + dispatcherStopMargin
	}
	dispatcher := service.NewWorkerUnitWithOpts(service.WorkerFunc(a.Queue.Run), service.WorkerUnitOpts{
		GracefulStopTimeout: stopTimeout,
	})
	cleanup := service.NewWorkerUnit(jobqueue.NewPeriodicCleanupWorker(a.Queue, qCfg.Cleanup, logger))
	return []service.Unit{dispatcher, cleanup}, nil
}

func (a *App) initScheduler(cfg *scheduler.Config, logger log.FieldLogger) (*scheduler.Scheduler, error) {
	entries := cfg.SchedulerEntries()
	for _, e := range entries {
		if _, err := a.handlers.Get(e.JobType); err != nil {
			return nil, fmt.Errorf("scheduled entry %q: %w", e.Name, err)
		}
	}
	return scheduler.New(entries, a.Queue, logger.With(log.String("component", "scheduler")),
		scheduler.Opts{Location: cfg.Location})
}

func (a *App) initHTTPServer(cfg *Config, logger log.FieldLogger, opts httpserver.Opts) (*httpserver.HTTPServer, error) {
	apiOpts := jobsapi.Opts{
		RateLimits:              a.RateLimits,
		StoreErrorPolicy:        middleware.RateLimitFailClosed,
		DefaultCleanupRetention: cfg.JobQueue.Cleanup.Retention,
	}
	if a.Scheduler != nil {
		apiOpts.Scheduler = a.Scheduler
	}
	api, err := jobsapi.NewHandler(a.Queue, logger, apiOpts)
	if err != nil {
		return nil, err
	}

	opts.ServiceNameInURL = ServiceName
	opts.APIRoutes = map[httpserver.APIVersion]httpserver.APIRoute{1: api.Routes}
	opts.ErrorDomain = jobsapi.ErrorDomain
	opts.HealthCheck = a.healthCheck
	if opts.MetricsHandler == nil {
		opts.MetricsHandler = promhttp.Handler()
	}
	return httpserver.New(cfg.Server, logger, opts), nil
}

func (a *App) healthCheck(ctx context.Context) (httpserver.HealthCheckResult, error) {
	res := httpserver.HealthCheckResult{
		HealthComponentJobQueue:       httpserver.HealthCheckStatusOK,
		HealthComponentRateLimitStore: httpserver.HealthCheckStatusOK,
	}
	for component, ping := range a.pingers {
		if err := ping(ctx); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			a.Logger.Warn("health check failed", log.String("health_component", component), log.Error(err))
			res[component] = httpserver.HealthCheckStatusFail
		}
	}
	status, err := a.Queue.Status(ctx)
	if err != nil || !status.DispatcherRunning {
		res[HealthComponentJobQueue] = httpserver.HealthCheckStatusFail
	}
	return res, nil
}

// Start starts all units and blocks until all of them return.
func (a *App) Start(fatalErr chan<- error) {
	a.unit.Start(fatalErr)
}

// Stop stops all units and then closes stores.
func (a *App) Stop(gracefully bool) error {
	stopErr := a.unit.Stop(gracefully)
	return errors.Join(stopErr, a.close())
}

// MustRegisterMetrics registers Prometheus collectors of all components.
func (a *App) MustRegisterMetrics() {
	a.collector.mustRegister()
	a.unit.MustRegisterMetrics()
}

// UnregisterMetrics unregisters Prometheus collectors of all components.
func (a *App) UnregisterMetrics() {
	a.unit.UnregisterMetrics()
	a.collector.unregister()
}

func (a *App) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

type metricsCollectors struct {
	buildInfo      prometheus.Collector
	restAPI        *restapi.PrometheusMetrics
	rateLimit      *ratelimit.PrometheusMetrics
	rateLimitCache *lrucache.PrometheusMetrics
	jobQueue       *jobqueue.PrometheusMetrics
}

func (mc *metricsCollectors) mustRegister() {
	if mc.buildInfo != nil {
		prometheus.MustRegister(mc.buildInfo)
	}
	if mc.restAPI != nil {
		mc.restAPI.MustRegister()
		restapi.SetMetrics(mc.restAPI)
	}
	if mc.rateLimit != nil {
		mc.rateLimit.MustRegister()
	}
	if mc.rateLimitCache != nil {
		mc.rateLimitCache.MustRegister()
	}
	if mc.jobQueue != nil {
		mc.jobQueue.MustRegister()
	}
}

func (mc *metricsCollectors) unregister() {
	if mc.buildInfo != nil {
		prometheus.Unregister(mc.buildInfo)
	}
	if mc.restAPI != nil {
		restapi.SetMetrics(nil)
		mc.restAPI.Unregister()
	}
	if mc.rateLimit != nil {
		mc.rateLimit.Unregister()
	}
	if mc.rateLimitCache != nil {
		mc.rateLimitCache.Unregister()
	}
	if mc.jobQueue != nil {
		mc.jobQueue.Unregister()
	}
}
