// Package main runs zonestream: a scheduler that keeps the zones around a
// focal zone resident and releases the rest, with its status and event feed
// served over HTTP and websocket.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/c360/zonestream/adjacency"
	"github.com/c360/zonestream/boundary"
	"github.com/c360/zonestream/config"
	"github.com/c360/zonestream/events"
	httpgateway "github.com/c360/zonestream/gateway/http"
	"github.com/c360/zonestream/gateway/websocket"
	"github.com/c360/zonestream/health"
	"github.com/c360/zonestream/loader"
	"github.com/c360/zonestream/metric"
	"github.com/c360/zonestream/natsclient"
	"github.com/c360/zonestream/streamer"
	"github.com/c360/zonestream/world"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "zonestream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	// .env values become flag and config defaults
	if err := config.LoadDotEnv(); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}

	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config", cfg.String())
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := start(ctx, cfg, logger)
	if err != nil {
		return err
	}

	boundary.StartZone(app.scheduler, cfg.StartZone, logger)
	logger.Info("Zonestream started", "backend", cfg.World.Backend, "start_zone", cfg.StartZone)

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cliCfg.ShutdownTimeout)
	defer cancel()
	if err := app.shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("Zonestream shutdown complete")
	return nil
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil, nil, true, nil
		}
		return nil, nil, false, fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, nil, true, nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("Starting zonestream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)
	return cliCfg, logger, false, nil
}

// initializeConfiguration loads the layered configuration and applies flag overrides
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	l := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		l.AddLayer(cliCfg.ConfigPath)
	}
	// flags are applied after the file, so validate once they are in
	l.EnableValidation(false)
	cfg, err := l.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if zone := strings.TrimSpace(cliCfg.StartZone); zone != "" {
		cfg.StartZone = zone
	}
	if cliCfg.Debug {
		cfg.Streamer.DebugLogging = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// application holds the running components in start order
type application struct {
	logger         *slog.Logger
	tracerShutdown func(context.Context) error
	metricsServer  *metric.Server
	natsClient     *natsclient.Client
	loader         *loader.Loader
	scheduler      *streamer.Scheduler
	hub            *websocket.Hub
	gateway        *httpgateway.Gateway
	monitor        *health.Monitor
}

// start builds and starts every component. On error whatever was already
// started is shut down again.
func start(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app *application, err error) {
	app = &application{logger: logger, monitor: health.NewMonitor()}
	defer func() {
		if err != nil {
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = app.shutdown(cleanupCtx)
			app = nil
		}
	}()

	app.tracerShutdown, err = setupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return app, err
	}

	registry := metric.NewMetricsRegistry()
	if cfg.Metrics.Enabled {
		app.metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err = app.metricsServer.Start(); err != nil {
			return app, fmt.Errorf("start metrics server: %w", err)
		}
		logger.Info("Metrics server listening", "address", app.metricsServer.Address())
	}

	if cfg.NeedsNATS() {
		if app.natsClient, err = connectToNATS(ctx, cfg.NATS, logger); err != nil {
			return app, err
		}
		client := app.natsClient
		app.monitor.Probe("nats", func() health.Status {
			return health.FromError("nats", client.Health(context.Background()), "connected")
		})
	}

	backend, err := buildBackend(ctx, cfg, app.natsClient, logger)
	if err != nil {
		return app, err
	}
	if hc, ok := backend.(world.HealthChecker); ok {
		app.monitor.Probe("world", func() health.Status {
			hctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return health.FromError("world", hc.Health(hctx), "reachable")
		})
	}

	observers, err := app.buildObservers(cfg, registry)
	if err != nil {
		return app, err
	}

	resolver, err := adjacency.NewResolver(adjacency.WithLogger(logger), adjacency.WithMetrics(registry))
	if err != nil {
		return app, fmt.Errorf("create adjacency resolver: %w", err)
	}

	app.loader, err = loader.New(backend, resolver, loaderConfig(cfg.Loader),
		loader.WithLogger(logger),
		loader.WithObserver(events.NewMulti(logger, registry.CoreMetrics(), observers...)),
		loader.WithMetrics(registry))
	if err != nil {
		return app, fmt.Errorf("create loader: %w", err)
	}

	app.scheduler, err = streamer.New(app.loader, resolver, streamer.Config{
		MaxNeighborDistance: cfg.Streamer.MaxNeighborDistance,
		MaxLoadWaitTime:     cfg.Streamer.MaxLoadWaitTime,
		DebugLogging:        cfg.Streamer.DebugLogging,
	}, streamer.WithLogger(logger), streamer.WithMetrics(registry))
	if err != nil {
		return app, fmt.Errorf("create scheduler: %w", err)
	}
	app.monitor.Probe("scheduler", app.scheduler.Health)

	if cfg.HTTP.Enabled {
		opts := []httpgateway.Option{
			httpgateway.WithLogger(logger),
			httpgateway.WithZones(app.loader),
			httpgateway.WithHealth(app.monitor),
			httpgateway.WithRateLimit(cfg.HTTP.RateLimit, cfg.HTTP.RateBurst),
		}
		if app.hub != nil {
			opts = append(opts, httpgateway.WithFeed(app.hub))
		}
		app.gateway, err = httpgateway.NewGateway(cfg.HTTP.Port, app.scheduler, opts...)
		if err != nil {
			return app, fmt.Errorf("create http gateway: %w", err)
		}
		if err = app.gateway.Start(); err != nil {
			return app, fmt.Errorf("start http gateway: %w", err)
		}
		app.monitor.Probe("http-gateway", app.gateway.Health)
	} else if app.hub != nil {
		logger.Warn("Websocket feed enabled without the HTTP gateway, no client can connect")
	}
	return app, nil
}

// buildObservers creates the configured event sinks. The websocket hub is
// kept on app so the gateway can mount it.
func (app *application) buildObservers(cfg *config.Config, registry *metric.MetricsRegistry) ([]events.Observer, error) {
	var observers []events.Observer

	if cfg.Events.WebSocket {
		hub, err := websocket.NewHub(
			websocket.WithLogger(app.logger),
			websocket.WithBufferSize(cfg.Events.ClientBuffer),
			websocket.WithMetrics(registry),
			websocket.WithSnapshot(app.residentSnapshot),
		)
		if err != nil {
			return nil, fmt.Errorf("create websocket hub: %w", err)
		}
		app.hub = hub
		observers = append(observers, hub)
	}

	if cfg.Events.PublishNATS {
		observers = append(observers,
			events.NewNATSPublisher(app.natsClient, cfg.Events.SubjectPrefix, app.logger))
		app.logger.Info("Publishing zone events", "subject_prefix", cfg.Events.SubjectPrefix)
	}
	return observers, nil
}

// residentSnapshot lists a loaded event per resident zone for new feed clients
func (app *application) residentSnapshot() []events.Event {
	if app.loader == nil {
		return nil
	}
	resident := app.loader.Resident()
	out := make([]events.Event, 0, len(resident))
	for _, name := range resident {
		out = append(out, events.NewEvent(events.KindLoaded, name, nil))
	}
	return out
}

func loaderConfig(cfg config.LoaderConfig) loader.Config {
	lc := loader.DefaultConfig()
	lc.Workers = cfg.Workers
	lc.QueueSize = cfg.QueueSize
	lc.Retry.MaxRetries = cfg.MaxRetries
	if cfg.RetryInitialDelay > 0 {
		lc.Retry.InitialDelay = cfg.RetryInitialDelay
	}
	if cfg.RetryMaxDelay > 0 {
		lc.Retry.MaxDelay = cfg.RetryMaxDelay
	}
	if cfg.StopTimeout > 0 {
		lc.StopTimeout = cfg.StopTimeout
	}
	return lc
}

// connectToNATS establishes the NATS connection and waits for it to be ready
func connectToNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}

	client, err := natsclient.NewClient(strings.Join(cfg.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "urls", cfg.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

// shutdown stops components in reverse start order and returns the first error
func (app *application) shutdown(ctx context.Context) error {
	var first error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		app.logger.Error("Shutdown step failed", "step", what, "error", err)
		if first == nil {
			first = err
		}
	}

	if app.gateway != nil {
		record("http gateway", app.gateway.Stop(ctx))
	}
	if app.hub != nil {
		record("websocket hub", app.hub.Close())
	}
	if app.scheduler != nil {
		record("scheduler", app.scheduler.Close())
	}
	if app.loader != nil {
		record("loader", app.loader.Close())
	}
	if app.natsClient != nil {
		record("nats", app.natsClient.Close(ctx))
	}
	if app.metricsServer != nil {
		record("metrics server", app.metricsServer.Stop(ctx))
	}
	if app.tracerShutdown != nil {
		record("tracing", app.tracerShutdown(ctx))
	}
	return first
}
