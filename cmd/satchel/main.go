package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/clawinfra/satchel/internal/cache"
	"github.com/clawinfra/satchel/internal/clock"
	"github.com/clawinfra/satchel/internal/config"
	"github.com/clawinfra/satchel/internal/constraint"
	"github.com/clawinfra/satchel/internal/events"
	"github.com/clawinfra/satchel/internal/netmon"
	"github.com/clawinfra/satchel/internal/queue"
	"github.com/clawinfra/satchel/internal/reconnect"
	"github.com/clawinfra/satchel/internal/resource"
	"github.com/clawinfra/satchel/internal/security"
	"github.com/clawinfra/satchel/internal/storage"
	"github.com/clawinfra/satchel/internal/syncengine"
	"github.com/clawinfra/satchel/internal/transport"
	"github.com/clawinfra/satchel/internal/types"
)

var (
	version   = "0.1.0"
	buildTime = "dev"
)

// App holds all the runtime components.
type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      *storage.SQLiteStore
	Rules      *constraint.Set
	Registry   *resource.Registry
	Monitor    *netmon.Monitor
	Cache      *cache.Cache
	Queue      *queue.Queue
	Engine     *syncengine.Engine
	Controller *reconnect.Controller
	Feed       transport.Feed

	feedWG sync.WaitGroup
}

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("satchel", flag.ExitOnError)
	configPath := fs.String("config", "satchel.json", "Path to config file")
	showVersion := fs.Bool("version", false, "Show version")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		return 1
	}

	if *showVersion {
		fmt.Printf("satchel v%s (built %s)\n", version, buildTime)
		fmt.Println("Offline-first sync core for the school companion app")
		return 0
	}

	app, err := setup(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Setup failed: %v\n", err)
		return 1
	}

	if err := startServices(app); err != nil {
		app.Logger.Error("failed to start services", "error", err)
		return 1
	}

	printBanner(app)

	if err := waitForShutdown(app); err != nil {
		app.Logger.Error("shutdown error", "error", err)
		return 1
	}
	return 0
}

// setup initializes all application components.
func setup(configPath string) (*App, error) {
	app := &App{}

	// initial logger at Info until the config names a level
	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	app.Logger.Info("starting satchel", "version", version, "config", configPath)

	cfg, err := loadConfig(configPath, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	app.Config = cfg

	app.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	if cfg.EnsureDevice() {
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
		app.Logger.Info("generated device id", "device", cfg.Device.ID)
	}

	ctx := context.Background()

	store, err := storage.OpenSQLite(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	app.Store = store

	rules, err := constraint.LoadFile(cfg.RulesFile, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load constraint rules: %w", err)
	}
	app.Rules = rules

	registry, err := resource.LoadFile(cfg.ResourcesFile, app.Logger)
	if err != nil {
		return nil, fmt.Errorf("load resource manifest: %w", err)
	}
	app.Registry = registry

	var tokens *security.TokenSource
	if cfg.Device.Secret != "" {
		tokens = security.NewTokenSource(cfg.Device.ID, cfg.Device.Role,
			[]byte(cfg.Device.Secret), time.Duration(cfg.Device.TokenExpiryMinutes)*time.Minute)
	}

	var enc security.Encryptor
	if cfg.Sync.EncryptPayloads {
		key, err := cfg.Sync.Key()
		if err != nil {
			return nil, err
		}
		aead, err := security.NewAEAD(key)
		if err != nil {
			return nil, fmt.Errorf("create encryptor: %w", err)
		}
		enc = aead
	}

	clk := clock.System()
	netBus := events.NewNetworkBus()
	queueBus := events.NewQueueBus()
	syncBus := events.NewSyncBus()
	cacheBus := events.NewCacheBus()

	app.Monitor = netmon.New(clk, netBus, app.Logger)

	remote := transport.NewHTTP(transport.HTTPConfig{
		BaseURL:  cfg.Server.BaseURL,
		DeviceID: cfg.Device.ID,
		Timeout:  time.Duration(cfg.Server.TimeoutSeconds) * time.Second,
	}, tokens, app.Logger)

	app.Cache = cache.New(cache.Config{
		MaxBytes:          cfg.Cache.MaxSizeBytes,
		TargetUtilization: cfg.Cache.TargetUtilization,
	}, store, clk, cache.Strategies{
		Encryptor: enc,
		Rules:     rules,
		Bus:       cacheBus,
	}, app.Logger)
	if err := app.Cache.Load(ctx); err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}

	app.Engine = syncengine.New(syncengine.Config{
		BatchSize:       cfg.Sync.BatchSize,
		DefaultPolicy:   syncengine.Policy(cfg.Sync.DefaultPolicy),
		EncryptPayloads: cfg.Sync.EncryptPayloads,
		ResourceTypes:   cfg.Sync.ResourceTypes,
	}, syncengine.Deps{
		Store:     store,
		Remote:    remote,
		Clock:     clk,
		Registry:  registry,
		Bus:       syncBus,
		Encryptor: enc,
		Warm:      app.warmCache,
	}, app.Logger)
	if err := app.Engine.Load(ctx); err != nil {
		return nil, fmt.Errorf("load entity mirror: %w", err)
	}

	app.Queue = queue.New(queue.Config{
		MaxSize:        cfg.Queue.MaxSize,
		Concurrency:    cfg.Queue.Concurrency,
		MaxRetries:     cfg.Queue.MaxRetries,
		BaseBackoff:    time.Duration(cfg.Queue.BaseBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Queue.MaxBackoffMs) * time.Millisecond,
		JitterFraction: cfg.Queue.JitterFraction,
	}, queue.Deps{
		Store: store,
		Clock: clk,
		Rules: rules,
		Bus:   queueBus,
		Probe: app.Monitor,
	}, app.Logger)
	app.Queue.SetExecutor(syncengine.NewExecutor(app.Engine))
	if err := app.Queue.Load(ctx); err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}

	app.Controller = reconnect.New(reconnect.Config{
		BatteryFloor:      cfg.Reconnect.BatteryFloor,
		RequireWiFi:       cfg.Reconnect.RequireWiFi,
		MinQuality:        types.ConnectionQuality(cfg.Reconnect.MinQuality),
		BaseDelay:         time.Duration(cfg.Reconnect.BaseDelaySeconds) * time.Second,
		BackoffBase:       time.Duration(cfg.Reconnect.BackoffBaseSeconds) * time.Second,
		BackoffMultiplier: cfg.Reconnect.BackoffMultiplier,
		MaxBackoff:        time.Duration(cfg.Reconnect.MaxBackoffSeconds) * time.Second,
		MaxRetryAttempts:  cfg.Reconnect.MaxRetryAttempts,
		StaleAfter:        time.Duration(cfg.Reconnect.StaleAfterHours) * time.Hour,
	}, reconnect.Deps{
		Queue:  app.Queue,
		Engine: app.Engine,
		Clock:  clk,
		Rules:  rules,
		Bus:    netBus,
	}, app.Logger)

	app.Feed = buildFeed(cfg, tokens, app.Monitor, app.Logger)
	return app, nil
}

// loadConfig loads configuration from file or creates a default one.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no config found, creating default")
			cfg = config.DefaultConfig()
			if err := cfg.Save(path); err != nil {
				return nil, fmt.Errorf("save default config: %w", err)
			}
			logger.Info("default config created", "path", path)
			if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildFeed wires the configured change feed. Its connection callbacks
// are the monitor's connectivity source; returns nil when no feed is
// configured.
func buildFeed(cfg *config.Config, tokens *security.TokenSource, mon *netmon.Monitor, logger *slog.Logger) transport.Feed {
	// the feed knows the link is up, not what carries it
	onUp := func() {
		mon.Apply(types.Connectivity{Connected: true, Type: types.ConnectionOther, Quality: types.QualityUnknown})
	}
	onDown := func(error) {
		mon.Apply(types.Connectivity{Connected: false, Type: types.ConnectionNone, Quality: types.QualityUnknown})
	}

	switch cfg.Feed.Kind {
	case "ws":
		return transport.NewWSFeed(transport.WSConfig{
			URL:      cfg.Feed.WS.URL,
			DeviceID: cfg.Device.ID,
			OnUp:     onUp,
			OnDown:   onDown,
		}, tokens, logger)
	case "mqtt":
		return transport.NewMQTTFeed(transport.MQTTConfig{
			Broker:   cfg.Feed.MQTT.Broker,
			Port:     cfg.Feed.MQTT.Port,
			Username: cfg.Feed.MQTT.Username,
			Password: cfg.Feed.MQTT.Password,
			DeviceID: cfg.Device.ID,
			OnUp:     onUp,
			OnDown:   onDown,
		}, logger)
	default:
		return nil
	}
}

// warmCache keeps downloaded entities readable offline.
func (app *App) warmCache(ctx context.Context, e *types.Entity) {
	if len(e.Payload) == 0 {
		return
	}
	opts := cache.Options{Priority: e.Priority, Tags: []string{e.Type}}
	if def := app.Registry.Lookup(e.Type); def != nil {
		opts.TTL = def.CacheTTL()
	}
	if err := app.Cache.Set(ctx, e.Type+"/"+e.ID, e.Payload, opts); err != nil {
		app.Logger.Warn("failed to warm cache", "entity", e.ID, "error", err)
	}
}

// startServices starts the long-running components.
func startServices(app *App) error {
	ctx := context.Background()

	if err := app.Queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if err := app.Controller.Start(ctx); err != nil {
		return fmt.Errorf("start reconnection controller: %w", err)
	}

	if app.Feed != nil {
		app.feedWG.Add(1)
		go app.pumpChanges(ctx)
		if err := app.Feed.Start(ctx); err != nil {
			// the feeds reconnect on their own; a failed first dial is
			// not fatal, but without it nothing reports connectivity
			app.Logger.Warn("change feed failed to start, assuming online", "error", err)
			app.Monitor.Apply(types.Connectivity{Connected: true, Type: types.ConnectionOther, Quality: types.QualityUnknown})
		}
	} else {
		// no push channel: assume online until the host reports otherwise
		app.Monitor.Apply(types.Connectivity{Connected: true, Type: types.ConnectionOther, Quality: types.QualityUnknown})
	}
	return nil
}

// pumpChanges routes feed deliveries into the engine's merge path.
func (app *App) pumpChanges(ctx context.Context) {
	defer app.feedWG.Done()
	for ev := range app.Feed.Changes() {
		if err := app.Engine.ApplyChange(ctx, ev); err != nil {
			app.Logger.Warn("failed to apply pushed change", "entity", ev.Entity.ID, "error", err)
		}
	}
}

func printBanner(app *App) {
	st := app.Queue.Stats()
	fmt.Println()
	fmt.Printf("  satchel v%s\n", version)
	fmt.Println("  keeps schoolwork moving while the network does not")
	fmt.Println()
	fmt.Printf("  device:  %s (%s)\n", app.Config.Device.ID, app.Config.Device.Role)
	fmt.Printf("  server:  %s\n", app.Config.Server.BaseURL)
	fmt.Printf("  data:    %s\n", app.Config.DataDir)
	if app.Feed != nil {
		fmt.Printf("  feed:    %s\n", app.Config.Feed.Kind)
	}
	fmt.Printf("  queue:   %d pending\n", st.Pending)
	fmt.Println()
}

// waitForShutdown waits for a termination signal and stops components
// in reverse start order.
func waitForShutdown(app *App) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, getShutdownSignals()...)

	for {
		sig := <-sigCh
		if handlePlatformSignal(sig, app.Logger) {
			continue
		}
		app.Logger.Info("shutdown signal received", "signal", sig)
		break
	}

	var firstErr error
	if err := app.Controller.Stop(); err != nil {
		firstErr = fmt.Errorf("stop controller: %w", err)
	}
	if app.Feed != nil {
		if err := app.Feed.Stop(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop feed: %w", err)
		}
		app.feedWG.Wait()
	}
	if err := app.Queue.Stop(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("stop queue: %w", err)
	}
	if err := app.Store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}

	app.Logger.Info("satchel stopped")
	return firstErr
}
