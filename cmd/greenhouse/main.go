// Greenhouse controller
//
// This is the main entry point of the greenhouse automation engine: it
// stores sensor readings and relay transitions, evaluates automation rules,
// and serves the real-time channel used by the physical controller and the
// web dashboard.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/reimonlp/greenhouse/migrations"

	"github.com/reimonlp/greenhouse/internal/api"
	"github.com/reimonlp/greenhouse/internal/audit"
	"github.com/reimonlp/greenhouse/internal/auth"
	"github.com/reimonlp/greenhouse/internal/automation"
	"github.com/reimonlp/greenhouse/internal/infrastructure/config"
	"github.com/reimonlp/greenhouse/internal/infrastructure/database"
	"github.com/reimonlp/greenhouse/internal/infrastructure/influxdb"
	"github.com/reimonlp/greenhouse/internal/infrastructure/logging"
	"github.com/reimonlp/greenhouse/internal/infrastructure/mqtt"
	"github.com/reimonlp/greenhouse/internal/metrics"
	"github.com/reimonlp/greenhouse/internal/ratelimit"
	"github.com/reimonlp/greenhouse/internal/relay"
	"github.com/reimonlp/greenhouse/internal/retention"
	"github.com/reimonlp/greenhouse/internal/sensor"
	"github.com/reimonlp/greenhouse/internal/weather"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting greenhouse controller",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("resolving timezone: %w", err)
	}

	db, err := database.Open(database.Config{
		Driver:      cfg.Database.Driver,
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path, "driver", db.Driver())

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	collectors := metrics.New()

	// Optional transports and sinks.
	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}

	influxClient, err := connectInfluxDB(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	// Domain services.
	hub := api.NewHub(cfg.WebSocket, log, collectors)
	recorder := audit.NewRecorder(audit.NewSQLiteRepository(db.DB), hub)

	relayOpts := []relay.Option{relay.WithLogger(log), relay.WithMetrics(collectors)}
	var bridge *mqtt.Bridge
	if mqttClient != nil {
		bridge = mqtt.NewBridge(mqttClient, byte(cfg.MQTT.QoS), log)
		relayOpts = append(relayOpts, relay.WithCommandMirror(bridge))
	}
	if influxClient != nil {
		relayOpts = append(relayOpts, relay.WithTransitionSink(influxClient))
	}
	relays := relay.NewService(relay.NewSQLiteRegister(db.DB), recorder, hub, relayOpts...)

	ruleRepo := automation.NewSQLiteRepository(db.DB)
	rules := automation.NewManager(ruleRepo, recorder, hub, log)
	engine := automation.NewEngine(ruleRepo, relays,
		automation.WithEngineLogger(log),
		automation.WithEngineMetrics(collectors),
		automation.WithLocation(loc),
	)
	scheduler := automation.NewScheduler(engine, cfg.TickInterval(), log)

	store := sensor.NewSQLiteStore(db.DB)
	ingestOpts := []sensor.IngesterOption{sensor.WithLogger(log), sensor.WithMetrics(collectors)}
	if cfg.Weather.Enabled {
		ingestOpts = append(ingestOpts, sensor.WithWeather(weather.NewClient(weather.Config{
			City:      cfg.Weather.City,
			Latitude:  cfg.Weather.Latitude,
			Longitude: cfg.Weather.Longitude,
			BaseURL:   cfg.Weather.BaseURL,
			CacheTTL:  time.Duration(cfg.Weather.CacheTTL) * time.Second,
		})))
		log.Info("weather lookup enabled", "city", cfg.Weather.City)
	}
	if influxClient != nil {
		ingestOpts = append(ingestOpts, sensor.WithTelemetry(influxClient))
	}
	ingester := sensor.NewIngester(store, engine, hub, ingestOpts...)

	var guard *ratelimit.Guard
	if cfg.RateLimit.Enabled {
		guard = ratelimit.New(ratelimit.Config{
			MaxEvents:     cfg.RateLimit.MaxEvents,
			Window:        cfg.RateWindow(),
			SweepInterval: cfg.RateSweepInterval(),
			Exempt:        api.RateExemptEvents(),
		}, collectors, log)
	}

	deps := api.Deps{
		Config:   cfg.API,
		Exposure: cfg.Metrics,
		WSPath:   cfg.WebSocket.Path,
		Logger:   log,
		DB:       db,
		Hub:      hub,
		Guard:    guard,
		Admitter: auth.NewAdmitter(auth.Config{
			DeviceToken:          cfg.Security.DeviceToken,
			DeviceTokenHash:      cfg.Security.DeviceTokenHash,
			JWTSecret:            cfg.Security.JWT.Secret,
			RequireObserverToken: cfg.Security.RequireObserverToken,
		}),
		Relays:   relays,
		Rules:    rules,
		Readings: store,
		Ingester: ingester,
		Audit:    recorder,
		Metrics:  collectors,
		Version:  version,
	}
	// A typed nil pointer would report as a configured transport.
	if mqttClient != nil {
		deps.MQTT = mqttClient
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	var sweeper *retention.Sweeper
	if cfg.Retention.Enabled {
		if sweeper, err = newSweeper(ctx, cfg, db, collectors, log); err != nil {
			return err
		}
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	g, gctx := errgroup.WithContext(ctx)

	if bridge != nil {
		if err := bridge.Start(gctx, relays, ingester); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		log.Info("MQTT bridge started")
	}

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		<-gctx.Done()
		return server.Close()
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	if guard != nil {
		g.Go(func() error {
			return guard.Run(gctx)
		})
	}
	if sweeper != nil {
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	if err := recorder.Info(gctx, audit.SourceSystem, "Greenhouse controller started", map[string]any{"version": version}); err != nil {
		log.Warn("recording startup entry failed", "error", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	// Deferred Close() calls run in reverse order: InfluxDB, MQTT, database.
	log.Info("greenhouse controller stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GREENHOUSE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GREENHOUSE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT connects the device bridge transport. It returns nil when
// MQTT is disabled.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.MQTT.Enabled {
		log.Info("MQTT bridge disabled")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// connectInfluxDB connects the telemetry sink. It returns nil when InfluxDB
// is disabled.
func connectInfluxDB(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// newSweeper builds the retention sweeper, with an S3 archive when enabled.
func newSweeper(ctx context.Context, cfg *config.Config, db *database.DB, m *metrics.Collectors, log *logging.Logger) (*retention.Sweeper, error) {
	opts := []retention.Option{retention.WithMetrics(m), retention.WithLogger(log)}

	if cfg.Retention.Archive.Enabled {
		archiver, err := retention.NewS3Archiver(ctx, cfg.Retention.Archive)
		if err != nil {
			return nil, fmt.Errorf("creating retention archive: %w", err)
		}
		opts = append(opts, retention.WithArchiver(archiver, cfg.Retention.Archive.Prefix))
		log.Info("retention archive enabled",
			"bucket", cfg.Retention.Archive.Bucket,
			"prefix", cfg.Retention.Archive.Prefix,
		)
	}

	log.Info("retention sweep enabled", "days", cfg.Retention.Days)
	return retention.New(db.DB, cfg.Retention, opts...), nil
}

// healthCheck verifies all infrastructure connections are healthy.
// mqttClient and influxClient may be nil when disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
