// sonoffd drives Sonoff/eWeLink devices over the LAN and the eWeLink cloud.
//
// It keeps one merged view of every device on an account, queues commands
// for whichever transport can deliver them, and republishes state over
// MQTT, a REST/WebSocket API and InfluxDB. Only the account engine is
// required; the outer surfaces are enabled in the config file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nerrad567/gray-logic-sonoff/migrations"

	"github.com/nerrad567/gray-logic-sonoff/internal/account"
	"github.com/nerrad567/gray-logic-sonoff/internal/api"
	"github.com/nerrad567/gray-logic-sonoff/internal/audit"
	"github.com/nerrad567/gray-logic-sonoff/internal/auth"
	"github.com/nerrad567/gray-logic-sonoff/internal/bridge"
	"github.com/nerrad567/gray-logic-sonoff/internal/device"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-sonoff/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-sonoff/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"

	// historyRetention is how long recorded field updates and logged
	// commands are kept.
	historyRetention = 30 * 24 * time.Hour
	pruneInterval    = 6 * time.Hour
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := mintToken(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application body, separated from main for testability.
// Deferred shutdowns run in reverse order of startup.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting sonoffd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"mode", cfg.Account.Mode,
		"devices", len(cfg.Devices),
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	repo := device.NewSQLiteRepository(db.DB)
	history := device.NewSQLiteHistoryRepository(db.DB)
	commandLog := audit.NewSQLiteRepository(db.DB)

	acct, err := account.New(account.Options{
		Config:     cfg,
		Repository: repo,
		History:    history,
		Logger:     log,
	})
	if err != nil {
		return fmt.Errorf("creating account: %w", err)
	}

	// Sinks are registered before Start so the preload is observed too.
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		acct.AddSink(telemetry.NewRecorder(influxClient))
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	var mqttClient *mqtt.Client
	var mqttBridge *bridge.Bridge
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
		mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })

		mqttBridge, err = bridge.NewBridge(bridge.Options{
			Client:    mqttClient,
			Commander: audit.NewRecordingCommander(acct, commandLog, audit.SourceMQTT, log),
			Status:    acct,
			QoS:       byte(cfg.MQTT.QoS), //nolint:gosec // validated 0-2
			Version:   version,
			Logger:    log.Component("bridge"),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT bridge: %w", err)
		}
		acct.AddSink(mqttBridge)
	} else {
		log.Info("MQTT disabled")
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			Logger:   log.Component("api"),
			Account:  acct,
			History:  history,
			Commands: commandLog,
			DB:       db.DB,
			Version:  version,
		}
		if mqttBridge != nil {
			deps.Bridge = mqttBridge
		}
		apiServer, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		acct.AddSink(apiServer)
	}

	if err := acct.Start(ctx); err != nil {
		return fmt.Errorf("starting account: %w", err)
	}
	defer func() {
		log.Info("stopping account")
		if stopErr := acct.Stop(); stopErr != nil {
			log.Error("error stopping account", "error", stopErr)
		}
	}()

	if mqttBridge != nil {
		if err := mqttBridge.Start(ctx); err != nil {
			return fmt.Errorf("starting MQTT bridge: %w", err)
		}
		defer func() {
			log.Info("stopping MQTT bridge")
			mqttBridge.Stop()
		}()
	}

	if apiServer != nil {
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	pruneDone := make(chan struct{})
	go func() {
		defer close(pruneDone)
		pruneLoop(ctx, log,
			pruner{"state history", history.PruneHistory},
			pruner{"command log", commandLog.Prune},
		)
	}()
	defer func() { <-pruneDone }()

	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := healthCheck(healthCtx, db, mqttClient, influxClient); err != nil {
		log.Warn("startup health check failed", "error", err)
	}
	cancel()

	log.Info("sonoffd started", "mode", acct.Mode())

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// getConfigPath returns SONOFF_CONFIG when set, otherwise the default path.
func getConfigPath() string {
	if path := os.Getenv("SONOFF_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// mintToken prints an API token signed with the configured secret.
//
//	sonoffd token [subject] [read|control]
func mintToken(args []string, w io.Writer) error {
	subject, scope := "sonoffd", auth.ScopeControl
	if len(args) > 0 {
		subject = args[0]
	}
	if len(args) > 1 {
		scope = auth.Scope(args[1])
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.API.Auth.JWTSecret == "" {
		return errors.New("api.auth.jwt_secret is not set")
	}

	token, err := auth.GenerateToken(subject, scope, cfg.API.Auth.JWTSecret, cfg.GetTokenTTL())
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}
	_, err = fmt.Fprintln(w, token)
	return err
}

// healthCheck verifies the infrastructure connections. Disabled
// components are passed as nil and skipped.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	var errs []error
	if err := db.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("database: %w", err))
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("mqtt: %w", err))
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	return errors.Join(errs...)
}

// pruner deletes rows older than a retention window.
type pruner struct {
	name  string
	prune func(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneLoop trims old rows from each table until ctx is cancelled.
func pruneLoop(ctx context.Context, log *logging.Logger, pruners ...pruner) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		for _, p := range pruners {
			n, err := p.prune(ctx, historyRetention)
			switch {
			case err != nil && ctx.Err() == nil:
				log.Warn("pruning failed", "table", p.name, "error", err)
			case n > 0:
				log.Info("pruned old rows", "table", p.name, "rows", n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
