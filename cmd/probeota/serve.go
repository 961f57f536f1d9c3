package main

import (
	"context"
	"fmt"
	"time"

	_ "github.com/nerrad567/probe-ota-core/migrations"

	"github.com/nerrad567/probe-ota-core/internal/analytics"
	"github.com/nerrad567/probe-ota-core/internal/api"
	"github.com/nerrad567/probe-ota-core/internal/bridges/ble"
	"github.com/nerrad567/probe-ota-core/internal/firmware"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/config"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/database"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/logging"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/probe-ota-core/internal/ota"
)

// shutdownTimeout bounds how long a running transfer may take to wind down.
const shutdownTimeout = 15 * time.Second

// notificationsDisabled is the gateway.notification_topic value that runs
// without a notification target. Updates are then refused.
const notificationsDisabled = "-"

// serve is the long-running application, separated from the cobra wiring
// for testability. Components are started in dependency order and torn
// down in reverse by the deferred calls.
func serve(ctx context.Context, opts *rootOptions) error {
	log := logging.Default()
	log.Info("starting probe OTA core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, path, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if path == "" {
		log.Info("no config file found, using defaults", "path", defaultConfigPath)
	} else {
		log.Info("configuration loaded", "path", path)
	}

	log = logging.New(cfg.Logging, version)

	db, catalog, err := openCatalog(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	topics := mqtt.Topics{Prefix: cfg.Gateway.TopicPrefix}
	mqttClient, err := mqtt.Connect(cfg.MQTT, topics)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"topic_prefix", topics.Prefix,
	)

	sink, influxClient, err := openAnalytics(cfg, log)
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

	notifyTopic := cfg.Gateway.NotificationTopic
	if notifyTopic == notificationsDisabled {
		notifyTopic = ""
	}
	bridge, err := ble.New(ble.Options{
		Client:            mqttClient,
		Topics:            topics,
		CommandQoS:        byte(cfg.Gateway.CommandQoS),
		NotificationTopic: notifyTopic,
		Logger:            log.Component("ble"),
	})
	if err != nil {
		return fmt.Errorf("creating gateway bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway bridge: %w", err)
	}
	defer func() {
		log.Info("stopping gateway bridge")
		bridge.Stop()
	}()

	orch := newOrchestrator(cfg, bridge, catalog, sink, log)
	if cfg.Gateway.NotificationTopic != notificationsDisabled {
		orch.SetNotificationTarget(bridge.Notifier())
	}
	if err := orch.Initialize(); err != nil {
		return fmt.Errorf("initialising orchestrator: %w", err)
	}
	if !orch.Start() {
		return fmt.Errorf("orchestrator refused to start")
	}
	defer func() {
		log.Info("stopping orchestrator")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if stopErr := orch.Shutdown(shutdownCtx); stopErr != nil {
			log.Error("error stopping orchestrator", "error", stopErr)
		}
	}()

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:  cfg.API,
			WS:      cfg.WebSocket,
			Logger:  log.Component("api"),
			Updater: orch,
			Catalog: catalog,
			Gateway: bridge,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// openCatalog opens and migrates the database and wraps it in a catalog.
func openCatalog(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, *firmware.Catalog, error) {
	db, err := database.Open(database.FromConfig(cfg.Database))
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	catalog := firmware.NewCatalog(firmware.NewSQLiteRepository(db.DB))
	catalog.SetLogger(log.Component("firmware"))
	return db, catalog, nil
}

// openAnalytics returns the InfluxDB sink when enabled and analytics.Nop
// otherwise. The client is nil when InfluxDB is disabled.
func openAnalytics(cfg *config.Config, log *logging.Logger) (analytics.Sink, *influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled, analytics discarded")
		return analytics.Nop{}, nil, nil
	}

	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return analytics.NewInfluxSink(client), client, nil
}

func newOrchestrator(cfg *config.Config, bridge *ble.Bridge, images ota.ImageResolver, sink analytics.Sink, log *logging.Logger) *ota.Orchestrator {
	return ota.New(ota.Config{
		Discovery:  bridge.AppAdverts(),
		Bootloader: bridge.BootloaderAdverts(),
		Engine:     bridge.Engine(),
		Images:     images,
		Analytics:  sink,
		Policy: ota.StuckPolicy{
			Threshold:   cfg.StuckThreshold(),
			MaxAttempts: cfg.OTA.MaxRetryAttempts,
		},
		EventReplay: cfg.OTA.SystemEventReplay,
		MinRSSI:     cfg.OTA.MinRSSI,
		Logger:      log.Component("ota"),
	})
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
