// shellyws - outbound WebSocket gateway for Shelly Gen2+ devices.
//
// Devices on the local network are configured to dial this gateway; the
// gateway identifies each connection from its first frame, multiplexes
// JSON-RPC over it, and relays notifications northbound over MQTT.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nerrad567/gray-logic-shelly/internal/discovery"
	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shelly/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-shelly/internal/relay"
	"github.com/nerrad567/gray-logic-shelly/internal/server"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds handler teardown and HTTP shutdown on exit.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting shellyws gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Optional persistence: the passive discovery record.
	var recorder *discovery.Recorder
	if cfg.Database.Enabled {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", db.Path())

		recorder = discovery.NewRecorder(db.DB)
		recorder.SetLogger(log)
		if err := recorder.Start(ctx); err != nil {
			return fmt.Errorf("starting discovery recorder: %w", err)
		}
		defer recorder.Stop()
	}

	// Optional northbound relay over MQTT.
	var mqttClient *mqtt.Client
	var observer server.Observer
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT broker: %w", err)
		}
		mqttClient.SetLogger(log)
		defer func() {
			log.Info("disconnecting from MQTT broker")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT client", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", cfg.MQTT.Broker.Host,
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		rel, err := relay.New(mqttClient, byte(cfg.MQTT.QoS), log)
		if err != nil {
			return fmt.Errorf("creating relay: %w", err)
		}
		observer = rel
	}

	// The gateway itself.
	deps := server.Deps{
		Config:    cfg.Server,
		WebSocket: cfg.WebSocket,
		Logger:    log,
		Observer:  observer,
		Version:   version,
	}
	if recorder != nil {
		deps.Recorder = recorder
	}
	srv, err := server.New(deps)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Stop accepting connections, then close every device socket in an
	// orderly way. Remaining deferred closes run after this in reverse
	// order: MQTT (publishes graceful offline), then the database.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Close(shutdownCtx); err != nil {
		log.Error("error closing server", "error", err)
	}
	srv.DestroyAll(shutdownCtx)

	log.Info("shellyws gateway stopped")
	return nil
}

// loadConfig loads configuration from the file named by SHELLYWS_CONFIG (or
// the default path). A missing default file is not an error: the gateway can
// run entirely on defaults plus environment overrides.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("SHELLYWS_CONFIG")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); os.IsNotExist(err) {
			return config.Default(), nil
		}
		path = defaultConfigPath
	}
	return config.Load(path)
}
