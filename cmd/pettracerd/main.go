// PetTracer Bridge - vendor cloud to MQTT gateway
//
// This is the main entry point for the PetTracer bridge daemon. The
// bridge logs into the PetTracer portal, mirrors collar and home
// station state into a local cache, and republishes every change on a
// local MQTT broker for home automation consumers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pettracer-community/bridge/internal/api"
	"github.com/pettracer-community/bridge/internal/bridge"
	"github.com/pettracer-community/bridge/internal/device"
	"github.com/pettracer-community/bridge/internal/infrastructure/config"
	"github.com/pettracer-community/bridge/internal/infrastructure/logging"
	"github.com/pettracer-community/bridge/internal/infrastructure/mqtt"
	"github.com/pettracer-community/bridge/internal/pettracer"
)

// Build metadata, injected via
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires the components together and blocks until shutdown. It
// returns an error rather than exiting so main owns the exit code.
func run(ctx context.Context) error {
	// Bootstrap logger; replaced once the config is read.
	log := logging.Default()
	log.Info("starting PetTracer bridge",
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

	// Shared HTTP client for the portal REST API
	httpClient := &http.Client{Timeout: 30 * time.Second}

	// Portal auth and REST client
	auth := pettracer.NewAuthManager(cfg.PetTracer.APIBaseURL, pettracer.Credentials{
		Email:    cfg.PetTracer.Email,
		Password: cfg.PetTracer.Password,
	}, httpClient, log.With("component", "auth"))

	rest := pettracer.NewClient(cfg.PetTracer.APIBaseURL, auth, httpClient, log.With("component", "rest"))

	// Device cache and update fan-out
	cache := device.NewCache()
	cache.SetLogger(log.With("component", "cache"))
	dispatcher := pettracer.NewDispatcher(log.With("component", "dispatch"))

	// Realtime websocket session
	session := pettracer.NewSession(pettracer.SessionConfig{
		Host:                 cfg.PetTracer.WebSocketHost,
		ReconnectInterval:    cfg.GetReconnectInitialDelay(),
		MaxReconnectInterval: cfg.GetReconnectMaxDelay(),
	}, auth, cache, dispatcher, log.With("component", "session"))

	var publisher bridge.MQTTClient
	var mqttClient *mqtt.Client
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
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log.With("component", "mqtt"))
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})

		publisher = mqttClient
	} else {
		log.Warn("MQTT disabled, device changes will not be republished")
		publisher = discardPublisher{}
	}

	// Create and start the bridge
	br, err := bridge.New(bridge.Options{
		API:          rest,
		Session:      session,
		MQTT:         publisher,
		Commander:    rest,
		Cache:        cache,
		Dispatcher:   dispatcher,
		Logger:       log.With("component", "bridge"),
		PollInterval: cfg.GetPollInterval(),
		QoS:          byte(cfg.MQTT.QoS),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := br.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		br.Stop()
	}()

	// Start the diagnostics API (if enabled)
	if cfg.API.Enabled {
		apiServer, err := api.New(api.Deps{
			Config:    cfg.API,
			Logger:    log.With("component", "api"),
			Cache:     cache,
			Commander: rest,
			Realtime:  session,
			Version:   version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("diagnostics API disabled")
	}

	// Verify the broker connection is healthy before declaring ready
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("health check failed: mqtt: %w", err)
		}
	}

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server (if enabled)
	// 2. Bridge (session, poll loop, subscriber)
	// 3. MQTT (if enabled)

	log.Info("PetTracer bridge stopped")
	return nil
}

// getConfigPath honours PETTRACER_CONFIG, falling back to the default.
func getConfigPath() string {
	if path := os.Getenv("PETTRACER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// discardPublisher satisfies the bridge's MQTT interface when the
// broker is disabled. The cache and diagnostics API still work.
type discardPublisher struct{}

func (discardPublisher) Publish(string, []byte, byte, bool) error          { return nil }
func (discardPublisher) Subscribe(string, byte, mqtt.MessageHandler) error { return nil }
func (discardPublisher) IsConnected() bool                                 { return false }
