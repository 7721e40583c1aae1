// Package api provides the diagnostics HTTP API for the PetTracer bridge.
//
// It exposes the device cache and realtime session state for local
// inspection, and forwards control commands (mode, LED, buzzer) to the
// vendor cloud.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pettracer-community/bridge/internal/device"
	"github.com/pettracer-community/bridge/internal/infrastructure/config"
	"github.com/pettracer-community/bridge/internal/infrastructure/logging"
	"github.com/pettracer-community/bridge/internal/pettracer"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Commander forwards control commands to the vendor cloud. Implemented
// by the REST client; an interface here keeps handlers testable.
type Commander interface {
	SetMode(ctx context.Context, deviceID string, mode device.Mode) error
	SetLED(ctx context.Context, deviceID string, on bool) error
	SetBuzzer(ctx context.Context, deviceID string, on bool) error
}

// RealtimeInfo reports the realtime session's health for diagnostics.
type RealtimeInfo interface {
	State() pettracer.SessionState
	Reconnects() uint64
	MessagesReceived() uint64
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	Logger    *logging.Logger
	Cache     *device.Cache
	Commander Commander    // optional: command endpoints return 503 when nil
	Realtime  RealtimeInfo // optional: health omits session info when nil
	Version   string
}

// Server is the diagnostics HTTP server.
//
// It is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	logger    *logging.Logger
	cache     *device.Cache
	commander Commander
	realtime  RealtimeInfo
	version   string
	server    *http.Server
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Cache == nil {
		return nil, fmt.Errorf("device cache is required")
	}

	return &Server{
		cfg:       deps.Config,
		logger:    deps.Logger,
		cache:     deps.Cache,
		commander: deps.Commander,
		realtime:  deps.Realtime,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
