// Package transport implements the device-facing protocol server.
//
// Thermostat firmware expects the original vendor's cloud endpoints;
// this server answers them: service discovery, pairing passphrases,
// the weather proxy, and the object sync protocol (list, subscribe,
// put) with long-poll wakeups.
//
// The server follows the same lifecycle pattern as the other servers:
//
//	srv, err := transport.New(deps)
//	srv.Start(ctx)
//	defer srv.Close()
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/derive"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/config"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/logging"
	"github.com/hearthwire/hearthwire-core/internal/pairing"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/subscribe"
	"github.com/hearthwire/hearthwire-core/internal/weather"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Presence receives device connect/disconnect events as long-poll
// subscriptions come and go. Optional.
type Presence interface {
	DeviceConnected(serial string)
	DeviceDisconnected(serial string)
}

// Deps holds the dependencies required by the transport server.
type Deps struct {
	Config   config.TransportConfig
	Upload   config.UploadConfig
	Logger   *logging.Logger
	State    *state.Service
	Subs     *subscribe.Manager
	Weather  *weather.Cache
	Derive   *derive.Engine
	Pairing  *pairing.Service
	Presence Presence
	Version  string
}

// Server is the device-facing HTTP server.
type Server struct {
	cfg      config.TransportConfig
	upload   config.UploadConfig
	logger   *logging.Logger
	state    *state.Service
	subs     *subscribe.Manager
	weather  *weather.Cache
	derive   *derive.Engine
	pairing  *pairing.Service
	presence Presence
	version  string
	server   *http.Server
}

// New creates a transport server with the given dependencies.
// The server is not started until Start is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("state service is required")
	}
	if deps.Subs == nil {
		return nil, fmt.Errorf("subscription manager is required")
	}
	if deps.Derive == nil {
		return nil, fmt.Errorf("derivation engine is required")
	}
	if deps.Pairing == nil {
		return nil, fmt.Errorf("pairing service is required")
	}

	return &Server{
		cfg:      deps.Config,
		upload:   deps.Upload,
		logger:   deps.Logger,
		state:    deps.State,
		subs:     deps.Subs,
		weather:  deps.Weather,
		derive:   deps.Derive,
		pairing:  deps.Pairing,
		presence: deps.Presence,
		version:  deps.Version,
	}, nil
}

// Start begins listening for device connections. TLS is served when the
// configured certificate directory holds server.crt and server.key;
// client certificates are requested but not required, because the
// certificate CN is only a fallback identity source.
func (s *Server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	certFile, keyFile, useTLS := s.certFiles()
	if useTLS {
		s.server.TLSConfig = &tls.Config{
			ClientAuth: tls.RequestClientCert,
			MinVersion: tls.VersionTLS10, // legacy firmware negotiates old suites
		}
	}

	go func() {
		var err error
		if useTLS {
			s.logger.Info("transport server starting with TLS",
				"address", s.server.Addr,
				"cert", certFile,
			)
			err = s.server.ListenAndServeTLS(certFile, keyFile)
		} else {
			s.logger.Info("transport server starting without TLS", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport server error", "error", err)
		}
	}()

	return nil
}

// certFiles resolves the TLS key pair from the certificate directory.
func (s *Server) certFiles() (certFile, keyFile string, ok bool) {
	if s.cfg.CertDir == "" {
		return "", "", false
	}
	certFile = filepath.Join(s.cfg.CertDir, "server.crt")
	keyFile = filepath.Join(s.cfg.CertDir, "server.key")
	if _, err := os.Stat(certFile); err != nil {
		s.logger.Warn("certificate directory set but server.crt missing, serving plain HTTP",
			"cert_dir", s.cfg.CertDir)
		return "", "", false
	}
	return certFile, keyFile, true
}

// Close gracefully shuts down the transport server, draining parked
// subscriptions first so long-poll responses close cleanly.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("transport server shutting down")
	s.subs.Shutdown(ctx)

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down transport server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("transport health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("transport server not started")
	}
	return nil
}

// baseURL is the externally visible URL advertised in the discovery
// document.
func (s *Server) baseURL() string {
	if s.cfg.BaseURL != "" {
		return s.cfg.BaseURL
	}
	scheme := "http"
	if _, _, ok := s.certFiles(); ok {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.cfg.Host, s.cfg.Port)
}
