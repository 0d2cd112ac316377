// Package control implements the dashboard-facing control API.
//
// It shares the write path with the device transport: every command
// lands in the device state service and wakes parked long-poll
// subscribers, so a dashboard setpoint change reaches the thermostat
// exactly like a device-originated one.
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hearthwire/hearthwire-core/internal/derive"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/config"
	"github.com/hearthwire/hearthwire-core/internal/infrastructure/logging"
	"github.com/hearthwire/hearthwire-core/internal/pairing"
	"github.com/hearthwire/hearthwire-core/internal/state"
	"github.com/hearthwire/hearthwire-core/internal/store"
	"github.com/hearthwire/hearthwire-core/internal/subscribe"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// AuthStore is the slice of the persistent store the control server
// consumes for authentication and auditing.
type AuthStore interface {
	ValidateAPIKey(ctx context.Context, rawKey string) (*store.KeyContext, error)
	AppendAudit(ctx context.Context, entry store.AuditEntry) error
	ListUserDevices(ctx context.Context, userID string) ([]string, error)
	GetSharedWithMe(ctx context.Context, userID string) ([]string, error)
}

// Deps holds the dependencies required by the control server.
type Deps struct {
	Config  config.ControlConfig
	Logger  *logging.Logger
	State   *state.Service
	Subs    *subscribe.Manager
	Store   AuthStore
	Derive  *derive.Engine
	Pairing *pairing.Service
	Version string
}

// Server is the control-plane HTTP server.
type Server struct {
	cfg       config.ControlConfig
	logger    *logging.Logger
	state     *state.Service
	subs      *subscribe.Manager
	store     AuthStore
	derive    *derive.Engine
	pairing   *pairing.Service
	version   string
	startedAt time.Time
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc
}

// New creates a control server with the given dependencies.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("state service is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("auth store is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		state:   deps.State,
		subs:    deps.Subs,
		store:   deps.Store,
		derive:  deps.Derive,
		pairing: deps.Pairing,
		version: deps.Version,
	}, nil
}

// Start begins listening for dashboard connections and starts the
// WebSocket hub. Dashboard state updates ride the same change events
// the integrations consume.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.startedAt = time.Now()
	s.hub = NewHub(s.logger)
	go s.hub.Run(srvCtx)

	s.state.AddListener(func(c state.Change) {
		s.hub.BroadcastChange(c)
	})

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("control server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the control server.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("control server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down control server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("control health check: %w", ctx.Err())
	default:
	}
	if s.server == nil {
		return fmt.Errorf("control server not started")
	}
	return nil
}
