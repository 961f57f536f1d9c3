package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/probe-ota-core/internal/bridges/ble"
	"github.com/nerrad567/probe-ota-core/internal/dfu"
	"github.com/nerrad567/probe-ota-core/internal/firmware"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/config"
	"github.com/nerrad567/probe-ota-core/internal/infrastructure/logging"
	"github.com/nerrad567/probe-ota-core/internal/ota"
	"github.com/nerrad567/probe-ota-core/internal/probe"
	"github.com/nerrad567/probe-ota-core/internal/stream"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Updater is the part of the OTA orchestrator the server drives.
// *ota.Orchestrator satisfies it.
type Updater interface {
	Start() bool
	Stop() bool
	Enabled() bool
	Updating() bool
	Devices() []ota.DeviceInfo
	Device(id probe.ID) (ota.DeviceInfo, bool)
	PerformUpdate(id probe.ID, image dfu.Image) (*stream.Stream[probe.DeviceState], error)
	Abort(id probe.ID) bool
	StateStreamFor(id probe.ID) (*stream.Stream[probe.DeviceState], bool)
	ActiveRetry() (ota.RetryContext, bool)
	Retries() []ota.RetryContext
	Events() *stream.Stream[ota.SystemEvent]
	RetrySessions() *stream.Stream[probe.ID]
}

// GatewayStatus reports on the link to the BLE gateway.
// *ble.Bridge satisfies it.
type GatewayStatus interface {
	GatewayOnline() bool
	ActiveAttempts() int
	DroppedAdverts() uint64
}

// Catalog is the read side of the firmware catalog.
// *firmware.Catalog satisfies it.
type Catalog interface {
	List(ctx context.Context, productType probe.ProductType) ([]firmware.Image, error)
	GetByID(ctx context.Context, id string) (*firmware.Image, error)
	Resolve(ctx context.Context, productType probe.ProductType) (*firmware.Image, error)
}

var (
	_ Updater = (*ota.Orchestrator)(nil)
	_ Catalog       = (*firmware.Catalog)(nil)
	_ GatewayStatus = (*ble.Bridge)(nil)
)

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Updater Updater
	Catalog Catalog       // optional: update requests fail without it
	Gateway GatewayStatus // optional: omitted from status without it
	Version string
}

// Server is the HTTP API server for the probe OTA core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg     config.APIConfig
	wsCfg   config.WebSocketConfig
	logger  *logging.Logger
	updater Updater
	catalog Catalog
	gateway GatewayStatus
	version string
	server  *http.Server
	hub     *Hub
	cancel  context.CancelFunc
	srvCtx  context.Context

	watchMu  sync.Mutex
	watching map[probe.ID]deviceWatch
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Updater == nil {
		return nil, fmt.Errorf("updater is required")
	}

	return &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		updater:  deps.Updater,
		catalog:  deps.Catalog,
		gateway:  deps.Gateway,
		version:  deps.Version,
		watching: make(map[probe.ID]deviceWatch),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, begins relaying orchestrator events and the
// state of every known device, and launches the HTTP listener in a
// background goroutine. The listener is bound before Start returns, so a
// port conflict is reported here.
func (s *Server) Start(ctx context.Context) error {
	srvCtx, cancel := context.WithCancel(ctx)

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		cancel()
		return fmt.Errorf("listening on %s:%d: %w", s.cfg.Host, s.cfg.Port, err)
	}

	s.cancel = cancel
	s.startRelays(srvCtx)

	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	s.logger.Info("API server starting", "address", s.server.Addr)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// startRelays creates the hub and wires orchestrator streams into it.
func (s *Server) startRelays(ctx context.Context) {
	s.srvCtx = ctx
	s.hub = NewHub(s.wsCfg, s.logger)
	s.hub.AddChannel(ChannelSystemEvent, nil)
	s.hub.AddChannel(ChannelDeviceState, s.deviceSnapshot)
	go s.hub.Run(ctx)
	go s.relaySystemEvents(ctx)
	go s.relayRetrySessions(ctx)
	for _, info := range s.updater.Devices() {
		if st, ok := s.updater.StateStreamFor(info.ID); ok {
			s.watchDevice(info.ID, st)
		}
	}
}

// Addr returns the address the server is listening on, or "" before Start.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
