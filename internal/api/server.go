package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/dcc-flasher/internal/catalog"
	"github.com/nerrad567/dcc-flasher/internal/device"
	"github.com/nerrad567/dcc-flasher/internal/dispatch"
	"github.com/nerrad567/dcc-flasher/internal/history"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/config"
	"github.com/nerrad567/dcc-flasher/internal/infrastructure/logging"
	"github.com/nerrad567/dcc-flasher/internal/monitor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Devices is the read side of the device registry.
type Devices interface {
	List() []device.Device
	Filtered() []device.Device
	Select(id string) (*device.Device, error)
	Stats() device.Stats
}

// Rescanner forces an immediate USB enumeration.
type Rescanner interface {
	Rescan()
}

// DiscoveryRestarter restarts network browsing.
type DiscoveryRestarter interface {
	Restart(ctx context.Context) error
}

// Catalog serves the firmware index.
type Catalog interface {
	Index() (*catalog.Index, error)
	Refresh(ctx context.Context) (*catalog.Index, error)
	FetchedAt() time.Time
}

// Tasks starts transfer tasks.
type Tasks interface {
	Flash(ctx context.Context, deviceID, artifact string) (*dispatch.Task, error)
	Erase(ctx context.Context, deviceID string) (*dispatch.Task, error)
	PushConfig(ctx context.Context, deviceID, artifact string) (*dispatch.Task, error)
	BatchUpload(ctx context.Context, deviceID string, artifacts []string) (*dispatch.Task, error)
	EnableRemoteLogging(ctx context.Context, deviceID string) (string, error)
	Active(kind dispatch.Kind) *dispatch.Task
}

// History lists finished tasks.
type History interface {
	List(ctx context.Context, filter history.Filter) (*history.ListResult, error)
}

// SerialMonitor is the interactive serial console.
type SerialMonitor interface {
	Connect(ctx context.Context, deviceID string) (monitor.Status, error)
	Send(text string) error
	Disconnect() error
	Status() monitor.Status
}

// BusStatus reports the MQTT connection state.
type BusStatus interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Security  config.SecurityConfig
	Logger    *logging.Logger
	Devices   Devices
	Tasks     Tasks
	Rescanner Rescanner
	Discovery DiscoveryRestarter // optional
	Catalog   Catalog            // optional
	History   History            // optional
	Monitor   SerialMonitor      // optional
	Bus       BusStatus          // optional
	Hub       *Hub               // if set, the server uses this hub instead of creating its own
	Version   string
}

// Server is the HTTP control API server.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	secCfg    config.SecurityConfig
	logger    *logging.Logger
	devices   Devices
	tasks     Tasks
	rescanner Rescanner
	discovery DiscoveryRestarter
	catalog   Catalog
	history   History
	monitor   SerialMonitor
	bus       BusStatus
	version   string
	startTime time.Time
	tickets   *ticketStore

	hub         *Hub
	externalHub bool

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Devices == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task dispatcher is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		devices:   deps.Devices,
		tasks:     deps.Tasks,
		rescanner: deps.Rescanner,
		discovery: deps.Discovery,
		catalog:   deps.Catalog,
		history:   deps.History,
		monitor:   deps.Monitor,
		bus:       deps.Bus,
		version:   deps.Version,
		startTime: time.Now(),
		tickets:   newTicketStore(),
	}
	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.WS, deps.Logger)
	}
	s.hub.SetDeviceSource(deps.Devices.List)
	return s, nil
}

// Hub returns the WebSocket hub events are broadcast on.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in a background goroutine.
// The server can be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}
	go s.expireTicketsLoop(srvCtx)

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.Timeouts.ReadDuration(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadDuration(),
		WriteTimeout:      s.cfg.Timeouts.WriteDuration(),
		IdleTimeout:       s.cfg.Timeouts.IdleDuration(),
	}

	srv := s.server
	s.logger.Info("API server starting", "address", ln.Addr().String(), "auth", s.authEnabled())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
