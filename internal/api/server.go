// Package api provides the HTTP REST API and WebSocket server for the mesh
// controller.
//
// The server follows the same lifecycle pattern as other infrastructure components:
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
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-mesh/internal/audit"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mesh/internal/mesh"
	"github.com/nerrad567/gray-logic-mesh/internal/meshgw"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// defaultCommandTimeout bounds controller calls that wait on the gateway.
const defaultCommandTimeout = 10 * time.Second

// Controller is the controller surface the API drives. *mesh.Controller
// satisfies it.
type Controller interface {
	RequestInclude(ctx context.Context) (mesh.Session, error)
	RequestExclude(ctx context.Context) (mesh.Session, error)
	CancelInclude(ctx context.Context) error
	CancelExclude(ctx context.Context) error
	InclusionSession() (mesh.Session, bool)
	RequestPoll(id mesh.NodeID) error
	RequestInterview(ctx context.Context, id mesh.NodeID) error
	RequestNodeSnapshot(id mesh.NodeID) (mesh.NodeView, bool)
	Nodes() []mesh.NodeView
	Groups(id mesh.NodeID) []mesh.Group
	Liveness(id mesh.NodeID) (mesh.LivenessStatus, bool)
	PipelineStats() mesh.PipelineStats
	Ready() bool
	ControllerID() (mesh.NodeID, bool)
	Stats() mesh.Stats
	Send(ctx context.Context, id mesh.NodeID, class mesh.CommandClass, payload []byte) error
}

// EventSource is satisfied by *mesh.Bus.
type EventSource interface {
	Subscribe(h mesh.Handler) mesh.SubscriptionID
	Unsubscribe(id mesh.SubscriptionID) bool
}

// Gateway reports the radio gateway link. *meshgw.Client satisfies it.
type Gateway interface {
	IsConnected() bool
	Stats() meshgw.Stats
}

// Connectivity reports a broker link. *mqtt.Client satisfies it.
type Connectivity interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Controller Controller
	Events     EventSource

	// Optional. Missing dependencies disable their endpoints.
	Journal  audit.Repository
	Gatherer prometheus.Gatherer
	Gateway  Gateway
	MQTT     Connectivity

	Version        string
	CommandTimeout time.Duration
}

// Server is the HTTP API server for the mesh controller.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg            config.APIConfig
	wsCfg          config.WebSocketConfig
	logger         *logging.Logger
	ctrl           Controller
	events         EventSource
	journal        audit.Repository
	gatherer       prometheus.Gatherer
	gateway        Gateway
	mqtt           Connectivity
	version        string
	commandTimeout time.Duration
	startTime      time.Time

	server   *http.Server
	addr     string
	upgrader websocket.Upgrader
	hub      *Hub
	relay    *eventRelay
	subID    mesh.SubscriptionID
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Controller == nil {
		return nil, fmt.Errorf("controller is required")
	}
	if deps.CommandTimeout <= 0 {
		deps.CommandTimeout = defaultCommandTimeout
	}

	s := &Server{
		cfg:            deps.Config,
		wsCfg:          deps.WS,
		logger:         deps.Logger,
		ctrl:           deps.Controller,
		events:         deps.Events,
		journal:        deps.Journal,
		gatherer:       deps.Gatherer,
		gateway:        deps.Gateway,
		mqtt:           deps.MQTT,
		version:        deps.Version,
		commandTimeout: deps.CommandTimeout,
		startTime:      time.Now(),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkWSOrigin,
	}
	s.hub = NewHub(s.wsCfg, s.logger)
	s.relay = newEventRelay(s.hub, defaultRelayQueueSize, s.logger)
	return s, nil
}

// Start binds the listener, then serves in the background. The hub and
// the event relay run until Close or until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.server != nil {
		return errors.New("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var runCtx context.Context
	runCtx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.relay.run(runCtx)
	}()
	if s.events != nil {
		s.subID = s.events.Subscribe(s.relay.handle)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.ReadTimeout(),
		WriteTimeout:      s.cfg.WriteTimeout(),
		IdleTimeout:       s.cfg.IdleTimeout(),
	}
	s.addr = ln.Addr().String()
	go s.serve(ln)
	return nil
}

func (s *Server) serve(ln net.Listener) {
	var err error
	if tls := s.cfg.TLS; tls.Enabled {
		s.logger.Info("API server listening", "address", s.addr, "tls", true)
		err = s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
	} else {
		s.logger.Info("API server listening", "address", s.addr)
		err = s.server.Serve(ln)
	}
	if !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("API server stopped", "error", err)
	}
}

// Addr returns the bound address once started, which resolves port 0.
func (s *Server) Addr() string { return s.addr }

// Close stops the relay and hub, then waits up to
// gracefulShutdownTimeout for in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.events != nil {
		s.events.Unsubscribe(s.subID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck fails until Start has bound the listener.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}

// Handler returns the router without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}
