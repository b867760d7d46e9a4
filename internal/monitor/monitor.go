package monitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	"github.com/YigremTamiru/cell0-os-sub002/internal/gateway"
	"github.com/YigremTamiru/cell0-os-sub002/internal/raft"
	"github.com/YigremTamiru/cell0-os-sub002/internal/router"
)

// DefaultAddr is where the monitoring API listens unless overridden.
const DefaultAddr = ":18802"

// shutdownTimeout bounds graceful drain of in-flight requests on Stop.
const shutdownTimeout = 5 * time.Second

// Config collects the server's dependencies. It is populated in main
// after all components are initialized, keeping the constructor
// signature stable as the surface grows. Raft and JWT may be nil: the
// raft endpoint then reports not found and the admin group refuses all
// requests.
type Config struct {
	Addr    string
	NodeID  string
	Version string

	Health  *Health
	Gateway *gateway.Gateway
	Events  *router.Router
	Tokens  *auth.Manager
	Raft    *raft.Node
	JWT     *auth.JWTManager
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server is the monitoring/admin HTTP API.
type Server struct {
	cfg    Config
	logger *zap.Logger

	handler  http.Handler
	server   *http.Server
	listener net.Listener
}

// NewServer builds the server and its route table.
func NewServer(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("monitor"),
	}
	s.handler = s.routes()
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/raft/status", s.handleRaftStatus)
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(authenticate(s.cfg.JWT))
			r.Use(requireRole(auth.RoleAdmin))

			r.Post("/admin/tokens", s.handleCreateToken)
			r.Delete("/admin/tokens/{token}", s.handleRevokeToken)
		})
	})

	return r
}

// Handler exposes the route table for embedding or test harnesses.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and begins serving. Bind errors surface
// here rather than from the serve goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("monitor: bind %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.handler}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("serve", zap.Error(err))
		}
	}()

	s.logger.Info("monitor listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("admin_enabled", s.cfg.JWT != nil))
	return nil
}

// Stop drains in-flight requests and releases the listener.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		_ = s.server.Close()
	}
	s.logger.Info("monitor stopped")
}

// Addr reports the bound listen address, useful when the port was 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}
