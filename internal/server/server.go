package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	"github.com/mir00r/openflow-lb/internal/handler"
	"github.com/mir00r/openflow-lb/internal/middleware"
	"github.com/mir00r/openflow-lb/internal/southbound"
	"github.com/mir00r/openflow-lb/pkg/logger"
)

//go:embed openapi.json
var openAPIDoc []byte

// Config defines the admin listener
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Routes are the handlers mounted on the admin router. Nil optional
// members are left out.
type Routes struct {
	Admin   *handler.AdminHandler
	Health  *handler.HealthHandler
	Metrics http.Handler

	// Optional
	Southbound  *southbound.Bridge
	Auth        *middleware.JWTAuthMiddleware
	RateLimiter *middleware.RateLimiter
}

// NewRouter builds the admin HTTP handler with the middleware chain applied
func NewRouter(routes Routes, log *logger.Logger) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", routes.Health.HealthCheckHandler).Methods(http.MethodGet)
	router.HandleFunc("/readiness", routes.Health.ReadinessHandler).Methods(http.MethodGet)
	router.HandleFunc("/liveness", routes.Health.LivenessHandler).Methods(http.MethodGet)
	router.Handle("/metrics", routes.Metrics).Methods(http.MethodGet)
	routes.Admin.RegisterRoutes(router)
	if routes.Southbound != nil {
		routes.Southbound.RegisterRoutes(router)
	}

	// The document route must precede the UI prefix, which would otherwise
	// look for a swag-generated doc.
	router.HandleFunc("/swagger/doc.json", openAPIHandler).Methods(http.MethodGet)
	router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	middlewares := []func(http.Handler) http.Handler{
		middleware.RecoveryMiddleware(log),
		middleware.LoggingMiddleware(log),
		middleware.SecurityHeadersMiddleware(),
	}
	if routes.RateLimiter != nil {
		middlewares = append(middlewares, routes.RateLimiter.RateLimitMiddleware())
	}
	if routes.Auth != nil {
		middlewares = append(middlewares, routes.Auth.JWTAuth())
	}

	var h http.Handler = router
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func openAPIHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(openAPIDoc)
}

// AdminServer serves the admin API and, on the same port, gRPC over
// cleartext HTTP/2
type AdminServer struct {
	config     Config
	handler    http.Handler
	grpc       *grpc.Server
	logger     *logger.Logger
	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

// NewAdminServer creates an admin server. grpcServer may be nil.
func NewAdminServer(config Config, httpHandler http.Handler, grpcServer *grpc.Server, log *logger.Logger) *AdminServer {
	return &AdminServer{
		config:  config,
		handler: httpHandler,
		grpc:    grpcServer,
		logger:  log.WithField("component", "admin_server"),
	}
}

// Handler routes gRPC calls to the gRPC server and everything else to the
// admin router
func (s *AdminServer) Handler() http.Handler {
	if s.grpc == nil {
		return s.handler
	}
	mixed := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler.IsGRPCRequest(r) {
			s.grpc.ServeHTTP(w, r)
			return
		}
		s.handler.ServeHTTP(w, r)
	})
	return h2c.NewHandler(mixed, &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          s.config.IdleTimeout,
	})
}

// Start listens on the configured port and serves until Shutdown
func (s *AdminServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown. It returns nil after a clean shutdown.
func (s *AdminServer) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.WithFields(map[string]interface{}{
		"addr": ln.Addr().String(),
		"grpc": s.grpc != nil,
	}).Info("Starting admin server")

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP and gRPC servers. A Serve call that
// has not started yet returns immediately.
func (s *AdminServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.closed = true
	s.mu.Unlock()

	var err error
	if srv != nil {
		if shutdownErr := srv.Shutdown(ctx); shutdownErr != nil {
			s.logger.WithFields(map[string]interface{}{
				"error": shutdownErr.Error(),
			}).Error("Failed to shutdown admin server")
			err = shutdownErr
		}
	}
	if s.grpc != nil {
		s.grpc.Stop()
	}
	return err
}
