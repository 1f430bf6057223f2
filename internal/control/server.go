// Package control serves the gateway's management surface: JSON-RPC
// introspection, Prometheus metrics and a health check.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/zeusync/vicodyn/internal/core/observability/log"
	"github.com/zeusync/vicodyn/internal/core/observability/metrics"
)

// Routes served by the control server.
const (
	PathRPC     = "/rpc"
	PathMetrics = "/metrics"
	PathHealth  = "/healthz"
)

const shutdownTimeout = 5 * time.Second

// Config holds control server settings.
type Config struct {
	ListenAddr string
	// ReadHeaderTimeout bounds slow clients.
	ReadHeaderTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        "127.0.0.1:7480",
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Server is the HTTP listener of the control plane.
type Server struct {
	config  Config
	logger  log.Log
	handler http.Handler

	mu         sync.RWMutex
	httpServer *http.Server
	listener   net.Listener

	running int32
	closed  int32
	done    chan struct{}
}

func New(config Config, gw Gateway, logger log.Log) (*Server, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.With(log.Component("control"))

	rpcServer := rpc.NewServer()
	rpcServer.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rpcServer.RegisterService(NewService(gw, logger), ServiceName); err != nil {
		return nil, fmt.Errorf("control: register service: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(PathRPC, metrics.Instrument("rpc", rpcServer))
	mux.Handle(PathMetrics, metrics.Instrument("metrics", metrics.Handler()))
	mux.Handle(PathHealth, metrics.Instrument("healthz", http.HandlerFunc(healthHandler(gw))))

	return &Server{
		config:  config,
		logger:  logger,
		handler: mux,
		done:    make(chan struct{}),
	}, nil
}

// Handler returns the routing handler, usable without Start.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrServerClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return ErrServerAlreadyRunning
	}

	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		s.logger.Error("Failed to create listener", log.String("addr", s.config.ListenAddr), log.Error(err))
		return fmt.Errorf("%w: %w", ErrListenFailed, err)
	}
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}
	s.mu.Lock()
	s.listener = listener
	s.httpServer = httpServer
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Control server stopped", log.Error(err))
		}
	}()

	s.logger.Info("Control server listening", log.String("addr", listener.Addr().String()))
	return nil
}

// Addr is the bound address, useful when listening on port 0.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the listener down and waits for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if atomic.LoadInt32(&s.running) == 0 {
		return ErrServerNotRunning
	}
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.mu.RLock()
	httpServer := s.httpServer
	s.mu.RUnlock()
	if httpServer == nil {
		return ErrServerNotRunning
	}
	err := httpServer.Shutdown(ctx)
	<-s.done
	s.logger.Info("Control server stopped")
	return err
}

// Run starts the server and stops it once ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Stop(stopCtx)
}

type health struct {
	Status   string `json:"status"`
	Gateway  string `json:"gateway"`
	Services int    `json:"services"`
}

func healthHandler(gw Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apps, err := gw.Apps("")
		status := http.StatusOK
		body := health{Status: "ok", Gateway: gw.ID(), Services: len(apps)}
		if err != nil {
			status = http.StatusServiceUnavailable
			body.Status = err.Error()
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
