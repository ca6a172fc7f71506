package listener

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"message-router/internal/common/logging"
)

// Options configure the listener.
type Options struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Registry, when set, receives the HTTP metrics and is served on
	// /metrics.
	Registry *prometheus.Registry
	Logger   logging.Logger
}

// NewRouter builds the route table.
func NewRouter(h *Handlers, opts Options) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("listener")
	}

	r := mux.NewRouter()
	r.Use(RequestID, Logging(logger))
	if opts.Registry != nil {
		r.Use(newHTTPMetrics(opts.Registry).middleware)
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/messages", h.Broadcast).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/messages", h.SessionMessage).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", h.CloseSession).Methods(http.MethodDelete)
	r.HandleFunc("/duplex/{id}/messages", h.DuplexMessage).Methods(http.MethodPost)
	r.HandleFunc("/duplex/{id}", h.CloseSession).Methods(http.MethodDelete)
	r.HandleFunc("/request", h.Request).Methods(http.MethodPost)
	r.HandleFunc("/match", h.Match).Methods(http.MethodPost)
	return r
}

// Server is the listener's HTTP server.
type Server struct {
	srv    *http.Server
	addr   net.Addr
	logger logging.Logger
}

func NewServer(handler http.Handler, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("listener")
	}
	return &Server{
		srv: &http.Server{
			Addr:         ":" + opts.Port,
			Handler:      handler,
			ReadTimeout:  opts.ReadTimeout,
			WriteTimeout: opts.WriteTimeout,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// Start binds the port and serves in the background. Serve failures after
// a successful bind are sent on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}
	s.addr = ln.Addr()
	s.logger.Info("Listener started", logging.String("addr", s.addr.String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Addr is the bound address once Start succeeded.
func (s *Server) Addr() net.Addr { return s.addr }

// Shutdown stops accepting requests and waits for active ones until ctx
// is done.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
