package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/florianilch/crest/internal/install"
)

// maxFormBytes bounds install callback bodies.
const maxFormBytes = 1 << 20

// Installer persists the credentials of an install callback.
type Installer interface {
	Install(ctx context.Context, p install.Payload) (install.Result, error)
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes the collectors of g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithLogger sets the request logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOnInstall registers fn to run after every successful install.
func WithOnInstall(fn func(context.Context, install.Result)) Option {
	return func(s *Server) {
		s.onInstall = fn
	}
}

// Server receives install callbacks from Bitrix24.
type Server struct {
	mux    *http.ServeMux
	server *http.Server

	installer Installer
	gatherer  prometheus.Gatherer
	logger    *slog.Logger
	onInstall func(context.Context, install.Result)
}

// Compile-time check that Server implements http.Handler
var _ http.Handler = (*Server)(nil)

// New creates a Server that hands install callbacks to installer.
func New(installer Installer, opts ...Option) (*Server, error) {
	if installer == nil {
		return nil, fmt.Errorf("missing installer")
	}

	s := &Server{
		installer: installer,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	mux.Handle("POST /install", applyMiddlewares(http.HandlerFunc(s.handleInstall),
		Logging(s.logger),
		RequestID,
		Recovery,
	))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, map[string]string{"status": "ok"}, http.StatusOK)
	})
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.mux = mux
	return s, nil
}

// ServeHTTP implements http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// installResponse is the body returned to the install callback.
type installResponse struct {
	RestOnly bool   `json:"rest_only"`
	Install  bool   `json:"install"`
	MemberID string `json:"member_id,omitempty"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		writeJSONError(ctx, w, "invalid form body", http.StatusBadRequest)
		return
	}

	res, err := s.installer.Install(ctx, install.FromValues(r.Form))
	switch {
	case errors.Is(err, install.ErrUnsupportedPayload), errors.Is(err, install.ErrInvalidPayload):
		writeJSONError(ctx, w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		writeJSONError(ctx, w, "failed to store credentials", http.StatusInternalServerError)
		return
	}

	if s.onInstall != nil {
		s.onInstall(ctx, res)
	}

	writeJSON(ctx, w, installResponse{
		RestOnly: res.RestOnly,
		Install:  res.Installed,
		MemberID: res.Record.MemberID,
	}, http.StatusOK)
}

// Start starts the HTTP server in the background and returns immediately.
// Returns a channel for runtime errors and a startup error if any.
//
// Startup errors (port in use, permission denied) are returned immediately.
// Runtime errors (network failures during operation) are sent to the error channel.
//
// The caller is responsible for calling Shutdown() to stop the server.
func (s *Server) Start(ctx context.Context, address string) (<-chan error, error) {
	// Startup phase: Create listener synchronously to catch port-in-use errors immediately
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.server = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		err := s.server.Serve(listener)
		// Only report error if not from graceful shutdown
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return errCh, nil
}

// Shutdown performs graceful shutdown of the HTTP server.
// Returns error if shutdown fails or times out.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	if err := s.server.Shutdown(ctx); err != nil {
		// Graceful shutdown failed - force close
		_ = s.server.Close()
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	return nil
}
