package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/florianilch/crest/internal/install"
	"github.com/florianilch/crest/internal/rest"
	"github.com/florianilch/crest/internal/server"
	"github.com/florianilch/crest/internal/tokenstore"
)

// App wires the credential store, REST client and install server together
// and orchestrates their lifecycle.
type App struct {
	cfg       *Config
	store     tokenstore.CredentialStore
	client    *rest.Client
	installer *install.Installer
	registry  *prometheus.Registry

	mu      sync.Mutex
	portals map[string]*rest.Portal
}

// New creates a new App instance. The credential store is opened eagerly so
// connection and migration failures surface before any command runs.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := cfg.Storage.NewCredentialStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	a, err := newApp(cfg, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func newApp(cfg *Config, store tokenstore.CredentialStore) (*App, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := rest.NewMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	refresher, err := cfg.Auth.NewRefresher(store)
	if err != nil {
		return nil, fmt.Errorf("failed to create token refresher: %w", err)
	}

	opts := append(cfg.REST.Options(), rest.WithMetrics(metrics))
	if refresher != nil {
		opts = append(opts, rest.WithRefresher(refresher))
	}
	if cfg.Auth.Method == AuthenticationMethodWebhook {
		opts = append(opts, rest.WithInboundHook(cfg.Auth.InboundHook))
	}

	installer, err := install.NewInstaller(store, cfg.Portal.MemberID)
	if err != nil {
		return nil, fmt.Errorf("failed to create installer: %w", err)
	}

	return &App{
		cfg:       cfg,
		store:     store,
		client:    rest.New(opts...),
		installer: installer,
		registry:  registry,
		portals:   make(map[string]*rest.Portal),
	}, nil
}

// Client returns the shared REST client.
func (a *App) Client() *rest.Client {
	return a.client
}

// Installer returns the installer that persists install callbacks.
func (a *App) Installer() *install.Installer {
	return a.installer
}

// Portal returns the portal for memberID, loading its credentials on first
// use. An empty memberID selects portal.member_id from the configuration.
func (a *App) Portal(ctx context.Context, memberID string) (*rest.Portal, error) {
	if memberID == "" {
		memberID = a.cfg.Portal.MemberID
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.portals[memberID]; ok {
		return p, nil
	}
	p, err := rest.NewPortal(ctx, a.client, a.store, memberID)
	if err != nil {
		return nil, err
	}
	a.portals[memberID] = p
	return p, nil
}

// reloadPortal picks up freshly installed credentials for a portal that is already loaded.
func (a *App) reloadPortal(ctx context.Context, res install.Result) {
	a.mu.Lock()
	p, ok := a.portals[res.Record.MemberID]
	a.mu.Unlock()

	if !ok {
		return
	}
	if err := p.Reload(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to reload portal after install", "member_id", res.Record.MemberID, "error", err)
	}
}

// Close releases the credential store.
func (a *App) Close() error {
	return a.store.Close()
}

// Start starts the install server and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
	var shutdownFuncs []func(context.Context) error

	srv, err := server.New(a.installer,
		server.WithMetrics(a.registry),
		server.WithOnInstall(a.reloadPortal),
	)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting install server", "address", address)
	srvErrCh, err := srv.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, srv.Shutdown)

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-srvErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "server runtime error", "error", err)
				return fmt.Errorf("server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
