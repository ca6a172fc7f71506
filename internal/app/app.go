// Package app wires the routing engine, its transports, the routing file
// watcher and the HTTP listener into one process.
package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"

	"message-router/internal/common/logging"
	"message-router/internal/config"
	"message-router/internal/listener"
	"message-router/internal/routing"
	"message-router/internal/transport"
)

// App holds the running components.
type App struct {
	Config   *config.Config
	Registry *transport.Registry
	Dialer   *routing.BindingDialer
	Engine   *routing.Engine
	Metrics  *prometheus.Registry
	Server   *listener.Server
	Watcher  *config.Watcher
	Logger   logging.Logger
}

// New loads the routing file and builds every component. Nothing listens
// until Start.
func New(cfg *config.Config, registry *transport.Registry) (*App, error) {
	logger := logging.WithComponent("app")

	file, err := config.LoadRoutingFile(cfg.RoutingFile)
	if err != nil {
		return nil, err
	}
	resolved, err := file.Resolve(registry)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dialer := routing.NewBindingDialer(registry, resolved.Bindings)
	engine, err := routing.NewEngine(resolved.Routing, dialer,
		routing.WithMetrics(routing.NewMetrics(reg)),
		routing.WithLogger(logging.WithComponent("routing")),
	)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Registry: registry,
		Dialer:   dialer,
		Engine:   engine,
		Metrics:  reg,
		Logger:   logger,
	}

	_, read, write := cfg.Durations()
	opts := listener.Options{
		Port:         cfg.Port,
		ReadTimeout:  read,
		WriteTimeout: write,
		Logger:       logging.WithComponent("listener"),
	}
	if cfg.MetricsEnabled {
		opts.Registry = reg
	}
	handlers := listener.NewHandlers(engine, opts.Logger)
	app.Server = listener.NewServer(listener.NewRouter(handlers, opts), opts)

	if cfg.RoutingWatch {
		app.Watcher, err = config.NewWatcher(cfg.RoutingFile, registry, app.Apply)
		if err != nil {
			_ = engine.Close()
			return nil, err
		}
	}

	logger.Info("Routing configuration loaded",
		logging.String("file", cfg.RoutingFile),
		logging.Int("entries", len(resolved.Routing.Entries)),
		logging.Int("bindings", len(resolved.Bindings)),
		logging.Bool("processing", resolved.Routing.ProcessingEnabled),
	)
	return app, nil
}

// Apply installs a new routing configuration. New bindings are visible
// before the table that refers to them.
func (a *App) Apply(r *config.Resolved) error {
	a.Dialer.SetBindings(r.Bindings)
	return a.Engine.Reconfigure(r.Routing)
}

// Start starts the watcher and the listener. The returned channel reports
// a listener failure.
func (a *App) Start(ctx context.Context) (<-chan error, error) {
	if a.Watcher != nil {
		if err := a.Watcher.Start(ctx); err != nil {
			return nil, err
		}
	}
	return a.Server.Start()
}

// Shutdown stops the listener, then the watcher, then closes every
// destination connection.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	if a.Server != nil {
		err = multierr.Append(err, a.Server.Shutdown(ctx))
	}
	if a.Watcher != nil {
		err = multierr.Append(err, a.Watcher.Stop())
	}
	err = multierr.Append(err, a.Engine.Close())
	return err
}
