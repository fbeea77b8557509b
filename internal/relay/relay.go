// Package relay is the main orchestrator that ties all relay components
// together: registry, journal, dispatcher, gateway, and the HTTP server.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/emberbank/fleetrelay/internal/api"
	"github.com/emberbank/fleetrelay/internal/config"
	"github.com/emberbank/fleetrelay/internal/dispatch"
	"github.com/emberbank/fleetrelay/internal/events"
	"github.com/emberbank/fleetrelay/internal/gateway"
	"github.com/emberbank/fleetrelay/internal/journal"
	"github.com/emberbank/fleetrelay/internal/registry"
)

// Relay is the main relay process.
type Relay struct {
	cfg    *config.Config
	bus    *events.Bus
	jnl    journal.Journal
	disp   *dispatch.Dispatcher
	api    *api.Server
	logger *slog.Logger
}

// New creates a relay from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Relay, error) {
	jnl, err := journal.New(cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("init journal: %w", err)
	}

	bus := events.New()
	reg := registry.New(bus)
	controllers := gateway.NewControllerGroup(logger)
	disp := dispatch.New(reg, bus, controllers, jnl, logger)
	gw := gateway.New(reg, disp, controllers, jnl, logger)
	apiSrv := api.NewServer(reg, disp, gw, jnl, cfg, logger)

	for _, origin := range cfg.Server.AllowedOrigins {
		if origin == "*" {
			logger.Warn("CORS allowed_origins contains wildcard '*', restrict to specific origins in production")
			break
		}
	}

	return &Relay{
		cfg:    cfg,
		bus:    bus,
		jnl:    jnl,
		disp:   disp,
		api:    apiSrv,
		logger: logger.With("component", "relay"),
	}, nil
}

// Run starts the relay HTTP server and blocks until the context is canceled.
func (r *Relay) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    r.cfg.Server.Addr,
		Handler: r.api.Handler(),
	}

	r.disp.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("relay listening", "addr", r.cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutting down relay gracefully")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Warn("graceful shutdown failed, forcing close", "error", err)
			_ = srv.Close()
		}

		r.bus.Close()
		_ = r.jnl.Close()
		r.logger.Info("shutdown complete")
		return ctx.Err()

	case err := <-errCh:
		r.bus.Close()
		_ = r.jnl.Close()
		return err
	}
}
