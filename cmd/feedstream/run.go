package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/feedstream/internal/ingestion"
	"github.com/ajitpratap0/feedstream/internal/server"
	"github.com/ajitpratap0/feedstream/pkg/config"
	"github.com/ajitpratap0/feedstream/pkg/connector/core"
	"github.com/ajitpratap0/feedstream/pkg/connector/registry"
	"github.com/ajitpratap0/feedstream/pkg/connector/sources/httpfeed"
	"github.com/ajitpratap0/feedstream/pkg/logger"
	"github.com/ajitpratap0/feedstream/pkg/observability"
	"github.com/ajitpratap0/feedstream/pkg/queue"
)

const shutdownTimeout = 30 * time.Second

// run wires the queue, connectors, supervisor and server and blocks until
// ctx is cancelled or the process receives SIGINT or SIGTERM.
func run(parent context.Context, cfg *config.AppConfig) error {
	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("component", "feedstream"))

	shutdownTracing, err := observability.InitTracing(cfg.Tracing, log)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := assemble(ctx, cfg, log)
	if err != nil {
		_ = shutdownTracing(context.Background())
		return err
	}
	sup, srv := app.sup, app.srv

	if err := sup.Start(); err != nil {
		app.shutdown(context.Background(), log)
		_ = shutdownTracing(context.Background())
		return fmt.Errorf("supervisor: %w", err)
	}
	if srv != nil {
		if err := srv.Start(); err != nil {
			app.shutdown(context.Background(), log)
			_ = shutdownTracing(context.Background())
			return fmt.Errorf("server: %w", err)
		}
	}

	log.Info("feedstream running",
		zap.String("version", version),
		zap.Int("connectors", len(cfg.Connectors)),
		zap.String("queue", cfg.Queue.Type))

	<-ctx.Done()
	log.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("server shutdown failed", zap.Error(err))
		}
	}
	app.shutdown(shutdownCtx, log)
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown failed", zap.Error(err))
	}
	log.Info("feedstream stopped")
	return nil
}

// assembly is the wired but not yet started process.
type assembly struct {
	sup     *ingestion.Supervisor
	srv     *server.Server
	sources []core.Source
}

// shutdown stops the supervisor, then releases every source that holds
// resources of its own.
func (a *assembly) shutdown(ctx context.Context, log *zap.Logger) {
	if err := a.sup.Stop(ctx); err != nil {
		log.Warn("supervisor shutdown failed", zap.Error(err))
	}
	a.closeSources(log)
}

func (a *assembly) closeSources(log *zap.Logger) {
	for _, src := range a.sources {
		closer, ok := src.(io.Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			log.Warn("failed to close connector", zap.String("connector", src.Name()), zap.Error(err))
		}
	}
}

// assemble builds the supervisor with every configured connector registered,
// and the operational server when enabled. Nothing is started.
func assemble(ctx context.Context, cfg *config.AppConfig, log *zap.Logger) (*assembly, error) {
	q := queue.New(ctx, cfg.Queue, log)
	if q.FellBack() {
		log.Warn("queue running on the in-process buffer",
			zap.String("requested", cfg.Queue.Type),
			zap.Error(q.InitError()))
	}

	reg := registry.NewRegistry(log)
	if err := httpfeed.Register(reg); err != nil {
		_ = q.Close()
		return nil, err
	}

	sup, err := ingestion.New(cfg.Supervisor, q, log)
	if err != nil {
		_ = q.Close()
		return nil, fmt.Errorf("supervisor: %w", err)
	}

	app := &assembly{sup: sup}
	fail := func(name string, err error) (*assembly, error) {
		app.closeSources(log)
		_ = q.Close()
		return nil, fmt.Errorf("connector %q: %w", name, err)
	}
	for _, cc := range cfg.Connectors {
		src, err := reg.Create(cc, log)
		if err != nil {
			return fail(cc.Name, err)
		}
		app.sources = append(app.sources, src)
		if err := sup.RegisterConnector(cc.Name, src); err != nil {
			return fail(cc.Name, err)
		}
	}

	if cfg.Server.Enabled {
		app.srv = server.New(cfg.Server.ListenAddress, sup, log)
	}
	return app, nil
}
