package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"cdc-fanout/internal/config"
	"cdc-fanout/internal/fanout"
	cdcnats "cdc-fanout/internal/nats"
	"cdc-fanout/internal/processor"
	"cdc-fanout/internal/server"
	"cdc-fanout/internal/store"
	"cdc-fanout/internal/ws"
)

// runServe wires source, filter, router, mirror and HTTP server. A terminal
// source failure stops the process; restarting is left to the supervisor.
func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	logger.Infof("Starting change fan-out service (source: %s)...", cfg.Source)

	var (
		pool  *pgxpool.Pool
		tasks server.TaskStore
	)
	if cfg.Source == config.SourcePostgres {
		pool, err = store.NewPool(ctx, cfg.Postgres, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		tasks = store.NewTasks(pool)
	}

	var (
		mirror   *cdcnats.Mirror
		natsConn *nats.Conn
	)
	if cfg.NATS.URL != "" {
		mirror, natsConn, err = cdcnats.Connect(cfg.NATS.URL, cfg.NATS.Subject, cfg.NATS.MaxReconnect, cfg.NATS.ReconnectWait, logger)
		if err != nil {
			return err
		}
		// Deferred before the router, so it runs after the mirror and the
		// transformer are done with the connection.
		defer natsConn.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := fanout.NewMetrics(registry)
	if err != nil {
		return err
	}

	router := fanout.NewRouter(fanout.NewRegistry(logger), logger,
		fanout.WithSendConcurrency(cfg.Router.SendConcurrency),
		fanout.WithSendTimeout(cfg.Router.SendTimeout),
		fanout.WithMetrics(metrics),
	)
	defer router.Close()

	if mirror != nil {
		router.Register(mirror)
	}

	src, closeSrc, err := openSource(ctx, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer closeSrc()

	if cfg.Processor.Enabled {
		transformer, err := processor.NewTransformer(&cfg.Processor, logger, natsConn)
		if err != nil {
			return fmt.Errorf("failed to create transformer: %w", err)
		}
		src = processor.NewFilter(src, transformer, logger)
	}

	handle := router.Start(ctx, src)

	srv := server.New(cfg.Server, tasks, ws.NewHandler(router, logger), registry, logger)
	srvCtx, cancelSrv := context.WithCancel(ctx)
	defer cancelSrv()
	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.ListenAndServe(srvCtx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Received signal, shutting down...")
	case <-handle.Done():
		runErr = handle.Wait()
		logger.Errorf("Change feed stopped: %v", runErr)
	case err := <-srvErr:
		srvErr <- err
		runErr = err
		logger.Errorf("HTTP server stopped: %v", err)
	}

	cancelSrv()
	if err := <-srvErr; err != nil && runErr == nil {
		runErr = err
	}
	if err := handle.Stop(); err != nil && runErr == nil {
		runErr = err
	}

	logger.Info("Change fan-out service stopped")
	return runErr
}
