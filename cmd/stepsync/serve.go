package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/stepsync/internal/config"
	"github.com/loykin/stepsync/internal/history"
	hfactory "github.com/loykin/stepsync/internal/history/factory"
	"github.com/loykin/stepsync/internal/metrics"
	"github.com/loykin/stepsync/internal/server"
	"github.com/loykin/stepsync/internal/store/factory"
	apitls "github.com/loykin/stepsync/internal/tls"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the API until ctx is done or a signal arrives.
func (c *command) Serve(ctx context.Context, flags GlobalFlags) error {
	cfg, log, done, err := c.setup(flags)
	if err != nil {
		return err
	}
	defer done()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := factory.NewFromDSN(cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	opts := []server.Option{server.WithLogger(log)}
	if cfg.History.Enabled {
		exp, err := openHistory(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if err := exp.Close(); err != nil {
				log.Warn("history exporter close", "error", err)
			}
		}()
		opts = append(opts, server.WithHistory(exp))
	}

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		msrv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
		defer func() { _ = msrv.Close() }()
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	srv := server.NewServer(cfg.Server.Listen, server.NewRouter(st, cfg.Server.BasePath, opts...))
	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	tc, err := apitls.ServerConfig(cfg.Server.TLS)
	if err != nil {
		_ = ln.Close()
		return err
	}
	scheme := "http"
	if tc != nil {
		ln = tls.NewListener(ln, tc)
		scheme = "https"
	}
	addr := ln.Addr().String()
	log.Info("api listening", "addr", addr, "scheme", scheme, "base", cfg.Server.BasePath, "store", cfg.Store.DSN)
	if c.onListen != nil {
		c.onListen(addr)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// openHistory builds the exporter for [history].dsn.
func openHistory(ctx context.Context, cfg *config.Config, log *slog.Logger) (*history.Exporter, error) {
	sink, err := hfactory.NewSinkFromDSN(cfg.History.DSN)
	if err != nil {
		return nil, err
	}
	if t, ok := sink.(interface{ EnsureTable(context.Context) error }); ok {
		if err := t.EnsureTable(ctx); err != nil {
			_ = sink.Close()
			return nil, err
		}
	}
	return history.NewExporter(sink, cfg.History.Buffer, log.With("component", "history")), nil
}
