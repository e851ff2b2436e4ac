package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peer-rpc/config"
	"peer-rpc/middleware"
	"peer-rpc/registry"
	"peer-rpc/server"
)

var wsPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the demo services until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx, cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVar(&wsPath, "ws-path", "/rpc", "HTTP path of the websocket endpoint")
	rootCmd.AddCommand(serveCmd)
}

// newServer builds a server with the demo services and the configured
// middleware chain: logging, metrics, rate limit, handler timeout.
func newServer(cfg *config.Config, log *zap.Logger, reg prometheus.Registerer) (*server.Server, error) {
	codecType, err := cfg.Peer.CodecType()
	if err != nil {
		return nil, err
	}
	svr := server.NewServer(server.Options{
		CodecType:   codecType,
		Timeout:     cfg.Peer.Timeout.Duration,
		Heartbeat:   cfg.Server.Heartbeat.Duration,
		NoHandshake: cfg.Peer.NoHandshake,
		TTL:         cfg.Registry.TTL,
		Instance:    registry.ServiceInstance{Weight: cfg.Server.Weight, Version: cfg.Server.Version},
		Logger:      log,
	})
	if err := registerDemo(svr); err != nil {
		return nil, err
	}

	svr.Use(middleware.LoggingMiddleware(log))
	if reg != nil {
		metrics, err := middleware.NewMetrics(reg, "server")
		if err != nil {
			return nil, err
		}
		svr.Use(metrics.Middleware())
	}
	if cfg.Server.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Server.RateLimit, cfg.Server.Burst))
	}
	if d := cfg.Server.HandlerTimeout.Duration; d > 0 {
		svr.Use(middleware.TimeOutMiddleware(d))
	}
	return svr, nil
}

func runServer(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svr, err := newServer(cfg, log, promReg)
	if err != nil {
		return err
	}
	reg, release, err := openRegistry(cfg.Registry.Endpoints)
	if err != nil {
		return err
	}
	defer release()

	errs := make(chan error, 3)
	go func() { errs <- svr.Serve("tcp", cfg.Server.Listen, cfg.Server.Advertise, reg) }()
	if cfg.Server.Websocket != "" {
		go func() { errs <- svr.ServeWebSocket(cfg.Server.Websocket, wsPath) }()
	}
	var metricsServer *http.Server
	if cfg.Server.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.Server.Metrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errs <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errs:
		log.Error("serve failed", zap.Error(err))
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	if shutdownErr := svr.Shutdown(cfg.Server.ShutdownTimeout.Duration); shutdownErr != nil {
		log.Warn("shutdown", zap.Error(shutdownErr))
	}
	return err
}
