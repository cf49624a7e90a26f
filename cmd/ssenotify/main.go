package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/subnetmarco/ssenotify"
	"github.com/subnetmarco/ssenotify/internal/config"
	"github.com/subnetmarco/ssenotify/internal/logger"
	"github.com/subnetmarco/ssenotify/pgnotify"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	envFile := flag.String("env-file", ".env", "optional .env file loaded before SSENOTIFY_* overrides")
	addrOverride := flag.String("addr", "", "override HTTP listen address")
	metricsAddrOverride := flag.String("metrics-addr", "", "override metrics listen address (enables metrics)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\nServes Postgres NOTIFY events as Server-Sent Events.\n\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *addrOverride != "" {
		cfg.HTTP.Addr = *addrOverride
	}
	if *metricsAddrOverride != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddrOverride
	}

	lg, err := logger.New(&cfg.Logging)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	if err := run(cfg, lg); err != nil {
		lg.Fatal("ssenotify stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	broker, err := ssenotify.New(brokerConfig(cfg, lg, reg), &pgnotify.Dialer{
		DSN:    cfg.Database.DSN,
		Logger: lg.Named("pgnotify"),
	})
	if err != nil {
		return fmt.Errorf("create broker: %w", err)
	}
	if err := broker.Start(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}

	if cfg.Database.QueuePollInterval > 0 {
		pool, err := pgnotify.OpenPool(ctx, cfg.Database.DSN)
		if err != nil {
			lg.Warn("queue monitor disabled", zap.Error(err))
		} else {
			defer pool.Close()
			mon, err := pgnotify.NewQueueMonitor(pool, cfg.Database.QueuePollInterval,
				cfg.Database.QueueWarnThreshold, lg.Named("pgnotify"), registerer(reg))
			if err != nil {
				return fmt.Errorf("queue monitor: %w", err)
			}
			go mon.Run(ctx)
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	broker.Attach(r)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       70 * time.Second, // SSE friendly
	}

	var metricsSrv *http.Server
	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{
			Registry:          reg,
			EnableOpenMetrics: true,
		}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			lg.Info("starting metrics server", zap.String("addr", cfg.Metrics.Addr), zap.String("path", cfg.Metrics.Path))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		lg.Info("ssenotify started",
			zap.String("addr", cfg.HTTP.Addr),
			zap.Strings("channels", cfg.Broker.Channels),
			zap.Int("max_clients", cfg.Broker.MaxClients))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		lg.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			lg.Error("http server error", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Closing the broker first ends every open stream, which lets the
	// HTTP server drain.
	if err := broker.Shutdown(shutdownCtx); err != nil {
		lg.Error("broker shutdown", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			lg.Error("metrics shutdown", zap.Error(err))
		}
	}
	return nil
}

func brokerConfig(cfg *config.Config, lg *zap.Logger, reg *prometheus.Registry) ssenotify.Config {
	bc := ssenotify.DefaultConfig()
	bc.Channels = cfg.Broker.Channels
	bc.MaxClients = cfg.Broker.MaxClients
	bc.HeartbeatInterval = cfg.Broker.HeartbeatInterval
	bc.HeartbeatIncludeStatus = cfg.Broker.HeartbeatIncludeStatus
	bc.ConnectTimeout = cfg.Database.ConnectTimeout
	bc.Reconnect = ssenotify.ReconnectConfig{
		MaxAttempts: cfg.Broker.Reconnect.MaxAttempts,
		BaseDelay:   cfg.Broker.Reconnect.BaseDelay,
		MaxDelay:    cfg.Broker.Reconnect.MaxDelay,
	}
	bc.HTTP.StreamPath = cfg.HTTP.StreamPath
	bc.HTTP.HealthPath = cfg.HTTP.HealthPath
	bc.HTTP.ClientsPath = cfg.HTTP.ClientsPath
	bc.HTTP.ReconnectPath = cfg.HTTP.ReconnectPath
	bc.HTTP.ClientBuffer = cfg.HTTP.ClientBuffer
	bc.Logger = lg.Named("broker")
	bc.Registerer = registerer(reg)
	bc.OnStateChange = func(from, to ssenotify.State) {
		if to == ssenotify.StateReconnecting {
			lg.Warn("upstream unavailable", zap.String("from", string(from)))
		}
	}
	return bc
}

// registerer avoids handing a typed nil *Registry to code that checks
// for a nil interface.
func registerer(reg *prometheus.Registry) prometheus.Registerer {
	if reg == nil {
		return nil
	}
	return reg
}
