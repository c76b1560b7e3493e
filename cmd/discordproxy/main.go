package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"discordproxy/internal/client"
	"discordproxy/internal/config"
	"discordproxy/internal/gateway"
	"discordproxy/internal/obs"
	"discordproxy/internal/proxy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	var sink *obs.FileSink
	if cfg.LogFile != "" {
		sink = &obs.FileSink{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}
	}
	logger := obs.SetupLogger(cfg.LogLevel, sink)

	reg := prometheus.NewRegistry()
	metrics := obs.NewMetrics(reg, cfg.MetricKey)

	cache := client.NewCache(client.Options{
		DefaultToken: cfg.DiscordToken,
		MaxSize:      cfg.ClientCacheMaxSize,
		DecayTimeout: cfg.ClientDecayTimeout,
		ReapInterval: cfg.ClientReapInterval,
		Log:          logger.With().Str("component", "client").Logger(),
	})

	p, err := proxy.New(proxy.Options{
		Transport: proxy.NewHTTPTransport(cfg.DisableHTTP2),
		Clients:   cache,
		Metrics:   metrics,
		Log:       logger.With().Str("component", "proxy").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("init proxy")
	}

	handler := gateway.New(p, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), logger)

	reapCtx, stopReaper := context.WithCancel(context.Background())
	defer stopReaper()
	go cache.Run(reapCtx, func() { metrics.Sweep(cfg.MetricTimeout) })

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: handler,
		// Streaming both ways: only the header read gets a deadline.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Bool("http2_disabled", cfg.DisableHTTP2).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Fatal().Err(err).Msg("server error")
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}
	logger.Info().Msg("bye")
}
