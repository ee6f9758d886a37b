// Command auditd runs the web-page audit control plane: it loads
// configuration from the environment, wires the ten core components
// together, and serves the v1 HTTP/WS API until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/auditforge/auditforge/internal/breaker"
	"github.com/auditforge/auditforge/internal/broadcaster"
	"github.com/auditforge/auditforge/internal/browserpool"
	"github.com/auditforge/auditforge/internal/cache"
	"github.com/auditforge/auditforge/internal/config"
	"github.com/auditforge/auditforge/internal/dispatcher"
	"github.com/auditforge/auditforge/internal/fielddata"
	"github.com/auditforge/auditforge/internal/httpapi"
	"github.com/auditforge/auditforge/internal/lighthouse"
	"github.com/auditforge/auditforge/internal/limiter"
	"github.com/auditforge/auditforge/internal/orchestrator"
	"github.com/auditforge/auditforge/internal/queue"
	"github.com/auditforge/auditforge/internal/registry"
	"github.com/auditforge/auditforge/internal/singleflight"
	"github.com/auditforge/auditforge/internal/synthesis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "auditd: "+err.Error())
		os.Exit(1)
	}

	log := newLogger(cfg)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("auditd exited")
	}
}

func newLogger(cfg *config.Settings) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var writer = os.Stdout
	if cfg.LogFormat == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: writer}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func run(cfg *config.Settings, log zerolog.Logger) error {
	cacheStore, err := cache.Open(cfg.CacheDBPath, log)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer cacheStore.Close()

	queueStore, err := queue.Open(cfg.CacheDBPath, cfg.MaxQueueSize)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer queueStore.Close()

	breakers := breaker.NewRegistry()
	fieldBreaker := breaker.New("field-data", breaker.DefaultConfig())
	synthBreaker := breaker.New("ai-synthesis", breaker.DefaultConfig())
	breakers.Register("field-data", fieldBreaker)
	breakers.Register("ai-synthesis", synthBreaker)

	fieldClient := fielddata.New(cfg.PSIAPIKey, fieldBreaker)
	synthClient := synthesis.New(cfg.GoogleAPIKey, synthBreaker)

	pool := browserpool.New(browserpool.Config{
		PoolSize:      cfg.BrowserPoolSize,
		LaunchTimeout: cfg.BrowserLaunchTimeout,
		IdleTimeout:   cfg.BrowserIdleTimeout,
		BrowserBin:    cfg.BrowserBin,
		BasePort:      browserpool.DefaultConfig().BasePort,
	}, log)
	lhRunner := lighthouse.New(cfg.AnalyzerBin)
	pooledRunner := orchestrator.NewPooledLighthouseRunner(pool, lhRunner)

	locks := singleflight.NewGroup()
	orch := orchestrator.New(cacheStore, locks, pooledRunner, fieldClient, synthClient, cfg.CacheTTLSeconds)

	broadcast := broadcaster.New(log)
	defer broadcast.Shutdown()

	reg := registry.New(cfg.MaxJobsPerIP, broadcast, log)
	lim := limiter.New(cfg.MaxConcurrentAudits, queueStore)

	disp := dispatcher.New(reg, lim, queueStore, orch, pool, cfg.QueueTimeout, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("starting dispatcher: %w", err)
	}
	defer disp.Shutdown()

	server := httpapi.New(httpapi.Config{
		Dispatcher:     disp,
		Registry:       reg,
		Cache:          cacheStore,
		Queue:          queueStore,
		Breakers:       breakers,
		Pool:           pool,
		Locks:          locks,
		Broadcaster:    broadcast,
		AnalyzerBin:    cfg.AnalyzerBin,
		DefaultTimeout: cfg.AuditTimeout,
		Log:            log,
	})

	mux := http.NewServeMux()
	mux.Handle("/", server.Routes())
	if cfg.MetricsAddr == cfg.ListenAddr {
		mux.Handle("/metrics", promhttp.Handler())
	}

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.MetricsAddr != cfg.ListenAddr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}
		go func() {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	return nil
}
