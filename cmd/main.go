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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"pdfgen/internal/api"
	"pdfgen/internal/collection"
	"pdfgen/internal/config"
	"pdfgen/internal/merge"
	"pdfgen/internal/notify"
	"pdfgen/internal/pdf"
	"pdfgen/internal/render"
	"pdfgen/internal/report"
	"pdfgen/internal/storage"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

type app struct {
	registry   *collection.Registry
	executor   *render.Executor
	dispatcher *notify.Dispatcher
	publisher  notify.Publisher
	router     *gin.Engine
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load("config.yml")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setLogLevel(cfg.LogLevel)

	baseCtx, baseCancel := context.WithCancel(context.Background())

	a, err := build(baseCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build service")
	}

	srv := newHTTPServer(cfg.Port, a.router)
	metricsSrv := newHTTPServer(cfg.MetricsPort, metricsHandler(cfg.MetricsPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return serve(srv, "http") })
	g.Go(func() error { return serve(metricsSrv, "metrics") })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutdown signal received")
		gracefulShutdown(a, baseCancel, srv, metricsSrv)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("server exited cleanly")
}

func setLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("unknown log level, using info")
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func build(baseCtx context.Context, cfg config.Config) (*app, error) {
	store, err := storage.New(baseCtx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	publisher, err := buildPublisher(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	dispatcher := notify.NewDispatcher(publisher, cfg.Notify.Topic, cfg.Notify.Timeout)

	registry := collection.NewRegistry(collection.Options{
		EntryTimeout: cfg.EntryTimeout,
		Notifier:     dispatcher,
	})

	assembler := pdf.NewAssembler()
	coord := merge.NewCoordinator(registry, store, assembler, merge.Options{})
	coord.SetBaseContext(baseCtx)
	registry.OnGenerated(coord.Trigger)

	renderer := render.NewHTTPRenderer(cfg.Renderer, cfg.IdentityHeader, cfg.OptionsHeader)
	executor := render.NewExecutor(renderer, store, assembler, registry, render.Options{
		MaxConcurrency: cfg.MaxConcurrency,
		RetryLimit:     cfg.RetryLimit,
		TaskTimeout:    cfg.TaskTimeout,
	})
	executor.SetBaseContext(baseCtx)

	handler := api.NewAPI(api.Options{
		Registry:       registry,
		Creator:        report.NewService(registry, executor),
		Storage:        store,
		Load:           executor,
		Prefix:         cfg.APIPrefix,
		IdentityHeader: cfg.IdentityHeader,
		OptionsHeader:  cfg.OptionsHeader,
	})

	router := setupRouter()
	handler.RegisterRoutes(router)
	handler.RegisterUIRoutes(router)

	log.Info().
		Str("storage", cfg.Storage.Backend).
		Str("renderer", cfg.Renderer.URL).
		Int("max_concurrency", cfg.MaxConcurrency).
		Int("retry_limit", cfg.RetryLimit).
		Dur("task_timeout", cfg.TaskTimeout).
		Msg("service configured")

	return &app{
		registry:   registry,
		executor:   executor,
		dispatcher: dispatcher,
		publisher:  publisher,
		router:     router,
	}, nil
}

func buildPublisher(cfg config.Notify) (notify.Publisher, error) { //nolint:ireturn
	if cfg.RedisURL == "" {
		log.Info().Msg("no redis configured, status events are logged only")
		return notify.LogPublisher{}, nil
	}
	return notify.NewRedisPublisher(notify.RedisConfig{
		URL:     cfg.RedisURL,
		Timeout: cfg.Timeout,
		Retries: cfg.Retries,
	})
}

func setupRouter() *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(api.ZerologLogger())
	r.Use(api.Metrics())
	return r
}

func metricsHandler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return mux
}

func newHTTPServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

func serve(srv *http.Server, name string) error {
	log.Info().Str("server", name).Str("addr", srv.Addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func gracefulShutdown(a *app, cancelBase context.CancelFunc, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("addr", srv.Addr).Msg("http server shutdown warning")
		}
	}

	cancelBase()
	if !a.executor.Drain(ctx) {
		log.Warn().Msg("render tasks did not finish before timeout")
	}
	if !a.registry.Wait(ctx) {
		log.Warn().Msg("merge hooks did not finish before timeout")
	}
	if !a.dispatcher.Wait(ctx) {
		log.Warn().Msg("status events were not delivered before timeout")
	}
	a.registry.Close()
	if err := a.publisher.Close(); err != nil {
		log.Warn().Err(err).Msg("close publisher")
	}
}
