package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/draftsync/internal/api"
	"github.com/yangwenmai/draftsync/internal/config"
	"github.com/yangwenmai/draftsync/internal/engine"
	"github.com/yangwenmai/draftsync/internal/logging"
	"github.com/yangwenmai/draftsync/internal/retry"
	"github.com/yangwenmai/draftsync/internal/store"
	"github.com/yangwenmai/draftsync/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	// Open SQLite.
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	hub := api.NewHub(logger)
	defer hub.Close()

	s, err := store.New(db,
		store.WithRegenerationLimit(cfg.ImageRegenerationLimit),
		store.WithChangeHook(hub.Publish),
	)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	// Claims left by a previous run would block those artifacts forever.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if n, err := s.ResetStaleClaims(ctx); err != nil {
		logger.Warn("reset stale claims", "error", err)
	} else if n > 0 {
		logger.Info("reset stale claims", "count", n)
	}

	p := buildProviders(cfg, logger)
	defer p.close()

	pipeline := engine.NewPipeline(
		&engine.ResearchStep{Extractor: p.extractor, Research: s, Logger: logger},
		&engine.FoundationsStep{Model: p.model, Artifacts: s},
		&engine.WritingStep{Model: p.model, Artifacts: s},
		&engine.HumanityStep{Model: p.model, Artifacts: s},
		&engine.VisualNeedsStep{Model: p.model, Artifacts: s},
	)

	images := engine.NewImager(p.images, s, logger)
	images.Budget = retry.NewBudget(cfg.ImageRegenerationLimit)

	w := worker.New(s, pipeline, worker.Options{Interval: cfg.WorkerInterval, Logger: logger})

	srv := api.New(s, images,
		api.WithHub(hub),
		api.WithCORSOrigin(cfg.CORSOrigin),
		api.WithLogger(logger),
	)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.Start(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("draftsync server listening", "addr", "http://localhost:"+cfg.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type providers struct {
	extractor engine.ContentExtractor
	model     engine.ModelClient
	images    engine.ImageGenerator
	closers   []func() error
}

func (d *providers) close() {
	for _, c := range d.closers {
		c()
	}
}

func buildProviders(cfg config.Config, logger *slog.Logger) *providers {
	if cfg.UseStubs() {
		logger.Info("no model backend configured, using stub pipeline", "provider", cfg.LLMProvider)
		return &providers{
			extractor: &engine.StubExtractor{},
			model:     &engine.StubModelClient{},
			images:    &engine.StubImageGenerator{},
		}
	}

	extractor := engine.NewHTTPExtractor(cfg.HTTPTimeout, cfg.MaxTextLength)
	d := &providers{extractor: extractor, closers: []func() error{extractor.Close}}

	switch cfg.LLMProvider {
	case "ollama":
		logger.Info("using Ollama model client", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		client := engine.NewOllamaClient(cfg.OllamaURL, cfg.OllamaModel)
		d.model = client
		d.images = &engine.StubImageGenerator{}
		d.closers = append(d.closers, client.Close)
	default:
		logger.Info("using OpenAI-compatible model client", "base_url", cfg.OpenAIBaseURL, "model", cfg.OpenAIModel)
		client := engine.NewOpenAIClient(cfg.OpenAIKey,
			engine.WithBaseURL(cfg.OpenAIBaseURL),
			engine.WithModel(cfg.OpenAIModel),
		)
		d.model = client
		d.images = client
		d.closers = append(d.closers, client.Close)
	}
	return d
}
