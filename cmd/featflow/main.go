package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"featflow/internal/application/usecase/pipeline"
	"featflow/internal/infrastructure/config"
	"featflow/internal/infrastructure/container"
	"featflow/internal/infrastructure/ingest"
	"featflow/internal/infrastructure/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.toml", "path to config.toml")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger.Setup(*debug)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", *configPath).Msg("load config failed")
	}

	c, err := container.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("container init failed")
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.App.MetricsAddr != "" {
		go serveMetrics(cfg.App.MetricsAddr, c)
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.JobQueue().Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("job queue exited")
		}
	}()

	if cfg.Ingest.Enabled {
		feed := ingest.NewFeed(cfg.Ingest.WsURL, c.JobQueue(), c.Metrics())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("ingest feed exited")
			}
		}()
	}

	// periodic digest persistence; pushes between ticks are at risk only
	// until the next tick or shutdown
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(cfg.Digest.PersistEverySec) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Digests().PersistAll(ctx); err != nil {
					log.Warn().Err(err).Msg("periodic digest persist incomplete")
				}
			}
		}
	}()

	worker := pipeline.NewWorker(pipeline.ServiceDeps{
		Source:       c.JobQueue(),
		Rolling:      c.Rolling(),
		Features:     c.Features(),
		Digests:      c.Digests(),
		Cache:        c.FeatureCache(),
		Publisher:    c.Publisher(),
		Deduper:      c.Deduper(),
		Archive:      c.Archive(),
		Metrics:      c.Metrics(),
		Concurrency:  cfg.Worker.Concurrency,
		RateMax:      cfg.Worker.RateMax,
		RateInterval: time.Duration(cfg.Worker.RateIntervalMs) * time.Millisecond,
	})

	log.Info().
		Str("config", *configPath).
		Str("queue", cfg.Queue.Stream).
		Str("scoring", cfg.Publisher.Stream).
		Msg("featflow started")

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("pipeline worker exited")
	}
	wg.Wait()

	// in-flight jobs are drained; flush digests before closing connections
	flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.Digests().PersistAll(flushCtx); err != nil {
		log.Error().Err(err).Msg("final digest persist incomplete")
	}
}

func serveMetrics(addr string, c *container.Container) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Metrics().Handler())
	log.Info().Str("addr", addr).Msg("metrics listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics server exited")
	}
}
