package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/freeeve/worldstore/internal/httpapi"
	"github.com/freeeve/worldstore/internal/ioworker"
	"github.com/freeeve/worldstore/internal/logx"
	"github.com/freeeve/worldstore/internal/metrics"
	"github.com/freeeve/worldstore/internal/region"
)

func main() {
	var (
		// Storage
		dir          = flag.String("dir", "./data/region", "region directory")
		compression  = flag.String("compression", "deflate", "compression for new writes: gzip, deflate, none, lz4, zstd, snappy")
		maxOpen      = flag.Int("max-open", 256, "maximum open region files")
		maxRetries   = flag.Int("max-retries", 3, "write retries per chunk (-1 disables)")
		syncWrites   = flag.Bool("sync", false, "fsync after every chunk write")
		checkPos     = flag.Bool("check-positions", true, "report chunks whose NBT xPos/zPos disagree with their slot")
		syncInterval = flag.Duration("sync-interval", 30*time.Second, "periodic forced synchronize (0 disables)")

		// Server
		addr = flag.String("addr", ":8009", "listen address")

		// Logging
		logLevel = flag.String("log-level", "info", "log level")
		logJSON  = flag.Bool("log-json", false, "log JSON instead of console output")
	)
	flag.Parse()

	if v := os.Getenv("WORLDSTORE_DIR"); v != "" {
		*dir = v
	}
	if v := os.Getenv("WORLDSTORE_ADDR"); v != "" {
		*addr = v
	}

	logger, err := logx.New(logx.Options{Level: *logLevel, JSON: *logJSON})
	if err != nil {
		logger.Warn().Err(err).Msg("using info level")
	}

	format, name, err := region.ParseFormat(*compression)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse compression")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	cfg := region.Config{
		Dir:          *dir,
		Compression:  region.Compression{Format: format, Name: name},
		MaxOpenFiles: *maxOpen,
		MaxRetries:   *maxRetries,
		Sync:         *syncWrites,
		Logger:       logger.With().Str("component", "region").Logger(),
		Metrics:      m,
	}
	if *checkPos {
		cfg.Extractor = region.NBTPosition
	}
	store, err := region.NewStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("open region store")
	}
	worker := ioworker.New(store, ioworker.Config{Logger: logger, Metrics: m})

	regions, err := region.ListRegions(*dir)
	if err != nil {
		logger.Warn().Err(err).Msg("list regions")
	}
	logger.Info().
		Str("dir", *dir).
		Str("compression", cfg.Compression.String()).
		Int("regions", len(regions)).
		Msg("opened region store")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Start HTTP server
	srv := &http.Server{
		Addr:         *addr,
		Handler:      httpapi.NewRouter(logger, worker, reg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("api server")
		}
	}()

	// Periodic checkpoint
	if *syncInterval > 0 {
		go func() {
			ticker := time.NewTicker(*syncInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					start := time.Now()
					if _, err := worker.Synchronize(true).Wait(ctx); err != nil && ctx.Err() == nil {
						logger.Error().Err(err).Msg("periodic synchronize")
						continue
					}
					logger.Debug().Dur("dur", time.Since(start)).Msg("synchronized")
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server first
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http server shutdown error")
	}

	logger.Info().Msg("synchronizing pending writes...")
	if _, err := worker.Synchronize(true).Wait(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("synchronize error")
	}
	if err := worker.Close(); err != nil {
		logger.Error().Err(err).Msg("close worker")
	}

	logger.Info().Msg("shutdown complete")
}
