package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fenex/internal/api"
	"fenex/internal/config"
	"fenex/internal/engine"
	"fenex/internal/storage"
	"fenex/internal/ws"
)

const bookTopN = 3

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	cfg := config.Load()

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("main: open database")
	}
	defer store.Close()
	log.Info().Msg("main: connected to database")

	if err := store.Migrate("internal/storage/migrations"); err != nil {
		log.Fatal().Err(err).Msg("main: run migrations")
	}
	log.Info().Msg("main: migrations applied")

	hub := ws.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, err := engine.New(ctx, store, hub, bookTopN)
	if err != nil {
		log.Fatal().Err(err).Msg("main: boot engine")
	}
	eng.Start()

	stopSweep := make(chan struct{})
	go runSweeper(eng, cfg.SweepInterval, stopSweep)

	srv := api.NewServer(store, eng, hub, cfg)
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: srv.Router()}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("main: listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("main: http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Warn().Msg("main: shutdown signal received")
	close(stopSweep)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("main: http shutdown")
	}

	if err := eng.Stop(); err != nil {
		log.Error().Err(err).Msg("main: engine stop")
	}
	log.Info().Msg("main: shutdown complete")
}

// runSweeper re-invokes matching over every resting order at a fixed
// interval so liquidity that arrives without crossing an existing order can
// still find a match once the book changes underneath it.
func runSweeper(eng *engine.Engine, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if err := eng.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("main: sweep pass failed")
			}
			cancel()
		}
	}
}
