package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/peercall/internal/adapters/http"
	"github.com/dkeye/peercall/internal/app/rooms"
	"github.com/dkeye/peercall/internal/app/signaling"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/metrics"
	"github.com/dkeye/peercall/internal/store"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	if cfg.Backend == "memory" {
		log.Warn().Str("module", "main").Msg("using in-memory store, rooms are lost on restart")
		return store.NewMemoryStore(), nil
	}
	st, err := store.DialRedis(ctx, &redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}, cfg.Redis.Prefix)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr).Msg("redis connected")
	return st, nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("store close")
		}
	}()

	m := metrics.New()
	reg := rooms.NewRegistry(st, rooms.WithMetrics(m))
	ch := signaling.New(st)

	r := router.SetupRouter(ctx, cfg, router.Deps{Rooms: reg, Signaling: ch, Metrics: m})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Backend).Msg("peercall server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
