package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/coshop/internal/adapters/http"
	"github.com/dkeye/coshop/internal/adapters/rtc"
	wsignal "github.com/dkeye/coshop/internal/adapters/signal"
	"github.com/dkeye/coshop/internal/app"
	"github.com/dkeye/coshop/internal/app/orch"
	"github.com/dkeye/coshop/internal/app/sfu"
	"github.com/dkeye/coshop/internal/config"
)

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
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	api, err := rtc.DefaultAPI()
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}

	var policy app.Policy = app.SimplePolicy{}
	if cfg.Hub.SlowBudget > 0 {
		policy = app.NewBudgetPolicy(cfg.Hub.SlowBudget)
	}
	o := &orch.Orchestrator{
		Registry:     app.NewRegistry(),
		Rooms:        app.NewRoomManager(),
		Policy:       policy,
		Relays:       sfu.NewRelayManager(),
		Carts:        app.NewCartBook(),
		Catalog:      app.NewCatalog(cfg.Hub.Catalog),
		Orders:       app.NewOrderBook(),
		EmptyRoomTTL: cfg.Hub.EmptyRoomTTL,
	}
	ctl := &wsignal.Controller{
		Orch:       o,
		Tokens:     app.NewRelayTokens(cfg.Hub.Secret, cfg.Hub.RelayTokenTTL),
		Limiter:    wsignal.NewRoomRateLimiter(cfg.Hub.RateLimit, cfg.Hub.RateWindow),
		API:        api,
		ICEServers: cfg.Media.ICEServers,
		SendBuffer: cfg.Hub.SendBuffer,
		ReadLimit:  cfg.Hub.ReadLimit,
		PingPeriod: cfg.Hub.PingPeriod,
	}

	r := router.SetupRouter(ctx, cfg, o, ctl)
	addr := fmt.Sprintf(":%d", cfg.Hub.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("CoShop hub started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
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
