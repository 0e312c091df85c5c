package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/coshop/internal/adapters/bus"
	"github.com/dkeye/coshop/internal/adapters/directory"
	router "github.com/dkeye/coshop/internal/adapters/http"
	"github.com/dkeye/coshop/internal/adapters/media"
	"github.com/dkeye/coshop/internal/adapters/store"
	"github.com/dkeye/coshop/internal/client/session"
	"github.com/dkeye/coshop/internal/config"
	"github.com/dkeye/coshop/internal/core"
	"github.com/dkeye/coshop/internal/domain"
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

	st, err := store.Open(cfg.Client.StatePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Client.StatePath).Msg("open state store")
	}
	defer st.Close()

	dir := directory.NewClient(cfg.Client.HubURL, cfg.Client.RequestTimeout)
	// no playback device; remote audio is metered at debug level
	meter := media.NewMeter(500)
	provider, err := media.NewProvider(core.ProviderKind(cfg.Client.Provider), media.Options{
		Capture:    cfg.Media.Capture,
		ICEServers: cfg.Media.ICEServers,
		Sink:       meter.Sink,
		Tokens:     dir,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("media provider")
	}

	coord := session.NewCoordinator(session.Deps{
		Directory: dir,
		Identity:  dir,
		Catalog:   dir,
		Orders:    dir,
		Dialer: &bus.Dialer{
			HubURL:       cfg.Client.HubURL,
			SendBuffer:   cfg.Client.SendBuffer,
			ReconnectMin: cfg.Client.ReconnectMin,
			ReconnectMax: cfg.Client.ReconnectMax,
		},
		Provider:           provider,
		Store:              st,
		NegotiationTimeout: cfg.Call.NegotiationTimeout,
	})

	if err := coord.Init(ctx, cfg.Client.Username); err != nil {
		log.Fatal().Err(err).Msg("identity")
	}

	srv := &http.Server{
		Addr:              cfg.Client.Listen,
		Handler:           router.SetupControlRouter(cfg.Mode, coord),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Client.Listen).Str("provider", string(provider.Kind())).Msg("CoShop control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := coord.Resume(gctx); err != nil {
			if errors.Is(err, domain.ErrInvalidRoom) {
				log.Info().Msg("previous room is gone")
				return nil
			}
			log.Warn().Err(err).Msg("resume failed")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		coord.Close(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("daemon stopped")
		return
	}
	log.Info().Msg("CoShop exited gracefully")
}
