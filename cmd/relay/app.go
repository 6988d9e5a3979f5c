package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/collab-sync/config"
	"github.com/adwski/collab-sync/logging"
	httpServer "github.com/adwski/collab-sync/server/http"
	websocketServer "github.com/adwski/collab-sync/server/websocket"
	"github.com/adwski/collab-sync/service"
	sw "github.com/adwski/collab-sync/switch"
	"github.com/rs/zerolog"
)

func main() {
	cfg, err := config.Load("relay", os.Args[1:])
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.Log)

	svc := service.NewService(service.Config{
		Switch: sw.NewSwitch(&logger),
		Logger: &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:       &logger,
		RelayService: svc,
		ListenAddr:   cfg.Relay.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:       &logger,
		RelayService: svc,
		ListenAddr:   cfg.Relay.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	logger.Info().
		Str("ws", cfg.Relay.WSListenAddr).
		Str("api", cfg.Relay.APIListenAddr).
		Msg("relay started")

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
