package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adwski/collab-sync/api"
	"github.com/adwski/collab-sync/collab"
	"github.com/adwski/collab-sync/conference"
	"github.com/adwski/collab-sync/config"
	"github.com/adwski/collab-sync/cursor"
	"github.com/adwski/collab-sync/logging"
	"github.com/adwski/collab-sync/media"
	"github.com/adwski/collab-sync/media/synthetic"
	"github.com/adwski/collab-sync/model"
	sw "github.com/adwski/collab-sync/switch"
	"github.com/adwski/collab-sync/transport"
	"github.com/adwski/collab-sync/transport/memory"
	redisdriver "github.com/adwski/collab-sync/transport/redis"
	wsdriver "github.com/adwski/collab-sync/transport/websocket"
	"github.com/davecgh/go-spew/spew"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	statsInterval   = 10 * time.Second
	shutdownTimeout = 5 * time.Second
	maxParticipants = 10
)

var errNoDocument = errors.New("no document to open, use --document")

func main() {
	cfg, err := config.Load("participant", os.Args[1:])
	if err != nil {
		bootLogger := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.Log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, cfg, &logger); err != nil {
		logger.Error().Err(err).Msg("participant stopped")
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) error {
	if cfg.Session.Document == "" {
		return errNoDocument
	}
	documentID := model.ID(cfg.Session.Document)
	clock := clockwork.NewRealClock()

	tr := transport.New(transport.Config{
		Logger:         logger,
		Dialer:         newDialer(cfg, logger),
		Clock:          clock,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
	})
	tr.Connect(ctx)
	defer tr.Shutdown()

	client := api.NewClient(api.Config{
		Logger:  logger,
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	})

	doc := collab.NewSession(collab.Config{
		Logger:        logger,
		Clock:         clock,
		Transport:     tr,
		Collaborators: client,
		CursorDecay:   cfg.Collab.CursorDecay,
		OnPresence: func(users []model.OnlineUser) {
			logger.Info().Int("online", len(users)).Msg("presence updated")
			dump(logger, "presence", users)
		},
		OnCursor: func(ind cursor.Indicator) {
			logger.Debug().
				Str("user", ind.Username).
				Int("position", ind.Position).
				Bool("visible", ind.Visible).
				Msg("cursor")
		},
		OnContent: func(content string) {
			logger.Info().Int("length", len(content)).Msg("document content updated")
		},
		CommentConsumer:      sideChannel(logger, "comment"),
		TaskConsumer:         sideChannel(logger, "task"),
		NotificationConsumer: sideChannel(logger, "notification"),
	})
	if err := doc.Initialize(ctx, documentID); err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		doc.Cleanup(leaveCtx)
	}()

	sinks := synthetic.NewSinks(logger)
	pipeline := media.NewPipeline(media.Config{
		Logger:    logger,
		Clock:     clock,
		Publisher: tr,
		Devices: synthetic.NewDevices(synthetic.Config{
			Logger:    logger,
			Clock:     clock,
			BlockSize: cfg.Media.BlockSize,
		}),
		Sinks:         sinks,
		FrameRate:     cfg.Media.FrameRate,
		CaptureWidth:  cfg.Media.CaptureWidth,
		CaptureHeight: cfg.Media.CaptureHeight,
		RenderWidth:   cfg.Media.RenderWidth,
		RenderHeight:  cfg.Media.RenderHeight,
		JPEGQuality:   cfg.Media.JPEGQuality,
		SampleRate:    cfg.Media.SampleRate,
		BlockSize:     cfg.Media.BlockSize,
	})

	ended := make(chan struct{}, 1)
	conf := conference.NewSession(conference.Config{
		Logger:        logger,
		Transport:     tr,
		Collaborators: client,
		Media:         pipeline,
		OnConferences: func(list []model.Conference) {
			logger.Info().Int("conferences", len(list)).Msg("conference list updated")
			dump(logger, "conferences", list)
		},
		OnParticipants: func(roster []model.Participant) {
			logger.Info().Int("participants", len(roster)).Msg("roster updated")
			dump(logger, "roster", roster)
		},
		OnMessages: func(msgs []model.ChatMessage) {
			if len(msgs) == 0 {
				return
			}
			last := msgs[len(msgs)-1]
			logger.Info().Str("user", last.Username).Str("content", last.Content).Msg("chat")
		},
		OnShow: func(id model.ID) {
			logger.Info().Str("conference", id.String()).Msg("conference shown")
		},
		OnHide: func() {
			logger.Info().Msg("conference hidden")
		},
		OnEnded: func(ev model.ConferenceEnded) {
			logger.Warn().Str("message", ev.Message).Msg("conference ended by host")
			select {
			case ended <- struct{}{}:
			default:
			}
		},
	})
	if err := conf.Initialize(ctx, documentID); err != nil {
		return err
	}
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		conf.Cleanup(leaveCtx)
	}()

	switch {
	case cfg.Session.Conference != "":
		if err := conf.Join(ctx, model.ID(cfg.Session.Conference)); err != nil {
			return err
		}
	case cfg.Session.CreateTitle != "":
		id, err := conf.Create(ctx, api.CreateConferenceRequest{
			Title:           cfg.Session.CreateTitle,
			MaxParticipants: maxParticipants,
		})
		if err != nil {
			return err
		}
		logger.Info().Str("conference", id.String()).Msg("conference created")
	}

	ticker := clock.NewTicker(statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			return nil
		case <-ended:
			return nil
		case <-ticker.Chan():
			stats := pipeline.Stats()
			logger.Info().
				Bool("connected", tr.IsConnected()).
				Str("conference_state", conf.State().String()).
				Uint64("frames_sent", stats.FramesSent).
				Uint64("frames_dropped", stats.FramesDropped).
				Uint64("frames_stale", stats.FramesStale).
				Uint64("frames_rendered", stats.FramesRendered).
				Uint64("audio_sent", stats.AudioBlocksSent).
				Uint64("audio_played", stats.AudioBlocksPlayed).
				Msg("stats")
		}
	}
}

func newDialer(cfg *config.Config, logger *zerolog.Logger) transport.Dialer {
	switch cfg.Broker.Driver {
	case config.DriverRedis:
		return redisdriver.NewDialer(redisdriver.Config{
			Logger:   logger,
			Addr:     cfg.Broker.Redis.Address,
			Password: cfg.Broker.Redis.Password,
			DB:       cfg.Broker.Redis.DB,
		})
	case config.DriverMemory:
		return memory.NewDialer(sw.NewSwitch(logger))
	default:
		header := http.Header{}
		if cfg.API.Token != "" {
			header.Set("Authorization", "Bearer "+cfg.API.Token)
		}
		return wsdriver.NewDialer(wsdriver.Config{
			Logger: logger,
			URL:    cfg.Broker.URL,
			Header: header,
		})
	}
}

func sideChannel(logger *zerolog.Logger, kind string) collab.Consumer {
	return func(payload json.RawMessage) {
		logger.Debug().Str("kind", kind).RawJSON("payload", payload).Msg("document event")
	}
}

func dump(logger *zerolog.Logger, what string, v any) {
	if e := logger.Trace(); e.Enabled() {
		e.Str("snapshot", what).Msg(spew.Sdump(v))
	}
}
