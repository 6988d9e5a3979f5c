package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adwski/collab-sync/model"
	"github.com/rs/zerolog"
)

var (
	ErrNoChannel    = errors.New("frame has no channel")
	ErrUnknownOp    = errors.New("unknown frame operation")
	ErrEmptyPayload = errors.New("publish without payload")
)

type (
	Switch interface {
		Subscribe(channel, endpoint string, wire model.Wire)
		Unsubscribe(channel, endpoint string)
		Disconnect(endpoint string)
		Publish(ctx context.Context, channel string, payload json.RawMessage) int
		Channels() map[string]int
	}

	// Service binds relay endpoints to the switch.
	Service struct {
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		Switch Switch
		Logger *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "relay").Logger(),
	}
}

// HandleFrame applies one inbound client frame on behalf of endpoint.
func (svc *Service) HandleFrame(ctx context.Context, endpoint string, wire model.Wire, f model.Frame) error {
	if f.Channel == "" {
		return ErrNoChannel
	}
	switch f.Op {
	case model.OpSubscribe:
		svc.sw.Subscribe(f.Channel, endpoint, wire)
	case model.OpUnsubscribe:
		svc.sw.Unsubscribe(f.Channel, endpoint)
	case model.OpPublish:
		if len(f.Payload) == 0 {
			return ErrEmptyPayload
		}
		n := svc.sw.Publish(ctx, f.Channel, f.Payload)
		svc.logger.Trace().
			Str("endpoint", endpoint).
			Str("channel", f.Channel).
			Int("delivered", n).
			Msg("message published")
	default:
		return ErrUnknownOp
	}
	return nil
}

// DeleteSession drops every subscription of endpoint.
func (svc *Service) DeleteSession(endpoint string) {
	svc.sw.Disconnect(endpoint)
	svc.logger.Debug().
		Str("endpoint", endpoint).
		Msg("relay session deleted")
}

func (svc *Service) Channels() map[string]int {
	return svc.sw.Channels()
}
