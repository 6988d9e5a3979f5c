package _switch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/rs/zerolog"
)

const forwardTimeout = time.Second

// Switch fans published payloads out to every endpoint subscribed to a
// channel. The publisher is not excluded: like the production broker,
// the switch does not filter self-messages.
type Switch struct {
	logger   zerolog.Logger
	mx       *sync.RWMutex
	channels map[string]map[string]model.Wire
	timeout  time.Duration
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:   logger.With().Str("component", "switch").Logger(),
		mx:       &sync.RWMutex{},
		channels: make(map[string]map[string]model.Wire),
		timeout:  forwardTimeout,
	}
}

func (sw *Switch) Subscribe(channel, endpoint string, wire model.Wire) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("channel", channel).
			Str("endpoint", endpoint).
			Msg("endpoint subscribed")
	}()

	subs, ok := sw.channels[channel]
	if !ok {
		subs = make(map[string]model.Wire)
		sw.channels[channel] = subs
	}
	subs[endpoint] = wire
}

func (sw *Switch) Unsubscribe(channel, endpoint string) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	subs, ok := sw.channels[channel]
	if !ok {
		return
	}
	delete(subs, endpoint)
	if len(subs) == 0 {
		delete(sw.channels, channel)
	}
	sw.logger.Debug().
		Str("channel", channel).
		Str("endpoint", endpoint).
		Msg("endpoint unsubscribed")
}

// Disconnect removes endpoint from every channel.
func (sw *Switch) Disconnect(endpoint string) {
	sw.mx.Lock()
	defer func() {
		sw.mx.Unlock()
		sw.logger.Debug().
			Str("endpoint", endpoint).
			Msg("endpoint disconnected")
	}()

	for channel, subs := range sw.channels {
		delete(subs, endpoint)
		if len(subs) == 0 {
			delete(sw.channels, channel)
		}
	}
}

// Publish delivers payload to all subscribers of the topic channel routes to
// and returns how many of them received it.
func (sw *Switch) Publish(ctx context.Context, channel string, payload json.RawMessage) int {
	channel = model.TopicFor(channel)

	sw.mx.RLock()
	targets := make(map[string]model.Wire, len(sw.channels[channel]))
	for endpoint, wire := range sw.channels[channel] {
		targets[endpoint] = wire
	}
	sw.mx.RUnlock()

	logger := sw.logger.With().Str("channel", channel).Logger()
	frame := model.Frame{
		Op:      model.OpMessage,
		Channel: channel,
		Payload: payload,
	}

	var delivered int
	for endpoint, wire := range targets {
		if ctx.Err() != nil {
			break
		}
		if sw.forward(ctx, frame, wire, logger.With().Str("endpoint", endpoint).Logger()) {
			delivered++
		}
	}
	if delivered == 0 {
		logger.Trace().Msg("publish did not reach anyone")
	}
	return delivered
}

// Channels returns subscriber counts per channel.
func (sw *Switch) Channels() map[string]int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	out := make(map[string]int, len(sw.channels))
	for channel, subs := range sw.channels {
		out[channel] = len(subs)
	}
	return out
}

// forward hands frame to one subscriber, giving up after the switch timeout.
func (sw *Switch) forward(ctx context.Context, frame model.Frame, wire model.Wire, logger zerolog.Logger) bool {
	timer := time.NewTimer(sw.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		logger.Error().Msg("dead endpoint")
		return false
	case wire.TX <- frame:
		logger.Trace().Msg("message is forwarded")
		return true
	}
}
