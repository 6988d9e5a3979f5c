// Package transport owns the single broker connection of a client process.
//
// Subscriptions are remembered independently of the connection state
// (the pending set) and re-issued after every successful connect, so a
// subscriber never loses its intent across broker outages. Connection
// failures never reach callers: they are logged and drive a fixed-delay
// reconnect loop.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultReconnectDelay = 5 * time.Second
	defaultOpTimeout      = 5 * time.Second
)

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrClosed       = errors.New("connection is closed")
)

type (
	// Handler receives the raw payload of a message delivered on a channel.
	Handler func(payload json.RawMessage)

	// Subscription is the handle of an active channel subscription.
	Subscription struct {
		Channel string
	}

	// Conn is one physical broker connection provided by a driver.
	// Done is closed when the connection is lost.
	Conn interface {
		Subscribe(ctx context.Context, channel string) error
		Unsubscribe(ctx context.Context, channel string) error
		Publish(ctx context.Context, channel string, payload []byte) error
		Messages() <-chan model.Message
		Done() <-chan struct{}
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context) (Conn, error)
	}

	Config struct {
		Logger         *zerolog.Logger
		Dialer         Dialer
		Clock          clockwork.Clock
		ReconnectDelay time.Duration
		OpTimeout      time.Duration
	}

	Transport struct {
		logger         zerolog.Logger
		dialer         Dialer
		clock          clockwork.Clock
		reconnectDelay time.Duration
		opTimeout      time.Duration

		ctx    context.Context
		cancel context.CancelFunc

		mx         sync.Mutex
		pending    map[string]Handler
		active     map[string]*Subscription
		conn       Conn
		connected  bool
		connecting bool
		closed     bool
		reconnect  clockwork.Timer
		// retry re-issues subscriptions the live connection refused.
		retry clockwork.Timer
	}
)

func New(cfg Config) *Transport {
	t := &Transport{
		logger:         cfg.Logger.With().Str("component", "transport").Logger(),
		dialer:         cfg.Dialer,
		clock:          cfg.Clock,
		reconnectDelay: cfg.ReconnectDelay,
		opTimeout:      cfg.OpTimeout,
		pending:        make(map[string]Handler),
		active:         make(map[string]*Subscription),
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	if t.reconnectDelay <= 0 {
		t.reconnectDelay = defaultReconnectDelay
	}
	if t.opTimeout <= 0 {
		t.opTimeout = defaultOpTimeout
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	return t
}

// Connect dials the broker. On success every pending subscription becomes
// active. On failure exactly one reconnect attempt is scheduled.
func (t *Transport) Connect(ctx context.Context) {
	t.mx.Lock()
	if t.closed || t.connected || t.connecting {
		t.mx.Unlock()
		return
	}
	t.connecting = true
	t.mx.Unlock()

	conn, err := t.dialer.Dial(ctx)

	t.mx.Lock()
	defer t.mx.Unlock()
	t.connecting = false

	if t.closed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		t.logger.Error().Err(err).Msg("broker connection failed")
		t.lostLocked()
		return
	}
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}

	for channel := range t.pending {
		opCtx, cancel := context.WithTimeout(t.ctx, t.opTimeout)
		err = conn.Subscribe(opCtx, channel)
		cancel()
		if err != nil {
			t.logger.Error().Err(err).Str("channel", channel).Msg("resubscribe failed")
			_ = conn.Close()
			t.active = make(map[string]*Subscription)
			t.lostLocked()
			return
		}
		t.active[channel] = &Subscription{Channel: channel}
	}

	t.conn = conn
	t.connected = true
	t.logger.Info().Int("subscriptions", len(t.active)).Msg("broker connected")

	go t.dispatch(conn)
}

// Subscribe records the handler for channel (replacing any previous one)
// and activates the subscription when connected. It returns nil when the
// subscription could not be activated now; it will be activated on the
// next successful connect, or by a retry after the reconnect delay when
// the connection is up but refused it.
func (t *Transport) Subscribe(channel string, h Handler) *Subscription {
	t.mx.Lock()
	defer t.mx.Unlock()

	t.pending[channel] = h

	if !t.connected {
		t.logger.Warn().Str("channel", channel).Msg("not connected, subscription deferred")
		return nil
	}
	if sub, ok := t.active[channel]; ok {
		return sub
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.opTimeout)
	defer cancel()
	if err := t.conn.Subscribe(ctx, channel); err != nil {
		t.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe failed, subscription deferred")
		t.retryLocked()
		return nil
	}
	sub := &Subscription{Channel: channel}
	t.active[channel] = sub
	t.logger.Debug().Str("channel", channel).Msg("subscribed")
	return sub
}

// Unsubscribe forgets the channel entirely, so it is not restored on reconnect.
func (t *Transport) Unsubscribe(channel string) {
	t.mx.Lock()
	defer t.mx.Unlock()

	delete(t.pending, channel)
	if _, ok := t.active[channel]; !ok {
		return
	}
	delete(t.active, channel)
	if !t.connected {
		return
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.opTimeout)
	defer cancel()
	if err := t.conn.Unsubscribe(ctx, channel); err != nil {
		t.logger.Warn().Err(err).Str("channel", channel).Msg("unsubscribe failed")
		return
	}
	t.logger.Debug().Str("channel", channel).Msg("unsubscribed")
}

// Publish sends payload as JSON. It returns false when the message was not
// handed to the broker; that means "not delivered", not a failure.
func (t *Transport) Publish(channel string, payload any) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error().Err(err).Str("channel", channel).Msg("failed to marshal outgoing message")
		return false
	}

	t.mx.Lock()
	conn, connected := t.conn, t.connected
	t.mx.Unlock()

	if !connected {
		t.logger.Warn().Str("channel", channel).Msg("not connected, message not sent")
		return false
	}

	ctx, cancel := context.WithTimeout(t.ctx, t.opTimeout)
	defer cancel()
	if err = conn.Publish(ctx, channel, b); err != nil {
		t.logger.Warn().Err(err).Str("channel", channel).Msg("publish failed")
		return false
	}
	return true
}

func (t *Transport) IsConnected() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.connected
}

func (t *Transport) PendingChannels() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	out := make([]string, 0, len(t.pending))
	for channel := range t.pending {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

func (t *Transport) ActiveChannels() []string {
	t.mx.Lock()
	defer t.mx.Unlock()
	out := make([]string, 0, len(t.active))
	for channel := range t.active {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// Shutdown closes the connection and stops reconnecting. Pending
// subscriptions are kept but will never be restored.
func (t *Transport) Shutdown() {
	t.mx.Lock()
	defer t.mx.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil {
			t.logger.Error().Err(err).Msg("failed to close broker connection")
		}
		t.conn = nil
	}
	t.connected = false
	t.active = make(map[string]*Subscription)
	t.stopRetryLocked()
	t.cancel()
	t.logger.Debug().Msg("transport stopped")
}

func (t *Transport) dispatch(conn Conn) {
	msgs := conn.Messages()
RecvLoop:
	for {
		select {
		case <-conn.Done():
			break RecvLoop
		case msg, ok := <-msgs:
			if !ok {
				break RecvLoop
			}
			h := t.handler(conn, msg.Channel)
			if h == nil {
				t.logger.Trace().Str("channel", msg.Channel).Msg("message for inactive channel dropped")
				continue
			}
			h(msg.Payload)
		}
	}

	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn != conn {
		return
	}
	_ = conn.Close()
	t.conn = nil
	t.logger.Warn().Msg("broker connection lost")
	t.lostLocked()
}

func (t *Transport) handler(conn Conn, channel string) Handler {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.conn != conn {
		return nil
	}
	if _, ok := t.active[channel]; !ok {
		return nil
	}
	return t.pending[channel]
}

// lostLocked resets connection state and arms the single reconnect timer.
func (t *Transport) lostLocked() {
	t.connected = false
	t.active = make(map[string]*Subscription)
	t.stopRetryLocked()
	if t.closed || t.reconnect != nil {
		return
	}
	t.logger.Debug().Dur("delay", t.reconnectDelay).Msg("reconnect scheduled")
	t.reconnect = t.clock.AfterFunc(t.reconnectDelay, func() {
		t.mx.Lock()
		t.reconnect = nil
		t.mx.Unlock()
		t.Connect(t.ctx)
	})
}

func (t *Transport) retryLocked() {
	if t.closed || t.retry != nil {
		return
	}
	t.retry = t.clock.AfterFunc(t.reconnectDelay, t.subscribeMissing)
}

func (t *Transport) stopRetryLocked() {
	if t.retry != nil {
		t.retry.Stop()
		t.retry = nil
	}
}

// subscribeMissing activates pending channels that are not active on the
// current connection.
func (t *Transport) subscribeMissing() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.retry = nil
	if !t.connected {
		return
	}

	var failed bool
	for channel := range t.pending {
		if _, ok := t.active[channel]; ok {
			continue
		}
		ctx, cancel := context.WithTimeout(t.ctx, t.opTimeout)
		err := t.conn.Subscribe(ctx, channel)
		cancel()
		if err != nil {
			t.logger.Warn().Err(err).Str("channel", channel).Msg("subscribe retry failed")
			failed = true
			continue
		}
		t.active[channel] = &Subscription{Channel: channel}
		t.logger.Debug().Str("channel", channel).Msg("subscribed on retry")
	}
	if failed {
		t.retryLocked()
	}
}
