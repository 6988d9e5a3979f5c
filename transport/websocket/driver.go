// Package websocket is the relay-protocol transport driver over gorilla/websocket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/adwski/collab-sync/transport"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	handshakeTimeout   = 3 * time.Second
	maxFrameSize       = 4 << 20
	closeWriteDeadline = 2 * time.Second
	writeDeadline      = 5 * time.Second

	sendQueueSize = 64
	recvQueueSize = 256

	// The relay has pongWait-pingInterval to answer a ping.
	pingInterval = 5 * time.Second
	pongWait     = 7 * time.Second
)

var ErrDial = errors.New("websocket dial failed")

type (
	Config struct {
		Logger *zerolog.Logger
		URL    string
		Header http.Header
	}

	Dialer struct {
		logger zerolog.Logger
		url    string
		header http.Header
		ws     *websocket.Dialer
	}

	// Conn is one websocket connection to the relay. Only writeLoop
	// writes data frames to the socket.
	Conn struct {
		conn   *websocket.Conn
		logger zerolog.Logger
		tx     chan model.Frame
		rx     chan model.Message
		ctx    context.Context
		cancel context.CancelFunc
		closed chan struct{}
	}
)

func NewDialer(cfg Config) *Dialer {
	return &Dialer{
		logger: cfg.Logger.With().Str("component", "websocket-driver").Logger(),
		url:    cfg.URL,
		header: cfg.Header,
		ws: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	conn, _, err := d.ws.DialContext(ctx, d.url, d.header)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}

	c := &Conn{
		conn:   conn,
		logger: d.logger.With().Str("url", d.url).Logger(),
		tx:     make(chan model.Frame, sendQueueSize),
		rx:     make(chan model.Message, recvQueueSize),
		closed: make(chan struct{}),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	go c.run()

	d.logger.Debug().Str("url", d.url).Msg("websocket connected")
	return c, nil
}

func (c *Conn) run() {
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer c.cancel()
		c.writeLoop()
	}()
	go func() {
		defer close(readerDone)
		defer c.cancel()
		c.readLoop()
	}()

	<-c.ctx.Done()
	<-writerDone
	c.sayGoodbye()
	<-readerDone
	close(c.closed)
}

func (c *Conn) Subscribe(ctx context.Context, channel string) error {
	return c.send(ctx, model.Frame{Op: model.OpSubscribe, Channel: channel})
}

func (c *Conn) Unsubscribe(ctx context.Context, channel string) error {
	return c.send(ctx, model.Frame{Op: model.OpUnsubscribe, Channel: channel})
}

func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.send(ctx, model.Frame{Op: model.OpPublish, Channel: channel, Payload: payload})
}

func (c *Conn) send(ctx context.Context, f model.Frame) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	select {
	case <-c.ctx.Done():
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.tx <- f:
		return nil
	}
}

func (c *Conn) Messages() <-chan model.Message {
	return c.rx
}

func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close sends a close frame and waits for both socket loops to exit.
func (c *Conn) Close() error {
	c.cancel()
	<-c.closed
	return nil
}

func (c *Conn) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		var err error
		select {
		case <-c.ctx.Done():
			return
		case <-ping.C:
			err = c.write(websocket.PingMessage, nil)
		case frame := <-c.tx:
			b, mErr := json.Marshal(&frame)
			if mErr != nil {
				c.logger.Error().Err(mErr).Str("op", frame.Op).Msg("failed to marshal outgoing frame")
				continue
			}
			err = c.write(websocket.TextMessage, b)
		}
		if err != nil {
			c.logger.Error().Err(err).Msg("websocket write failed")
			return
		}
	}
}

func (c *Conn) write(kind int, b []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(kind, b)
}

func (c *Conn) extendDeadline() error {
	return c.conn.SetReadDeadline(time.Now().Add(pongWait))
}

func (c *Conn) readLoop() {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return c.extendDeadline()
	})
	if err := c.extendDeadline(); err != nil {
		c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	// unblocks ReadMessage on teardown
	stop := context.AfterFunc(c.ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.logger.Warn().Err(err).Msg("connection closed by relay")
			default:
				c.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		if err = c.extendDeadline(); err != nil {
			c.logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
		if !c.deliver(msg) {
			return
		}
	}
}

// deliver decodes one relay frame and reports whether reading should go on.
func (c *Conn) deliver(msg []byte) bool {
	var frame model.Frame
	if err := json.Unmarshal(msg, &frame); err != nil {
		c.logger.Error().Err(err).Msg("failed to unmarshal incoming frame")
		return true
	}
	switch frame.Op {
	case model.OpMessage:
		select {
		case c.rx <- model.Message{Channel: frame.Channel, Payload: frame.Payload}:
		case <-c.ctx.Done():
			return false
		}
	case model.OpError:
		c.logger.Warn().
			Str("channel", frame.Channel).
			RawJSON("reason", frame.Payload).
			Msg("relay rejected frame")
	default:
		c.logger.Debug().Str("op", frame.Op).Msg("unexpected frame from relay")
	}
	return true
}

func (c *Conn) sayGoodbye() {
	err := c.conn.SetWriteDeadline(time.Now().Add(closeWriteDeadline))
	if err == nil {
		err = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("failed to send close message")
	}
	if err = c.conn.Close(); err != nil {
		c.logger.Error().Err(err).Msg("failed to close websocket connection")
	}
}
