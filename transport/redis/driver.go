// Package redis is a transport driver that maps channels onto Redis Pub/Sub.
package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/collab-sync/model"
	"github.com/adwski/collab-sync/transport"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultHealthInterval = 5 * time.Second
	defaultRecvQueueSize  = 256
)

var ErrDial = errors.New("redis dial failed")

type (
	Config struct {
		Logger         *zerolog.Logger
		Addr           string
		Password       string
		DB             int
		HealthInterval time.Duration
	}

	Dialer struct {
		logger         zerolog.Logger
		opts           *redis.Options
		healthInterval time.Duration
	}

	// Conn holds two clients: one in subscriber mode, one for commands.
	Conn struct {
		logger zerolog.Logger
		client *redis.Client
		ps     *redis.PubSub
		rx     chan model.Message

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
		once   sync.Once
	}
)

func NewDialer(cfg Config) *Dialer {
	d := &Dialer{
		logger: cfg.Logger.With().Str("component", "redis-driver").Logger(),
		opts: &redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		},
		healthInterval: cfg.HealthInterval,
	}
	if d.healthInterval <= 0 {
		d.healthInterval = defaultHealthInterval
	}
	return d
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	client := redis.NewClient(d.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrDial, err)
	}

	c := &Conn{
		logger: d.logger.With().Str("addr", d.opts.Addr).Logger(),
		client: client,
		rx:     make(chan model.Message, defaultRecvQueueSize),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	// subscriber connection without channels, they are added on demand
	c.ps = client.Subscribe(c.ctx)

	c.wg.Add(2)
	go c.receive()
	go c.health(d.healthInterval)

	d.logger.Debug().Str("addr", d.opts.Addr).Msg("redis connected")
	return c, nil
}

func (c *Conn) Subscribe(ctx context.Context, channel string) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	return c.ps.Subscribe(ctx, channel)
}

func (c *Conn) Unsubscribe(ctx context.Context, channel string) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	return c.ps.Unsubscribe(ctx, channel)
}

func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) error {
	if c.ctx.Err() != nil {
		return transport.ErrClosed
	}
	// no backend re-broadcasts app destinations, so publish to the topic
	return c.client.Publish(ctx, model.TopicFor(channel), payload).Err()
}

func (c *Conn) Messages() <-chan model.Message {
	return c.rx
}

func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = errors.Join(c.ps.Close(), c.client.Close())
		c.wg.Wait()
	})
	return err
}

func (c *Conn) receive() {
	defer func() {
		c.cancel()
		c.wg.Done()
	}()

	ch := c.ps.Channel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case c.rx <- model.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// health pings the server and marks the connection lost on the first
// failure. The pubsub client reconnects on its own, which would hide
// outages from the transport.
func (c *Conn) health(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, interval)
			err := c.client.Ping(ctx).Err()
			cancel()
			if err != nil && c.ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("redis health check failed")
				c.cancel()
				return
			}
		}
	}
}
