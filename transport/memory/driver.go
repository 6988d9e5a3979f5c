// Package memory is an in-process transport driver backed by the relay switch.
// Several participants in one process (tests, the synthetic demo) share a
// single Switch and see each other's messages as they would through a relay.
package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/adwski/collab-sync/model"
	_switch "github.com/adwski/collab-sync/switch"
	"github.com/adwski/collab-sync/transport"
	"github.com/google/uuid"
)

const defaultWireSize = 256

var ErrUnavailable = errors.New("broker unavailable")

type (
	Dialer struct {
		sw      *_switch.Switch
		failing atomic.Bool

		mx    sync.Mutex
		conns []*Conn
	}

	Conn struct {
		sw       *_switch.Switch
		endpoint string
		wire     model.Wire
		rx       chan model.Message
		done     chan struct{}
		once     sync.Once
	}
)

func NewDialer(sw *_switch.Switch) *Dialer {
	return &Dialer{sw: sw}
}

// SetFailing makes subsequent dials fail until reset.
func (d *Dialer) SetFailing(failing bool) {
	d.failing.Store(failing)
}

// DropAll simulates a broker outage for every connection made so far.
func (d *Dialer) DropAll() {
	d.mx.Lock()
	conns := d.conns
	d.conns = nil
	d.mx.Unlock()
	for _, c := range conns {
		c.Drop()
	}
}

func (d *Dialer) Dial(ctx context.Context) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.failing.Load() {
		return nil, ErrUnavailable
	}
	c := &Conn{
		sw:       d.sw,
		endpoint: uuid.NewString(),
		wire:     model.NewWire(defaultWireSize),
		rx:       make(chan model.Message, defaultWireSize),
		done:     make(chan struct{}),
	}
	go c.pump()

	d.mx.Lock()
	d.conns = append(d.conns, c)
	d.mx.Unlock()
	return c, nil
}

func (c *Conn) pump() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.wire.TX:
			if f.Op != model.OpMessage {
				continue
			}
			select {
			case c.rx <- model.Message{Channel: f.Channel, Payload: f.Payload}:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Conn) Subscribe(_ context.Context, channel string) error {
	if c.isDone() {
		return transport.ErrClosed
	}
	c.sw.Subscribe(channel, c.endpoint, c.wire)
	return nil
}

func (c *Conn) Unsubscribe(_ context.Context, channel string) error {
	if c.isDone() {
		return transport.ErrClosed
	}
	c.sw.Unsubscribe(channel, c.endpoint)
	return nil
}

func (c *Conn) Publish(ctx context.Context, channel string, payload []byte) error {
	if c.isDone() {
		return transport.ErrClosed
	}
	c.sw.Publish(ctx, channel, payload)
	return nil
}

func (c *Conn) Messages() <-chan model.Message {
	return c.rx
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Close() error {
	c.Drop()
	return nil
}

// Drop terminates the connection as if the broker went away.
func (c *Conn) Drop() {
	c.once.Do(func() {
		c.sw.Disconnect(c.endpoint)
		close(c.done)
	})
}

func (c *Conn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
