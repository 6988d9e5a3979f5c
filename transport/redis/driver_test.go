package redis

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestDialUnreachable(t *testing.T) {
	logger := zerolog.Nop()
	d := NewDialer(Config{Logger: &logger, Addr: "127.0.0.1:1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx)
	assert.ErrorIs(t, err, ErrDial)
	assert.Nil(t, conn)
}

func TestDefaultHealthInterval(t *testing.T) {
	logger := zerolog.Nop()
	d := NewDialer(Config{Logger: &logger, Addr: "localhost:6379"})
	assert.Equal(t, defaultHealthInterval, d.healthInterval)
	assert.Equal(t, "localhost:6379", d.opts.Addr)
}
