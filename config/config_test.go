package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("test", nil)
	require.NoError(t, err)

	assert.Equal(t, DriverWebsocket, cfg.Broker.Driver)
	assert.Equal(t, "ws://localhost:8888/ws", cfg.Broker.URL)
	assert.Equal(t, 5*time.Second, cfg.Broker.ReconnectDelay)
	assert.Equal(t, "localhost:6379", cfg.Broker.Redis.Address)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, 2*time.Second, cfg.Collab.CursorDecay)
	assert.Equal(t, 8, cfg.Media.FrameRate)
	assert.Equal(t, 1280, cfg.Media.CaptureWidth)
	assert.Equal(t, 480, cfg.Media.RenderHeight)
	assert.Equal(t, 44100, cfg.Media.SampleRate)
	assert.Equal(t, ":8888", cfg.Relay.WSListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Log.Pretty)
}

func TestPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  driver: redis
  redis:
    address: redis:6379
    db: 2
api:
  token: from-file
media:
  frame_rate: 4
`), 0o600))

	t.Setenv("COLLAB_API_TOKEN", "from-env")
	t.Setenv("COLLAB_COLLAB_CURSOR_DECAY", "3s")

	cfg, err := Load("test", []string{"--config", path, "-d", "42", "--frame-rate", "12", "--log-pretty"})
	require.NoError(t, err)

	assert.Equal(t, DriverRedis, cfg.Broker.Driver)
	assert.Equal(t, "redis:6379", cfg.Broker.Redis.Address)
	assert.Equal(t, 2, cfg.Broker.Redis.DB)
	assert.Equal(t, "from-env", cfg.API.Token)
	assert.Equal(t, 3*time.Second, cfg.Collab.CursorDecay)
	assert.Equal(t, 12, cfg.Media.FrameRate)
	assert.Equal(t, "42", cfg.Session.Document)
	assert.True(t, cfg.Log.Pretty)
}

func TestInvalid(t *testing.T) {
	_, err := Load("test", []string{"--broker-driver", "carrier-pigeon"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load("test", []string{"--conference", "c1", "--create", "standup"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load("test", []string{"--frame-rate", "0"})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load("test", []string{"--no-such-flag"})
	assert.Error(t, err)

	_, err = Load("test", []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)
}
