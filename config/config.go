// Package config loads settings from defaults, an optional YAML file, the
// environment (COLLAB_ prefix) and command line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adwski/collab-sync/logging"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "COLLAB"

// Broker drivers.
const (
	DriverWebsocket = "websocket"
	DriverRedis     = "redis"
	DriverMemory    = "memory"
)

var ErrInvalid = errors.New("invalid configuration")

type (
	Config struct {
		Broker  BrokerConfig   `mapstructure:"broker"`
		API     APIConfig      `mapstructure:"api"`
		Collab  CollabConfig   `mapstructure:"collab"`
		Media   MediaConfig    `mapstructure:"media"`
		Session SessionConfig  `mapstructure:"session"`
		Relay   RelayConfig    `mapstructure:"relay"`
		Log     logging.Config `mapstructure:"log"`
	}

	BrokerConfig struct {
		Driver         string        `mapstructure:"driver"`
		URL            string        `mapstructure:"url"`
		Redis          RedisConfig   `mapstructure:"redis"`
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	}

	RedisConfig struct {
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	}

	APIConfig struct {
		BaseURL string        `mapstructure:"base_url"`
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	}

	CollabConfig struct {
		CursorDecay time.Duration `mapstructure:"cursor_decay"`
	}

	MediaConfig struct {
		FrameRate     int `mapstructure:"frame_rate"`
		CaptureWidth  int `mapstructure:"capture_width"`
		CaptureHeight int `mapstructure:"capture_height"`
		RenderWidth   int `mapstructure:"render_width"`
		RenderHeight  int `mapstructure:"render_height"`
		JPEGQuality   int `mapstructure:"jpeg_quality"`
		SampleRate    int `mapstructure:"sample_rate"`
		BlockSize     int `mapstructure:"block_size"`
	}

	// SessionConfig selects what the participant binary opens.
	SessionConfig struct {
		Document    string `mapstructure:"document"`
		Conference  string `mapstructure:"conference"`
		CreateTitle string `mapstructure:"create_title"`
	}

	RelayConfig struct {
		WSListenAddr  string `mapstructure:"ws_listen_addr"`
		APIListenAddr string `mapstructure:"api_listen_addr"`
	}
)

var defaults = map[string]any{
	"broker.driver":          DriverWebsocket,
	"broker.url":             "ws://localhost:8888/ws",
	"broker.redis.address":   "localhost:6379",
	"broker.redis.password":  "",
	"broker.redis.db":        0,
	"broker.reconnect_delay": "5s",
	"api.base_url":           "http://localhost:8080/api",
	"api.token":              "",
	"api.timeout":            "10s",
	"collab.cursor_decay":    "2s",
	"media.frame_rate":       8,
	"media.capture_width":    1280,
	"media.capture_height":   960,
	"media.render_width":     640,
	"media.render_height":    480,
	"media.jpeg_quality":     10,
	"media.sample_rate":      44100,
	"media.block_size":       4096,
	"session.document":       "",
	"session.conference":     "",
	"session.create_title":   "",
	"relay.ws_listen_addr":   ":8888",
	"relay.api_listen_addr":  ":8080",
	"log.level":              "debug",
	"log.pretty":             false,
}

// flags maps command line flags to configuration keys.
var flags = []struct {
	name, short, key, usage string
}{
	{"broker-driver", "b", "broker.driver", "broker driver: websocket, redis or memory"},
	{"broker-url", "u", "broker.url", "relay websocket url"},
	{"redis-address", "", "broker.redis.address", "redis address"},
	{"api-base-url", "", "api.base_url", "REST API base url"},
	{"api-token", "t", "api.token", "REST API bearer token"},
	{"document", "d", "session.document", "document to open"},
	{"conference", "c", "session.conference", "conference to join"},
	{"create", "", "session.create_title", "create a conference with this title"},
	{"frame-rate", "", "media.frame_rate", "video frames per second"},
	{"ws-listen-addr", "w", "relay.ws_listen_addr", "relay websocket listen address"},
	{"api-listen-addr", "a", "relay.api_listen_addr", "relay api listen address"},
	{"log-level", "l", "log.level", "log level"},
	{"log-pretty", "", "log.pretty", "human readable console logs"},
}

// Load parses args and merges every configuration source.
func Load(name string, args []string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML config file")
	for _, f := range flags {
		switch val := defaults[f.key].(type) {
		case bool:
			fs.BoolP(f.name, f.short, val, f.usage)
		case int:
			fs.IntP(f.name, f.short, val, f.usage)
		default:
			fs.StringP(f.name, f.short, fmt.Sprint(val), f.usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	for _, f := range flags {
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Broker.Driver {
	case DriverWebsocket, DriverRedis, DriverMemory:
	default:
		return errors.Join(ErrInvalid, fmt.Errorf("unknown broker driver %q", c.Broker.Driver))
	}
	if c.Media.FrameRate <= 0 {
		return errors.Join(ErrInvalid, fmt.Errorf("frame rate must be positive, got %d", c.Media.FrameRate))
	}
	if c.Session.Conference != "" && c.Session.CreateTitle != "" {
		return errors.Join(ErrInvalid, errors.New("join and create are mutually exclusive"))
	}
	return nil
}
