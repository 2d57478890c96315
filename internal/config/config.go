// Package config loads layersyncd's configuration from an optional TOML file
// followed by LAYERSYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/layersync/channel"
	"github.com/ggoodman/layersync/results/redis"
	"github.com/ggoodman/layersync/sessions"
)

// Result cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the daemon configuration. Zero values are replaced by Default's
// values after loading.
type Config struct {
	Listen    string `toml:"listen" env:"LAYERSYNC_LISTEN"`
	LogLevel  string `toml:"log_level" env:"LAYERSYNC_LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LAYERSYNC_LOG_FORMAT"`

	Results   Results   `toml:"results"`
	Session   Session   `toml:"session"`
	Websocket Websocket `toml:"websocket"`
}

// Results selects and configures the result cache.
type Results struct {
	Backend        string `toml:"backend" env:"LAYERSYNC_RESULTS_BACKEND"`
	RedisAddr      string `toml:"redis_addr" env:"LAYERSYNC_REDIS_ADDR"`
	RedisDB        int    `toml:"redis_db" env:"LAYERSYNC_REDIS_DB"`
	RedisKeyPrefix string `toml:"redis_key_prefix" env:"LAYERSYNC_REDIS_KEY_PREFIX"`
}

// Session tunes every editor session. Durations accept Go duration strings.
type Session struct {
	CallTimeout      time.Duration `toml:"call_timeout" env:"LAYERSYNC_CALL_TIMEOUT"`
	ImageCallTimeout time.Duration `toml:"image_call_timeout" env:"LAYERSYNC_IMAGE_CALL_TIMEOUT"`
	SyncInterval     time.Duration `toml:"sync_interval" env:"LAYERSYNC_SYNC_INTERVAL"`
	// PollInterval < 0 disables background topology polling.
	PollInterval     time.Duration `toml:"poll_interval" env:"LAYERSYNC_POLL_INTERVAL"`
	PollErrorBackoff time.Duration `toml:"poll_error_backoff" env:"LAYERSYNC_POLL_ERROR_BACKOFF"`
}

// Websocket tunes the editor websocket.
type Websocket struct {
	WriteTimeout   time.Duration `toml:"write_timeout" env:"LAYERSYNC_WS_WRITE_TIMEOUT"`
	PongTimeout    time.Duration `toml:"pong_timeout" env:"LAYERSYNC_WS_PONG_TIMEOUT"`
	PingInterval   time.Duration `toml:"ping_interval" env:"LAYERSYNC_WS_PING_INTERVAL"`
	MaxMessageSize int64         `toml:"max_message_size" env:"LAYERSYNC_WS_MAX_MESSAGE_SIZE"`
}

// Default returns the built-in configuration.
func Default() Config {
	sc := sessions.DefaultConfig()
	wc := channel.DefaultWebsocketConfig()
	return Config{
		Listen:    "127.0.0.1:8188",
		LogLevel:  "info",
		LogFormat: "text",
		Results: Results{
			Backend:        BackendMemory,
			RedisAddr:      "localhost:6379",
			RedisKeyPrefix: "layersync:results:",
		},
		Session: Session{
			CallTimeout:      sc.CallTimeout,
			ImageCallTimeout: sc.ImageCallTimeout,
			SyncInterval:     sc.SyncInterval,
			PollInterval:     sc.PollInterval,
			PollErrorBackoff: sc.PollErrorBackoff,
		},
		Websocket: Websocket{
			WriteTimeout:   wc.WriteTimeout,
			PongTimeout:    wc.PongTimeout,
			PingInterval:   wc.PingInterval,
			MaxMessageSize: wc.MaxMessageSize,
		},
	}
}

// Load reads the TOML file at path, when path is non-empty, then applies
// environment overrides and validates the result. Unknown keys in the file
// are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			sort.Strings(keys)
			return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.Results.Backend == "" {
		c.Results.Backend = def.Results.Backend
	}
	if c.Results.RedisAddr == "" {
		c.Results.RedisAddr = def.Results.RedisAddr
	}
	if c.Results.RedisKeyPrefix == "" {
		c.Results.RedisKeyPrefix = def.Results.RedisKeyPrefix
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format: unknown format %q", c.LogFormat)
	}
	switch c.Results.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("results.backend: unknown backend %q", c.Results.Backend)
	}
	for name, d := range map[string]time.Duration{
		"session.call_timeout":       c.Session.CallTimeout,
		"session.image_call_timeout": c.Session.ImageCallTimeout,
		"session.sync_interval":      c.Session.SyncInterval,
		"session.poll_error_backoff": c.Session.PollErrorBackoff,
		"websocket.write_timeout":    c.Websocket.WriteTimeout,
		"websocket.pong_timeout":     c.Websocket.PongTimeout,
		"websocket.ping_interval":    c.Websocket.PingInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s: must not be negative", name)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// SessionConfig converts the session settings. The logger is left for the
// caller to set.
func (c Config) SessionConfig() sessions.Config {
	return sessions.Config{
		CallTimeout:      c.Session.CallTimeout,
		ImageCallTimeout: c.Session.ImageCallTimeout,
		SyncInterval:     c.Session.SyncInterval,
		PollInterval:     c.Session.PollInterval,
		PollErrorBackoff: c.Session.PollErrorBackoff,
	}
}

// WebsocketConfig converts the websocket settings.
func (c Config) WebsocketConfig() channel.WebsocketConfig {
	return channel.WebsocketConfig{
		WriteTimeout:   c.Websocket.WriteTimeout,
		PongTimeout:    c.Websocket.PongTimeout,
		PingInterval:   c.Websocket.PingInterval,
		MaxMessageSize: c.Websocket.MaxMessageSize,
	}
}

// RedisConfig converts the redis result cache settings.
func (c Config) RedisConfig() redis.Config {
	return redis.Config{
		RedisAddr: c.Results.RedisAddr,
		KeyPrefix: c.Results.RedisKeyPrefix,
		DB:        c.Results.RedisDB,
	}
}
