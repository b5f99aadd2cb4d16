// Package config loads messenger settings from defaults, an optional YAML
// file, an optional .env file and the environment, in that order.
//
// Example (messenger.yaml):
//
//	env: dev
//	api:
//	  url: http://localhost:8000/api/messaging
//	  timeout: 10s
//	ws_url: ws://localhost:8000/ws
//	session:
//	  max_reconnects: 5
//	redis:
//	  addr: localhost:6379
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete messenger configuration.
type Config struct {
	Env         string `yaml:"env"`       // dev, local or production
	LogLevel    string `yaml:"log_level"` // debug, info, warn, error
	MetricsAddr string `yaml:"metrics_addr"`

	API     APIConfig     `yaml:"api"`
	WSURL   string        `yaml:"ws_url"`
	Session SessionConfig `yaml:"session"`
	Auth    AuthConfig    `yaml:"auth"`
	Redis   RedisConfig   `yaml:"redis"`
	NATS    NATSConfig    `yaml:"nats"`
}

type APIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type SessionConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	ReconnectBase   time.Duration `yaml:"reconnect_base"`
	ReconnectMax    time.Duration `yaml:"reconnect_max"`
	MaxReconnects   int           `yaml:"max_reconnects"`
	TypingIdle      time.Duration `yaml:"typing_idle"`
	PendingTimeout  time.Duration `yaml:"pending_timeout"`
	PreferredUserID int64         `yaml:"preferred_user_id"`
}

// AuthConfig supplies credentials when none are stored in Redis.
type AuthConfig struct {
	AccessToken string `yaml:"access_token"`
	UserID      int64  `yaml:"user_id"`
	Username    string `yaml:"username"`
	Profile     string `yaml:"profile"` // credential key suffix in Redis
}

// RedisConfig enables the Redis credential and draft stores when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig enables the event relay when URL is set.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Env:         "dev",
		LogLevel:    "info",
		MetricsAddr: ":9090",
		API: APIConfig{
			URL:     "http://localhost:8000/api/messaging",
			Timeout: 10 * time.Second,
		},
		WSURL: "ws://localhost:8000/ws",
		Session: SessionConfig{
			ConnectTimeout: 10 * time.Second,
			PingInterval:   30 * time.Second,
			ReconnectBase:  time.Second,
			ReconnectMax:   30 * time.Second,
			MaxReconnects:  5,
			TypingIdle:     3 * time.Second,
			PendingTimeout: 15 * time.Second,
		},
		Auth: AuthConfig{Profile: "default"},
		NATS: NATSConfig{Name: "messenger"},
	}
}

// Load builds the configuration. A missing YAML or .env file is not an
// error; an unreadable or unparsable one is. Empty paths are skipped.
func Load(yamlPath, envPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", yamlPath, err)
		default:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", yamlPath, err)
			}
		}
	}

	if envPath != "" {
		// Variables already set in the environment win over the file.
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", envPath, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("APP_ENV", &cfg.Env)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("API_URL", &cfg.API.URL)
	str("WS_URL", &cfg.WSURL)
	str("ACCESS_TOKEN", &cfg.Auth.AccessToken)
	str("MESSENGER_USERNAME", &cfg.Auth.Username)
	str("MESSENGER_PROFILE", &cfg.Auth.Profile)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("NATS_URL", &cfg.NATS.URL)
	str("NATS_NAME", &cfg.NATS.Name)

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"HTTP_TIMEOUT", &cfg.API.Timeout},
		{"CONNECT_TIMEOUT", &cfg.Session.ConnectTimeout},
		{"PING_INTERVAL", &cfg.Session.PingInterval},
		{"RECONNECT_BASE", &cfg.Session.ReconnectBase},
		{"RECONNECT_MAX", &cfg.Session.ReconnectMax},
		{"TYPING_IDLE", &cfg.Session.TypingIdle},
		{"PENDING_TIMEOUT", &cfg.Session.PendingTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"USER_ID", &cfg.Auth.UserID},
		{"PREFERRED_USER_ID", &cfg.Session.PreferredUserID},
	}
	for _, i := range ints {
		v := os.Getenv(i.key)
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: %s: %w", i.key, err)
		}
		*i.dst = n
	}

	if v := os.Getenv("MAX_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: MAX_RECONNECTS: %w", err)
		}
		cfg.Session.MaxReconnects = n
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if err := checkURL("api.url", c.API.URL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL("ws_url", c.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.NATS.URL != "" {
		if err := checkURL("nats.url", c.NATS.URL, "nats", "tls"); err != nil {
			return err
		}
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config: api.timeout must be positive, got %s", c.API.Timeout)
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("config: session.connect_timeout must be positive, got %s", c.Session.ConnectTimeout)
	}
	if c.Session.PingInterval < 0 {
		return fmt.Errorf("config: session.ping_interval must not be negative")
	}
	if c.Session.ReconnectBase <= 0 || c.Session.ReconnectMax < c.Session.ReconnectBase {
		return fmt.Errorf("config: reconnect delays must satisfy 0 < base <= max, got %s and %s",
			c.Session.ReconnectBase, c.Session.ReconnectMax)
	}
	if c.Session.MaxReconnects < 0 {
		return fmt.Errorf("config: session.max_reconnects must not be negative")
	}
	if c.Session.TypingIdle <= 0 || c.Session.PendingTimeout <= 0 {
		return fmt.Errorf("config: typing_idle and pending_timeout must be positive")
	}
	if c.Auth.UserID < 0 || c.Session.PreferredUserID < 0 {
		return fmt.Errorf("config: user ids must not be negative")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("config: redis.db must not be negative")
	}
	return nil
}

func checkURL(field, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("config: %s: %w", field, err)
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("config: %s %q must be a %s URL", field, raw, strings.Join(schemes, " or "))
}
