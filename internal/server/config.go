// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat relay.
package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Tyrowin/gochat-relay/internal/clocksync"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/presence"
)

const (
	defaultHost          = "127.0.0.1"
	defaultPort          = 50001
	defaultReadBuffer    = 1024
	defaultWriteTimeout  = 10 * time.Second
	defaultHTTPAddr      = "127.0.0.1:8080"
	defaultAssistantName = "ChatGPT 🤖"
	defaultEnvPrefix     = "CHAT"
)

// ListenerConfig configures the TCP listener and per-connection I/O.
type ListenerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadBuffer   int           `mapstructure:"read_buffer"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port.
func (c ListenerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HTTPConfig configures the admin HTTP server and WebSocket gateway. An empty
// Addr disables it.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RateLimitConfig defines the parameters for per-connection chat rate limiting.
type RateLimitConfig struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// ClockConfig configures the clock sync service.
type ClockConfig struct {
	EstimatedRTT float64 `mapstructure:"estimated_rtt"`
}

// AssistantConfig configures the assistant that answers every chat line.
type AssistantConfig struct {
	DisplayName string        `mapstructure:"display_name"`
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float32       `mapstructure:"temperature"`
}

// Config holds the relay configuration.
type Config struct {
	Server    ListenerConfig       `mapstructure:"server"`
	HTTP      HTTPConfig           `mapstructure:"http"`
	RateLimit RateLimitConfig      `mapstructure:"rate_limit"`
	Clock     ClockConfig          `mapstructure:"clock"`
	Assistant AssistantConfig      `mapstructure:"assistant"`
	Presence  presence.RedisConfig `mapstructure:"presence"`
	Log       logging.Config       `mapstructure:"log"`
}

func defaultConfig() Config {
	return Config{
		Server: ListenerConfig{
			Host:         defaultHost,
			Port:         defaultPort,
			ReadBuffer:   defaultReadBuffer,
			WriteTimeout: defaultWriteTimeout,
		},
		HTTP: HTTPConfig{
			Addr: defaultHTTPAddr,
			AllowedOrigins: []string{
				"http://localhost:8080",
				"http://127.0.0.1:8080",
			},
		},
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Clock: ClockConfig{
			EstimatedRTT: clocksync.DefaultEstimatedRTT,
		},
		Assistant: AssistantConfig{
			DisplayName: defaultAssistantName,
			Model:       "gpt-3.5-turbo",
			Timeout:     20 * time.Second,
			MaxTokens:   150,
			Temperature: 0.7,
		},
		Presence: presence.RedisConfig{
			KeyPrefix: "chat:presence",
			TTL:       30 * time.Second,
			QueueSize: 256,
		},
		Log: logging.Config{
			Level:       "info",
			ServiceName: "chat-relay",
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	cfg.Server.Host = strings.TrimSpace(cfg.Server.Host)
	if cfg.Server.Host == "" {
		cfg.Server.Host = def.Server.Host
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		cfg.Server.Port = def.Server.Port
	}
	if cfg.Server.ReadBuffer <= 0 {
		cfg.Server.ReadBuffer = def.Server.ReadBuffer
	}
	if cfg.Server.ReadTimeout < 0 {
		cfg.Server.ReadTimeout = 0
	}
	if cfg.Server.WriteTimeout <= 0 {
		cfg.Server.WriteTimeout = def.Server.WriteTimeout
	}

	cfg.HTTP.Addr = strings.TrimSpace(cfg.HTTP.Addr)
	cfg.HTTP.AllowedOrigins = splitList(cfg.HTTP.AllowedOrigins)

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = def.RateLimit.Burst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}

	if cfg.Clock.EstimatedRTT < 0 {
		cfg.Clock.EstimatedRTT = def.Clock.EstimatedRTT
	}

	if strings.TrimSpace(cfg.Assistant.DisplayName) == "" {
		cfg.Assistant.DisplayName = def.Assistant.DisplayName
	}
	if cfg.Assistant.Model == "" {
		cfg.Assistant.Model = def.Assistant.Model
	}
	if cfg.Assistant.Timeout <= 0 {
		cfg.Assistant.Timeout = def.Assistant.Timeout
	}
	if cfg.Assistant.MaxTokens <= 0 {
		cfg.Assistant.MaxTokens = def.Assistant.MaxTokens
	}

	return cfg
}

// splitList flattens comma separated entries, as produced by env variables.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	def := defaultConfig()

	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.read_buffer", def.Server.ReadBuffer)
	v.SetDefault("server.read_timeout", def.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", def.Server.WriteTimeout)
	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("http.allowed_origins", def.HTTP.AllowedOrigins)
	v.SetDefault("rate_limit.burst", def.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", def.RateLimit.RefillInterval)
	v.SetDefault("clock.estimated_rtt", def.Clock.EstimatedRTT)
	v.SetDefault("assistant.display_name", def.Assistant.DisplayName)
	v.SetDefault("assistant.model", def.Assistant.Model)
	v.SetDefault("assistant.api_key", "")
	v.SetDefault("assistant.base_url", "")
	v.SetDefault("assistant.timeout", def.Assistant.Timeout)
	v.SetDefault("assistant.max_tokens", def.Assistant.MaxTokens)
	v.SetDefault("assistant.temperature", def.Assistant.Temperature)
	v.SetDefault("presence.redis_addr", "")
	v.SetDefault("presence.redis_password", "")
	v.SetDefault("presence.redis_db", 0)
	v.SetDefault("presence.key_prefix", def.Presence.KeyPrefix)
	v.SetDefault("presence.ttl", def.Presence.TTL)
	v.SetDefault("presence.queue_size", def.Presence.QueueSize)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.pretty", def.Log.Pretty)
	v.SetDefault("log.service_name", def.Log.ServiceName)
}

// LoadConfig reads configuration from an optional YAML file and CHAT_*
// environment variables (server.port becomes CHAT_SERVER_PORT). With an
// empty path a chat.yaml in the working directory or ./config is used when
// present. OPENAI_API_KEY is honoured for assistant.api_key.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(defaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("assistant.api_key", defaultEnvPrefix+"_ASSISTANT_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind api key env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("chat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}
