package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "127.0.0.1:50001", cfg.Server.Addr())
	assert.Equal(t, 1024, cfg.Server.ReadBuffer)
	assert.Equal(t, "ChatGPT 🤖", cfg.Assistant.DisplayName)
	assert.Equal(t, 0.001, cfg.Clock.EstimatedRTT)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Empty(t, cfg.Presence.Address)
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	def := NewConfig()
	assert.Equal(t, def.Server, cfg.Server)
	assert.Equal(t, def.HTTP, cfg.HTTP)
	assert.Equal(t, def.Assistant.Model, cfg.Assistant.Model)
	assert.Equal(t, def.Log, cfg.Log)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	content := `
server:
  host: 0.0.0.0
  port: 6000
  read_timeout: 5m
http:
  allowed_origins:
    - https://chat.example.com
assistant:
  display_name: Helper
  temperature: 0.2
presence:
  redis_addr: localhost:6379
  ttl: 10s
log:
  level: debug
  pretty: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6000", cfg.Server.Addr())
	assert.Equal(t, 5*time.Minute, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "Helper", cfg.Assistant.DisplayName)
	assert.InDelta(t, 0.2, cfg.Assistant.Temperature, 1e-6)
	assert.Equal(t, "localhost:6379", cfg.Presence.Address)
	assert.Equal(t, 10*time.Second, cfg.Presence.TTL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.Equal(t, 1024, cfg.Server.ReadBuffer, "unset keys keep their defaults")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigEnvironmentOverrides(t *testing.T) {
	t.Setenv("CHAT_SERVER_PORT", "7001")
	t.Setenv("CHAT_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CHAT_ASSISTANT_DISPLAY_NAME", "Oracle")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7001, cfg.Server.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, "Oracle", cfg.Assistant.DisplayName)
	assert.Equal(t, "sk-test", cfg.Assistant.APIKey)
}

func TestSanitizeConfig(t *testing.T) {
	cfg := sanitizeConfig(Config{
		Server: ListenerConfig{Host: "  ", Port: 70000, ReadTimeout: -time.Second},
		HTTP:   HTTPConfig{AllowedOrigins: []string{" http://a.test ,", "", "http://b.test"}},
		Clock:  ClockConfig{EstimatedRTT: -1},
	})

	def := defaultConfig()
	assert.Equal(t, def.Server.Host, cfg.Server.Host)
	assert.Equal(t, def.Server.Port, cfg.Server.Port)
	assert.Equal(t, def.Server.ReadBuffer, cfg.Server.ReadBuffer)
	assert.Zero(t, cfg.Server.ReadTimeout)
	assert.Equal(t, def.Server.WriteTimeout, cfg.Server.WriteTimeout)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.HTTP.AllowedOrigins)
	assert.Equal(t, def.RateLimit, cfg.RateLimit)
	assert.Equal(t, def.Clock.EstimatedRTT, cfg.Clock.EstimatedRTT)
	assert.Equal(t, def.Assistant.DisplayName, cfg.Assistant.DisplayName)
	assert.Equal(t, def.Assistant.Timeout, cfg.Assistant.Timeout)
}

func TestSanitizeConfigKeepsPortZero(t *testing.T) {
	cfg := sanitizeConfig(Config{Server: ListenerConfig{Port: 0}})
	assert.Zero(t, cfg.Server.Port, "port 0 asks the OS for a free port")
}
