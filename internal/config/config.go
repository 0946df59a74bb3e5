package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap/zapcore"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DONORLINK_"

// Load reads configuration from the given YAML file, then overlays
// environment variable overrides (DONORLINK_*). A double underscore
// separates nesting levels: DONORLINK_SERVER__PORT -> server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Start from defaults.
	cfg := DefaultConfig()

	// Load YAML file if it exists.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("accessing config %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the configuration to the given YAML file path.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

var validBackends = map[RealtimeBackend]bool{
	RealtimeMemory: true,
	RealtimeRedis:  true,
}

var validFormats = map[LogFormat]bool{
	LogJSON:    true,
	LogConsole: true,
}

// Validate checks that the configuration contains valid values.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log.format %q: must be json or console", c.Log.Format)
	}

	if !validBackends[c.Realtime.Backend] {
		return fmt.Errorf("invalid realtime.backend %q: must be memory or redis", c.Realtime.Backend)
	}
	if c.Realtime.Backend == RealtimeRedis && c.Realtime.RedisAddr == "" {
		return fmt.Errorf("realtime.redis_addr is required for the redis backend")
	}
	if c.Realtime.BufferSize <= 0 {
		return fmt.Errorf("realtime.buffer_size must be positive")
	}

	if c.Chat.PageSize <= 0 {
		return fmt.Errorf("chat.page_size must be positive")
	}
	if c.Chat.ReconcileWindowMS < 0 {
		return fmt.Errorf("chat.reconcile_window_ms must be non-negative")
	}

	if c.Presence.TypingTimeoutMS <= 0 {
		return fmt.Errorf("presence.typing_timeout_ms must be positive")
	}
	if c.Presence.PresenceTTLSecond <= 0 {
		return fmt.Errorf("presence.presence_ttl_seconds must be positive")
	}

	push := c.Notifications.Push
	if push.Endpoint == "" {
		return fmt.Errorf("notifications.push.endpoint is required")
	}
	if push.MaxAttempts < 1 {
		return fmt.Errorf("notifications.push.max_attempts must be at least 1")
	}
	if push.TimeoutSeconds <= 0 {
		return fmt.Errorf("notifications.push.timeout_seconds must be positive")
	}
	if push.BackoffMS < 0 {
		return fmt.Errorf("notifications.push.backoff_ms must be non-negative")
	}
	if c.Notifications.ActivityHighSeconds <= 0 || c.Notifications.ActivityMediumSeconds < c.Notifications.ActivityHighSeconds {
		return fmt.Errorf("notifications activity windows must satisfy 0 < high <= medium")
	}

	return nil
}

// ReconcileWindow returns the optimistic-send matching tolerance.
func (c ChatConfig) ReconcileWindow() time.Duration {
	return time.Duration(c.ReconcileWindowMS) * time.Millisecond
}

// TypingTimeout returns how long a typing flag survives without a refresh.
func (c PresenceConfig) TypingTimeout() time.Duration {
	return time.Duration(c.TypingTimeoutMS) * time.Millisecond
}

// PresenceTTL returns how long a presence status stays valid.
func (c PresenceConfig) PresenceTTL() time.Duration {
	return time.Duration(c.PresenceTTLSecond) * time.Second
}

// Timeout returns the per-request push gateway timeout.
func (c PushConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Backoff returns the delay between push attempts.
func (c PushConfig) Backoff() time.Duration {
	return time.Duration(c.BackoffMS) * time.Millisecond
}
