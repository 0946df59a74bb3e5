package config

// RealtimeBackend selects the implementation of the chat realtime feed.
type RealtimeBackend string

const (
	RealtimeMemory RealtimeBackend = "memory"
	RealtimeRedis  RealtimeBackend = "redis"
)

// LogFormat selects the zap encoder.
type LogFormat string

const (
	LogJSON    LogFormat = "json"
	LogConsole LogFormat = "console"
)

// Config is the top-level donorlink configuration, corresponding to donorlink.yml.
type Config struct {
	Server        ServerConfig        `yaml:"server" koanf:"server"`
	Database      DatabaseConfig      `yaml:"database" koanf:"database"`
	Log           LogConfig           `yaml:"log" koanf:"log"`
	Realtime      RealtimeConfig      `yaml:"realtime" koanf:"realtime"`
	Chat          ChatConfig          `yaml:"chat" koanf:"chat"`
	Presence      PresenceConfig      `yaml:"presence" koanf:"presence"`
	Notifications NotificationsConfig `yaml:"notifications" koanf:"notifications"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            int      `yaml:"port" koanf:"port"`
	AllowAllOrigins bool     `yaml:"allow_all_origins" koanf:"allow_all_origins"`
	AllowedOrigins  []string `yaml:"allowed_origins" koanf:"allowed_origins"`
}

// DatabaseConfig locates the SQLite database file.
type DatabaseConfig struct {
	Path string `yaml:"path" koanf:"path"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level  string    `yaml:"level" koanf:"level"`
	Format LogFormat `yaml:"format" koanf:"format"`
}

// RealtimeConfig selects and configures the chat realtime feed.
type RealtimeConfig struct {
	Backend       RealtimeBackend `yaml:"backend" koanf:"backend"`
	BufferSize    int             `yaml:"buffer_size" koanf:"buffer_size"`
	RedisAddr     string          `yaml:"redis_addr" koanf:"redis_addr"`
	RedisPassword string          `yaml:"redis_password" koanf:"redis_password"`
	RedisDB       int             `yaml:"redis_db" koanf:"redis_db"`
	ChannelPrefix string          `yaml:"channel_prefix" koanf:"channel_prefix"`
}

// ChatConfig tunes the message synchronization engine.
type ChatConfig struct {
	PageSize          int `yaml:"page_size" koanf:"page_size"`
	ReconcileWindowMS int `yaml:"reconcile_window_ms" koanf:"reconcile_window_ms"`
}

// PresenceConfig tunes the presence and typing tracker.
type PresenceConfig struct {
	TypingTimeoutMS   int `yaml:"typing_timeout_ms" koanf:"typing_timeout_ms"`
	PresenceTTLSecond int `yaml:"presence_ttl_seconds" koanf:"presence_ttl_seconds"`
}

// NotificationsConfig configures delivery.
type NotificationsConfig struct {
	Push PushConfig `yaml:"push" koanf:"push"`
	// ActivityHighSeconds and ActivityMediumSeconds bound how recent the last
	// client interaction must be to count as high or medium activity.
	ActivityHighSeconds   int `yaml:"activity_high_seconds" koanf:"activity_high_seconds"`
	ActivityMediumSeconds int `yaml:"activity_medium_seconds" koanf:"activity_medium_seconds"`
}

// PushConfig points at the push gateway (Expo push API compatible).
type PushConfig struct {
	Endpoint       string `yaml:"endpoint" koanf:"endpoint"`
	AccessToken    string `yaml:"access_token" koanf:"access_token"`
	MaxAttempts    int    `yaml:"max_attempts" koanf:"max_attempts"`
	TimeoutSeconds int    `yaml:"timeout_seconds" koanf:"timeout_seconds"`
	BackoffMS      int    `yaml:"backoff_ms" koanf:"backoff_ms"`
}
