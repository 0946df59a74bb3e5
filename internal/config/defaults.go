package config

// DefaultConfigFile is the config path used when --config is not given.
const DefaultConfigFile = "donorlink.yml"

// DefaultPushEndpoint is the public Expo push API.
const DefaultPushEndpoint = "https://exp.host/--/api/v2/push/send"

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		},
		Database: DatabaseConfig{
			Path: "data/donorlink.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogJSON,
		},
		Realtime: RealtimeConfig{
			Backend:       RealtimeMemory,
			BufferSize:    256,
			RedisAddr:     "localhost:6379",
			ChannelPrefix: "donorlink",
		},
		Chat: ChatConfig{
			PageSize:          50,
			ReconcileWindowMS: 5000,
		},
		Presence: PresenceConfig{
			TypingTimeoutMS:   1000,
			PresenceTTLSecond: 120,
		},
		Notifications: NotificationsConfig{
			Push: PushConfig{
				Endpoint:       DefaultPushEndpoint,
				MaxAttempts:    3,
				TimeoutSeconds: 10,
				BackoffMS:      500,
			},
			ActivityHighSeconds:   60,
			ActivityMediumSeconds: 600,
		},
	}
}
