package config

const (
	defaultConfigPath            = "~/.config/termbus/config.toml"
	defaultLogDir                = "~/.local/state/termbus/logs"
	defaultLogRetentionDays      = 14
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultIdleGraceSeconds      = 30
	defaultQueueDepth            = 256
	defaultReadyTimeoutSeconds   = 5
	defaultWriteTimeoutSeconds   = 5
	defaultMaxFrameBytes         = 8 << 20
	defaultReconnectDelaySeconds = 3
	defaultOutboxLimit           = 64
	defaultDialTimeoutSeconds    = 2
	defaultBackgroundTimeout     = 10
	defaultSettleMillis          = 500
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			RuntimeDir: defaultRuntimeDir(),
			LogDir:     defaultLogDir,
		},
		Relay: Relay{
			IdleGraceSeconds:    defaultIdleGraceSeconds,
			QueueDepth:          defaultQueueDepth,
			ReadyTimeoutSeconds: defaultReadyTimeoutSeconds,
			WriteTimeoutSeconds: defaultWriteTimeoutSeconds,
			MaxFrameBytes:       defaultMaxFrameBytes,
		},
		Client: Client{
			ReconnectDelaySeconds: defaultReconnectDelaySeconds,
			OutboxLimit:           defaultOutboxLimit,
			DialTimeoutSeconds:    defaultDialTimeoutSeconds,
		},
		Requests: Requests{
			BackgroundTimeoutSeconds: defaultBackgroundTimeout,
		},
		Discovery: Discovery{
			SettleMillis: defaultSettleMillis,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
