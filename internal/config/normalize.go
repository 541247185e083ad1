package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeRelay()
	c.normalizeClient()
	c.normalizeRequests()
	if c.Discovery.SettleMillis <= 0 {
		c.Discovery.SettleMillis = defaultSettleMillis
	}
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if value, ok := os.LookupEnv("TERMBUS_RUNTIME_DIR"); ok && strings.TrimSpace(value) != "" {
		c.Paths.RuntimeDir = value
	}
	if strings.TrimSpace(c.Paths.RuntimeDir) == "" {
		c.Paths.RuntimeDir = defaultRuntimeDir()
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	var err error
	if c.Paths.RuntimeDir, err = expandPath(strings.TrimSpace(c.Paths.RuntimeDir)); err != nil {
		return fmt.Errorf("paths.runtime_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizeRelay() {
	if c.Relay.IdleGraceSeconds <= 0 {
		c.Relay.IdleGraceSeconds = defaultIdleGraceSeconds
	}
	if c.Relay.QueueDepth <= 0 {
		c.Relay.QueueDepth = defaultQueueDepth
	}
	if c.Relay.ReadyTimeoutSeconds <= 0 {
		c.Relay.ReadyTimeoutSeconds = defaultReadyTimeoutSeconds
	}
	if c.Relay.WriteTimeoutSeconds <= 0 {
		c.Relay.WriteTimeoutSeconds = defaultWriteTimeoutSeconds
	}
	if c.Relay.MaxFrameBytes <= 0 {
		c.Relay.MaxFrameBytes = defaultMaxFrameBytes
	}
	c.Relay.MetricsBind = strings.TrimSpace(c.Relay.MetricsBind)
}

func (c *Config) normalizeClient() {
	if c.Client.ReconnectDelaySeconds <= 0 {
		c.Client.ReconnectDelaySeconds = defaultReconnectDelaySeconds
	}
	if c.Client.OutboxLimit <= 0 {
		c.Client.OutboxLimit = defaultOutboxLimit
	}
	if c.Client.DialTimeoutSeconds <= 0 {
		c.Client.DialTimeoutSeconds = defaultDialTimeoutSeconds
	}
}

func (c *Config) normalizeRequests() {
	if c.Requests.BackgroundTimeoutSeconds <= 0 {
		c.Requests.BackgroundTimeoutSeconds = defaultBackgroundTimeout
	}
	if c.Requests.InteractiveTimeoutSeconds < 0 {
		c.Requests.InteractiveTimeoutSeconds = 0
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	switch c.Logging.Format {
	case "", "console":
		c.Logging.Format = "console"
	case "json":
	default:
		c.Logging.Format = "console"
	}
	if value, ok := os.LookupEnv("TERMBUS_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays < 0 {
		c.Logging.RetentionDays = 0
	}
}
