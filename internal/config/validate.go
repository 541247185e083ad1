package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateRelay(); err != nil {
		return err
	}
	if err := c.validateClient(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateRelay() error {
	if c.Relay.IdleGraceSeconds <= c.Client.ReconnectDelaySeconds {
		return fmt.Errorf(
			"relay.idle_grace_seconds (%d) must exceed client.reconnect_delay_seconds (%d) so reconnecting clients find the relay alive",
			c.Relay.IdleGraceSeconds, c.Client.ReconnectDelaySeconds,
		)
	}
	if c.Relay.MaxFrameBytes < 1024 {
		return errors.New("relay.max_frame_bytes must be at least 1024")
	}
	if c.Relay.MetricsBind != "" {
		if _, _, err := net.SplitHostPort(c.Relay.MetricsBind); err != nil {
			return fmt.Errorf("relay.metrics_bind %q: %w", c.Relay.MetricsBind, err)
		}
	}
	return nil
}

func (c *Config) validateClient() error {
	if c.Client.OutboxLimit > 1<<16 {
		return errors.New("client.outbox_limit must be at most 65536")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("logging.level %q: must be debug, info, warn or error", c.Logging.Level)
	}
}
