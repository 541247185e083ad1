package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"termbus/internal/bus"
	"termbus/internal/config"
	"termbus/internal/logging"
	"termbus/internal/relayctl"
)

type commandContext struct {
	socketFlag *string
	configFlag *string
	hostFlag   *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
}

func newCommandContext(socketFlag, configFlag, hostFlag *string) *commandContext {
	return &commandContext{
		socketFlag: socketFlag,
		configFlag: configFlag,
		hostFlag:   hostFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, _, _, err := config.Load(c.configPath())
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) configPath() string {
	if c.configFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.configFlag)
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// log returns the CLI-process logger. Client processes log to stderr; stdout
// stays free for command output.
func (c *commandContext) log() *slog.Logger {
	c.loggerOnce.Do(func() {
		logger, err := logging.NewFromConfig(c.configValue())
		if err != nil {
			logger = logging.NewNop()
		}
		c.logger = logger
	})
	return c.logger
}

// useLogger replaces the default stderr logger. It only takes effect before
// the first call to log.
func (c *commandContext) useLogger(logger *slog.Logger) {
	c.loggerOnce.Do(func() { c.logger = logger })
}

// address resolves the relay this command talks to. Windows pass their own
// pid as fallbackPID so each window gets its own relay.
func (c *commandContext) address(fallbackPID int) (relayctl.Address, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return relayctl.Address{}, err
	}
	var socket, host string
	if c.socketFlag != nil {
		socket = *c.socketFlag
	}
	if c.hostFlag != nil {
		host = *c.hostFlag
	}
	addr, err := relayctl.Resolve(cfg.Paths.RuntimeDir, socket, host, fallbackPID)
	if errors.Is(err, relayctl.ErrNoHost) {
		return relayctl.Address{}, fmt.Errorf("%w (run inside a termbus window shell or pass --socket)", err)
	}
	return addr, err
}

// newClient builds a bus client for addr that spawns the relay on demand.
func (c *commandContext) newClient(addr relayctl.Address, component string) (*bus.Client, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewComponentLogger(c.log(), component)

	var extra []string
	if path := c.configPath(); path != "" {
		extra = append(extra, "--config", path)
	}
	spawner, err := relayctl.NewExecSpawner(cfg.ReadyTimeout(), extra...)
	if err != nil {
		return nil, err
	}
	return bus.NewClient(bus.Options{
		Connector: &relayctl.Connector{
			Socket:      addr.Socket,
			Spawner:     spawner,
			DialTimeout: cfg.DialTimeout(),
			WaitTimeout: cfg.ReadyTimeout(),
			Logger:      logger,
		},
		Socket:            addr.Socket,
		ReconnectDelay:    cfg.ReconnectDelay(),
		OutboxLimit:       cfg.Client.OutboxLimit,
		MaxFrameBytes:     cfg.Relay.MaxFrameBytes,
		BackgroundTimeout: cfg.BackgroundTimeout(),
		WriteTimeout:      cfg.WriteTimeout(),
		Logger:            logger,
	})
}

// waitClass maps request flags onto a bus wait class.
func (c *commandContext) waitClass(interactive bool, timeout time.Duration) bus.Wait {
	if interactive {
		if timeout <= 0 {
			if cfg := c.configValue(); cfg != nil {
				timeout = cfg.InteractiveTimeout()
			}
		}
		return bus.InteractiveWithin(timeout)
	}
	return bus.Background(timeout)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
