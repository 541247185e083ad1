package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	RuntimeDir string `toml:"runtime_dir"`
	LogDir     string `toml:"log_dir"`
}

// Relay contains settings for the broadcast relay process.
type Relay struct {
	IdleGraceSeconds    int    `toml:"idle_grace_seconds"`
	QueueDepth          int    `toml:"queue_depth"`
	ReadyTimeoutSeconds int    `toml:"ready_timeout_seconds"`
	WriteTimeoutSeconds int    `toml:"write_timeout_seconds"`
	MaxFrameBytes       int    `toml:"max_frame_bytes"`
	MetricsBind         string `toml:"metrics_bind"`
}

// Client contains connection settings shared by windows and sessions.
type Client struct {
	ReconnectDelaySeconds int `toml:"reconnect_delay_seconds"`
	OutboxLimit           int `toml:"outbox_limit"`
	DialTimeoutSeconds    int `toml:"dial_timeout_seconds"`
}

// Requests contains default timeouts for correlated requests.
type Requests struct {
	BackgroundTimeoutSeconds int `toml:"background_timeout_seconds"`
	// InteractiveTimeoutSeconds of 0 means interactive requests wait until
	// answered, abandoned or disconnected.
	InteractiveTimeoutSeconds int `toml:"interactive_timeout_seconds"`
}

// Discovery contains window-side discovery settings.
type Discovery struct {
	SettleMillis int `toml:"settle_millis"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Config encapsulates all configuration values for termbus.
//
// Configuration sections by subsystem:
//   - Paths: runtime (socket) and log directories
//   - Relay: relay queueing, idle shutdown and metrics
//   - Client: reconnect cadence and offline outbox
//   - Requests: background and interactive wait classes
//   - Discovery: registry convergence settle time
//   - Logging: log format, level, and retention
type Config struct {
	Paths     Paths     `toml:"paths"`
	Relay     Relay     `toml:"relay"`
	Client    Client    `toml:"client"`
	Requests  Requests  `toml:"requests"`
	Discovery Discovery `toml:"discovery"`
	Logging   Logging   `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded. A missing file is not an error;
// defaults apply and exists is false.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("termbus.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the runtime and log directories. The runtime
// directory holds relay sockets and is private to the user.
func (c *Config) EnsureDirectories() error {
	if err := os.MkdirAll(c.Paths.RuntimeDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.RuntimeDir, err)
	}
	if err := os.MkdirAll(c.Paths.LogDir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", c.Paths.LogDir, err)
	}
	return nil
}

// IdleGrace is how long a relay with no clients waits before exiting.
func (c *Config) IdleGrace() time.Duration {
	return seconds(c.Relay.IdleGraceSeconds)
}

// ReadyTimeout bounds the wait for a spawned relay's readiness marker.
func (c *Config) ReadyTimeout() time.Duration {
	return seconds(c.Relay.ReadyTimeoutSeconds)
}

// WriteTimeout bounds a single relay write to one client.
func (c *Config) WriteTimeout() time.Duration {
	return seconds(c.Relay.WriteTimeoutSeconds)
}

// ReconnectDelay is the fixed pause between client reconnect attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return seconds(c.Client.ReconnectDelaySeconds)
}

// DialTimeout bounds a single dial of the relay socket.
func (c *Config) DialTimeout() time.Duration {
	return seconds(c.Client.DialTimeoutSeconds)
}

// BackgroundTimeout is the default bound for background requests.
func (c *Config) BackgroundTimeout() time.Duration {
	return seconds(c.Requests.BackgroundTimeoutSeconds)
}

// InteractiveTimeout is the bound for interactive requests; zero means none.
func (c *Config) InteractiveTimeout() time.Duration {
	return seconds(c.Requests.InteractiveTimeoutSeconds)
}

// DiscoverySettle is how long a window waits after announce-query before
// treating its registry as converged.
func (c *Config) DiscoverySettle() time.Duration {
	return time.Duration(c.Discovery.SettleMillis) * time.Millisecond
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// defaultRuntimeDir prefers XDG_RUNTIME_DIR and falls back to a per-user
// directory under the system temp dir.
func defaultRuntimeDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "termbus")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("termbus-%d", os.Getuid()))
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// Encode renders cfg as TOML, used by `config show`.
func Encode(cfg *Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}
