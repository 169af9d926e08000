// Package config loads the daemon's typed, on-disk JSON configuration.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/ovirt/imageio/internal/logging"
)

// RemoteConfig describes the public, TLS-terminated data listener.
type RemoteConfig struct {
	Addr         string `json:"addr"`
	CertFile     string `json:"cert_file"`
	KeyFile      string `json:"key_file"`
	CAFile       string `json:"ca_file,omitempty"`
	EnableTLS1_1 bool   `json:"enable_tls1_1,omitempty"`
}

// LocalConfig describes the host-local unix-socket data listener used by
// processes running alongside the daemon (e.g. a co-located client).
type LocalConfig struct {
	SocketPath string `json:"socket_path,omitempty"` // "" => no local data listener is started
}

// ControlConfig describes the administrative listener used to install and
// manage tickets; it may be a unix socket, a TCP address, or both.
type ControlConfig struct {
	SocketPath string `json:"socket_path,omitempty"`
	TCPAddr    string `json:"tcp_addr,omitempty"`
}

// Config is the daemon's full typed configuration, loaded from a JSON file
// on disk (§1: no config format beyond JSON is in scope).
type Config struct {
	Remote RemoteConfig `json:"remote"`
	Local  LocalConfig  `json:"local"`
	Control ControlConfig `json:"control"`

	BufferSizeBytes int `json:"buffer_size_bytes,omitempty"`
	MaxConnections  int `json:"max_connections,omitempty"`

	Logging logging.Config `json:"logging,omitempty"`

	// ConfigDir is not serialized; it records where this Config was
	// loaded from so Save() can round-trip to the same file.
	ConfigDir string `json:"-"`
}

// DefaultBufferSizeBytes matches spec.md's "typically 128 KiB to 8 MiB"
// guidance for the streaming chunk size.
const DefaultBufferSizeBytes = 1 << 20 // 1 MiB

// DefaultConfigDir returns the conventional directory for imageiod state.
func DefaultConfigDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".imageio")
}

// Default returns a Config with the service's baked-in defaults applied.
func Default() *Config {
	return &Config{
		Remote:          RemoteConfig{Addr: ":54322"},
		Control:         ControlConfig{TCPAddr: ":54323"},
		BufferSizeBytes: DefaultBufferSizeBytes,
		MaxConnections:  8,
		Logging:         logging.DefaultConfig(),
	}
}

// Load reads and unmarshals configDir/config.json, applying defaults for
// any zero-valued field left unset by the file.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	configPath := filepath.Join(configDir, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("imageiod not configured - run 'imageiod init' first")
		}
		return nil, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	cfg.ConfigDir = configDir
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.BufferSizeBytes == 0 {
		c.BufferSizeBytes = DefaultBufferSizeBytes
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 8
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig()
	}
}

// Exists reports whether a config file is present under configDir.
func Exists(configDir string) bool {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	_, err := os.Stat(filepath.Join(configDir, "config.json"))
	return err == nil
}

// Save writes the configuration back to ConfigDir/config.json.
func (c *Config) Save() error {
	if c.ConfigDir == "" {
		c.ConfigDir = DefaultConfigDir()
	}
	if err := os.MkdirAll(c.ConfigDir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(c.ConfigDir, "config.json"), data, 0600)
}
