package server

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/voicewire/voicewire/pkg/crypto"
	"github.com/voicewire/voicewire/pkg/logging"
)

// Config holds server configuration, persisted as YAML.
type Config struct {
	BindAddr string `yaml:"bind_addr"`

	KeepAlive   int    `yaml:"keep_alive_ms"`
	CipherSuite string `yaml:"cipher_suite"`

	// OpenRegistration accepts the first Authenticate from an unknown
	// player and trusts the offered secret. For standalone servers with
	// no host issuing secrets.
	OpenRegistration bool `yaml:"open_registration"`

	DBPath string `yaml:"db_path"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// MetricsLogInterval is the cadence of the periodic metrics summary
	// in seconds; 0 disables it.
	MetricsLogInterval int `yaml:"metrics_log_interval_s"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:           ":24454",
		KeepAlive:          1000,
		CipherSuite:        string(crypto.SuiteAESGCM),
		DBPath:             "voicewire.db",
		LogLevel:           "info",
		LogFormat:          "text",
		MetricsLogInterval: 60,
	}
}

// LoadConfig reads a config file, falling back to defaults when the file
// is missing. A file that exists but does not parse is an error: running
// with half a config is worse than not starting.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Info("no config file, using defaults", "path", path)
			return cfg, nil
		}
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("server: parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks every field the server consumes.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("server: bind_addr must be set")
	}
	if c.KeepAlive <= 0 {
		return fmt.Errorf("server: keep_alive_ms must be > 0")
	}
	if _, err := crypto.ParseSuite(c.CipherSuite); err != nil {
		return err
	}
	if err := logging.Validate(c.LogLevel); err != nil {
		return err
	}
	if c.MetricsLogInterval < 0 {
		return fmt.Errorf("server: metrics_log_interval_s must be >= 0")
	}
	return nil
}

// Save writes the config to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
