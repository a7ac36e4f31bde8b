package client

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/voicewire/voicewire/pkg/crypto"
)

// Settings are the user preferences the core consumes, persisted as YAML
// next to the binary. They are validated once at session start; a bad
// value never surfaces mid-session.
type Settings struct {
	ServerAddr string `yaml:"server_addr"`
	PlayerName string `yaml:"player_name"`

	ActivationMode  string  `yaml:"activation_mode"` // "voice" or "continuous"
	VADThreshold    float64 `yaml:"vad_threshold"`
	VADHoldFrames   int     `yaml:"vad_hold_frames"`
	PreBufferFrames int     `yaml:"pre_buffer_frames"`

	Volume          float64 `yaml:"volume"`
	JitterLookAhead int     `yaml:"jitter_look_ahead"`
	SilenceTimeout  int     `yaml:"silence_timeout_ms"`
	KeepAlive       int     `yaml:"keep_alive_ms"`

	Bitrate     int    `yaml:"bitrate"`
	CipherSuite string `yaml:"cipher_suite"`

	InputDevice  string `yaml:"input_device,omitempty"`
	OutputDevice string `yaml:"output_device,omitempty"`
}

// DefaultSettings returns the defaults used when no file exists.
func DefaultSettings() *Settings {
	return &Settings{
		ActivationMode:  string(ModeVoice),
		VADThreshold:    200,
		VADHoldFrames:   15, // 300ms at 20ms/frame
		PreBufferFrames: 3,  // 60ms
		Volume:          1.0,
		JitterLookAhead: defaultLookAhead,
		SilenceTimeout:  int(DefaultSilenceTimeout.Milliseconds()),
		KeepAlive:       int(DefaultKeepAliveInterval.Milliseconds()),
		Bitrate:         64000,
		CipherSuite:     string(crypto.SuiteAESGCM),
	}
}

// Validate checks every field the pipelines consume.
func (s *Settings) Validate() error {
	if _, err := ParseActivationMode(s.ActivationMode); err != nil {
		return err
	}
	if _, err := crypto.ParseSuite(s.CipherSuite); err != nil {
		return err
	}
	if s.VADThreshold < 0 {
		return fmt.Errorf("client: vad_threshold must be >= 0")
	}
	if s.VADHoldFrames < 0 || s.PreBufferFrames < 0 {
		return fmt.Errorf("client: vad frame counts must be >= 0")
	}
	if s.Volume < 0 || s.Volume > 4 {
		return fmt.Errorf("client: volume %v out of range [0, 4]", s.Volume)
	}
	if s.JitterLookAhead < 1 || s.JitterLookAhead > 64 {
		return fmt.Errorf("client: jitter_look_ahead %d out of range [1, 64]", s.JitterLookAhead)
	}
	if s.SilenceTimeout <= 0 {
		return fmt.Errorf("client: silence_timeout_ms must be > 0")
	}
	if s.KeepAlive <= 0 {
		return fmt.Errorf("client: keep_alive_ms must be > 0")
	}
	return nil
}

// DefaultSettingsPath is the settings file next to the executable.
func DefaultSettingsPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "settings.yaml"
	}
	return filepath.Join(filepath.Dir(exe), "settings.yaml")
}

// LoadSettings reads settings from path, falling back to defaults when
// the file is missing or unreadable.
func LoadSettings(path string) *Settings {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		slog.Error("parse settings", "path", path, "err", err)
		return DefaultSettings()
	}
	return s
}

// Save writes the settings to path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
