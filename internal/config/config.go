// Package config handles daemon configuration file management.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	configFileName = "config.toml"
	envFileName    = "playd.env"

	socketFileName = "playd.sock"
	pidFileName    = "playd.pid"
)

// Config represents the daemon configuration
type Config struct {
	Storage  StorageConfig  `toml:"storage"`
	Playback PlaybackConfig `toml:"playback"`
	Audio    AudioConfig    `toml:"audio"`
	Daemon   DaemonConfig   `toml:"daemon"`
	Media    MediaConfig    `toml:"media"`
	Log      LogConfig      `toml:"log"`
}

// StorageConfig locates the data directory and the audio library
type StorageConfig struct {
	// Path is the data directory holding the socket, pid file and library
	Path string `toml:"path" default:"~/.playd" validate:"required"`

	// Library is the directory scanned for audio files (default: <path>/audio)
	Library string `toml:"library"`
}

// PlaybackConfig contains playback defaults
type PlaybackConfig struct {
	DefaultVolume int `toml:"default_volume" default:"80" validate:"gte=0,lte=100"`
}

// AudioConfig contains audio-related settings
type AudioConfig struct {
	SampleRate   int    `toml:"sample_rate" default:"44100" validate:"oneof=22050 44100 48000 96000"`
	BufferSizeMs int    `toml:"buffer_ms" default:"100" validate:"gte=10,lte=2000"`
	Decoder      string `toml:"decoder" default:"auto" validate:"oneof=auto ffmpeg native"`
}

// DaemonConfig contains lifecycle and IPC settings
type DaemonConfig struct {
	AutoStart        bool `toml:"auto_start" default:"true"`
	RequestTimeoutMs int  `toml:"request_timeout_ms" default:"2000" validate:"gte=100"`
	StatusTimeoutMs  int  `toml:"status_timeout_ms" default:"250" validate:"gte=10"`
	StartTimeoutMs   int  `toml:"start_timeout_ms" default:"5000" validate:"gte=100"`
}

// MediaConfig toggles OS media session integration
type MediaConfig struct {
	Enabled bool `toml:"enabled" default:"true"`
}

// LogConfig configures the daemon logger
type LogConfig struct {
	Level  string `toml:"level" default:"info" validate:"oneof=debug info warn error"`
	Format string `toml:"format" default:"console" validate:"oneof=console json"`
	File   string `toml:"file"`
}

// Default returns the default configuration
func Default() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Only reachable if a default tag above is malformed.
		panic(err)
	}
	return cfg
}

// Validate checks the configuration against its constraints
func (c *Config) Validate() error {
	return validator.New().Struct(c)
}

// DataDir returns the expanded data directory
func (c *Config) DataDir() string {
	return expandHome(c.Storage.Path)
}

// LibraryDir returns the expanded audio library directory
func (c *Config) LibraryDir() string {
	if c.Storage.Library != "" {
		return expandHome(c.Storage.Library)
	}
	return filepath.Join(c.DataDir(), "audio")
}

// SocketPath returns the IPC endpoint path
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir(), socketFileName)
}

// PIDPath returns the daemon pid/lock file path
func (c *Config) PIDPath() string {
	return filepath.Join(c.DataDir(), pidFileName)
}

// RequestTimeout is how long a client may take to send its request
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Daemon.RequestTimeoutMs) * time.Millisecond
}

// StatusTimeout bounds how long a status query waits on the mutation path
func (c *Config) StatusTimeout() time.Duration {
	return time.Duration(c.Daemon.StatusTimeoutMs) * time.Millisecond
}

// StartTimeout bounds how long a detached start waits for the daemon to answer
func (c *Config) StartTimeout() time.Duration {
	return time.Duration(c.Daemon.StartTimeoutMs) * time.Millisecond
}

// DefaultConfigDir returns $XDG_CONFIG_HOME/playd or ~/.config/playd
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "playd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "playd")
	}
	return filepath.Join(home, ".config", "playd")
}

// Manager handles loading and saving configuration
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, configFileName),
		config:     Default(),
	}
}

// Load reads the configuration from disk. A missing file yields the defaults.
// Values from playd.env and PLAYD_* environment variables take precedence.
func (m *Manager) Load() error {
	cfg := Default()

	data, err := os.ReadFile(m.configPath)
	switch {
	case err == nil:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return errors.Wrapf(err, "failed to parse %s", m.configPath)
		}
	case os.IsNotExist(err):
	default:
		return errors.Wrap(err, "failed to read config file")
	}

	envPath := filepath.Join(m.configDir, envFileName)
	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to load %s", envPath)
	}
	if err := cfg.overrideFromEnv(); err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config validation failed")
	}

	m.config = cfg
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(m.config); err != nil {
		return errors.Wrap(err, "failed to encode config")
	}

	if err := os.WriteFile(m.configPath, buf.Bytes(), 0600); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	return m.config
}

func (c *Config) overrideFromEnv() error {
	if v := os.Getenv("PLAYD_DATA_DIR"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("PLAYD_LIBRARY"); v != "" {
		c.Storage.Library = v
	}
	if v := os.Getenv("PLAYD_LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("PLAYD_DECODER"); v != "" {
		c.Audio.Decoder = strings.ToLower(v)
	}
	if v := os.Getenv("PLAYD_DEFAULT_VOLUME"); v != "" {
		vol, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "invalid PLAYD_DEFAULT_VOLUME %q", v)
		}
		c.Playback.DefaultVolume = vol
	}
	return nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
