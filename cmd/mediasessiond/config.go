package main

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/20after4/configdir"
	"gopkg.in/yaml.v3"

	"mediasessiond/internal/ipc"
	"mediasessiond/internal/mpris"
	"mediasessiond/internal/session"
	"mediasessiond/internal/thumbnail"
)

const appName = "mediasessiond"

// Config is the top-level YAML configuration for the mediasessiond daemon.
//
// Defaults and validation live here so the rest of the code can assume a
// well-formed config. Flags only override individual values.
type Config struct {
	Monitor   MonitorConfig   `yaml:"monitor"`
	MPRIS     MPRISConfig     `yaml:"mpris"`
	Thumbnail ThumbnailConfig `yaml:"thumbnail"`
	Input     InputConfig     `yaml:"input"`
	IPC       IPCConfig       `yaml:"ipc"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type MonitorConfig struct {
	// Detector is auto, event or polling.
	Detector         string `yaml:"detector"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	CallTimeoutMS    int    `yaml:"call_timeout_ms"`
	SubscriberBuffer int    `yaml:"subscriber_buffer"`
}

type MPRISConfig struct {
	PreferredPlayers []string `yaml:"preferred_players,omitempty"`
	IgnoredPlayers   []string `yaml:"ignored_players,omitempty"`
	ConnectAttempts  int      `yaml:"connect_attempts"`
}

type ThumbnailConfig struct {
	Height        int   `yaml:"height"`
	MaxBytes      int64 `yaml:"max_bytes"`
	HTTPTimeoutMS int   `yaml:"http_timeout_ms"`
	HTTPRetries   int   `yaml:"http_retries"`
}

type InputConfig struct {
	// Devices are evdev nodes to read media keys from. Empty disables key input.
	Devices []string `yaml:"devices,omitempty"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	// CORSOrigins enables CORS for browser overlays served elsewhere.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	return Config{
		Monitor: MonitorConfig{
			Detector:         string(session.DetectorAuto),
			PollIntervalMS:   int(session.DefaultPollInterval / time.Millisecond),
			CallTimeoutMS:    int(session.DefaultCallTimeout / time.Millisecond),
			SubscriberBuffer: session.DefaultSubscriberBuffer,
		},
		MPRIS: MPRISConfig{
			ConnectAttempts: mpris.DefaultConnectAttempts,
		},
		Thumbnail: ThumbnailConfig{
			Height:        thumbnail.DefaultHeight,
			MaxBytes:      thumbnail.DefaultMaxBytes,
			HTTPTimeoutMS: int(mpris.DefaultHTTPTimeout / time.Millisecond),
			HTTPRetries:   mpris.DefaultHTTPRetries,
		},
		IPC: IPCConfig{
			SocketPath: ipc.DefaultSocketPath,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Listen:  "127.0.0.1:3002",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath is the per-user config file location.
func DefaultConfigPath() string {
	return filepath.Join(configdir.LocalConfig(appName), "config.yaml")
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields and trailing documents are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err == nil {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides holds flag values to apply on top of a loaded config. A nil
// pointer means the flag was not set.
type FlagOverrides struct {
	Detector       *string
	PollIntervalMS *int

	InputDevice *string

	IPCSocketPath *string
	HTTPListen    *string
	HTTPEnabled   *bool

	LogLevel *string
}

// Apply merges the overrides into cfg. Non-nil pointers are applied even if
// they hold a zero value.
func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.Detector != nil {
		cfg.Monitor.Detector = *o.Detector
	}
	if o.PollIntervalMS != nil {
		cfg.Monitor.PollIntervalMS = *o.PollIntervalMS
	}
	if o.InputDevice != nil {
		cfg.Input.Devices = []string{*o.InputDevice}
	}
	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPListen != nil {
		cfg.HTTP.Listen = *o.HTTPListen
	}
	if o.HTTPEnabled != nil {
		cfg.HTTP.Enabled = *o.HTTPEnabled
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants and returns a user-friendly error.
func (c *Config) Validate() error {
	switch session.DetectorMode(c.Monitor.Detector) {
	case session.DetectorAuto, session.DetectorEvent, session.DetectorPolling:
	default:
		return fmt.Errorf("monitor.detector must be %q, %q or %q",
			session.DetectorAuto, session.DetectorEvent, session.DetectorPolling)
	}
	if c.Monitor.PollIntervalMS < 50 {
		return errors.New("monitor.poll_interval_ms must be >= 50")
	}
	if c.Monitor.CallTimeoutMS <= 0 {
		return errors.New("monitor.call_timeout_ms must be > 0")
	}
	if c.Monitor.SubscriberBuffer <= 0 {
		return errors.New("monitor.subscriber_buffer must be > 0")
	}

	if c.MPRIS.ConnectAttempts <= 0 {
		return errors.New("mpris.connect_attempts must be > 0")
	}
	for i, p := range c.MPRIS.PreferredPlayers {
		if p == "" {
			return fmt.Errorf("mpris.preferred_players[%d] is empty", i)
		}
	}

	if c.Thumbnail.Height <= 0 {
		return errors.New("thumbnail.height must be > 0")
	}
	if c.Thumbnail.MaxBytes <= 0 {
		return errors.New("thumbnail.max_bytes must be > 0")
	}
	if c.Thumbnail.HTTPTimeoutMS <= 0 {
		return errors.New("thumbnail.http_timeout_ms must be > 0")
	}
	if c.Thumbnail.HTTPRetries < 0 {
		return errors.New("thumbnail.http_retries must be >= 0")
	}

	for i, dev := range c.Input.Devices {
		if dev == "" {
			return fmt.Errorf("input.devices[%d] is empty", i)
		}
	}

	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}

	if c.HTTP.Enabled {
		if _, _, err := net.SplitHostPort(c.HTTP.Listen); err != nil {
			return fmt.Errorf("http.listen: %w", err)
		}
		for i, o := range c.HTTP.CORSOrigins {
			if o == "" {
				return fmt.Errorf("http.cors_origins[%d] is empty", i)
			}
		}
	}

	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	return nil
}

// MonitorOptions converts the config into session monitor options.
func (c *Config) MonitorOptions() session.Options {
	return session.Options{
		Detector:     session.DetectorMode(c.Monitor.Detector),
		PollInterval: time.Duration(c.Monitor.PollIntervalMS) * time.Millisecond,
		CallTimeout:  time.Duration(c.Monitor.CallTimeoutMS) * time.Millisecond,
	}
}

// MPRISOptions converts the config into registry options. disableEvents comes
// from the platform probe.
func (c *Config) MPRISOptions(disableEvents bool) mpris.Options {
	return mpris.Options{
		PreferredPlayers: c.MPRIS.PreferredPlayers,
		IgnoredPlayers:   c.MPRIS.IgnoredPlayers,
		ConnectAttempts:  c.MPRIS.ConnectAttempts,
		DisableEvents:    disableEvents,
		PollInterval:     time.Duration(c.Monitor.PollIntervalMS) * time.Millisecond,
		HTTPTimeout:      time.Duration(c.Thumbnail.HTTPTimeoutMS) * time.Millisecond,
		HTTPRetries:      c.Thumbnail.HTTPRetries,
	}
}

func (c *Config) ThumbnailOptions() thumbnail.Options {
	return thumbnail.Options{
		Height:   c.Thumbnail.Height,
		MaxBytes: c.Thumbnail.MaxBytes,
	}
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
