package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cautelapp/carelink/internal/backend"
	"github.com/cautelapp/carelink/internal/device"
	goble "github.com/cautelapp/carelink/internal/device/go-ble"
	"github.com/cautelapp/carelink/internal/events"
	"github.com/cautelapp/carelink/internal/provisioning"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigFile names the YAML file read when --config is not given
	EnvConfigFile = "CARELINK_CONFIG"
	EnvAPIURL     = "CARELINK_API_URL"
	EnvToken      = "CARELINK_TOKEN"
	EnvStateDir   = "CARELINK_STATE_DIR"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"panic"`
	APIURL   string `yaml:"api_url" default:"http://localhost:3000"`

	// Token is the caregiver session token; prefer CARELINK_TOKEN over the file
	Token string `yaml:"token"`

	// StateDir holds the pending binding; defaults to <user config dir>/carelink
	StateDir string `yaml:"state_dir"`

	ScanWindow          time.Duration `yaml:"scan_window" default:"15s"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" default:"10s"`
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout" default:"30s"`
	WriteDelay          time.Duration `yaml:"write_delay" default:"300ms"`
	RevertDelay         time.Duration `yaml:"revert_delay" default:"3s"`

	HTTPTimeout time.Duration `yaml:"http_timeout" default:"15s"`
	HTTPRetries uint64        `yaml:"http_retries" default:"3"`

	ReconnectDelay       time.Duration `yaml:"reconnect_delay" default:"5s"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"12"`

	Preemption                 string `yaml:"preemption" default:"reject"`
	RetainProfileOnBindFailure bool   `yaml:"retain_profile_on_bind_failure" default:"true"`

	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	// GATT overrides characteristic ids for firmware builds that differ from the defaults
	GATT device.GATTProfile `yaml:"gatt"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.GATT = device.DefaultGATTProfile()
	return cfg
}

// Load builds the configuration from defaults, the YAML file at path (or
// $CARELINK_CONFIG when path is empty) and the environment, in that order.
// A missing file is an error only when it was asked for explicitly.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigFile)
		explicit = path != ""
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !explicit:
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		cfg.StateDir = v
	}
	if cfg.StateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.StateDir = filepath.Join(dir, "carelink")
		} else {
			cfg.StateDir = ".carelink"
		}
	}
	return cfg, nil
}

// Validate rejects settings the CLI cannot run with
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_url %q must be an absolute URL", c.APIURL))
	}
	for name, d := range map[string]time.Duration{
		"scan_window":          c.ScanWindow,
		"connect_timeout":      c.ConnectTimeout,
		"confirmation_timeout": c.ConfirmationTimeout,
		"http_timeout":         c.HTTPTimeout,
		"reconnect_delay":      c.ReconnectDelay,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	if c.WriteDelay < 0 || c.RevertDelay < 0 {
		errs = append(errs, errors.New("write_delay and revert_delay must not be negative"))
	}
	switch provisioning.Preemption(c.Preemption) {
	case provisioning.PreemptReject, provisioning.PreemptCancel:
	default:
		errs = append(errs, fmt.Errorf("unknown preemption %q (want reject or preempt)", c.Preemption))
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown output format %q", c.OutputFormat))
	}
	g := c.GATT
	if _, err := device.ValidateUUID(g.Service, g.DeviceInfo, g.UserID, g.SSID, g.Password, g.Status); err != nil {
		errs = append(errs, fmt.Errorf("invalid gatt section: %w", err))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel
func (c *Config) Level() (logrus.Level, error) {
	level, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return logrus.PanicLevel, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := c.Level()
	if err != nil {
		level = logrus.PanicLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Provisioning returns the state machine settings
func (c *Config) Provisioning() provisioning.Config {
	p := provisioning.DefaultConfig()
	p.ScanWindow = c.ScanWindow
	p.ConfirmationTimeout = c.ConfirmationTimeout
	p.WriteDelay = c.WriteDelay
	p.RevertDelay = c.RevertDelay
	p.Preemption = provisioning.Preemption(c.Preemption)
	p.RetainProfileOnBindFailure = c.RetainProfileOnBindFailure
	p.Profile = c.GATT
	return p
}

// Backend returns the API client settings
func (c *Config) Backend() backend.Config {
	return backend.Config{
		BaseURL:    c.APIURL,
		Timeout:    c.HTTPTimeout,
		MaxRetries: c.HTTPRetries,
	}
}

// Events returns the connection stream settings
func (c *Config) Events() events.Config {
	e := events.DefaultConfig(c.APIURL)
	e.ReconnectDelay = c.ReconnectDelay
	e.MaxReconnectAttempts = c.MaxReconnectAttempts
	return e
}

// Transport returns the go-ble transport options
func (c *Config) Transport() goble.Options {
	o := goble.DefaultOptions()
	o.ConnectTimeout = c.ConnectTimeout
	return o
}
