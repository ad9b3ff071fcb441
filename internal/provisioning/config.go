package provisioning

import (
	"fmt"
	"time"

	"github.com/cautelapp/carelink/internal/device"
	"github.com/mcuadros/go-defaults"
)

// Preemption decides what a new session does to one already past the credential step
type Preemption string

const (
	// PreemptReject refuses the new session with ErrSessionInProgress
	PreemptReject Preemption = "reject"

	// PreemptCancel cancels the in-flight session first
	PreemptCancel Preemption = "preempt"
)

// Config tunes the machine. Start from DefaultConfig; New fills zero
// durations, counts and the profile but leaves booleans as given.
type Config struct {
	Profile device.GATTProfile

	ScanWindow          time.Duration `default:"15s"`
	ConfirmationTimeout time.Duration `default:"30s"`

	// WriteDelay separates credential writes; the firmware buffers one value at a time
	WriteDelay time.Duration `default:"300ms"`

	// RevertDelay is how long a confirmation timeout stays on screen before Idle
	RevertDelay time.Duration `default:"3s"`

	Preemption                 Preemption `default:"reject"`
	RetainProfileOnBindFailure bool       `default:"true"`
	MaxCaptureAttempts         int        `default:"3"`
	WatchBuffer                int        `default:"64"`
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	cfg := Config{}
	defaults.SetDefaults(&cfg)
	cfg.Profile = device.DefaultGATTProfile()
	return cfg
}

// Validate rejects settings the machine cannot run with
func (c Config) Validate() error {
	switch c.Preemption {
	case PreemptReject, PreemptCancel:
	default:
		return fmt.Errorf("unknown preemption policy %q", c.Preemption)
	}
	if c.ScanWindow <= 0 || c.ConfirmationTimeout <= 0 {
		return fmt.Errorf("scan window and confirmation timeout must be positive")
	}
	if c.WriteDelay < 0 || c.RevertDelay < 0 {
		return fmt.Errorf("delays must not be negative")
	}
	p := c.Profile
	if _, err := device.ValidateUUID(p.Service, p.DeviceInfo, p.UserID, p.SSID, p.Password, p.Status); err != nil {
		return fmt.Errorf("invalid gatt profile: %w", err)
	}
	return nil
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Profile == (device.GATTProfile{}) {
		c.Profile = device.DefaultGATTProfile()
	}
	if c.ScanWindow == 0 {
		c.ScanWindow = d.ScanWindow
	}
	if c.ConfirmationTimeout == 0 {
		c.ConfirmationTimeout = d.ConfirmationTimeout
	}
	if c.Preemption == "" {
		c.Preemption = d.Preemption
	}
	if c.MaxCaptureAttempts <= 0 {
		c.MaxCaptureAttempts = d.MaxCaptureAttempts
	}
	if c.WatchBuffer <= 0 {
		c.WatchBuffer = d.WatchBuffer
	}
	return c
}
