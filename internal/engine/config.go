package engine

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by Config.Defaults.
const (
	DefaultTick           = 30 * time.Second
	DefaultWorkers        = 4
	DefaultTimeout        = 5 * time.Minute
	DefaultOutputLimit    = 64 << 10
	DefaultShell          = "/bin/sh"
	DefaultShutdownGrace  = 30 * time.Second
	DefaultBackoffMax     = 5 * time.Minute
	maxTick               = time.Minute
	skippedOverlapMessage = "previous run still in progress"
	droppedOutputMessage  = "output dropped: ledger refused it"
)

// Config holds the scheduler settings, decoded from the "scheduler" module
// section.
type Config struct {
	// Tick is the evaluation interval. It must be positive and at most one
	// minute so no minute of schedule resolution is missed.
	Tick time.Duration `yaml:"tick"`

	// Timezone is the IANA zone schedules are evaluated in. Empty means
	// the process's local zone.
	Timezone string `yaml:"timezone"`

	// Workers caps concurrently executing runs.
	Workers int `yaml:"workers"`

	// DefaultTimeout applies to jobs without their own timeout.
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// OutputLimit is how many trailing bytes of output a run keeps.
	OutputLimit int `yaml:"output_limit"`

	// Shell runs commands as `shell -c command`.
	Shell string `yaml:"shell"`

	// MaxConsecutiveFailures disables a job after that many failed or
	// timed out runs in a row. Zero turns the check off.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`

	// ShutdownGrace is how long Stop waits for in-flight runs before
	// cancelling them.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`

	// CatchUp starts the first evaluation window at the last saved
	// watermark instead of the start time, so one missed occurrence per job
	// fires after downtime.
	CatchUp bool `yaml:"catch_up"`

	// BackoffMax caps the delay between attempts while the store fails.
	BackoffMax time.Duration `yaml:"backoff_max"`
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.Tick == 0 {
		c.Tick = DefaultTick
	}
	if c.Workers == 0 {
		c.Workers = DefaultWorkers
	}
	if c.DefaultTimeout == 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.OutputLimit == 0 {
		c.OutputLimit = DefaultOutputLimit
	}
	if c.Shell == "" {
		c.Shell = DefaultShell
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = DefaultBackoffMax
	}
}

// Validate checks a defaulted config.
func (c *Config) Validate() error {
	var errs []error
	if c.Tick <= 0 || c.Tick > maxTick {
		errs = append(errs, fmt.Errorf("engine: tick must be in (0, %s], got %s", maxTick, c.Tick))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine: workers must be at least 1, got %d", c.Workers))
	}
	if c.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("engine: default_timeout must be positive"))
	}
	if c.OutputLimit <= 0 {
		errs = append(errs, errors.New("engine: output_limit must be positive"))
	}
	if c.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("engine: max_consecutive_failures must not be negative"))
	}
	if c.ShutdownGrace < 0 {
		errs = append(errs, errors.New("engine: shutdown_grace must not be negative"))
	}
	if c.BackoffMax < c.Tick {
		errs = append(errs, fmt.Errorf("engine: backoff_max (%s) must be at least tick (%s)", c.BackoffMax, c.Tick))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine: unknown timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// restartOnly lists the settings that only take effect on restart.
func (c *Config) restartOnly(next *Config) []string {
	var changed []string
	if c.Tick != next.Tick {
		changed = append(changed, "tick")
	}
	if c.Timezone != next.Timezone {
		changed = append(changed, "timezone")
	}
	if c.Workers != next.Workers {
		changed = append(changed, "workers")
	}
	if c.Shell != next.Shell {
		changed = append(changed, "shell")
	}
	if c.CatchUp != next.CatchUp {
		changed = append(changed, "catch_up")
	}
	return changed
}
