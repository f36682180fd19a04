package engine

import (
	"slices"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	var c Config
	c.Defaults()
	if c.Tick != DefaultTick || c.Workers != DefaultWorkers || c.Shell != DefaultShell {
		t.Errorf("defaults = %+v", c)
	}
	if c.OutputLimit != DefaultOutputLimit || c.BackoffMax != DefaultBackoffMax {
		t.Errorf("defaults = %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("defaulted config invalid: %v", err)
	}
}

func TestConfig_Decode(t *testing.T) {
	t.Parallel()

	src := `
tick: 15s
timezone: Europe/Paris
workers: 2
default_timeout: 90s
max_consecutive_failures: 3
catch_up: true
`
	var c Config
	if err := yaml.Unmarshal([]byte(src), &c); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	c.Defaults()
	if c.Tick != 15*time.Second || c.DefaultTimeout != 90*time.Second || !c.CatchUp {
		t.Errorf("decoded = %+v", c)
	}
	loc, err := c.Location()
	if err != nil || loc.String() != "Europe/Paris" {
		t.Errorf("Location() = %v, %v", loc, err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"tick too long", func(c *Config) { c.Tick = 2 * time.Minute }, "tick"},
		{"negative tick", func(c *Config) { c.Tick = -time.Second }, "tick"},
		{"negative workers", func(c *Config) { c.Workers = -1 }, "workers"},
		{"negative failures", func(c *Config) { c.MaxConsecutiveFailures = -1 }, "max_consecutive_failures"},
		{"backoff below tick", func(c *Config) { c.BackoffMax = time.Second }, "backoff_max"},
		{"unknown zone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var c Config
			c.Defaults()
			tt.mut(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestConfig_RestartOnly(t *testing.T) {
	t.Parallel()

	var a Config
	a.Defaults()
	b := a
	b.Workers = 8
	b.Timezone = "UTC"
	b.OutputLimit = 1

	got := a.restartOnly(&b)
	if !slices.Equal(got, []string{"timezone", "workers"}) {
		t.Errorf("restartOnly = %v", got)
	}
}
