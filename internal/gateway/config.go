package gateway

import "time"

// Config holds HTTP gateway configuration.
type Config struct {
	Bind            string        `yaml:"bind"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// StreamBuffer is the per-connection event buffer of /ws/runs. A
	// client that falls further behind loses events.
	StreamBuffer int `yaml:"stream_buffer"`
}

// defaults fills zero values with sensible defaults.
func (c *Config) defaults() {
	if c.Bind == "" {
		c.Bind = "127.0.0.1:8480"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = 64
	}
}
