package postgres

import (
	"errors"
	"time"
)

const (
	defaultMaxOpenConns    = 10
	defaultConnMaxLifetime = 5 * time.Minute
)

// Config holds the PostgreSQL store module configuration.
type Config struct {
	// DSN is a lib/pq connection string, e.g.
	// "postgres://cronkeep:${PGPASSWORD}@db/cronkeep?sslmode=disable".
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the connection pool. Defaults to 10.
	MaxOpenConns int `yaml:"max_open_conns"`

	// ConnMaxLifetime recycles pooled connections. Defaults to 5 minutes.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func (c *Config) defaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.DSN == "" {
		errs = append(errs, errors.New("postgres: dsn is required"))
	}
	if c.MaxOpenConns < 0 {
		errs = append(errs, errors.New("postgres: max_open_conns must be non-negative"))
	}
	return errors.Join(errs...)
}
