// Package config handles YAML configuration loading, environment variable
// expansion, and structural validation for cronkeep.
package config

import "gopkg.in/yaml.v3"

// Config is the top-level configuration structure.
//
//	version: "1"
//	modules:
//	  store.sqlite:
//	    path: /var/lib/cronkeep/cronkeep.db
//	  scheduler:
//	    tick: 30s
//	    workers: 4
//	  gateway.http:
//	    bind: 127.0.0.1:8480
type Config struct {
	// Version is the config format version. Currently only "1" is supported.
	Version string `yaml:"version"`

	// Modules maps module IDs to their raw YAML configuration.
	// Keys must match registered module IDs (e.g. "store.sqlite").
	Modules map[string]yaml.Node `yaml:"modules"`
}
