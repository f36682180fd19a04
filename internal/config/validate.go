package config

import (
	"errors"
	"fmt"
	"slices"

	"github.com/flemzord/cronkeep/internal/core"
)

// Validate checks the structural validity of a Config.
// It verifies the version field, ensures modules are present, checks that
// all referenced module IDs exist in the registry and that at most one
// storage module is configured.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Version == "" {
		errs = append(errs, errors.New("config: version field is required"))
	} else if cfg.Version != "1" {
		errs = append(errs, fmt.Errorf("config: unsupported version %q (supported: \"1\")", cfg.Version))
	}

	if len(cfg.Modules) == 0 {
		errs = append(errs, errors.New("config: at least one module must be configured"))
	}

	var stores []string
	for _, id := range Resolve(cfg) {
		if _, ok := core.GetModule(id); !ok {
			errs = append(errs, fmt.Errorf("config: unknown module %q", id))
		}
		if core.ModuleID(id).Namespace() == "store" {
			stores = append(stores, id)
		}
	}

	if len(stores) > 1 {
		slices.Sort(stores)
		errs = append(errs, fmt.Errorf("config: only one store module may be configured, got %v", stores))
	}

	return errors.Join(errs...)
}
