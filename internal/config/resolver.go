package config

import (
	"cmp"
	"slices"

	"github.com/flemzord/cronkeep/internal/core"
)

// namespaceRank orders module namespaces for loading. Storage comes first
// so it is stopped last; the HTTP surface comes last so it stops first.
var namespaceRank = map[string]int{
	"store":     0,
	"telemetry": 1,
	"scheduler": 2,
	"gateway":   3,
}

const unrankedNamespace = 2

// Resolve returns the configured module IDs in load order: by namespace
// rank, then alphabetically. The deterministic order ensures consistent
// module loading.
func Resolve(cfg *Config) []string {
	ids := make([]string, 0, len(cfg.Modules))
	for id := range cfg.Modules {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Or(
			cmp.Compare(rank(a), rank(b)),
			cmp.Compare(a, b),
		)
	})
	return ids
}

func rank(id string) int {
	if r, ok := namespaceRank[core.ModuleID(id).Namespace()]; ok {
		return r
	}
	return unrankedNamespace
}

// StoreModule returns the configured storage module ID, or "" when none is
// configured.
func StoreModule(cfg *Config) string {
	for id := range cfg.Modules {
		if core.ModuleID(id).Namespace() == "store" {
			return id
		}
	}
	return ""
}
