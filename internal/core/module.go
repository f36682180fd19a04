package core

// ModuleID is a dotted identifier such as "store.sqlite" or "gateway.http".
// The part before the first dot is the module's namespace.
type ModuleID string

// Namespace returns the part of the ID before the first dot.
func (id ModuleID) Namespace() string {
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			return string(id[:i])
		}
	}
	return string(id)
}

// Name returns the part of the ID after the first dot, or the whole ID
// when it has no namespace.
func (id ModuleID) Name() string {
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			return string(id[i+1:])
		}
	}
	return string(id)
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	// ID uniquely identifies the module in configuration files.
	ID ModuleID

	// New returns a fresh, unconfigured instance.
	New func() Module
}

// Module is implemented by everything the App manages. The optional
// lifecycle interfaces live in lifecycle.go.
type Module interface {
	ModuleInfo() ModuleInfo
}
