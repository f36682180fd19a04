package app

// Modules compiled into every cronkeep binary. The engine, gateway and
// telemetry packages register themselves through the imports in run.go.
import (
	_ "github.com/flemzord/cronkeep/modules/store/postgres"
	_ "github.com/flemzord/cronkeep/modules/store/sqlite"
)
