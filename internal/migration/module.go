package migration

import "go.uber.org/fx"

// Module exposes the migrator to Fx.
var Module = fx.Provide(New)
